package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:", true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func mustUser(t *testing.T, s *Store, email string) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), User{Name: "Ada", Email: email, PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := mustUser(t, s, "Ada@Example.com ")
	if u.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", u.Email)
	}

	if _, err := s.CreateUser(ctx, User{Email: "ADA@example.com", PasswordHash: "x"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.ID != u.ID || got.EmailVerified || got.IsPremium {
		t.Fatalf("unexpected user %+v", got)
	}

	if err := s.SetEmailVerified(ctx, u.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, _ = s.GetUserByID(ctx, u.ID)
	if !got.EmailVerified {
		t.Fatalf("expected verified email")
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChatUpsertRoundTripAndOwnership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	created, err := s.UpsertChat(ctx, Chat{UserID: alice.ID, Title: "first", MessagesJSON: `[{"role":"user","text":"hi"}]`})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}

	updated, err := s.UpsertChat(ctx, Chat{ID: created.ID, UserID: alice.ID, Title: "first", MessagesJSON: `[{"role":"user","text":"hi"},{"role":"assistant","text":"hello"}]`})
	if err != nil {
		t.Fatalf("update chat: %v", err)
	}
	if updated.MessagesJSON != `[{"role":"user","text":"hi"},{"role":"assistant","text":"hello"}]` {
		t.Fatalf("unexpected messages %s", updated.MessagesJSON)
	}

	if _, err := s.UpsertChat(ctx, Chat{ID: created.ID, UserID: bob.ID, Title: "hijack"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected foreign upsert to report ErrNotFound, got %v", err)
	}
	if _, err := s.GetChat(ctx, bob.ID, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected bob to not see alice's chat, got %v", err)
	}

	second, err := s.UpsertChat(ctx, Chat{UserID: alice.ID, Title: "second"})
	if err != nil {
		t.Fatalf("create second chat: %v", err)
	}
	chats, err := s.ListChats(ctx, alice.ID)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != second.ID {
		t.Fatalf("expected newest chat first, got %+v", chats)
	}
	if chats[0].MessagesJSON != "[]" {
		t.Fatalf("expected empty messages default, got %q", chats[0].MessagesJSON)
	}
}

func TestRenameAndDeleteChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "carol@example.com")

	c, err := s.UpsertChat(ctx, Chat{UserID: u.ID, Title: "old"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := s.RenameChat(ctx, u.ID, c.ID, "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := s.GetChat(ctx, u.ID, c.ID)
	if got.Title != "new" {
		t.Fatalf("expected renamed title, got %q", got.Title)
	}
	if err := s.RenameChat(ctx, u.ID, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on rename, got %v", err)
	}
	if err := s.DeleteChat(ctx, u.ID, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteChat(ctx, u.ID, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLibraryFilesAndDeleteUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "dan@example.com")

	f, err := s.AddLibraryFile(ctx, LibraryFile{UserID: u.ID, FileName: "a.png", FileType: "image/png", FileData: "aGk="})
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	files, err := s.ListLibraryFiles(ctx, u.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].ID != f.ID || files[0].FileData != "aGk=" {
		t.Fatalf("unexpected files %+v", files)
	}
	if _, err := s.UpsertChat(ctx, Chat{UserID: u.ID, Title: "t"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	files, _ = s.ListLibraryFiles(ctx, u.ID)
	chats, _ := s.ListChats(ctx, u.ID)
	if len(files) != 0 || len(chats) != 0 {
		t.Fatalf("expected cascade cleanup, got %d files %d chats", len(files), len(chats))
	}
	if err := s.DeleteLibraryFile(ctx, u.ID, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogActionSanitizesMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.LogAction(ctx, AuditEntry{UserID: "u1", Action: "login", MetaJSON: "{not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	n, err := s.CountActions(ctx, "u1", "login")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one entry, got %d", n)
	}
}
