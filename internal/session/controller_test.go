package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sofia/internal/chat"
	"sofia/internal/client"
)

type fakeBackend struct {
	mu        sync.Mutex
	usage     chat.UsageCounts
	chatCalls int
	chatErr   error
	// chatGate, when set, blocks Chat until a value is received.
	chatGate chan struct{}
	chatSeen chan struct{}
	saveErr  error
	saves    int
	nextID   int
	chats    map[string]client.PersistedChat
	// getGates blocks GetChat per id.
	getGates map[string]chan struct{}
	getSeen  chan string
	uploads  []string
	info     client.UserInfo

	// chatUntilCancel makes Chat wait for its context instead of answering.
	chatUntilCancel bool
	// omitUsage answers Chat without a usage ledger.
	omitUsage bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chats: map[string]client.PersistedChat{}, getGates: map[string]chan struct{}{}}
}

func (f *fakeBackend) Chat(ctx context.Context, req client.RelayRequest) (client.RelayResponse, error) {
	f.mu.Lock()
	gate, seen, untilCancel := f.chatGate, f.chatSeen, f.chatUntilCancel
	f.mu.Unlock()
	if seen != nil {
		seen <- struct{}{}
	}
	if untilCancel {
		<-ctx.Done()
		return client.RelayResponse{}, fmt.Errorf("POST /chat: %w", ctx.Err())
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	if f.chatErr != nil {
		return client.RelayResponse{}, f.chatErr
	}
	f.usage.Messages++
	if req.Mode == chat.ModeWebSearch {
		f.usage.WebSearches++
	}
	if f.omitUsage {
		return client.RelayResponse{Response: "echo: " + req.Text}, nil
	}
	u := f.usage
	return client.RelayResponse{Response: "echo: " + req.Text, Usage: &u}, nil
}

func (f *fakeBackend) GetChat(ctx context.Context, id string) (client.PersistedChat, error) {
	f.mu.Lock()
	gate := f.getGates[id]
	seen := f.getSeen
	f.mu.Unlock()
	if seen != nil {
		seen <- id
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.chats[id]
	if !ok {
		return client.PersistedChat{}, fmt.Errorf("GET /api/chats/%s: %w", id, client.ErrNotFound)
	}
	return pc, nil
}

func (f *fakeBackend) SaveChat(ctx context.Context, pc client.PersistedChat) (client.SavedChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return client.SavedChat{}, f.saveErr
	}
	f.saves++
	if pc.ID == "" {
		f.nextID++
		pc.ID = fmt.Sprintf("chat-%d", f.nextID)
	}
	pc.Messages = append([]chat.Turn(nil), pc.Messages...)
	f.chats[pc.ID] = pc
	return client.SavedChat{ID: pc.ID, Title: pc.Title}, nil
}

func (f *fakeBackend) ListChats(ctx context.Context) ([]client.PersistedChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]client.PersistedChat, 0, len(f.chats))
	for _, pc := range f.chats {
		out = append(out, pc)
	}
	return out, nil
}

func (f *fakeBackend) RenameChat(ctx context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.chats[id]
	if !ok {
		return client.ErrNotFound
	}
	pc.Title = title
	f.chats[id] = pc
	return nil
}

func (f *fakeBackend) DeleteChat(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[id]; !ok {
		return client.ErrNotFound
	}
	delete(f.chats, id)
	return nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, name, mediaType string, data []byte) (client.LibraryFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	return client.LibraryFile{ID: "f1", FileName: name, FileType: mediaType}, nil
}

func (f *fakeBackend) UserInfo(ctx context.Context) (client.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.info
	info.UsageCounts = f.usage
	return info, nil
}

func newController(b *fakeBackend) *Controller {
	return New(Config{Backend: b, Logger: zerolog.Nop()})
}

func TestTurnsGrowMonotonically(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	prev := 0
	for i := 0; i < 3; i++ {
		reply, err := c.SubmitMessage(ctx, fmt.Sprintf("q%d", i), nil)
		require.NoError(t, err)
		require.Equal(t, chat.RoleAssistant, reply.Role)
		n := len(c.Snapshot().Turns)
		require.Equal(t, prev+2, n)
		prev = n
	}
	st := c.Snapshot()
	require.Equal(t, "q0", st.Turns[0].Text)
	require.Equal(t, "echo: q2", st.Turns[5].Text)

	c.StartNewChat(false)
	require.Empty(t, c.Snapshot().Turns)
}

func TestTemporaryChatHasNoIDUntilPromoted(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	c.StartNewChat(true)
	for i := 0; i < 2; i++ {
		_, err := c.SubmitMessage(ctx, "secret", nil)
		require.NoError(t, err)
		require.Empty(t, c.Snapshot().ChatID)
	}
	require.NoError(t, c.PersistSession(ctx))
	require.Zero(t, b.saves)

	require.NoError(t, c.PromoteTemporary(ctx))
	st := c.Snapshot()
	require.False(t, st.Temporary)
	require.Equal(t, "chat-1", st.ChatID)
	require.Equal(t, 1, b.saves)
	require.Len(t, b.chats["chat-1"].Messages, 4)
	require.Equal(t, "secret", b.chats["chat-1"].Title)

	require.ErrorIs(t, c.PromoteTemporary(ctx), ErrNotTemporary)

	_, err := c.SubmitMessage(ctx, "now saved", nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.saves)
	require.Len(t, b.chats["chat-1"].Messages, 6)
}

func TestPromoteEmptyTemporaryChat(t *testing.T) {
	c := newController(newFakeBackend())
	c.StartNewChat(true)
	require.ErrorIs(t, c.PromoteTemporary(context.Background()), ErrEmptyChat)
	require.True(t, c.Snapshot().Temporary)
}

func TestFreeTierMessageLimit(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := c.SubmitMessage(ctx, "hi", nil)
		require.NoError(t, err)
		require.Equal(t, b.usage, c.Snapshot().Usage)
	}

	_, err := c.SubmitMessage(ctx, "one more", nil)
	var ue *UsageExceededError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, UsageMessages, ue.Kind)
	require.Equal(t, int64(15), ue.Used)
	require.Equal(t, 15, b.chatCalls)
	require.Len(t, c.Snapshot().Turns, 30)
}

func TestPremiumIsNotGated(t *testing.T) {
	b := newFakeBackend()
	b.usage = chat.UsageCounts{Messages: 15, WebSearches: 1}
	b.info = client.UserInfo{IsPremium: true}
	c := newController(b)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, chat.PlanPremium, c.Snapshot().Plan)
	require.NoError(t, c.SetMode(chat.ModeWebSearch))
	_, err := c.SubmitMessage(ctx, "hi", nil)
	require.NoError(t, err)
}

func TestModesAreExclusive(t *testing.T) {
	c := newController(newFakeBackend())
	require.NoError(t, c.SetMode(chat.ModeWebSearch))
	require.NoError(t, c.SetMode(chat.ModeVoice))
	require.Equal(t, chat.ModeVoice, c.Mode())
	require.NoError(t, c.SetMode(chat.ModeMicInput))
	require.Equal(t, chat.ModeMicInput, c.Mode())
	c.ClearMode()
	require.Equal(t, chat.ModeNone, c.Mode())
	require.ErrorIs(t, c.SetMode(chat.Mode("telepathy")), ErrInvalidMode)
}

func TestWebSearchIsSingleShotAndGated(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	require.NoError(t, c.SetMode(chat.ModeWebSearch))
	_, err := c.SubmitMessage(ctx, "news", nil)
	require.NoError(t, err)
	st := c.Snapshot()
	require.Equal(t, chat.ModeWebSearch, st.Turns[0].Mode)
	require.Equal(t, chat.ModeNone, st.Mode)
	require.Equal(t, int64(1), st.Usage.WebSearches)

	var ue *UsageExceededError
	require.True(t, errors.As(c.SetMode(chat.ModeWebSearch), &ue))
	require.Equal(t, UsageWebSearches, ue.Kind)
	require.Equal(t, chat.ModeNone, c.Mode())
}

func TestVoiceModePersistsAcrossSends(t *testing.T) {
	c := newController(newFakeBackend())
	ctx := context.Background()
	require.NoError(t, c.SetMode(chat.ModeVoice))
	for i := 0; i < 2; i++ {
		_, err := c.SubmitMessage(ctx, "talk", nil)
		require.NoError(t, err)
	}
	require.Equal(t, chat.ModeVoice, c.Mode())
}

func TestEmptySubmissionIsNoop(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	_, err := c.SubmitMessage(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptySubmission)
	require.Empty(t, c.Snapshot().Turns)
	require.Zero(t, b.chatCalls)
}

func TestRelayFailureAppendsNotice(t *testing.T) {
	b := newFakeBackend()
	b.chatErr = &client.StatusError{Code: http.StatusInternalServerError}
	c := newController(b)
	ctx := context.Background()

	notice, err := c.SubmitMessage(ctx, "hello", nil)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, chat.RoleSystem, notice.Role)
	require.Equal(t, FailureNotice, notice.Text)

	st := c.Snapshot()
	require.Len(t, st.Turns, 2)
	require.Equal(t, chat.RoleSystem, st.Turns[1].Role)
	require.Zero(t, st.Usage.Messages)
	require.False(t, st.Busy)

	b.mu.Lock()
	b.chatErr = nil
	b.mu.Unlock()
	_, err = c.SubmitMessage(ctx, "again", nil)
	require.NoError(t, err)
	require.Len(t, c.Snapshot().Turns, 4)
}

func TestServerQuotaMessageIsShown(t *testing.T) {
	b := newFakeBackend()
	b.chatErr = &client.StatusError{Code: http.StatusTooManyRequests, Message: "You have reached your monthly message limit."}
	c := newController(b)
	notice, err := c.SubmitMessage(context.Background(), "hello", nil)
	require.Error(t, err)
	require.Equal(t, "You have reached your monthly message limit.", notice.Text)
}

func TestBusyRejectsSecondSubmit(t *testing.T) {
	b := newFakeBackend()
	b.chatGate = make(chan struct{})
	b.chatSeen = make(chan struct{}, 1)
	c := newController(b)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitMessage(ctx, "first", nil)
		done <- err
	}()
	<-b.chatSeen
	require.True(t, c.Snapshot().Busy)

	_, err := c.SubmitMessage(ctx, "second", nil)
	require.ErrorIs(t, err, ErrBusy)

	close(b.chatGate)
	require.NoError(t, <-done)
	st := c.Snapshot()
	require.Len(t, st.Turns, 2)
	require.False(t, st.Busy)
	require.Equal(t, 1, b.chatCalls)
}

func TestStaleReplyAfterNewChatIsDiscarded(t *testing.T) {
	b := newFakeBackend()
	b.chatGate = make(chan struct{})
	b.chatSeen = make(chan struct{}, 1)
	c := newController(b)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitMessage(ctx, "old", nil)
		done <- err
	}()
	<-b.chatSeen
	c.StartNewChat(false)
	close(b.chatGate)

	require.ErrorIs(t, <-done, ErrStale)
	st := c.Snapshot()
	require.Empty(t, st.Turns)
	require.Empty(t, st.ChatID)
	require.Equal(t, int64(1), st.Usage.Messages)
	require.Zero(t, b.saves)
}

func TestOverlappingLoadsKeepLatest(t *testing.T) {
	b := newFakeBackend()
	b.chats["A"] = client.PersistedChat{ID: "A", Title: "a", Messages: []chat.Turn{{Role: chat.RoleUser, Text: "from A"}}}
	b.chats["B"] = client.PersistedChat{ID: "B", Title: "b", Messages: []chat.Turn{{Role: chat.RoleUser, Text: "from B"}}}
	b.getGates["A"] = make(chan struct{})
	b.getGates["B"] = make(chan struct{})
	b.getSeen = make(chan string, 2)
	c := newController(b)
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() { errA <- c.LoadChat(ctx, "A") }()
	require.Equal(t, "A", <-b.getSeen)

	errB := make(chan error, 1)
	go func() { errB <- c.LoadChat(ctx, "B") }()
	require.Equal(t, "B", <-b.getSeen)

	close(b.getGates["A"])
	require.ErrorIs(t, <-errA, ErrStale)
	require.Empty(t, c.Snapshot().Turns)

	close(b.getGates["B"])
	require.NoError(t, <-errB)
	st := c.Snapshot()
	require.Equal(t, "B", st.ChatID)
	require.Equal(t, "from B", st.Turns[0].Text)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	_, err := c.SubmitMessage(ctx, "remember this", nil)
	require.NoError(t, err)
	want := c.Snapshot()
	require.Equal(t, "chat-1", want.ChatID)

	c.StartNewChat(false)
	require.NoError(t, c.LoadChat(ctx, want.ChatID))
	got := c.Snapshot()
	require.Equal(t, want.Turns, got.Turns)
	require.Equal(t, want.ChatID, got.ChatID)
	require.False(t, got.Temporary)
}

func TestLoadMissingChatLeavesState(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()
	_, err := c.SubmitMessage(ctx, "keep me", nil)
	require.NoError(t, err)
	before := c.Snapshot()

	require.ErrorIs(t, c.LoadChat(ctx, "nope"), ErrNotFound)
	require.Equal(t, before, c.Snapshot())
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	b := newFakeBackend()
	b.saveErr = &client.StatusError{Code: http.StatusInternalServerError}
	c := newController(b)
	ctx := context.Background()

	_, err := c.SubmitMessage(ctx, "one", nil)
	require.NoError(t, err)
	require.Empty(t, c.Snapshot().ChatID)

	b.mu.Lock()
	b.saveErr = nil
	b.mu.Unlock()
	_, err = c.SubmitMessage(ctx, "two", nil)
	require.NoError(t, err)
	require.Equal(t, "chat-1", c.Snapshot().ChatID)
	require.Len(t, b.chats["chat-1"].Messages, 4)
}

func TestDeleteCurrentChatStartsNew(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()
	_, err := c.SubmitMessage(ctx, "bye", nil)
	require.NoError(t, err)
	id := c.Snapshot().ChatID

	require.NoError(t, c.RenameChat(ctx, id, " Farewell "))
	require.Equal(t, "Farewell", b.chats[id].Title)
	require.ErrorIs(t, c.RenameChat(ctx, id, " "), ErrEmptyTitle)

	require.NoError(t, c.DeleteChat(ctx, id))
	st := c.Snapshot()
	require.Empty(t, st.ChatID)
	require.Empty(t, st.Turns)
	require.ErrorIs(t, c.DeleteChat(ctx, id), ErrNotFound)

	chats, err := c.ListChats(ctx)
	require.NoError(t, err)
	require.Empty(t, chats)
}

func TestPendingAttachmentIsSentAndCleared(t *testing.T) {
	b := newFakeBackend()
	c := newController(b)
	ctx := context.Background()

	c.SetAttachment(&chat.Attachment{Name: "pic.png", Type: "image/png", Data: "aGk="})
	require.NotNil(t, c.Snapshot().PendingAttachment)

	_, err := c.SubmitMessage(ctx, "", nil)
	require.NoError(t, err)
	st := c.Snapshot()
	require.Nil(t, st.PendingAttachment)
	require.NotNil(t, st.Turns[0].Attachment)
	require.Equal(t, "pic.png", st.Turns[0].Attachment.Name)
	require.Equal(t, []string{"pic.png"}, b.uploads)
}

func TestCancelledSubmitAddsNoNotice(t *testing.T) {
	b := newFakeBackend()
	b.chatUntilCancel = true
	b.chatSeen = make(chan struct{}, 1)
	c := newController(b)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitMessage(ctx, "hello", nil)
		done <- err
	}()
	<-b.chatSeen
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	var te *TransportError
	require.False(t, errors.As(err, &te))

	st := c.Snapshot()
	require.Len(t, st.Turns, 1)
	require.Equal(t, chat.RoleUser, st.Turns[0].Role)
	require.False(t, st.Busy)
	require.Zero(t, st.Usage.Messages)
	require.Zero(t, b.saves)
}

func TestReplyWithoutUsageKeepsLedger(t *testing.T) {
	b := newFakeBackend()
	b.usage = chat.UsageCounts{Messages: 5}
	c := newController(b)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	b.omitUsage = true
	require.NoError(t, c.SetMode(chat.ModeWebSearch))
	_, err := c.SubmitMessage(ctx, "hi", nil)
	require.NoError(t, err)
	require.Equal(t, chat.UsageCounts{Messages: 6, WebSearches: 1}, c.Snapshot().Usage)
}
