package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var chatColumns = []string{"id", "user_id", "title", "messages_json", "created_at", "updated_at"}

func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.MessagesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c Chat
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.UserID, &c.Title, &c.MessagesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// UpsertChat creates the chat when c.ID is empty or unknown and otherwise
// replaces its title and messages. A chat id owned by another user reports
// ErrNotFound.
func (s *Store) UpsertChat(ctx context.Context, c Chat) (Chat, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.MessagesJSON == "" {
		c.MessagesJSON = "[]"
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	q := s.sql.Insert("chats").
		Columns(chatColumns...).
		Values(c.ID, c.UserID, c.Title, c.MessagesJSON, c.CreatedAt, c.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET title=excluded.title, messages_json=excluded.messages_json, updated_at=excluded.updated_at WHERE chats.user_id = excluded.user_id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build chat upsert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Chat{}, fmt.Errorf("upsert chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Chat{}, ErrNotFound
	}
	return s.GetChat(ctx, c.UserID, c.ID)
}

func (s *Store) RenameChat(ctx context.Context, userID, chatID, title string) error {
	q := s.sql.Update("chats").
		Set("title", title).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rename chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, userID, chatID string) error {
	q := s.sql.Delete("chats").Where(sq.Eq{"id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
