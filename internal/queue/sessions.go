package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("token not found")

// SessionStore maps opaque login tokens to user ids. Every token is also
// indexed in a per-user set so all of a user's sessions can be revoked.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{redis: rdb, ttl: ttl}
}

func sessionKey(token string) string { return "sofia:session:" + token }
func userSessionsKey(userID string) string { return "sofia:user_sessions:" + userID }

func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

func (s *SessionStore) Create(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is empty")
	}
	token := uuid.NewString()
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, sessionKey(token), userID, s.ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), token)
	pipe.Expire(ctx, userSessionsKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

func (s *SessionStore) Resolve(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenNotFound
	}
	userID, err := s.redis.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return userID, nil
}

func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	userID, err := s.Resolve(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(token))
	pipe.SRem(ctx, userSessionsKey(userID), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll drops every session of userID and returns how many were live.
func (s *SessionStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	tokens, err := s.redis.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, sessionKey(t))
	}
	keys = append(keys, userSessionsKey(userID))
	n, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	// the index key itself is counted by DEL when present
	if len(tokens) > 0 {
		n--
	}
	return int(n), nil
}

// VerificationTokens issues single-use email verification tokens.
type VerificationTokens struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewVerificationTokens(rdb *redis.Client, ttl time.Duration) *VerificationTokens {
	return &VerificationTokens{redis: rdb, ttl: ttl}
}

func verifyKey(token string) string { return "sofia:verify:" + token }

func (v *VerificationTokens) Issue(ctx context.Context, userID string) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := v.redis.Set(ctx, verifyKey(token), userID, v.ttl).Err(); err != nil {
		return "", fmt.Errorf("issue verification token: %w", err)
	}
	return token, nil
}

func (v *VerificationTokens) Consume(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenNotFound
	}
	userID, err := v.redis.GetDel(ctx, verifyKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consume verification token: %w", err)
	}
	return userID, nil
}

type Deduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, ttl: ttl}
}

// MarkIfFirst returns true the first time key is seen within the ttl.
func (d *Deduplicator) MarkIfFirst(ctx context.Context, key string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, "sofia:dedupe:"+key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
