package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestUsageLedgerReserveAndRelease(t *testing.T) {
	_, rdb := newTestRedis(t)
	ledger := NewUsageLedger(rdb)
	ctx := context.Background()
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, resetAt, err := ledger.Reserve(ctx, "u1", UsageWebSearch, 1, now)
	if err != nil {
		t.Fatalf("reserve#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first search reserved with used=1, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected daily reset %v", resetAt)
	}

	allowed, used, _, err = ledger.Reserve(ctx, "u1", UsageWebSearch, 1, now)
	if err != nil {
		t.Fatalf("reserve#2: %v", err)
	}
	if allowed || used != 1 {
		t.Fatalf("expected second search denied with used=1, got allowed=%v used=%d", allowed, used)
	}
	if n, _ := ledger.Used(ctx, "u1", UsageWebSearch, now); n != 1 {
		t.Fatalf("rejected reservation must not count, got %d", n)
	}

	if err := ledger.Release(ctx, "u1", UsageWebSearch, now); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.Release(ctx, "u1", UsageWebSearch, now); err != nil {
		t.Fatalf("release on empty counter: %v", err)
	}
	if n, _ := ledger.Used(ctx, "u1", UsageWebSearch, now); n != 0 {
		t.Fatalf("expected counter back at 0, got %d", n)
	}

	allowed, _, _, err = ledger.Reserve(ctx, "u1", UsageWebSearch, 1, now)
	if err != nil || !allowed {
		t.Fatalf("expected released unit to be reservable again, allowed=%v err=%v", allowed, err)
	}

	// a new UTC day opens a fresh search window
	allowed, _, _, err = ledger.Reserve(ctx, "u1", UsageWebSearch, 1, now.Add(14*time.Hour))
	if err != nil {
		t.Fatalf("reserve next day: %v", err)
	}
	if !allowed {
		t.Fatalf("expected search allowed on the next day")
	}
}

func TestUsageLedgerReserveIsAtomic(t *testing.T) {
	_, rdb := newTestRedis(t)
	ledger := NewUsageLedger(rdb)
	ctx := context.Background()
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, _, err := ledger.Reserve(ctx, "u1", UsageMessage, 5, now)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 5 {
		t.Fatalf("expected exactly 5 reservations, got %d", granted.Load())
	}
	if n, _ := ledger.Used(ctx, "u1", UsageMessage, now); n != 5 {
		t.Fatalf("expected counter 5, got %d", n)
	}
}

func TestUsageLedgerMonthlyMessagesAndReset(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ledger := NewUsageLedger(rdb)
	ctx := context.Background()
	now := time.Date(2026, 2, 27, 23, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := ledger.Increment(ctx, "u1", UsageMessage, now); err != nil {
			t.Fatalf("increment #%d: %v", i, err)
		}
	}
	counts, err := ledger.Counts(ctx, "u1", now)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Messages != 3 || counts.WebSearches != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	ttl := mr.TTL("sofia:usage:u1:message:202602")
	if ttl <= 0 || ttl > 25*time.Hour {
		t.Fatalf("expected ttl to expire at month end, got %v", ttl)
	}

	march, err := ledger.Counts(ctx, "u1", now.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("counts march: %v", err)
	}
	if march.Messages != 0 {
		t.Fatalf("expected fresh month, got %+v", march)
	}

	if err := ledger.Reset(ctx, "u1", now); err != nil {
		t.Fatalf("reset: %v", err)
	}
	counts, _ = ledger.Counts(ctx, "u1", now)
	if counts.Messages != 0 {
		t.Fatalf("expected reset counters, got %+v", counts)
	}

	if _, err := ledger.Increment(ctx, "u1", UsageKind("bogus"), now); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSessionStore(rdb, time.Hour)
	ctx := context.Background()

	first, err := store.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create#1: %v", err)
	}
	second, err := store.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create#2: %v", err)
	}

	userID, err := store.Resolve(ctx, first)
	if err != nil || userID != "u1" {
		t.Fatalf("expected u1, got %q err=%v", userID, err)
	}

	if err := store.Revoke(ctx, first); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Resolve(ctx, first); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected revoked token to be gone, got %v", err)
	}
	if err := store.Revoke(ctx, first); err != nil {
		t.Fatalf("second revoke should be a no-op: %v", err)
	}

	third, _ := store.Create(ctx, "u1")
	n, err := store.RevokeAll(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 live sessions revoked, got %d", n)
	}
	for _, tok := range []string{second, third} {
		if _, err := store.Resolve(ctx, tok); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected %s revoked, got %v", tok, err)
		}
	}
}

func TestVerificationTokensAreSingleUse(t *testing.T) {
	_, rdb := newTestRedis(t)
	tokens := NewVerificationTokens(rdb, time.Hour)
	ctx := context.Background()

	tok, err := tokens.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := tokens.Consume(ctx, tok)
	if err != nil || userID != "u1" {
		t.Fatalf("expected u1, got %q err=%v", userID, err)
	}
	if _, err := tokens.Consume(ctx, tok); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestDeduplicatorMarksOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	first, err := d.MarkIfFirst(ctx, "verify:u1")
	if err != nil || !first {
		t.Fatalf("expected first mark, got %v err=%v", first, err)
	}
	again, err := d.MarkIfFirst(ctx, "verify:u1")
	if err != nil || again {
		t.Fatalf("expected duplicate within ttl, got %v err=%v", again, err)
	}

	mr.FastForward(2 * time.Minute)
	later, err := d.MarkIfFirst(ctx, "verify:u1")
	if err != nil || !later {
		t.Fatalf("expected mark after ttl, got %v err=%v", later, err)
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "sofia:jobs", "workers", "c1", 10*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected untyped job to be rejected, got %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{Type: JobVerificationEmail}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected verification job without user to be rejected, got %v", err)
	}

	if _, err := q.Enqueue(ctx, Job{Type: JobVerificationEmail, UserID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.Type != JobVerificationEmail || job.Email != "a@example.com" || job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStreamQueueDropsUndecodableEntries(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "sofia:jobs", "workers", "c1", 10*time.Millisecond)
	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "sofia:jobs", Values: map[string]any{"job": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{Type: JobVerificationEmail, UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.UserID != "u1" {
		t.Fatalf("expected only the valid job, got %+v", msgs)
	}
	if n := rdb.XLen(ctx, "sofia:jobs").Val(); n != 1 {
		t.Fatalf("expected undecodable entry removed, stream has %d entries", n)
	}
}

func TestNilStreamQueue(t *testing.T) {
	var q *StreamQueue
	if err := q.EnsureGroup(context.Background()); !errors.Is(err, ErrNoJobStream) {
		t.Fatalf("expected ErrNoJobStream, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Job{Type: JobVerificationEmail, UserID: "u1"}); !errors.Is(err, ErrNoJobStream) {
		t.Fatalf("expected ErrNoJobStream, got %v", err)
	}
}
