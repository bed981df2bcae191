package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sofia/internal/chat"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// reserveScript takes one unit only while the counter stays within
// ARGV[2]. A rejected reservation is returned as the negated attempt.
var reserveScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
if c > tonumber(ARGV[2]) then
  redis.call("DECR", KEYS[1])
  return -c
end
return c
`)

var releaseScript = redis.NewScript(`
local c = tonumber(redis.call("GET", KEYS[1]) or "0")
if c > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

type UsageKind string

const (
	UsageMessage   UsageKind = "message"
	UsageWebSearch UsageKind = "web_search"
)

func (k UsageKind) Valid() bool {
	return k == UsageMessage || k == UsageWebSearch
}

// UsageLedger keeps per-user fixed-window counters: messages per calendar
// month and web searches per calendar day, both in UTC.
type UsageLedger struct {
	redis *redis.Client
}

func NewUsageLedger(rdb *redis.Client) *UsageLedger {
	return &UsageLedger{redis: rdb}
}

func window(kind UsageKind, now time.Time) (start, end time.Time, stamp string) {
	now = now.UTC()
	if kind == UsageWebSearch {
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), start.Format("20060102")
	}
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), start.Format("200601")
}

func (l *UsageLedger) key(userID string, kind UsageKind, now time.Time) (string, time.Time) {
	_, end, stamp := window(kind, now)
	return fmt.Sprintf("sofia:usage:%s:%s:%s", userID, kind, stamp), end
}

func (l *UsageLedger) Used(ctx context.Context, userID string, kind UsageKind, now time.Time) (int64, error) {
	key, _ := l.key(userID, kind, now)
	n, err := l.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage %s: %w", kind, err)
	}
	return n, nil
}

func (l *UsageLedger) Counts(ctx context.Context, userID string, now time.Time) (chat.UsageCounts, error) {
	messages, err := l.Used(ctx, userID, UsageMessage, now)
	if err != nil {
		return chat.UsageCounts{}, err
	}
	searches, err := l.Used(ctx, userID, UsageWebSearch, now)
	if err != nil {
		return chat.UsageCounts{}, err
	}
	return chat.UsageCounts{Messages: messages, WebSearches: searches}, nil
}

// Reserve atomically takes one unit of kind if the window still has room
// under limit. used is the count after a granted reservation, or the count
// that blocked a rejected one. Give the unit back with Release when the
// work it paid for fails.
func (l *UsageLedger) Reserve(ctx context.Context, userID string, kind UsageKind, limit int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	if !kind.Valid() {
		return false, 0, time.Time{}, fmt.Errorf("unknown usage kind %q", kind)
	}
	key, end := l.key(userID, kind, now)
	res, err := reserveScript.Run(ctx, l.redis, []string{key}, ttlUntil(end, now), limit).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("usage reserve script: %w", err)
	}
	if res < 0 {
		return false, -res - 1, end, nil
	}
	return true, res, end, nil
}

// Release returns a unit taken by Reserve. The counter never drops below
// zero.
func (l *UsageLedger) Release(ctx context.Context, userID string, kind UsageKind, now time.Time) error {
	key, _ := l.key(userID, kind, now)
	if err := releaseScript.Run(ctx, l.redis, []string{key}).Err(); err != nil {
		return fmt.Errorf("usage release script: %w", err)
	}
	return nil
}

func (l *UsageLedger) Increment(ctx context.Context, userID string, kind UsageKind, now time.Time) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown usage kind %q", kind)
	}
	key, end := l.key(userID, kind, now)
	res, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttlUntil(end, now)).Int64()
	if err != nil {
		return 0, fmt.Errorf("usage script: %w", err)
	}
	return res, nil
}

func ttlUntil(end, now time.Time) int64 {
	ttl := int64(end.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (l *UsageLedger) Reset(ctx context.Context, userID string, now time.Time) error {
	msgKey, _ := l.key(userID, UsageMessage, now)
	searchKey, _ := l.key(userID, UsageWebSearch, now)
	if err := l.redis.Del(ctx, msgKey, searchKey).Err(); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}
