package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobVerificationEmail mails a signup confirmation link to a user.
const JobVerificationEmail = "verification_email"

var (
	ErrNoJobStream = errors.New("job stream is not configured")
	ErrInvalidJob  = errors.New("invalid job")
)

// jobField is the stream entry field holding the JSON encoded Job.
const jobField = "job"

// Job is one unit of background account work, such as an outbound mail.
type Job struct {
	JobID      string    `json:"job_id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Link       string    `json:"link,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

func (j Job) validate() error {
	switch {
	case strings.TrimSpace(j.Type) == "":
		return fmt.Errorf("%w: type is empty", ErrInvalidJob)
	case j.Type == JobVerificationEmail && j.UserID == "":
		return fmt.Errorf("%w: %s without user", ErrInvalidJob, j.Type)
	}
	return nil
}

// StreamQueue carries account jobs from the API to the mail workers over a
// Redis stream read through one consumer group.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job Job
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

// EnsureGroup creates the stream and consumer group; an existing group is
// left untouched.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return ErrNoJobStream
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create job group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if q == nil {
		return "", ErrNoJobStream
	}
	if err := job.validate(); err != nil {
		return "", err
	}
	if job.JobID == "" {
		job.JobID = newJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode %s job: %w", job.Type, err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{jobField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	return id, nil
}

// Read claims up to count new jobs for this consumer. Entries that do not
// decode into a Job are acknowledged and dropped so they are not redelivered.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job stream %s: %w", q.stream, err)
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			job, ok := decodeJob(m.Values[jobField])
			if !ok {
				if err := q.Ack(ctx, m.ID); err != nil {
					return out, err
				}
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

func decodeJob(raw any) (Job, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil || job.Type == "" {
		return Job{}, false
	}
	return job, true
}

// Ack marks a job done and removes its entry from the stream.
func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", messageID, err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("trim job %s: %w", messageID, err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func newJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
