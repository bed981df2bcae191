package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sofia/internal/metrics"
	"sofia/internal/queue"
	"sofia/internal/storage"
)

type Users interface {
	GetUserByID(ctx context.Context, id string) (storage.User, error)
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Worker struct {
	users         Users
	queue         *queue.StreamQueue
	mailer        Mailer
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Users         Users
	Queue         *queue.StreamQueue
	Mailer        Mailer
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.Mailer == nil {
		cfg.Mailer = NewLogMailer(cfg.Logger)
	}
	return &Worker{
		users:         cfg.Users,
		queue:         cfg.Queue,
		mailer:        cfg.Mailer,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("type", msg.Job.Type).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	if auditErr := w.users.LogAction(ctx, storage.AuditEntry{
		UserID:   msg.Job.UserID,
		Action:   "job_failed",
		MetaJSON: fmt.Sprintf(`{"type":%q,"job_id":%q}`, msg.Job.Type, msg.Job.JobID),
	}); auditErr != nil {
		log.Error().Err(auditErr).Msg("failed to record job failure")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) error {
	switch job.Type {
	case queue.JobVerificationEmail:
		return w.sendVerification(ctx, job)
	default:
		// unknown job types are dropped rather than retried forever
		w.logger.Warn().Str("type", job.Type).Str("job_id", job.JobID).Msg("skipping unknown job type")
		return nil
	}
}

func (w *Worker) sendVerification(ctx context.Context, job queue.Job) error {
	user, err := w.users.GetUserByID(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load user: %w", err)
	}
	if user.EmailVerified {
		return nil
	}
	if strings.TrimSpace(job.Link) == "" {
		return fmt.Errorf("verification job %s has no link", job.JobID)
	}

	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = "there"
	}
	email := Email{
		To:      user.Email,
		Subject: "Verify your Sofia account",
		Body:    fmt.Sprintf("Hi %s,\n\nConfirm your email address by opening the link below:\n\n%s\n\nIf you did not sign up for Sofia you can ignore this message.\n", name, job.Link),
	}
	if err := w.mailer.Send(ctx, email); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return w.users.LogAction(ctx, storage.AuditEntry{UserID: user.ID, Action: "verification_email_sent"})
}
