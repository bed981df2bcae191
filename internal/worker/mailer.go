package worker

import (
	"context"

	"github.com/rs/zerolog"
)

type Email struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer writes outgoing mail to the log instead of delivering it.
type LogMailer struct {
	logger zerolog.Logger
}

func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, e Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info().Str("to", e.To).Str("subject", e.Subject).Str("body", e.Body).Msg("outgoing email")
	return nil
}
