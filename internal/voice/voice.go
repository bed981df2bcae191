// Package voice runs the hands-free conversation loop: listen for an
// utterance, send it through the session controller, speak the reply, and
// listen again.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sofia/internal/chat"
	"sofia/internal/session"
)

type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	default:
		return "idle"
	}
}

var (
	// ErrNoSpeech is returned by a Recognizer when the listening window
	// closed without an utterance.
	ErrNoSpeech = errors.New("no speech detected")
	ErrRunning  = errors.New("voice loop already running")
)

type Recognizer interface {
	Listen(ctx context.Context) (string, error)
}

type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// Controller is the part of *session.Controller the loop drives.
type Controller interface {
	SetMode(mode chat.Mode) error
	ClearMode()
	SubmitMessage(ctx context.Context, text string, att *chat.Attachment) (chat.Turn, error)
}

var _ Controller = (*session.Controller)(nil)

type Config struct {
	Controller  Controller
	Recognizer  Recognizer
	Synthesizer Synthesizer
	OnState     func(State)
	Logger      zerolog.Logger
}

type Loop struct {
	cfg Config

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
}

func New(cfg Config) *Loop {
	return &Loop{cfg: cfg}
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// End stops a running loop. Run returns once the current step unwinds.
func (l *Loop) End() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run blocks until the loop ends. Ending through End or ctx returns nil.
// Usage limits, recognition and synthesis failures end the loop with an
// error. A failed relay is spoken as a notice and the loop keeps listening.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	if err := l.cfg.Controller.SetMode(chat.ModeVoice); err != nil {
		l.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		cancel()
		l.cfg.Controller.ClearMode()
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
		l.setState(Idle)
	}()

	log := l.cfg.Logger.With().Str("component", "voice").Logger()
	l.setState(Listening)
	for {
		text, err := l.cfg.Recognizer.Listen(runCtx)
		if runCtx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNoSpeech) || (err == nil && strings.TrimSpace(text) == "") {
			continue
		}
		if err != nil {
			return fmt.Errorf("recognize speech: %w", err)
		}

		l.setState(Thinking)
		reply, err := l.cfg.Controller.SubmitMessage(runCtx, text, nil)
		if runCtx.Err() != nil {
			return nil
		}
		if err != nil {
			var te *session.TransportError
			if !errors.As(err, &te) {
				return err
			}
			log.Warn().Err(err).Msg("relay failed; speaking notice")
		}

		l.setState(Speaking)
		if err := l.cfg.Synthesizer.Speak(runCtx, reply.Text); err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("speak reply: %w", err)
		}
		l.setState(Listening)
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && l.cfg.OnState != nil {
		l.cfg.OnState(s)
	}
}
