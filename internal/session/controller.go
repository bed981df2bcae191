// Package session owns the state of one chat conversation: its turns,
// persistence identity, input mode and the cached usage ledger used to gate
// sends before they reach the server.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sofia/internal/chat"
	"sofia/internal/client"
)

const FailureNotice = "The AI service is currently unavailable. Please try again later."

// Backend is the subset of the HTTP API the controller drives.
// *client.Client implements it.
type Backend interface {
	Chat(ctx context.Context, req client.RelayRequest) (client.RelayResponse, error)
	GetChat(ctx context.Context, id string) (client.PersistedChat, error)
	SaveChat(ctx context.Context, pc client.PersistedChat) (client.SavedChat, error)
	ListChats(ctx context.Context) ([]client.PersistedChat, error)
	RenameChat(ctx context.Context, id, title string) error
	DeleteChat(ctx context.Context, id string) error
	UploadFile(ctx context.Context, name, mediaType string, data []byte) (client.LibraryFile, error)
	UserInfo(ctx context.Context) (client.UserInfo, error)
}

var _ Backend = (*client.Client)(nil)

type Config struct {
	Backend Backend
	Limits  chat.UsageLimits
	Plan    chat.PlanTier
	Logger  zerolog.Logger
}

// State is a point-in-time copy of the controller's state.
type State struct {
	Turns             []chat.Turn
	ChatID            string
	Temporary         bool
	Mode              chat.Mode
	PendingAttachment *chat.Attachment
	Usage             chat.UsageCounts
	Limits            chat.UsageLimits
	Plan              chat.PlanTier
	Busy              bool
}

type Controller struct {
	backend Backend
	logger  zerolog.Logger

	// persistMu serializes upserts so two saves of an unsaved chat cannot
	// both create a server record.
	persistMu sync.Mutex

	mu        sync.Mutex
	turns     []chat.Turn
	chatID    string
	temporary bool
	mode      chat.Mode
	pending   *chat.Attachment
	usage     chat.UsageCounts
	limits    chat.UsageLimits
	plan      chat.PlanTier
	busy      bool
	// epoch changes whenever the session identity is replaced.
	epoch uint64
	// loadSeq orders overlapping LoadChat calls; only the latest may apply.
	loadSeq uint64
}

func New(cfg Config) *Controller {
	if cfg.Limits == (chat.UsageLimits{}) {
		cfg.Limits = chat.DefaultLimits
	}
	if cfg.Plan == "" {
		cfg.Plan = chat.PlanFree
	}
	return &Controller{
		backend: cfg.Backend,
		logger:  cfg.Logger,
		limits:  cfg.Limits,
		plan:    cfg.Plan,
	}
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := make([]chat.Turn, len(c.turns))
	copy(turns, c.turns)
	var pending *chat.Attachment
	if c.pending != nil {
		p := *c.pending
		pending = &p
	}
	return State{
		Turns:             turns,
		ChatID:            c.chatID,
		Temporary:         c.temporary,
		Mode:              c.mode,
		PendingAttachment: pending,
		Usage:             c.usage,
		Limits:            c.limits,
		Plan:              c.plan,
		Busy:              c.busy,
	}
}

func (c *Controller) Mode() chat.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SubmitMessage sends one user turn to the relay and appends the reply.
// On a relay failure a system turn with FailureNotice is appended and a
// *TransportError is returned; the controller stays usable. A cancelled ctx
// returns its error and leaves only the user turn.
func (c *Controller) SubmitMessage(ctx context.Context, text string, att *chat.Attachment) (chat.Turn, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if att == nil {
		att = c.pending
	}
	if text == "" && att == nil {
		c.mu.Unlock()
		return chat.Turn{}, ErrEmptySubmission
	}
	if c.busy {
		c.mu.Unlock()
		return chat.Turn{}, ErrBusy
	}
	if !c.plan.Unmetered() && c.usage.Messages >= c.limits.Messages {
		err := &UsageExceededError{Kind: UsageMessages, Used: c.usage.Messages, Limit: c.limits.Messages}
		c.mu.Unlock()
		return chat.Turn{}, err
	}

	mode := c.mode
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleUser, Text: text, Attachment: att, Mode: mode})
	c.pending = nil
	if mode != chat.ModeVoice {
		c.mode = chat.ModeNone
	}
	c.busy = true
	epoch := c.epoch
	temporary := c.temporary
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	req := client.RelayRequest{Text: text, IsTemporary: temporary, Mode: mode}
	if att != nil {
		req.FileData = att.Data
		req.FileType = att.Type
		c.uploadAttachment(ctx, att)
	}

	resp, err := c.backend.Chat(ctx, req)

	c.mu.Lock()
	if err != nil {
		if c.epoch != epoch {
			c.mu.Unlock()
			return chat.Turn{}, ErrStale
		}
		// the caller gave up; that is not a service outage
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.mu.Unlock()
			c.logger.Debug().Err(err).Msg("relay cancelled")
			return chat.Turn{}, ctxErr
		}
		notice := chat.Turn{Role: chat.RoleSystem, Text: failureText(err)}
		c.turns = append(c.turns, notice)
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("mode", string(mode)).Msg("relay failed")
		return notice, &TransportError{Op: "chat", Err: err}
	}

	// usage is account level so it is folded in even for a stale reply
	if resp.Usage != nil {
		c.usage = *resp.Usage
	} else if !c.plan.Unmetered() {
		c.usage.Messages++
		if mode == chat.ModeWebSearch {
			c.usage.WebSearches++
		}
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		return chat.Turn{}, ErrStale
	}
	reply := chat.Turn{Role: chat.RoleAssistant, Text: resp.Response}
	c.turns = append(c.turns, reply)
	persist := !c.temporary
	c.mu.Unlock()

	if persist {
		if err := c.PersistSession(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("chat not saved; continuing unsaved")
		}
	}
	return reply, nil
}

func failureText(err error) string {
	var se *client.StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests && se.Message != "" {
		return se.Message
	}
	return FailureNotice
}

func (c *Controller) uploadAttachment(ctx context.Context, att *chat.Attachment) {
	data, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("file", att.Name).Msg("attachment is not valid base64; skipping library upload")
		return
	}
	if _, err := c.backend.UploadFile(ctx, att.Name, att.Type, data); err != nil {
		c.logger.Warn().Err(err).Str("file", att.Name).Msg("library upload failed")
	}
}

// SetMode switches the input mode. Modes share one field so entering one
// leaves any other. Entering web search is gated like sending a message.
func (c *Controller) SetMode(mode chat.Mode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == chat.ModeWebSearch && !c.plan.Unmetered() && c.usage.WebSearches >= c.limits.WebSearches {
		return &UsageExceededError{Kind: UsageWebSearches, Used: c.usage.WebSearches, Limit: c.limits.WebSearches}
	}
	c.mode = mode
	return nil
}

func (c *Controller) ClearMode() {
	c.mu.Lock()
	c.mode = chat.ModeNone
	c.mu.Unlock()
}

// SetAttachment stages a file for the next SubmitMessage. Nil clears it.
func (c *Controller) SetAttachment(att *chat.Attachment) {
	c.mu.Lock()
	c.pending = att
	c.mu.Unlock()
}

// StartNewChat discards the current session. Unsaved temporary turns are
// lost.
func (c *Controller) StartNewChat(temporary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(temporary)
}

func (c *Controller) resetLocked(temporary bool) {
	c.epoch++
	c.turns = nil
	c.chatID = ""
	c.temporary = temporary
	c.mode = chat.ModeNone
	c.pending = nil
}

func (c *Controller) LoadChat(ctx context.Context, id string) error {
	c.mu.Lock()
	c.loadSeq++
	seq := c.loadSeq
	epoch := c.epoch
	c.mu.Unlock()

	pc, err := c.backend.GetChat(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadSeq != seq || c.epoch != epoch {
		return ErrStale
	}
	if err != nil {
		return mapErr("load chat", err)
	}
	c.epoch++
	c.turns = append([]chat.Turn(nil), pc.Messages...)
	c.chatID = id
	c.temporary = false
	c.mode = chat.ModeNone
	c.pending = nil
	return nil
}

// PersistSession upserts the current chat. Temporary and empty sessions are
// skipped. The first save of an unsaved chat adopts the id the server
// assigned.
func (c *Controller) PersistSession(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if c.temporary || len(c.turns) == 0 {
		c.mu.Unlock()
		return nil
	}
	turns := append([]chat.Turn(nil), c.turns...)
	id := c.chatID
	epoch := c.epoch
	c.mu.Unlock()

	saved, err := c.backend.SaveChat(ctx, client.PersistedChat{ID: id, Title: chat.Title(turns), Messages: turns})
	if err != nil {
		return mapErr("save chat", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.chatID == "" {
		c.chatID = saved.ID
	}
	return nil
}

// PromoteTemporary saves a temporary chat once and turns it into a regular
// one.
func (c *Controller) PromoteTemporary(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if !c.temporary {
		c.mu.Unlock()
		return ErrNotTemporary
	}
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return ErrEmptyChat
	}
	turns := append([]chat.Turn(nil), c.turns...)
	epoch := c.epoch
	c.mu.Unlock()

	saved, err := c.backend.SaveChat(ctx, client.PersistedChat{Title: chat.Title(turns), Messages: turns})
	if err != nil {
		return mapErr("save chat", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return ErrStale
	}
	c.temporary = false
	c.chatID = saved.ID
	return nil
}

func (c *Controller) ListChats(ctx context.Context) ([]client.PersistedChat, error) {
	chats, err := c.backend.ListChats(ctx)
	if err != nil {
		return nil, mapErr("list chats", err)
	}
	return chats, nil
}

func (c *Controller) RenameChat(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := c.backend.RenameChat(ctx, id, title); err != nil {
		return mapErr("rename chat", err)
	}
	return nil
}

// DeleteChat removes a saved chat. Deleting the open chat starts a new one.
func (c *Controller) DeleteChat(ctx context.Context, id string) error {
	if err := c.backend.DeleteChat(ctx, id); err != nil {
		return mapErr("delete chat", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatID == id {
		c.resetLocked(false)
	}
	return nil
}

// Refresh replaces the cached usage ledger and plan with the server's view.
func (c *Controller) Refresh(ctx context.Context) error {
	info, err := c.backend.UserInfo(ctx)
	if err != nil {
		return mapErr("user info", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = info.UsageCounts
	c.plan = info.Plan()
	if info.UsageLimits != nil {
		c.limits = *info.UsageLimits
	}
	return nil
}

func mapErr(op string, err error) error {
	if errors.Is(err, client.ErrNotFound) {
		return ErrNotFound
	}
	return &TransportError{Op: op, Err: err}
}
