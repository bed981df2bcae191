// Package custom_http relays Sofia prompts to a self-hosted model endpoint
// that speaks plain JSON over HTTP.
package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"sofia/internal/providers"
)

var (
	ErrNoEndpoint = errors.New("relay endpoint url is not configured")
	ErrNoReply    = errors.New("relay endpoint reply has no text")
)

type Config struct {
	// Name labels status errors; defaults to "custom_http".
	Name    string
	URL     string
	APIKey  string
	Headers map[string]string
	// BodyTemplate replaces the default JSON payload. {{.APIKey}} is available.
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
	tpl *template.Template
	// tplErr is reported on the first Chat so a bad template surfaces as a
	// relay failure instead of a startup panic.
	tplErr error
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "custom_http"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		c.tpl, c.tplErr = template.New("relay_body").Option("missingkey=zero").Parse(cfg.BodyTemplate)
	}
	return c
}

var _ providers.Provider = (*Client)(nil)

// relayPayload is the body sent when no template is configured.
type relayPayload struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature"`
	FileData     string  `json:"file_data,omitempty"`
	FileType     string  `json:"file_type,omitempty"`
	WebSearch    bool    `json:"web_search,omitempty"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return providers.ChatResponse{}, ErrNoEndpoint
	}
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		text, err := c.send(ctx, body)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if attempt >= c.cfg.MaxRetries || !retryable(err) {
			return providers.ChatResponse{}, lastErr
		}
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(c.cfg.BackoffBase << attempt):
		}
	}
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.tplErr != nil {
		return nil, fmt.Errorf("parse relay body template: %w", c.tplErr)
	}
	if c.tpl == nil {
		b, err := json.Marshal(relayPayload{
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			Prompt:       req.UserPrompt,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
			FileData:     req.FileData,
			FileType:     req.FileType,
			WebSearch:    req.WebSearch,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal relay payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	err := c.tpl.Execute(&buf, struct {
		providers.ChatRequest
		APIKey string
	}{req, c.cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("render relay body: %w", err)
	}
	return buf.Bytes(), nil
}

// transportError marks a failure before any status was received.
type transportError struct{ err error }

func (e *transportError) Error() string { return "relay endpoint unreachable: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return !errors.Is(err, context.Canceled)
	}
	var se *providers.StatusError
	return errors.As(err, &se) && se.Temporary()
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read relay reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &providers.StatusError{Provider: c.cfg.Name, Code: resp.StatusCode, Body: string(raw)}
	}
	return replyText(raw)
}

// replyPaths are the shapes tried in order: flat fields first, then
// chat-completions and responses style envelopes.
var replyPaths = [][]any{
	{"text"},
	{"response"},
	{"answer"},
	{"output_text"},
	{"choices", 0, "message", "content"},
	{"choices", 0, "text"},
	{"output", 0, "content", 0, "text"},
}

func replyText(raw []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		if plain := strings.TrimSpace(string(raw)); plain != "" {
			return plain, nil
		}
		return "", fmt.Errorf("decode relay reply: %w", err)
	}
	for _, path := range replyPaths {
		if s, ok := lookup(doc, path).(string); ok && strings.TrimSpace(s) != "" {
			return s, nil
		}
	}
	return "", ErrNoReply
}

func lookup(v any, path []any) any {
	for _, step := range path {
		switch key := step.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[key]
		case int:
			s, ok := v.([]any)
			if !ok || key >= len(s) {
				return nil
			}
			v = s[key]
		}
	}
	return v
}
