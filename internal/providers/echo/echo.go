package echo

import (
	"context"
	"fmt"
	"strings"

	"sofia/internal/providers"
)

// Client answers without any upstream call. Used for local development and
// tests.
type Client struct{}

func New() *Client { return &Client{} }

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return providers.ChatResponse{}, err
	}
	text := fmt.Sprintf("You are using the '%s' model. You typed: '%s'", req.Model, strings.TrimSpace(req.UserPrompt))
	if req.FileData != "" {
		text += fmt.Sprintf(" (with a %s attachment)", req.FileType)
	}
	if req.WebSearch {
		text += " [web search]"
	}
	return providers.ChatResponse{Text: text}, nil
}
