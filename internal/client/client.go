// Package client talks to the Sofia HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"sofia/internal/chat"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not logged in")
)

// StatusError carries a non-2xx answer and the server's error message.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server status %d", e.Code)
	}
	return fmt.Sprintf("server status %d: %s", e.Code, e.Message)
}

type RelayRequest struct {
	Text        string    `json:"text"`
	FileData    string    `json:"fileData,omitempty"`
	FileType    string    `json:"fileType,omitempty"`
	IsTemporary bool      `json:"isTemporary"`
	Mode        chat.Mode `json:"mode"`
}

type RelayResponse struct {
	Response string            `json:"response"`
	Usage    *chat.UsageCounts `json:"usage,omitempty"`
}

type PersistedChat struct {
	ID       string      `json:"id,omitempty"`
	Title    string      `json:"title"`
	Messages []chat.Turn `json:"messages"`
}

type SavedChat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type LibraryFile struct {
	ID       string `json:"_id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileData string `json:"fileData,omitempty"`
}

type UserInfo struct {
	Name          string            `json:"name,omitempty"`
	Email         string            `json:"email,omitempty"`
	IsAdmin       bool              `json:"isAdmin"`
	IsPremium     bool              `json:"isPremium"`
	UsageCounts   chat.UsageCounts  `json:"usageCounts"`
	UsageLimits   *chat.UsageLimits `json:"usageLimits,omitempty"`
	EmailVerified bool              `json:"emailVerified"`
}

func (u UserInfo) Plan() chat.PlanTier {
	switch {
	case u.IsAdmin:
		return chat.PlanAdmin
	case u.IsPremium:
		return chat.PlanPremium
	default:
		return chat.PlanFree
	}
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	return &Client{base: base, http: hc, token: cfg.Token}, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	return c.doJSON(ctx, http.MethodPost, "/signup", map[string]string{"name": name, "email": email, "password": password}, nil)
}

func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/login", map[string]string{"email": email, "password": password}, &out); err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) LogoutAll(ctx context.Context) (int, error) {
	var out struct {
		Revoked int `json:"revoked"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/logout-all", nil, &out); err != nil {
		return 0, err
	}
	c.SetToken("")
	return out.Revoked, nil
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/delete_account", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) SendVerificationEmail(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/send_verification_email", nil, nil)
}

func (c *Client) UserInfo(ctx context.Context) (UserInfo, error) {
	var out UserInfo
	err := c.doJSON(ctx, http.MethodGet, "/get_user_info", nil, &out)
	return out, err
}

func (c *Client) UpdateUsage(ctx context.Context, kind string) error {
	return c.doJSON(ctx, http.MethodPost, "/update_usage", map[string]string{"type": kind}, nil)
}

func (c *Client) Chat(ctx context.Context, req RelayRequest) (RelayResponse, error) {
	var out RelayResponse
	err := c.doJSON(ctx, http.MethodPost, "/chat", req, &out)
	return out, err
}

func (c *Client) ListChats(ctx context.Context) ([]PersistedChat, error) {
	out := make([]PersistedChat, 0)
	err := c.doJSON(ctx, http.MethodGet, "/api/chats", nil, &out)
	return out, err
}

func (c *Client) GetChat(ctx context.Context, id string) (PersistedChat, error) {
	var out PersistedChat
	err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) SaveChat(ctx context.Context, pc PersistedChat) (SavedChat, error) {
	if pc.Messages == nil {
		pc.Messages = []chat.Turn{}
	}
	var out SavedChat
	err := c.doJSON(ctx, http.MethodPost, "/api/chats", pc, &out)
	return out, err
}

func (c *Client) RenameChat(ctx context.Context, id, title string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/chats/"+url.PathEscape(id), map[string]string{"title": title}, nil)
}

func (c *Client) DeleteChat(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListFiles(ctx context.Context) ([]LibraryFile, error) {
	out := make([]LibraryFile, 0)
	err := c.doJSON(ctx, http.MethodGet, "/library/files", nil, &out)
	return out, err
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/library/files/"+url.PathEscape(id), nil, nil)
}

func (c *Client) UploadFile(ctx context.Context, name, mediaType string, data []byte) (LibraryFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	h.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return LibraryFile{}, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return LibraryFile{}, fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return LibraryFile{}, fmt.Errorf("close multipart writer: %w", err)
	}

	var out LibraryFile
	err = c.do(ctx, http.MethodPost, "/library/upload", &buf, mw.FormDataContentType(), &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	u := *c.base
	rel, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + rel.Path
	u.RawPath = ""
	u.RawQuery = rel.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &envelope)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		}
		return &StatusError{Code: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
