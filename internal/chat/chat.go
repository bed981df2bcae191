// Package chat holds the conversation types shared by the service, the API
// client and the session controller.
package chat

import (
	"strings"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Mode string

const (
	ModeNone      Mode = ""
	ModeWebSearch Mode = "web_search"
	ModeMicInput  Mode = "mic_input"
	ModeVoice     Mode = "voice_mode"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeWebSearch, ModeMicInput, ModeVoice:
		return true
	default:
		return false
	}
}

type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPremium PlanTier = "premium"
	PlanAdmin   PlanTier = "admin"
)

// Unmetered reports whether the tier bypasses usage limits entirely.
func (p PlanTier) Unmetered() bool {
	return p == PlanPremium || p == PlanAdmin
}

// Attachment is a file carried alongside a user turn. Data is base64 encoded.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type Turn struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Mode       Mode        `json:"mode,omitempty"`
}

type UsageCounts struct {
	Messages    int64 `json:"messages"`
	WebSearches int64 `json:"webSearches"`
}

type UsageLimits struct {
	Messages    int64 `json:"messages"`
	WebSearches int64 `json:"webSearches"`
}

// DefaultLimits are the free tier limits.
var DefaultLimits = UsageLimits{Messages: 15, WebSearches: 1}

const (
	TitleMaxRunes = 40
	UntitledChat  = "Untitled Chat"
)

// Title derives a chat title from the first user turn with text.
func Title(turns []Turn) string {
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > TitleMaxRunes {
			r := []rune(text)
			text = string(r[:TitleMaxRunes])
		}
		return text
	}
	return UntitledChat
}
