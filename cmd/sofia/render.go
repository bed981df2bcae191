package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"sofia/internal/chat"
	"sofia/internal/client"
	"sofia/internal/voice"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	sofiaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true).Underline(true)
	badgeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214")).Padding(0, 1)
	voiceBadge   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("141")).Padding(0, 1)
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	limitWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
)

type renderer struct {
	out      io.Writer
	markdown *glamour.TermRenderer
}

func newRenderer(out io.Writer, cfg DisplayConfig) *renderer {
	r := &renderer{out: out}
	if !cfg.Markdown {
		return r
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(cfg.Style),
		glamour.WithWordWrap(cfg.Width),
	)
	if err == nil {
		r.markdown = md
	}
	return r
}

func (r *renderer) body(text string) string {
	if r.markdown == nil {
		return text
	}
	out, err := r.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (r *renderer) turn(t chat.Turn) {
	switch t.Role {
	case chat.RoleUser:
		label := userStyle.Render("you")
		switch t.Mode {
		case chat.ModeWebSearch:
			label += " " + badgeStyle.Render("web")
		case chat.ModeMicInput:
			label += " " + voiceBadge.Render("mic")
		}
		text := t.Text
		if t.Attachment != nil {
			text = strings.TrimSpace(text + " [" + t.Attachment.Name + "]")
		}
		fmt.Fprintf(r.out, "%s %s\n", label, text)
	case chat.RoleAssistant:
		fmt.Fprintf(r.out, "%s\n%s\n", sofiaStyle.Render("sofia"), r.body(t.Text))
	default:
		fmt.Fprintln(r.out, systemStyle.Render(t.Text))
	}
}

func (r *renderer) transcript(turns []chat.Turn) {
	for _, t := range turns {
		r.turn(t)
	}
}

func (r *renderer) info(format string, args ...any) {
	fmt.Fprintln(r.out, infoStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *renderer) errorf(err error) {
	fmt.Fprintln(r.out, errorStyle.Render("error:")+" "+err.Error())
}

func (r *renderer) warn(msg string) {
	fmt.Fprintln(r.out, limitWarning.Render(msg))
}

func (r *renderer) chats(list []client.PersistedChat) {
	if len(list) == 0 {
		r.info("no saved chats")
		return
	}
	fmt.Fprintln(r.out, headerStyle.Render("Saved chats"))
	for _, c := range list {
		fmt.Fprintf(r.out, "  %s  %s\n", idStyle.Render(c.ID), c.Title)
	}
}

func (r *renderer) files(list []client.LibraryFile) {
	if len(list) == 0 {
		r.info("library is empty")
		return
	}
	fmt.Fprintln(r.out, headerStyle.Render("Library"))
	for _, f := range list {
		fmt.Fprintf(r.out, "  %s  %s %s\n", idStyle.Render(f.ID), f.FileName, infoStyle.Render(f.FileType))
	}
}

func (r *renderer) usage(plan chat.PlanTier, used chat.UsageCounts, limits chat.UsageLimits) {
	fmt.Fprintln(r.out, headerStyle.Render("Usage"))
	if plan.Unmetered() {
		fmt.Fprintf(r.out, "  plan %s, no limits (messages %d, web searches %d)\n", plan, used.Messages, used.WebSearches)
		return
	}
	fmt.Fprintf(r.out, "  plan %s\n  messages %d/%d this month\n  web searches %d/%d today\n",
		plan, used.Messages, limits.Messages, used.WebSearches, limits.WebSearches)
}

func (r *renderer) voiceState(s voice.State) {
	fmt.Fprintln(r.out, voiceBadge.Render(s.String()))
}

func prompt(temporary bool, mode chat.Mode) string {
	p := "sofia"
	if temporary {
		p += " (temp)"
	}
	switch mode {
	case chat.ModeWebSearch:
		p += " [web]"
	case chat.ModeMicInput:
		p += " [mic]"
	}
	return promptStyle.Render(p+">") + " "
}
