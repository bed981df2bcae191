package main

import (
	"context"
	"errors"
	"strings"

	"github.com/peterh/liner"

	"sofia/internal/chat"
	"sofia/internal/voice"
)

var errVoiceEnded = errors.New("voice mode ended")

// lineRecognizer stands in for a microphone: each typed line is one
// utterance.
type lineRecognizer struct {
	line *liner.State
}

func (l *lineRecognizer) Listen(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := l.line.Prompt(voiceBadge.Render("listening") + " ")
	if err != nil {
		return "", errVoiceEnded
	}
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", voice.ErrNoSpeech
	case strings.EqualFold(text, "/end"):
		return "", errVoiceEnded
	}
	return text, nil
}

type printSynthesizer struct {
	out *renderer
}

func (p *printSynthesizer) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.out.turn(chat.Turn{Role: chat.RoleAssistant, Text: text})
	return nil
}
