package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sofia/internal/chat"
	"sofia/internal/client"
	"sofia/internal/session"
	"sofia/internal/voice"
)

type echoBackend struct {
	modes []chat.Mode
}

func (b *echoBackend) Chat(ctx context.Context, req client.RelayRequest) (client.RelayResponse, error) {
	b.modes = append(b.modes, req.Mode)
	return client.RelayResponse{Response: "heard: " + req.Text}, nil
}

func (b *echoBackend) GetChat(ctx context.Context, id string) (client.PersistedChat, error) {
	return client.PersistedChat{}, client.ErrNotFound
}

func (b *echoBackend) SaveChat(ctx context.Context, pc client.PersistedChat) (client.SavedChat, error) {
	return client.SavedChat{ID: "chat-1"}, nil
}

func (b *echoBackend) ListChats(ctx context.Context) ([]client.PersistedChat, error) {
	return nil, nil
}

func (b *echoBackend) RenameChat(ctx context.Context, id, title string) error { return nil }

func (b *echoBackend) DeleteChat(ctx context.Context, id string) error { return nil }

func (b *echoBackend) UploadFile(ctx context.Context, name, mediaType string, data []byte) (client.LibraryFile, error) {
	return client.LibraryFile{}, nil
}

func (b *echoBackend) UserInfo(ctx context.Context) (client.UserInfo, error) {
	return client.UserInfo{}, nil
}

type fixedRecognizer struct {
	text string
	err  error
}

func (f fixedRecognizer) Listen(ctx context.Context) (string, error) {
	return f.text, f.err
}

func newTestRepl(b *echoBackend, mic voice.Recognizer, out *bytes.Buffer) *repl {
	return &repl{
		ctrl:   session.New(session.Config{Backend: b, Logger: zerolog.Nop()}),
		mic:    mic,
		out:    newRenderer(out, DisplayConfig{}),
		logger: zerolog.Nop(),
	}
}

func TestMicCommandSendsOneDictatedMessage(t *testing.T) {
	b := &echoBackend{}
	var out bytes.Buffer
	r := newTestRepl(b, fixedRecognizer{text: "what time is it"}, &out)

	cmd, ok := parseCommand("/mic")
	require.True(t, ok)
	require.NoError(t, r.dispatch(context.Background(), cmd))

	require.Equal(t, []chat.Mode{chat.ModeMicInput}, b.modes)
	st := r.ctrl.Snapshot()
	require.Len(t, st.Turns, 2)
	require.Equal(t, chat.ModeMicInput, st.Turns[0].Mode)
	require.Equal(t, "what time is it", st.Turns[0].Text)
	require.Equal(t, chat.ModeNone, st.Mode)
	require.Contains(t, out.String(), "heard: what time is it")
}

func TestMicCommandWithNoSpeechClearsMode(t *testing.T) {
	b := &echoBackend{}
	var out bytes.Buffer
	r := newTestRepl(b, fixedRecognizer{err: voice.ErrNoSpeech}, &out)

	require.NoError(t, r.dispatch(context.Background(), command{name: "mic"}))
	require.Empty(t, b.modes)
	require.Equal(t, chat.ModeNone, r.ctrl.Mode())
	require.Contains(t, out.String(), "nothing heard")
}

func TestPromptShowsMode(t *testing.T) {
	require.Contains(t, prompt(false, chat.ModeMicInput), "[mic]")
	require.Contains(t, prompt(true, chat.ModeWebSearch), "(temp) [web]")
}
