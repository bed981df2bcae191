package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"sofia/internal/chat"
	"sofia/internal/client"
	"sofia/internal/session"
	"sofia/internal/voice"
)

const helpText = `Commands:
  /new                 start a new chat
  /temp                start a temporary chat (not saved)
  /save                save the current chat (promotes a temporary chat)
  /list                list saved chats
  /load <id>           open a saved chat
  /rename <id> <title> rename a saved chat
  /delete <id>         delete a saved chat
  /search              send the next message with web search
  /mic                 dictate one message
  /voice               talk hands-free; say /end to stop
  /attach <path>       attach a file to the next message
  /files               list library files
  /rmfile <id>         delete a library file
  /signup <name> <email>
  /login <email>
  /logout
  /verify              send a verification email
  /usage               show plan and usage
  /quit`

type repl struct {
	cfg        Config
	configPath string
	api        *client.Client
	ctrl       *session.Controller
	line       *liner.State
	// mic overrides the typed-line recognizer used by /mic.
	mic    voice.Recognizer
	out    *renderer
	logger zerolog.Logger
}

type command struct {
	name string
	args []string
}

func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	fields := strings.Fields(input[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func (r *repl) run(ctx context.Context) {
	for {
		st := r.ctrl.Snapshot()
		input, err := r.line.Prompt(prompt(st.Temporary, st.Mode))
		if err != nil {
			// liner.ErrPromptAborted on Ctrl+C, io.EOF on Ctrl+D
			fmt.Println()
			return
		}
		if strings.TrimSpace(input) == "" && st.PendingAttachment == nil {
			continue
		}
		r.line.AppendHistory(input)

		if cmd, ok := parseCommand(input); ok {
			if cmd.name == "quit" || cmd.name == "exit" {
				return
			}
			if err := r.dispatch(ctx, cmd); err != nil {
				r.report(err)
			}
			continue
		}
		r.send(ctx, input)
	}
}

func (r *repl) send(ctx context.Context, text string) {
	reply, err := r.ctrl.SubmitMessage(ctx, text, nil)
	var te *session.TransportError
	switch {
	case err == nil:
		r.out.turn(reply)
	case errors.As(err, &te):
		r.out.turn(reply)
		r.logger.Debug().Err(err).Msg("relay failed")
	default:
		r.report(err)
	}
}

func (r *repl) report(err error) {
	var ue *session.UsageExceededError
	switch {
	case errors.As(err, &ue) && ue.Kind == session.UsageMessages:
		r.out.warn(fmt.Sprintf("You have used all %d free messages this month. Upgrade to keep chatting.", ue.Limit))
	case errors.As(err, &ue):
		r.out.warn(fmt.Sprintf("You have used your %d free web search for today.", ue.Limit))
	case errors.Is(err, client.ErrUnauthorized):
		r.out.warn("Not logged in. Use /login <email> or /signup <name> <email>.")
	default:
		r.out.errorf(err)
	}
}

func (r *repl) dispatch(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "help":
		r.out.info(helpText)
	case "new":
		r.ctrl.StartNewChat(false)
		r.out.info("new chat")
	case "temp":
		r.ctrl.StartNewChat(true)
		r.out.info("temporary chat; nothing is saved until /save")
	case "save":
		return r.save(ctx)
	case "list":
		chats, err := r.ctrl.ListChats(ctx)
		if err != nil {
			return err
		}
		r.out.chats(chats)
	case "load":
		if len(cmd.args) != 1 {
			return errors.New("usage: /load <id>")
		}
		if err := r.ctrl.LoadChat(ctx, cmd.args[0]); err != nil {
			return err
		}
		r.out.transcript(r.ctrl.Snapshot().Turns)
	case "rename":
		if len(cmd.args) < 2 {
			return errors.New("usage: /rename <id> <title>")
		}
		return r.ctrl.RenameChat(ctx, cmd.args[0], strings.Join(cmd.args[1:], " "))
	case "delete":
		if len(cmd.args) != 1 {
			return errors.New("usage: /delete <id>")
		}
		return r.ctrl.DeleteChat(ctx, cmd.args[0])
	case "search":
		if err := r.ctrl.SetMode(chat.ModeWebSearch); err != nil {
			return err
		}
		r.out.info("web search on for the next message")
	case "mic":
		return r.dictate(ctx)
	case "voice":
		return r.voice(ctx)
	case "attach":
		if len(cmd.args) != 1 {
			return errors.New("usage: /attach <path>")
		}
		att, err := readAttachment(cmd.args[0])
		if err != nil {
			return err
		}
		r.ctrl.SetAttachment(att)
		r.out.info("attached %s (%s); press enter to send", att.Name, att.Type)
	case "files":
		files, err := r.api.ListFiles(ctx)
		if err != nil {
			return err
		}
		r.out.files(files)
	case "rmfile":
		if len(cmd.args) != 1 {
			return errors.New("usage: /rmfile <id>")
		}
		return r.api.DeleteFile(ctx, cmd.args[0])
	case "signup":
		return r.signup(ctx, cmd.args)
	case "login":
		return r.login(ctx, cmd.args)
	case "logout":
		if err := r.api.Logout(ctx); err != nil {
			return err
		}
		r.ctrl.StartNewChat(false)
		_ = saveToken(r.configPath, r.cfg, "")
		r.out.info("logged out")
	case "verify":
		if err := r.api.SendVerificationEmail(ctx); err != nil {
			return err
		}
		r.out.info("verification email sent")
	case "usage":
		if err := r.ctrl.Refresh(ctx); err != nil {
			return err
		}
		st := r.ctrl.Snapshot()
		r.out.usage(st.Plan, st.Usage, st.Limits)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return nil
}

func (r *repl) save(ctx context.Context) error {
	st := r.ctrl.Snapshot()
	if st.Temporary {
		if err := r.ctrl.PromoteTemporary(ctx); err != nil {
			return err
		}
	} else {
		if len(st.Turns) == 0 {
			return session.ErrEmptyChat
		}
		if err := r.ctrl.PersistSession(ctx); err != nil {
			return err
		}
	}
	r.out.info("saved as %s", r.ctrl.Snapshot().ChatID)
	return nil
}

func (r *repl) signup(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /signup <name> <email>")
	}
	password, err := r.line.PasswordPrompt("password: ")
	if err != nil {
		return err
	}
	if err := r.api.Signup(ctx, args[0], args[1], password); err != nil {
		return err
	}
	return r.finishLogin(ctx, args[1], password)
}

func (r *repl) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /login <email>")
	}
	password, err := r.line.PasswordPrompt("password: ")
	if err != nil {
		return err
	}
	return r.finishLogin(ctx, args[0], password)
}

func (r *repl) finishLogin(ctx context.Context, email, password string) error {
	token, err := r.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := saveToken(r.configPath, r.cfg, token); err != nil {
		r.logger.Warn().Err(err).Msg("could not store login token")
	}
	r.ctrl.StartNewChat(false)
	if err := r.ctrl.Refresh(ctx); err != nil {
		return err
	}
	r.out.info("logged in as %s", email)
	return nil
}

// dictate records one utterance and sends it as a mic_input message.
func (r *repl) dictate(ctx context.Context) error {
	if err := r.ctrl.SetMode(chat.ModeMicInput); err != nil {
		return err
	}
	rec := r.mic
	if rec == nil {
		rec = &lineRecognizer{line: r.line}
	}
	text, err := rec.Listen(ctx)
	if err != nil {
		r.ctrl.ClearMode()
		if errors.Is(err, voice.ErrNoSpeech) || errors.Is(err, errVoiceEnded) {
			r.out.info("nothing heard")
			return nil
		}
		return fmt.Errorf("recognize speech: %w", err)
	}
	r.out.turn(chat.Turn{Role: chat.RoleUser, Text: text, Mode: chat.ModeMicInput})
	r.send(ctx, text)
	return nil
}

func (r *repl) voice(ctx context.Context) error {
	loop := voice.New(voice.Config{
		Controller:  r.ctrl,
		Recognizer:  &lineRecognizer{line: r.line},
		Synthesizer: &printSynthesizer{out: r.out},
		OnState:     r.out.voiceState,
		Logger:      r.logger,
	})
	err := loop.Run(ctx)
	if errors.Is(err, errVoiceEnded) {
		return nil
	}
	return err
}

func readAttachment(path string) (*chat.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return &chat.Attachment{
		Name: filepath.Base(path),
		Type: mediaType,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}
