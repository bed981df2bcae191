package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"sofia/internal/client"
	"sofia/internal/session"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the TOML config file")
	temporary := flag.Bool("temp", false, "start in a temporary chat")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("config:"), err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parseLogLevel(cfg.Log.Level)).
		With().Timestamp().Logger()

	api, err := client.New(client.Config{BaseURL: cfg.Server.URL, Token: cfg.Server.Token})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create api client")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	ctrl := session.New(session.Config{Backend: api, Logger: logger})
	ctrl.StartNewChat(*temporary)

	r := &repl{
		cfg:        cfg,
		configPath: *configPath,
		api:        api,
		ctrl:       ctrl,
		line:       line,
		out:        newRenderer(os.Stdout, cfg.Display),
		logger:     logger,
	}
	if api.Token() != "" {
		if err := ctrl.Refresh(ctx); err != nil {
			r.out.warn("saved login is no longer valid; use /login")
		}
	}
	r.out.info("Sofia. Type /help for commands.")
	r.run(ctx)
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}
