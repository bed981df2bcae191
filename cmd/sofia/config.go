package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Display DisplayConfig `toml:"display"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type DisplayConfig struct {
	Style    string `toml:"style"`
	Width    int    `toml:"width"`
	Markdown bool   `toml:"markdown"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaultConfig() Config {
	return Config{
		Server:  ServerConfig{URL: "http://localhost:8080"},
		Display: DisplayConfig{Style: "dark", Width: 100, Markdown: true},
		Log:     LogConfig{Level: "warn"},
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sofia.toml"
	}
	return filepath.Join(dir, "sofia", "config.toml")
}

// loadConfig reads path over the defaults. A missing file is not an error.
// SOFIA_* environment variables win over the file.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.Server.URL = strings.TrimSuffix(strings.TrimSpace(cfg.Server.URL), "/")
	if cfg.Server.URL == "" {
		return Config{}, errors.New("server url is empty")
	}
	if cfg.Display.Width <= 0 {
		cfg.Display.Width = 100
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SOFIA_URL")); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("SOFIA_TOKEN")); v != "" {
		cfg.Server.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SOFIA_STYLE")); v != "" {
		cfg.Display.Style = v
	}
	if v := strings.TrimSpace(os.Getenv("SOFIA_WIDTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Display.Width = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SOFIA_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

// saveToken writes the login token back so the next start is signed in.
func saveToken(path string, cfg Config, token string) error {
	if path == "" {
		return nil
	}
	cfg.Server.Token = token
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
