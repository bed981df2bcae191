package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.Server.URL)
	require.Equal(t, 100, cfg.Display.Width)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
url = "https://sofia.example.com/"
token = "from-file"

[display]
style = "light"
width = 72
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://sofia.example.com", cfg.Server.URL)
	require.Equal(t, "from-file", cfg.Server.Token)
	require.Equal(t, "light", cfg.Display.Style)
	require.Equal(t, 72, cfg.Display.Width)

	t.Setenv("SOFIA_TOKEN", "from-env")
	t.Setenv("SOFIA_WIDTH", "60")
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Server.Token)
	require.Equal(t, 60, cfg.Display.Width)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nurl=1"), 0o600))
	_, err := loadConfig(path)
	require.Error(t, err)
}

func TestSaveTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sofia", "config.toml")
	require.NoError(t, saveToken(path, defaultConfig(), "tok-123"))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "tok-123", cfg.Server.Token)
}

func TestParseCommand(t *testing.T) {
	cmd, ok := parseCommand("  /Rename abc  New title ")
	require.True(t, ok)
	require.Equal(t, "rename", cmd.name)
	require.Equal(t, []string{"abc", "New", "title"}, cmd.args)

	_, ok = parseCommand("hello /there")
	require.False(t, ok)
	_, ok = parseCommand("/")
	require.False(t, ok)
}

func TestReadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))
	att, err := readAttachment(path)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", att.Name)
	require.Contains(t, att.Type, "text/plain")
	require.Equal(t, "aGk=", att.Data)
}
