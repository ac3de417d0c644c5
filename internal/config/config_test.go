// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/hail/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "hail", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Empty(t, cfg.WebSocketPath)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hail.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "hub-1"
listen = "unix:/tmp/hail.sock"
http_addr = "127.0.0.1:8080"
websocket_path = "/ws"
call_timeout = "1500ms"
log_level = "debug"
log_messages = true
`), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hub-1", cfg.Name)
	assert.Equal(t, "unix:/tmp/hail.sock", cfg.Listen)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
	assert.Equal(t, "/ws", cfg.WebSocketPath)
	assert.Equal(t, "/metrics", cfg.MetricsPath, "unset keys keep defaults")
	assert.Equal(t, 1500*time.Millisecond, cfg.CallTimeout)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.True(t, cfg.LogMessages)
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nonesuch.toml"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"BadSyntax", `listen = `},
		{"BadDuration", `call_timeout = "soon"`},
		{"NegativeTimeout", `call_timeout = "-1s"`},
		{"BadLevel", `log_level = "loud"`},
		{"EmptyListen", `listen = ""`},
		{"UnknownKey", `colour = "blue"`},
		{"RelativePath", "http_addr = \"localhost:80\"\nwebsocket_path = \"ws\""},
		{"WebSocketNoHTTP", `websocket_path = "/ws"`},
		{"SamePaths", "http_addr = \"localhost:80\"\nwebsocket_path = \"/x\"\nmetrics_path = \"/x\""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Parse(tc.text)
			assert.Error(t, err, "Parse %q: got %+v", tc.text, cfg)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := config.Parse("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
