// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads settings for the hail command-line tool from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds the settings for a hub started by "hail serve" and the calls
// made by "hail call".
type Config struct {
	// Name labels log output.
	Name string

	// Listen is the address the hub accepts connections on, of the form
	// "host:port", "tcp:host:port" or "unix:path".
	Listen string

	// WebSocketPath, if set, is the HTTP path on which the hub accepts
	// websocket connections. It requires HTTPAddr.
	WebSocketPath string

	// HTTPAddr, if set, is the address of an HTTP server for websocket
	// connections and metrics.
	HTTPAddr string

	// MetricsPath, if set, is the HTTP path on which node metrics are
	// exported in Prometheus format. It requires HTTPAddr.
	MetricsPath string

	// CallTimeout bounds how long a call waits for a terminal reply.
	// Zero means wait indefinitely.
	CallTimeout time.Duration

	// LogLevel is a zerolog level name.
	LogLevel string

	// LogMessages enables logging of every message exchanged.
	LogMessages bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Name:        "hail",
		Listen:      "localhost:7557",
		MetricsPath: "/metrics",
		CallTimeout: 30 * time.Second,
		LogLevel:    "info",
	}
}

type fileConfig struct {
	Name          string `toml:"name"`
	Listen        string `toml:"listen"`
	WebSocketPath string `toml:"websocket_path"`
	HTTPAddr      string `toml:"http_addr"`
	MetricsPath   string `toml:"metrics_path"`
	CallTimeout   string `toml:"call_timeout"`
	LogLevel      string `toml:"log_level"`
	LogMessages   bool   `toml:"log_messages"`
}

// Load reads a TOML configuration file from path. Settings not defined in
// the file keep their default values. The result is validated.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse is like Load, but reads the configuration from text.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("unknown config key %q", keys[0].String())
	}
	cfg := Default()
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("websocket_path") {
		cfg.WebSocketPath = strings.TrimSpace(raw.WebSocketPath)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("metrics_path") {
		cfg.MetricsPath = strings.TrimSpace(raw.MetricsPath)
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_messages") {
		cfg.LogMessages = raw.LogMessages
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports an error if c is not a usable configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("call timeout %v is negative", c.CallTimeout))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	for _, p := range []struct{ key, path string }{
		{"websocket_path", c.WebSocketPath},
		{"metrics_path", c.MetricsPath},
	} {
		if p.path != "" && !strings.HasPrefix(p.path, "/") {
			errs = append(errs, fmt.Errorf("%s %q must begin with /", p.key, p.path))
		}
	}
	if c.WebSocketPath != "" && c.HTTPAddr == "" {
		errs = append(errs, errors.New("websocket_path requires http_addr"))
	}
	if c.WebSocketPath != "" && c.WebSocketPath == c.MetricsPath {
		errs = append(errs, errors.New("websocket_path and metrics_path must differ"))
	}
	return errors.Join(errs...)
}

// Level returns the zerolog level named by c.LogLevel, or zerolog.InfoLevel
// if it is not valid.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
