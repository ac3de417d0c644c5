// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program hail is a command-line utility for running and calling hail nodes.
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/hail/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

var globalFlags struct {
	Config   string `flag:"config,Path to a TOML configuration file"`
	LogLevel string `flag:"log-level,Log level (overrides config)"`
}

var serveFlags struct {
	Listen      string `flag:"listen,Address to accept connections on (overrides config)"`
	HTTPAddr    string `flag:"http,Address of the HTTP server for websockets and metrics"`
	WSPath      string `flag:"ws-path,HTTP path for websocket connections"`
	LogMessages bool   `flag:"log-messages,Log every message exchanged"`
}

var callFlags struct {
	Addr    string        `flag:"addr,Address of the hub (tcp, unix, or ws:// URL)"`
	Timeout time.Duration `flag:"timeout,Call timeout (overrides config)"`
	JSON    bool          `flag:"json,Encode the payload and decode the result as JSON"`
	Post    bool          `flag:"post,Send the request without waiting for a reply"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and calling hail nodes.",
		SetFlags: command.Flags(flax.MustBind, &globalFlags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[flags]",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "[flags] <action> [payload]",
				Help:     callHelp,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "encode",
				Usage: "<kind> <id> [action] [payload]",
				Help:  encodeHelp,
				Run:   runEncode,
			},
			{
				Name: "decode",
				Help: "Read binary messages from stdin and print them.",
				Run:  runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig returns the configuration named by the --config flag, or the
// default configuration if none was given.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if globalFlags.Config != "" {
		var err error
		cfg, err = config.Load(globalFlags.Config)
		if err != nil {
			return cfg, err
		}
	}
	if globalFlags.LogLevel != "" {
		cfg.LogLevel = globalFlags.LogLevel
	}
	return cfg, nil
}

// newLogger constructs a console logger for cfg and installs it as the
// global zerolog logger.
func newLogger(cfg config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}
	lg := zerolog.New(out).Level(cfg.Level()).With().Timestamp().Str("app", cfg.Name).Logger()
	log.Logger = lg
	return lg
}
