// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/hail"
	"github.com/vmihailenco/msgpack/v5"
)

const callHelp = `Connect to a hub as a leaf and call an action.

The payload is sent as given, unless --json is set, in which case it is
parsed as JSON and sent as msgpack. Notifications are printed as they
arrive, followed by the result. With --json, msgpack replies are printed as
JSON.`

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("wrong number of arguments")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Listen
	if callFlags.Addr != "" {
		addr = callFlags.Addr
	}
	timeout := cfg.CallTimeout
	if callFlags.Timeout > 0 {
		timeout = callFlags.Timeout
	}
	lg := newLogger(cfg)

	action := env.Args[0]
	var payload []byte
	if len(env.Args) == 2 {
		payload, err = encodePayload(env.Args[1], callFlags.JSON)
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ch, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	leaf := hail.NewNode().LogTo(lg).Start(ch)
	defer leaf.Stop()

	if callFlags.Post {
		return leaf.Post(action, payload, "")
	}
	rsp, err := leaf.Call(ctx, action, payload, &hail.CallOptions{
		Timeout:  timeout,
		Notifier: func(p []byte) { printPayload("notify", p, callFlags.JSON) },
	})
	if err != nil {
		return err
	}
	printPayload("result", rsp, callFlags.JSON)
	return nil
}

// encodePayload converts a command-line argument to a request payload.
func encodePayload(arg string, asJSON bool) ([]byte, error) {
	if !asJSON {
		return []byte(arg), nil
	}
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return msgpack.Marshal(v)
}

// printPayload prints a reply payload to stdout, with a label.
func printPayload(label string, p []byte, asJSON bool) {
	if asJSON {
		var v any
		if err := msgpack.Unmarshal(p, &v); err == nil {
			if out, err := json.Marshal(v); err == nil {
				fmt.Printf("%s: %s\n", label, out)
				return
			}
		}
	}
	fmt.Printf("%s: %q\n", label, p)
}
