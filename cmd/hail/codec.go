// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/hail"
)

const encodeHelp = `Encode a binary message and write it to stdout.

The kind is one of request, notify, response, or error. A request takes an
action name followed by an optional payload; other kinds take only an
optional payload. Payloads are encoded verbatim.`

var kindNames = map[string]hail.MessageKind{
	"request":  hail.KindRequest,
	"notify":   hail.KindNotify,
	"response": hail.KindResponse,
	"error":    hail.KindError,
}

// parseMessage constructs a message from command-line arguments.
func parseMessage(args []string) (*hail.Message, error) {
	if len(args) < 2 {
		return nil, errors.New("missing kind or id")
	}
	kind, ok := kindNames[strings.ToLower(args[0])]
	if !ok {
		return nil, fmt.Errorf("unknown message kind %q", args[0])
	}
	msg := &hail.Message{Kind: kind, ID: args[1]}
	rest := args[2:]
	if kind == hail.KindRequest {
		if len(rest) == 0 {
			return nil, errors.New("missing action for request")
		}
		msg.Action, rest = rest[0], rest[1:]
	}
	switch len(rest) {
	case 0:
	case 1:
		msg.Payload = []byte(rest[0])
	default:
		return nil, fmt.Errorf("extra arguments: %q", rest[1:])
	}
	return msg, nil
}

func runEncode(env *command.Env) error {
	msg, err := parseMessage(env.Args)
	if err != nil {
		return env.Usagef("%v", err)
	}
	_, err = msg.WriteTo(os.Stdout)
	return err
}

func runDecode(env *command.Env) error {
	r := bufio.NewReader(os.Stdin)
	for {
		var msg hail.Message
		if _, err := msg.ReadFrom(r); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(msg.String())
	}
}
