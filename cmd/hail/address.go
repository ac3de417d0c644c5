// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/creachadair/hail"
	"github.com/creachadair/hail/channel"
	"github.com/gorilla/websocket"
)

// splitAddress parses an address of the form "unix:path", "tcp:host:port",
// "host:port", a path containing "/", or a ws:// or wss:// URL. It returns
// the network ("unix", "tcp", or "ws") and the address.
func splitAddress(s string) (network, addr string) {
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		return "ws", s
	}
	if tag, rest, ok := strings.Cut(s, ":"); ok && (tag == "unix" || tag == "tcp") {
		return tag, rest
	}
	if strings.Contains(s, "/") && !strings.Contains(s, ":") {
		return "unix", s
	}
	return "tcp", s
}

// dial connects to the hub at addr and returns a channel for it.
func dial(ctx context.Context, addr string) (hail.Channel, error) {
	network, target := splitAddress(addr)
	if network == "ws" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", target, err)
		}
		return channel.WebSocket(conn), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
