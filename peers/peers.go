// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting and testing nodes.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/hail"
	"github.com/creachadair/hail/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// LocalName is the endpoint name of the leaf in a [Local] pair.
const LocalName = "local"

// Local is a hub connected in memory to a single leaf, suitable for testing.
// The leaf is registered on the hub under [LocalName].
type Local struct {
	Hub  *hail.Node
	Leaf *hail.Node
}

// Stop shuts down both nodes and blocks until both have exited.
func (p *Local) Stop() error {
	lerr := p.Leaf.Stop()
	herr := p.Hub.Stop()
	return errors.Join(lerr, herr)
}

// NewLocal creates a hub and a leaf connected via a direct channel without
// encoding. The nodes have detached metrics.
func NewLocal() *Local {
	h2l, l2h := channel.Direct()
	hub := hail.NewNode().Detach()
	hub.Register(LocalName, h2l)
	return &Local{
		Hub:  hub,
		Leaf: hail.NewNode().Detach().Start(l2h),
	}
}

// Star is a hub connected in memory to several named leaves.
type Star struct {
	Hub    *hail.Node
	Leaves map[string]*hail.Node
}

// NewStar creates a hub with one leaf per distinct name, each registered on
// the hub under its name. Empty and duplicate names are skipped.
func NewStar(names ...string) *Star {
	s := &Star{Hub: hail.NewNode().Detach(), Leaves: make(map[string]*hail.Node)}
	for _, name := range names {
		if _, ok := s.Leaves[name]; ok || name == "" {
			continue
		}
		h2l, l2h := channel.Direct()
		s.Hub.Register(name, h2l)
		s.Leaves[name] = hail.NewNode().Detach().Start(l2h)
	}
	return s
}

// Stop shuts down the leaves and the hub, and blocks until all have exited.
func (s *Star) Stop() error {
	var errs []error
	for _, leaf := range s.Leaves {
		errs = append(errs, leaf.Stop())
	}
	errs = append(errs, s.Hub.Stop())
	return errors.Join(errs...)
}

// An Accepter produces channels from inbound connections.
type Accepter interface {
	Accept(context.Context) (hail.Channel, error)
}

// Loop accepts connections from acc and registers each one as an endpoint of
// hub, named "conn-1", "conn-2", and so on. Loop continues until acc closes
// or ctx ends. If the hub refuses a channel, for example because it has
// stopped, the channel is closed.
//
// Loop does not stop the hub when it returns.
func Loop(ctx context.Context, acc Accepter, hub *hail.Node) error {
	for i := 1; ; i++ {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			return err
		}
		if !hub.Register(fmt.Sprintf("conn-%d", i), ch) {
			ch.Close()
		}
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (hail.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WebSocketAccepter is an [http.Handler] that upgrades inbound requests to
// websocket connections, and delivers them as channels to Accept.
type WebSocketAccepter struct {
	up    *websocket.Upgrader
	conns chan hail.Channel

	once   sync.Once
	closed chan struct{}
}

// NewWebSocketAccepter constructs a WebSocketAccepter that upgrades requests
// using up. If up == nil, a zero Upgrader is used.
func NewWebSocketAccepter(up *websocket.Upgrader) *WebSocketAccepter {
	if up == nil {
		up = new(websocket.Upgrader)
	}
	return &WebSocketAccepter{
		up:     up,
		conns:  make(chan hail.Channel),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// upgraded connection is accepted or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "not accepting connections", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	ch := channel.WebSocket(conn)
	select {
	case w.conns <- ch:
	case <-w.closed:
		ch.Close()
	case <-req.Context().Done():
		ch.Close()
	}
}

// Accept implements the [Accepter] interface. After w is closed, Accept
// reports net.ErrClosed.
func (w *WebSocketAccepter) Accept(ctx context.Context) (hail.Channel, error) {
	select {
	case ch := <-w.conns:
		return ch, nil
	case <-w.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting further connections.
func (w *WebSocketAccepter) Close() error {
	err := net.ErrClosed
	w.once.Do(func() { close(w.closed); err = nil })
	return err
}
