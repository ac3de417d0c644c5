// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/hail"
	"github.com/creachadair/hail/channel"
	"github.com/creachadair/hail/handler"
	"github.com/creachadair/hail/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/jmhodges/clock"
	"github.com/rs/zerolog"
)

// fakeChannel is a Channel that accepts sends until it is marked gone, and
// whose Recv blocks until it is closed.
type fakeChannel struct {
	gone   atomic.Bool
	sent   atomic.Int64
	once   sync.Once
	closed chan struct{}

	onSend func() error // if set, reports the result of each send
}

func newFake() *fakeChannel { return &fakeChannel{closed: make(chan struct{})} }

func (f *fakeChannel) Send(*hail.Message) error {
	if f.gone.Load() {
		return fmt.Errorf("fake: %w", hail.ErrEndpointGone)
	} else if f.onSend != nil {
		return f.onSend()
	}
	f.sent.Add(1)
	return nil
}

func (f *fakeChannel) Recv() (*hail.Message, error) {
	<-f.closed
	return nil, net.ErrClosed
}

func (f *fakeChannel) Close() error { f.once.Do(func() { close(f.closed) }); return nil }

func (f *fakeChannel) Defunct() bool { return f.gone.Load() }

func metric(n *hail.Node, name string) int64 {
	return n.Metrics().Get(name).(*expvar.Int).Value()
}

func mustCallError(t *testing.T, err error) *hail.CallError {
	t.Helper()
	var ce *hail.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Got error %[1]T (%[1]v), want *CallError", err)
	}
	return ce
}

func echo(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
	return rsp.Send(req.Payload)
}

func TestRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping nodes: %v", err)
		}
		for _, n := range []*hail.Node{loc.Hub, loc.Leaf} {
			t.Logf("Metrics at exit: %v", n.Metrics())
			for _, name := range []string{"calls_active", "calls_pending"} {
				if v := metric(n, name); v != 0 {
					t.Errorf("Metric %q = %d, want 0", name, v)
				}
			}
		}
	}()

	loc.Hub.Handle("echo", echo)
	loc.Leaf.Handle("echo", echo)
	loc.Leaf.Handle("whoami", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		if hail.ContextNode(ctx) != loc.Leaf {
			t.Error("ContextNode: wrong node in handler context")
		}
		return rsp.Send([]byte("leaf"))
	})
	loc.Hub.Handle("from", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		return rsp.Send([]byte(req.Endpoint))
	})

	tests := []struct {
		who    *hail.Node
		action string
		input  string
		want   string
	}{
		{loc.Hub, "echo", "hello", "hello"},
		{loc.Leaf, "echo", "goodbye", "goodbye"},
		{loc.Hub, "echo", "", ""},
		{loc.Hub, "whoami", "", "leaf"},
		{loc.Leaf, "from", "", peers.LocalName},
	}
	for _, tc := range tests {
		t.Run(tc.action+"-"+tc.input, func(t *testing.T) {
			got, err := tc.who.Call(t.Context(), tc.action, []byte(tc.input), nil)
			if err != nil {
				t.Fatalf("Call %q: unexpected error: %v", tc.action, err)
			}
			if string(got) != tc.want {
				t.Errorf("Call %q: got %q, want %q", tc.action, got, tc.want)
			}
		})
	}
}

func TestDouble(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	type params struct {
		N int `msgpack:"n"`
	}
	loc.Leaf.Handle("double", handler.ParamResult(func(_ context.Context, p params) int {
		return 2 * p.N
	}))

	got, err := handler.Call[int](t.Context(), loc.Hub, "double", params{N: 21}, nil)
	if err != nil {
		t.Fatalf("Call double: %v", err)
	}
	if got != 42 {
		t.Errorf("Call double: got %d, want 42", got)
	}
}

func TestErrors(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	loc.Leaf.Handle("fail", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		switch string(req.Payload) {
		case "plain":
			return errors.New("it broke")
		case "value":
			return hail.ErrorData{Message: "custom", Kind: "Custom"}
		case "pointer":
			return fmt.Errorf("wrapped: %w", &hail.ErrorData{Message: "deep"})
		case "panic":
			panic("oh no")
		case "explicit":
			return rsp.Error(hail.ErrorData{Message: "by hand"}.Encode())
		case "raw":
			return rsp.Error([]byte("not msgpack"))
		}
		return rsp.Send(nil)
	})

	tests := []struct {
		input, action string
		want          hail.ErrorData
	}{
		{"", "missing", hail.ErrorData{Message: "Action not implemented (missing)", Kind: hail.ActionNotFound}},
		{"plain", "fail", hail.ErrorData{Message: "it broke", Kind: hail.HandlerFailure}},
		{"value", "fail", hail.ErrorData{Message: "custom", Kind: "Custom"}},
		{"pointer", "fail", hail.ErrorData{Message: "deep"}},
		{"panic", "fail", hail.ErrorData{Message: "handler panicked (recovered): oh no", Kind: hail.HandlerFailure}},
		{"explicit", "fail", hail.ErrorData{Message: "by hand"}},
		{"raw", "fail", hail.ErrorData{Message: "not msgpack"}},
	}
	for _, tc := range tests {
		t.Run(tc.action+"-"+tc.input, func(t *testing.T) {
			rsp, err := loc.Hub.Call(t.Context(), tc.action, []byte(tc.input), nil)
			if err == nil {
				t.Fatalf("Call: got %q, want error", rsp)
			}
			ce := mustCallError(t, err)
			if ce.Err != nil {
				t.Errorf("CallError: got local error %v, want remote", ce.Err)
			}
			if diff := cmp.Diff(tc.want, ce.ErrorData); diff != "" {
				t.Errorf("ErrorData (-want, +got):\n%s", diff)
			}
			if want := "service error: " + tc.want.Message; ce.Error() != want {
				t.Errorf("Error: got %q, want %q", ce.Error(), want)
			}
		})
	}
}

func TestTerminalOnce(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	errc := make(chan []error, 1)
	loc.Leaf.Handle("twice", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		errs := []error{
			rsp.Notify([]byte("n1")),
			rsp.Send([]byte("first")),
			rsp.Send([]byte("second")),
			rsp.Error([]byte("third")),
			rsp.Notify([]byte("late")),
		}
		errc <- errs
		return errors.New("ignored after a terminal reply")
	})

	var notes []string
	got, err := loc.Hub.Call(t.Context(), "twice", nil, &hail.CallOptions{
		Notifier: func(p []byte) { notes = append(notes, string(p)) },
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("Call: got %q, want first", got)
	}
	if diff := cmp.Diff([]string{"n1"}, notes); diff != "" {
		t.Errorf("Notifications (-want, +got):\n%s", diff)
	}

	errs := <-errc
	if errs[0] != nil || errs[1] != nil {
		t.Errorf("First replies: got %v, %v, want nil", errs[0], errs[1])
	}
	for i, err := range errs[2:] {
		if !errors.Is(err, hail.ErrAlreadyResponded) {
			t.Errorf("Reply %d after terminal: got %v, want %v", i+3, err, hail.ErrAlreadyResponded)
		}
	}
}

func TestDefaultNotifier(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	var buf bytes.Buffer
	loc.Hub.LogTo(zerolog.New(&buf))
	loc.Leaf.Handle("chatty", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		rsp.Notify([]byte("hi"))
		return rsp.Send(nil)
	})
	if _, err := loc.Hub.Call(t.Context(), "chatty", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, "no notifier defined for the request") {
		t.Errorf("Log output: got %q, want missing-notifier warning", got)
	}
}

func TestStrayMessages(t *testing.T) {
	defer leaktest.Check(t)()

	hub := hail.NewNode().Detach().Handle("ping", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		return rsp.Send([]byte("pong"))
	})
	a, b := channel.Direct()
	if !hub.Register("raw", a) {
		t.Fatal("Register failed")
	}
	defer hub.Stop()
	defer b.Close()

	send := func(msg *hail.Message) {
		t.Helper()
		if err := b.Send(msg); err != nil {
			t.Fatalf("Send %v: %v", msg, err)
		}
	}
	recv := func() *hail.Message {
		t.Helper()
		msg, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		return msg
	}

	// Replies for requests nobody made are discarded.
	send(&hail.Message{Kind: hail.KindNotify, ID: "bogus-1", Payload: []byte("x")})
	send(&hail.Message{Kind: hail.KindResponse, ID: "bogus-2"})
	send(&hail.Message{Kind: hail.KindError, ID: "bogus-3"})
	send(&hail.Message{Kind: hail.KindRequest, ID: "p1", Action: "ping"})
	if diff := cmp.Diff(&hail.Message{Kind: hail.KindResponse, ID: "p1", Payload: []byte("pong")}, recv()); diff != "" {
		t.Errorf("Reply (-want, +got):\n%s", diff)
	}
	if got := metric(hub, "messages_dropped"); got != 3 {
		t.Errorf("Dropped messages: got %d, want 3", got)
	}

	// A request for an unknown action gets an error reply.
	send(&hail.Message{Kind: hail.KindRequest, ID: "m1", Action: "nope"})
	rsp := recv()
	if rsp.Kind != hail.KindError || rsp.ID != "m1" {
		t.Fatalf("Reply: got %v, want error for m1", rsp)
	}
	var ed hail.ErrorData
	if err := ed.Decode(rsp.Payload); err != nil {
		t.Fatalf("Decode error data: %v", err)
	}
	if diff := cmp.Diff(hail.ErrorData{Message: "Action not implemented (nope)", Kind: hail.ActionNotFound}, ed); diff != "" {
		t.Errorf("ErrorData (-want, +got):\n%s", diff)
	}
}

func TestLateReplies(t *testing.T) {
	defer leaktest.Check(t)()

	hub := hail.NewNode().Detach().Handle("ping", echo)
	a, b := channel.Direct()
	hub.Register("raw", a)
	defer hub.Stop()
	defer b.Close()

	reqc := make(chan *hail.Message, 1)
	go func() {
		msg, _ := b.Recv()
		reqc <- msg
	}()

	var notes atomic.Int32
	fut, err := hub.Send("work", nil, &hail.CallOptions{
		Notifier: func([]byte) { notes.Add(1) },
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := <-reqc
	if req == nil || req.ID != fut.ID() {
		t.Fatalf("Recv: got %v, want request %q", req, fut.ID())
	}

	for _, msg := range []*hail.Message{
		{Kind: hail.KindResponse, ID: req.ID, Payload: []byte("A")},
		{Kind: hail.KindResponse, ID: req.ID, Payload: []byte("B")},
		{Kind: hail.KindNotify, ID: req.ID, Payload: []byte("late")},

		// Replies are handled in order, so once this one is answered the
		// others have been dispatched.
		{Kind: hail.KindRequest, ID: "sync", Action: "ping"},
	} {
		if err := b.Send(msg); err != nil {
			t.Fatalf("Send %v: %v", msg, err)
		}
	}
	if msg, err := b.Recv(); err != nil || msg.ID != "sync" {
		t.Fatalf("Recv: got (%v, %v), want reply to sync", msg, err)
	}

	got, err := fut.Wait(t.Context())
	if err != nil || string(got) != "A" {
		t.Errorf("Wait: got (%q, %v), want A", got, err)
	}
	if n := notes.Load(); n != 0 {
		t.Errorf("Notifier: called %d times after the response, want 0", n)
	}
	if got := metric(hub, "messages_dropped"); got != 2 {
		t.Errorf("Dropped messages: got %d, want 2", got)
	}
}

func TestNoResponse(t *testing.T) {
	defer leaktest.Check(t)()

	called := make(chan error, 1)
	hub := hail.NewNode().Detach().Handle("note", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		if !req.NoResponse {
			t.Error("Request: NoResponse not set")
		}
		rsp.Notify([]byte("ignored"))
		called <- rsp.Send([]byte("ignored"))
		return nil
	}).Handle("ping", echo)
	a, b := channel.Direct()
	hub.Register("raw", a)
	defer hub.Stop()
	defer b.Close()

	if err := b.Send(&hail.Message{Kind: hail.KindRequest, ID: "n1", Action: "note", NoResponse: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-called; err != nil {
		t.Errorf("Send reply to no-response request: got %v, want nil", err)
	}
	if err := b.Send(&hail.Message{Kind: hail.KindRequest, ID: "p1", Action: "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.ID != "p1" {
		t.Errorf("Recv: got reply for %q, want p1", msg.ID)
	}
	if got := metric(hub, "messages_sent"); got != 1 {
		t.Errorf("Sent messages: got %d, want 1", got)
	}
}

func TestPost(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	got := make(chan string, 1)
	loc.Leaf.Handle("note", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		got <- string(req.Payload)
		return rsp.Send([]byte("unwanted"))
	})
	if err := loc.Hub.Post("note", []byte("hello"), ""); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if s := <-got; s != "hello" {
		t.Errorf("Post payload: got %q, want hello", s)
	}
	if n := loc.Hub.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}
}

func TestRegistry(t *testing.T) {
	defer leaktest.Check(t)()

	hub := hail.NewNode().Detach()
	defer hub.Stop()

	c1, c2, c3 := newFake(), newFake(), newFake()
	if !hub.Register("x", c1) {
		t.Error("Register x: got false, want true")
	}
	if hub.Register("x", c2) {
		t.Error("Register duplicate name: got true, want false")
	}
	if hub.Register("", c2) || hub.Register("z", nil) {
		t.Error("Register empty: got true, want false")
	}
	hub.Register("y", c2)
	hub.Register("z", c3)

	if ch, ok := hub.Endpoint("x"); !ok || ch != hail.Channel(c1) {
		t.Errorf("Endpoint x: got (%v, %v), want c1", ch, ok)
	}
	if diff := cmp.Diff([]string{"x", "y", "z"}, hub.Endpoints()); diff != "" {
		t.Errorf("Endpoints (-want, +got):\n%s", diff)
	}

	if !hub.Unregister("y") || hub.Unregister("y") {
		t.Error("Unregister y: wrong result")
	}
	if n := hub.UnregisterHandle(c3); n != 1 {
		t.Errorf("UnregisterHandle: got %d, want 1", n)
	}
	if diff := cmp.Diff([]string{"x"}, hub.Endpoints()); diff != "" {
		t.Errorf("Endpoints (-want, +got):\n%s", diff)
	}

	// Unregistered channels are not closed.
	select {
	case <-c2.closed:
		t.Error("Unregister closed the channel")
	default:
	}

	t.Run("LeafPanics", func(t *testing.T) {
		a, b := channel.Direct()
		leaf := hail.NewNode().Detach().Start(a)
		defer leaf.Stop()
		defer b.Close()

		got := mtest.MustPanic(t, func() { leaf.Register("q", newFake()) }).(string)
		if !strings.Contains(got, "leaf") {
			t.Errorf("Register on leaf: got panic %q", got)
		}
		mtest.MustPanic(t, func() { leaf.Start(b) })
	})
}

func TestAliases(t *testing.T) {
	defer leaktest.Check(t)()

	hub := hail.NewNode().Detach()
	defer hub.Stop()

	win := newFake()
	if !hub.Register("win1", win) || !hub.Register("alias", win) {
		t.Fatal("Register: could not register a channel under two names")
	}
	if diff := cmp.Diff([]string{"win1", "alias"}, hub.Endpoints()); diff != "" {
		t.Errorf("Endpoints (-want, +got):\n%s", diff)
	}
	for _, name := range []string{"win1", "alias"} {
		if ch, ok := hub.Endpoint(name); !ok || ch != hail.Channel(win) {
			t.Errorf("Endpoint %q: got (%v, %v), want win", name, ch, ok)
		}
	}

	// A broadcast goes to each name, a targeted call to one.
	if err := hub.Post("note", nil, ""); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := win.sent.Load(); got != 2 {
		t.Errorf("Broadcast: got %d sends, want 2", got)
	}
	if err := hub.Post("note", nil, "alias"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := win.sent.Load(); got != 3 {
		t.Errorf("Targeted: got %d sends, want 3", got)
	}

	if n := hub.UnregisterHandle(win); n != 2 {
		t.Errorf("UnregisterHandle: got %d, want 2", n)
	}
	if eps := hub.Endpoints(); len(eps) != 0 {
		t.Errorf("Endpoints: got %q, want none", eps)
	}

	t.Run("RequestEndpoint", func(t *testing.T) {
		hub := hail.NewNode().Detach().Handle("from", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
			return rsp.Send([]byte(req.Endpoint))
		})
		a, b := channel.Direct()
		hub.Register("first", a)
		hub.Register("second", a)
		defer hub.Stop()
		defer b.Close()

		if err := b.Send(&hail.Message{Kind: hail.KindRequest, ID: "r1", Action: "from"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		msg, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got := string(msg.Payload); got != "first" {
			t.Errorf("Request endpoint: got %q, want first", got)
		}
		if got := metric(hub, "calls_in"); got != 1 {
			t.Errorf("Inbound calls: got %d, want 1", got)
		}
	})
}

func TestPruneDefunct(t *testing.T) {
	defer leaktest.Check(t)()

	hub := hail.NewNode().Detach()
	defer hub.Stop()

	fakes := map[string]*fakeChannel{"a": newFake(), "b": newFake(), "c": newFake(), "d": newFake()}
	for _, name := range []string{"a", "b", "c", "d"} {
		hub.Register(name, fakes[name])
	}

	if n := hub.PruneDefunct(nil); n != 0 {
		t.Errorf("PruneDefunct with none gone: got %d, want 0", n)
	}
	fakes["b"].gone.Store(true)
	if n := hub.PruneDefunct(nil); n != 1 {
		t.Errorf("PruneDefunct: got %d, want 1", n)
	}
	if n := hub.PruneDefunct(func(ch hail.Channel) bool { return ch == hail.Channel(fakes["d"]) }); n != 1 {
		t.Errorf("PruneDefunct custom: got %d, want 1", n)
	}
	if diff := cmp.Diff([]string{"a", "c"}, hub.Endpoints()); diff != "" {
		t.Errorf("Endpoints (-want, +got):\n%s", diff)
	}
	if got := metric(hub, "endpoints_pruned"); got != 2 {
		t.Errorf("Pruned endpoints: got %d, want 2", got)
	}
}

func TestSendToGone(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Broadcast", func(t *testing.T) {
		// One live leaf and one endpoint whose remote end is gone.
		h2l, l2h := channel.Direct()
		leaf := hail.NewNode().Detach().Start(l2h).Handle("ping", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
			return rsp.Send([]byte("pong"))
		})
		win1 := newFake()
		win1.gone.Store(true)

		hub := hail.NewNode().Detach()
		hub.Register("win1", win1)
		hub.Register("good", h2l)

		got, err := hub.Call(t.Context(), "ping", nil, nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != "pong" {
			t.Errorf("Call: got %q, want pong", got)
		}
		if diff := cmp.Diff([]string{"good"}, hub.Endpoints()); diff != "" {
			t.Errorf("Endpoints (-want, +got):\n%s", diff)
		}
		leaf.Stop()
		hub.Stop()
	})

	t.Run("AllGone", func(t *testing.T) {
		hub := hail.NewNode().Detach()
		defer hub.Stop()

		a, b, c := newFake(), newFake(), newFake()
		a.gone.Store(true)
		b.gone.Store(true)
		hub.Register("a", a)
		hub.Register("b", b)
		hub.Register("c", c)

		fut, err := hub.Send("ping", nil, &hail.CallOptions{Target: "a"})
		if err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		_, err = fut.Wait(t.Context())
		if !errors.Is(err, hail.ErrEndpointGone) {
			t.Errorf("Wait: got %v, want %v", err, hail.ErrEndpointGone)
		}
		mustCallError(t, err)

		// Sending to a pruned a also pruned the defunct b.
		if diff := cmp.Diff([]string{"c"}, hub.Endpoints()); diff != "" {
			t.Errorf("Endpoints (-want, +got):\n%s", diff)
		}
		if n := hub.Pending(); n != 0 {
			t.Errorf("Pending: got %d, want 0", n)
		}
	})

	t.Run("Disconnected", func(t *testing.T) {
		hub := hail.NewNode().Detach()
		defer hub.Stop()

		// The receive loop of lost ends between choosing targets and sending.
		lost, live := newFake(), newFake()
		lost.onSend = func() error {
			hub.UnregisterHandle(lost)
			return net.ErrClosed
		}
		hub.Register("lost", lost)
		hub.Register("live", live)

		fut, err := hub.Send("ping", nil, nil)
		if err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		if got := live.sent.Load(); got != 1 {
			t.Errorf("Live endpoint: got %d sends, want 1", got)
		}
		if diff := cmp.Diff([]string{"live"}, hub.Endpoints()); diff != "" {
			t.Errorf("Endpoints (-want, +got):\n%s", diff)
		}
		select {
		case <-fut.Done():
			t.Error("Call completed without a reply")
		default:
		}
	})

	t.Run("ClosedRegistered", func(t *testing.T) {
		hub := hail.NewNode().Detach()
		defer hub.Stop()

		stuck := newFake()
		stuck.onSend = func() error { return net.ErrClosed }
		hub.Register("stuck", stuck)

		_, err := hub.Send("ping", nil, nil)
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Send: got %v, want %v", err, net.ErrClosed)
		}
		mustCallError(t, err)
		if n := hub.Pending(); n != 0 {
			t.Errorf("Pending: got %d, want 0", n)
		}
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		hub := hail.NewNode().Detach()
		var buf bytes.Buffer
		hub.LogTo(zerolog.New(&buf))
		hub.Register("a", newFake())

		fut, err := hub.Send("ping", nil, &hail.CallOptions{Target: "nonesuch"})
		if err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "no endpoint registered for target") {
			t.Errorf("Log output: got %q, want unknown-target warning", buf.String())
		}
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		if _, err := fut.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait: got %v, want %v", err, context.DeadlineExceeded)
		}

		// Stopping the node releases the pending call.
		hub.Stop()
		if _, err := fut.Wait(t.Context()); !errors.Is(err, hail.ErrStopped) {
			t.Errorf("Wait after stop: got %v, want %v", err, hail.ErrStopped)
		}
	})
}

func TestBroadcastFirstWins(t *testing.T) {
	defer leaktest.Check(t)()

	s := peers.NewStar("a", "b", "c")
	defer s.Stop()

	var calls atomic.Int32
	for name, leaf := range s.Leaves {
		leaf.Handle("name", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
			calls.Add(1)
			return rsp.Send([]byte(name))
		})
	}
	fut, err := s.Hub.Send("name", nil, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := fut.Wait(t.Context())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := s.Leaves[string(got)]; !ok {
		t.Errorf("Wait: got %q, want one of the leaf names", got)
	}
	if n := s.Hub.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	clk := clock.NewFake()
	loc.Hub.SetClock(clk)
	loc.Leaf.Handle("slow", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		return nil // never reply
	})
	loc.Leaf.Handle("fast", echo)

	fut, err := loc.Hub.Send("slow", nil, &hail.CallOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	clk.Add(500 * time.Millisecond)
	select {
	case <-fut.Done():
		t.Fatal("Call completed before its timeout")
	case <-time.After(10 * time.Millisecond):
	}

	clk.Add(time.Second)
	_, err = fut.Wait(t.Context())
	if !errors.Is(err, hail.ErrTimeout) {
		t.Errorf("Wait: got %v, want %v", err, hail.ErrTimeout)
	}
	if n := loc.Hub.Pending(); n != 0 {
		t.Errorf("Pending: got %d, want 0", n)
	}

	// A call that completes in time is unaffected.
	got, err := loc.Hub.Call(t.Context(), "fast", []byte("ok"), &hail.CallOptions{Timeout: time.Second})
	if err != nil || string(got) != "ok" {
		t.Errorf("Call fast: got (%q, %v), want ok", got, err)
	}
}

func TestStop(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("RejectsPending", func(t *testing.T) {
		loc := peers.NewLocal()
		started := make(chan struct{})
		loc.Leaf.Handle("block", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		fut, err := loc.Hub.Send("block", nil, nil)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		<-started
		if err := loc.Hub.Stop(); err != nil {
			t.Errorf("Hub stop: %v", err)
		}
		_, err = fut.Wait(t.Context())
		if !errors.Is(err, hail.ErrStopped) {
			t.Errorf("Wait: got %v, want %v", err, hail.ErrStopped)
		}

		// The leaf exits when its channel closes, and its handler context ends.
		if err := loc.Leaf.Wait(); err != nil {
			t.Errorf("Leaf wait: %v", err)
		}
		if _, err := loc.Hub.Send("block", nil, nil); !errors.Is(err, hail.ErrStopped) {
			t.Errorf("Send after stop: got %v, want %v", err, hail.ErrStopped)
		}
		if loc.Hub.Register("late", newFake()) {
			t.Error("Register after stop: got true, want false")
		}
	})

	t.Run("NotStarted", func(t *testing.T) {
		n := hail.NewNode().Detach()
		_, err := n.Send("x", nil, nil)
		if !errors.Is(err, hail.ErrNotStarted) {
			t.Errorf("Send: got %v, want %v", err, hail.ErrNotStarted)
		}
		if err := n.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
	})

	t.Run("OnExit", func(t *testing.T) {
		a, b := channel.Direct()
		exited := make(chan error, 1)
		leaf := hail.NewNode().Detach().OnExit(func(err error) { exited <- err }).Start(a)
		b.Close()
		if err := <-exited; err != nil {
			t.Errorf("OnExit: got %v, want nil", err)
		}
		if err := leaf.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
	})

	t.Run("ChannelError", func(t *testing.T) {
		bad := errors.New("channel exploded")
		leaf := hail.NewNode().Detach().Start(errChannel{bad})
		if err := leaf.Wait(); !errors.Is(err, bad) {
			t.Errorf("Wait: got %v, want %v", err, bad)
		}
	})
}

type errChannel struct{ err error }

func (e errChannel) Send(*hail.Message) error     { return e.err }
func (e errChannel) Recv() (*hail.Message, error) { return nil, e.err }
func (e errChannel) Close() error                 { return nil }

func TestExec(t *testing.T) {
	defer leaktest.Check(t)()

	n := hail.NewNode().Detach().Handle("count", func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		if hail.ContextNode(ctx) == nil {
			t.Error("ContextNode: missing in Exec")
		}
		for _, s := range []string{"1", "2"} {
			rsp.Notify([]byte(s))
		}
		return rsp.Send([]byte("done"))
	}).Handle("fail", func(context.Context, *hail.Request, hail.ResponseWriter) error {
		return errors.New("nope")
	})

	var notes []string
	got, err := n.Exec(t.Context(), "count", nil, func(p []byte) { notes = append(notes, string(p)) })
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(got) != "done" {
		t.Errorf("Exec: got %q, want done", got)
	}
	if diff := cmp.Diff([]string{"1", "2"}, notes); diff != "" {
		t.Errorf("Notifications (-want, +got):\n%s", diff)
	}

	_, err = n.Exec(t.Context(), "fail", nil, nil)
	if ce := mustCallError(t, err); ce.Message != "nope" || ce.Kind != hail.HandlerFailure {
		t.Errorf("Exec fail: got %+v", ce.ErrorData)
	}
	_, err = n.Exec(t.Context(), "missing", nil, nil)
	if ce := mustCallError(t, err); ce.Kind != hail.ActionNotFound {
		t.Errorf("Exec missing: got %+v", ce.ErrorData)
	}
}

func TestLogMessages(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	var μ sync.Mutex
	var log []string
	loc.Hub.LogMessages(func(mi hail.MessageInfo) {
		μ.Lock()
		defer μ.Unlock()
		log = append(log, fmt.Sprintf("%v %v %s", mi.Sent, mi.Kind, mi.Endpoint))
	})
	loc.Leaf.Handle("echo", echo)
	if _, err := loc.Hub.Call(t.Context(), "echo", []byte("x"), nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	μ.Lock()
	defer μ.Unlock()
	want := []string{"true REQUEST local", "false RESPONSE local"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("Message log (-want, +got):\n%s", diff)
	}
}

func TestActions(t *testing.T) {
	n := hail.NewNode().Handle("b", echo).Handle("a", echo).Handle("", echo).Handle("c", nil)
	if diff := cmp.Diff([]string{"a", "b"}, n.Actions()); diff != "" {
		t.Errorf("Actions (-want, +got):\n%s", diff)
	}
}

func TestMessageCodec(t *testing.T) {
	msg := hail.Message{Kind: hail.KindRequest, ID: "a", Action: "b", NoResponse: true, Payload: []byte("xy")}
	const want = "HL\x00\x01\x00\x00\x00\x07" + "\x01a" + "\x01b" + "\x01" + "xy"
	got := msg.Encode()
	if string(got) != want {
		t.Errorf("Encode: got %q, want %q", got, want)
	}

	var dec hail.Message
	if err := dec.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(msg, dec); diff != "" {
		t.Errorf("Decoded (-want, +got):\n%s", diff)
	}

	// Action and flag are not encoded for other kinds.
	rsp := hail.Message{Kind: hail.KindResponse, ID: "a", Action: "ignored", Payload: []byte("z")}
	if got, want := string(rsp.Encode()), "HL\x00\x03\x00\x00\x00\x03\x01az"; got != want {
		t.Errorf("Encode response: got %q, want %q", got, want)
	}

	for _, bad := range []string{
		"",
		"HL\x01\x01\x00\x00\x00\x00",       // wrong version
		"HL\x00\x01\x00\x00\x00\x05\x01a", // short body
		"HL\x00\x01\x00\x00\x00\x02\x05a", // truncated ID
		"HL\x00\x01\x00\x00\x00\x02\x01a", // missing action
		want + "extra",
	} {
		var m hail.Message
		if err := m.UnmarshalBinary([]byte(bad)); err == nil {
			t.Errorf("UnmarshalBinary(%q): got %v, want error", bad, m)
		}
	}
}
