// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmhodges/clock"
	"github.com/rs/zerolog"
)

// Send sends a request for the named action with the given payload, and
// returns without waiting for a reply. Any error reported by Send has
// concrete type *CallError.
//
// On a leaf the request is sent on its channel. On a hub the request is sent
// to the endpoint named by opts.Target, or to every registered endpoint if no
// target is set. If the target is not registered, a warning is logged and
// nothing is sent. An endpoint whose channel reports [ErrEndpointGone] is
// pruned from the hub along with any other defunct endpoints, and the send
// continues with the remaining endpoints. So does an endpoint that was
// disconnected while the request was being sent.
//
// Unless opts.NoResponse is set, Send returns a Future that is completed by
// the first terminal reply for the request. If a request is broadcast to
// several endpoints only the first reply counts, and later replies are
// discarded. If every target of the request turned out to be gone, the
// future is rejected with ErrEndpointGone.
//
// With opts.NoResponse set the request is fire-and-forget, and Send returns a
// nil Future.
func (n *Node) Send(action string, payload []byte, opts *CallOptions) (_ *Future, err error) {
	var o CallOptions
	if opts != nil {
		o = *opts
	}
	n.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			n.metrics.callOutErr.Add(1)
		}
	}()

	id := n.newID()

	// Phase 1: Choose targets, and create the pending call before any request
	// goes out, so that a fast reply cannot beat it.
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return nil, callError(ErrStopped)
	} else if n.role == roleNone {
		n.μ.Unlock()
		return nil, callError(ErrNotStarted)
	}
	hub := n.role == roleHub
	targets, missing := n.targetsLocked(o.Target)
	var fut *Future
	if !o.NoResponse {
		notify := o.Notifier
		if notify == nil {
			notify = defaultNotifier(n.log, action, id)
		}
		fut = n.calls.create(id, action, payload, notify)
		n.metrics.callPending.Add(1)
	}
	clk := n.clk
	lg := n.log
	n.μ.Unlock()

	if missing {
		lg.Warn().Str("target", o.Target).Str("action", action).Str("id", id).
			Msg("no endpoint registered for target")
	}

	// Phase 2: Send the request. We MUST NOT hold the state lock while doing
	// this, as that would block the receivers from dispatching replies.
	var sent, gone int
	for _, l := range targets {
		err := n.sendOut(l, &Message{
			Kind:       KindRequest,
			ID:         id,
			Action:     action,
			NoResponse: o.NoResponse,
			Payload:    payload,
		})
		if err == nil {
			sent++
		} else if hub && n.isGone(l, err) {
			n.prune(l)
			gone++
		} else {
			n.abandon(id)
			return nil, callError(fmt.Errorf("send %q: %w", action, err))
		}
	}

	if fut != nil {
		if sent == 0 && gone != 0 {
			n.settle(id, nil, callError(ErrEndpointGone))
		} else if o.Timeout > 0 {
			n.expire(clk, fut, o.Timeout)
		}
	}
	return fut, nil
}

// Call sends a request for the named action with the given payload, and
// blocks until a terminal reply is received or ctx ends. The NoResponse
// option is ignored. An error reported by Call has concrete type *CallError,
// unless ctx ended first, in which case it is ctx.Err().
//
// Ending ctx does not cancel the request. Use opts.Timeout to give up on a
// reply and release the pending call.
func (n *Node) Call(ctx context.Context, action string, payload []byte, opts *CallOptions) ([]byte, error) {
	var o CallOptions
	if opts != nil {
		o = *opts
	}
	o.NoResponse = false
	fut, err := n.Send(action, payload, &o)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Post sends a fire-and-forget request for the named action. On a hub, if
// target != "" the request is sent only to that endpoint.
func (n *Node) Post(action string, payload []byte, target string) error {
	_, err := n.Send(action, payload, &CallOptions{NoResponse: true, Target: target})
	return err
}

// Pending reports the number of calls awaiting a terminal reply.
func (n *Node) Pending() int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return len(n.calls)
}

// targetsLocked returns the links a request should be sent to, and reports
// whether a target name was given but not found.
func (n *Node) targetsLocked(target string) ([]*link, bool) {
	switch n.role {
	case roleLeaf:
		return []*link{n.leaf}, false
	case roleHub:
		if target == "" {
			return n.eps.links(), false
		} else if l := n.eps.lookup(target); l != nil {
			return []*link{l}, false
		}
		return nil, true
	}
	return nil, false
}

// isGone reports whether a send on l that failed with err means the endpoint
// is gone. A link whose receive loop ended after the targets were chosen is
// closed locally, so its sends report net.ErrClosed.
func (n *Node) isGone(l *link, err error) bool {
	if errors.Is(err, ErrEndpointGone) {
		return true
	} else if !errors.Is(err, net.ErrClosed) {
		return false
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	return !n.eps.has(l)
}

// abandon discards the pending call for id, if any, without completing it.
func (n *Node) abandon(id string) {
	n.μ.Lock()
	pc := n.calls.take(id)
	n.μ.Unlock()
	if pc != nil {
		n.metrics.callPending.Add(-1)
	}
}

// expire rejects fut with ErrTimeout if it is not complete after d.
func (n *Node) expire(clk clock.Clock, fut *Future, d time.Duration) {
	t := clk.NewTimer(d)
	go func() {
		select {
		case <-t.C:
			if n.settle(fut.ID(), nil, callError(ErrTimeout)) {
				n.logger().Debug().Str("action", fut.Action()).Str("id", fut.ID()).
					Dur("timeout", d).Msg("call timed out")
			}
		case <-fut.Done():
			t.Stop()
		}
	}()
}

// defaultNotifier returns a notifier for calls that did not set one.
func defaultNotifier(lg zerolog.Logger, action, id string) func([]byte) {
	return func([]byte) {
		lg.Warn().Str("action", action).Str("id", id).Msg("no notifier defined for the request")
	}
}
