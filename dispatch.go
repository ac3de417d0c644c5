// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

func (n *Node) serveLocked(l *link) {
	n.live[l.ch] = l
	n.tasks.Go(func() error {
		n.serve(l)
		return nil
	})
}

// serve receives and dispatches messages from l until its channel fails.
func (n *Node) serve(l *link) {
	for {
		msg, err := l.ch.Recv()
		if err != nil {
			n.linkClosed(l, err)
			return
		}
		n.metrics.msgRecv.Add(1)
		n.logMessage(l, msg, false)
		n.dispatchMessage(l, msg)
	}
}

// linkClosed cleans up after the receive loop for l has ended. On a leaf this
// stops the node; on a hub every name registered for it is removed and its
// channel is closed.
func (n *Node) linkClosed(l *link, err error) {
	n.μ.Lock()
	delete(n.live, l.ch)
	leaf := n.role == roleLeaf
	stopped := n.stopped
	removed := n.eps.removeIf(func(e endpoint) bool { return e.l == l })
	lg := n.log
	n.μ.Unlock()

	if leaf {
		n.shutdown(err)
		return
	}
	l.ch.Close()
	if !stopped && len(removed) != 0 {
		ev := lg.Debug()
		if !treatErrorAsSuccess(err) {
			ev = lg.Warn().Err(err)
		}
		ev.Str("endpoint", l.name).Msg("endpoint disconnected")
	}
}

// dispatchMessage routes an inbound message from l.
func (n *Node) dispatchMessage(l *link, msg *Message) {
	switch msg.Kind {
	case KindRequest:
		n.dispatchRequest(l, msg)

	case KindNotify:
		n.μ.Lock()
		pc := n.calls.lookup(msg.ID)
		n.μ.Unlock()
		if pc == nil {
			// Silently discard notifications for unknown request IDs.
			n.metrics.msgDropped.Add(1)
			return
		}
		n.metrics.notifyIn.Add(1)
		n.runNotifier(pc, msg)

	case KindResponse:
		n.settle(msg.ID, msg.Payload, nil)

	case KindError:
		n.settle(msg.ID, nil, remoteError(msg.Payload))

	default:
		n.metrics.msgDropped.Add(1)
	}
}

func (n *Node) runNotifier(pc *pendingCall, msg *Message) {
	defer func() {
		if x := recover(); x != nil {
			n.logger().Error().Str("action", pc.action).Str("id", msg.ID).
				Msgf("notifier panicked (recovered): %v", x)
		}
	}()
	pc.notify(msg.Payload)
}

// settle completes the pending call for id, and reports whether there was
// one. Replies for unknown IDs are discarded.
func (n *Node) settle(id string, data []byte, ce *CallError) bool {
	n.μ.Lock()
	pc := n.calls.take(id)
	n.μ.Unlock()
	if pc == nil {
		n.metrics.msgDropped.Add(1)
		return false
	}
	n.metrics.callPending.Add(-1)
	if ce != nil {
		n.metrics.callOutErr.Add(1)
	}
	return pc.fut.complete(data, ce)
}

// dispatchRequest dispatches an inbound request to its handler. Replies are
// sent on the link the request arrived on.
func (n *Node) dispatchRequest(l *link, msg *Message) {
	n.metrics.callIn.Add(1)

	req := &Request{
		ID:         msg.ID,
		Action:     msg.Action,
		Payload:    msg.Payload,
		NoResponse: msg.NoResponse,
		Endpoint:   l.name,
	}
	rsp := &responseWriter{
		quiet: msg.NoResponse,
		emit: func(kind MessageKind, payload []byte) error {
			return n.sendOut(l, &Message{Kind: kind, ID: req.ID, Payload: payload})
		},
	}

	n.μ.Lock()
	handler := n.actions.lookup(req.Action)
	base := n.base
	lg := n.log
	n.μ.Unlock()

	// Replies are never written from the receive loop, so that two nodes
	// replying to each other over an unbuffered channel cannot deadlock.
	if handler == nil {
		n.metrics.callInErr.Add(1)
		lg.Warn().Str("action", req.Action).Str("id", req.ID).Msg("action not implemented")
		n.tasks.Go(func() error {
			n.replyError(&lg, rsp, req, notFound(req.Action))
			return nil
		})
		return
	}

	ctx, cancel := context.WithCancel(context.WithValue(base(), nodeContextKey{}, n))
	n.metrics.callActive.Add(1)
	n.tasks.Go(func() error {
		defer n.metrics.callActive.Add(-1)
		defer context.AfterFunc(n.halt, cancel)()
		defer cancel()

		if err := runHandler(ctx, handler, req, rsp); err != nil {
			n.metrics.callInErr.Add(1)
			lg.Error().Err(err).Str("action", req.Action).Str("id", req.ID).Msg("handler failed")
			n.replyError(&lg, rsp, req, errorData(err))
		}
		return nil
	})
}

func (n *Node) replyError(lg *zerolog.Logger, rsp ResponseWriter, req *Request, ed ErrorData) {
	err := rsp.Error(ed.Encode())
	if err != nil && !errors.Is(err, ErrAlreadyResponded) {
		lg.Debug().Err(err).Str("action", req.Action).Str("id", req.ID).Msg("sending error reply")
	}
}

// runHandler calls handler, converting a panic into an error.
func runHandler(ctx context.Context, handler Handler, req *Request, rsp ResponseWriter) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return handler(ctx, req, rsp)
}

// Exec executes the local handler on n for the named action, if one exists,
// without sending any messages. Notify replies from the handler are passed
// to notify, if it is non-nil. Exec returns the first terminal reply from the
// handler, or an error of concrete type *CallError if the handler reports an
// error or no handler is registered. If ctx ends before the handler replies,
// Exec returns ctx.Err().
func (n *Node) Exec(ctx context.Context, action string, payload []byte, notify func([]byte)) ([]byte, error) {
	n.μ.Lock()
	handler := n.actions.lookup(action)
	n.μ.Unlock()
	if handler == nil {
		return nil, &CallError{ErrorData: notFound(action)}
	}

	req := &Request{ID: n.newID(), Action: action, Payload: payload}
	fut := newFuture(req.ID, action)
	rsp := &responseWriter{
		emit: func(kind MessageKind, payload []byte) error {
			switch kind {
			case KindNotify:
				if notify != nil {
					notify(payload)
				}
			case KindResponse:
				fut.complete(payload, nil)
			case KindError:
				fut.complete(nil, remoteError(payload))
			}
			return nil
		},
	}
	hctx := context.WithValue(ctx, nodeContextKey{}, n)
	if err := runHandler(hctx, handler, req, rsp); err != nil {
		rsp.Error(errorData(err).Encode()) // no-op if the handler already replied
	}
	return fut.Wait(ctx)
}
