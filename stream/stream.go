// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for implementing streaming actions, where a
// single request yields a stream of payloads delivered as notify replies
// followed by one terminal reply.
package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/creachadair/hail"
)

// queue buffers notify payloads between the receive goroutine of a node and
// the goroutine consuming a stream. Notifiers must not block, so the queue is
// unbounded.
type queue struct {
	μ     sync.Mutex
	items [][]byte
	ready chan struct{} // has a value when items is non-empty
}

func newQueue() *queue { return &queue{ready: make(chan struct{}, 1)} }

func (q *queue) push(data []byte) {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.items = append(q.items, data)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) take() [][]byte {
	q.μ.Lock()
	defer q.μ.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Call sends a request to n for the specified action and payload, and yields
// a stream of payloads: one for each notify reply, followed by the payload of
// the terminal response if it is not empty. The stream ends when the remote
// handler replies, or when ctx is canceled.
//
// The returned iterator yields zero or more (bs, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple. Any Notifier in opts is ignored.
func Call(ctx context.Context, n *hail.Node, action string, payload []byte, opts *hail.CallOptions) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var o hail.CallOptions
		if opts != nil {
			o = *opts
		}
		q := newQueue()
		o.NoResponse = false
		o.Notifier = q.push

		fut, err := n.Send(action, payload, &o)
		if err != nil {
			yield(nil, err)
			return
		}

		// Local cancellation takes priority over values that are already
		// buffered, so that a canceled stream reliably reports ctx.Err().
		emit := func() bool {
			for _, v := range q.take() {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return false
				} else if !yield(v, nil) {
					return false
				}
			}
			return true
		}
		for {
			select {
			case <-q.ready:
				if !emit() {
					return
				}
			case <-fut.Done():
				// Notifies for a request are all delivered before its terminal
				// reply, so anything left in the queue precedes the result.
				if !emit() {
					return
				} else if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				data, err := fut.Wait(ctx)
				if err != nil {
					yield(nil, err)
				} else if len(data) != 0 {
					yield(data, nil)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of hail.Handler that yields a stream of payloads,
// rather than a single reply. The returned iterator is expected to only yield
// a non-nil error as its final element, following zero or more error-free
// tuples.
type HandlerFunc func(context.Context, *hail.Request) iter.Seq2[[]byte, error]

// Handle registers fn as the handler for the named action on n. Each payload
// yielded by fn is sent as a notify reply, and the stream is finished by a
// response with an empty payload. If fn yields an error, or the context of
// the handler ends before the stream does, the request fails with that error.
func Handle(n *hail.Node, action string, fn HandlerFunc) {
	n.Handle(action, func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		for v, err := range fn(ctx, req) {
			if err != nil {
				return err
			}
			// We hand the context to the iterator and hope that it'll yield to
			// cancellation itself, but we can't force it to. As a fallback,
			// also explicitly bail on cancellation here.
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := rsp.Notify(v); err != nil {
				return err
			}
		}

		// We might have fallen out of the loop due to a cancellation, if the
		// iterator reacted to a cancellation by simply returning, rather than
		// yielding a final error.
		if err := ctx.Err(); err != nil {
			return err
		}
		return rsp.Send(nil)
	})
}
