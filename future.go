// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"context"
	"sync"
)

// A Future is the pending result of a tracked call. It is completed exactly
// once, by the first terminal reply for its request ID, or locally by a
// timeout or by the node stopping.
type Future struct {
	id     string
	action string

	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

func newFuture(id, action string) *Future {
	return &Future{id: id, action: action, done: make(chan struct{})}
}

// ID returns the request ID of the call.
func (f *Future) ID() string { return f.id }

// Action returns the name of the action that was called.
func (f *Future) Action() string { return f.action }

// Done returns a channel that is closed when f is complete.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until f is complete or ctx ends. If f completes it returns the
// reply payload, or an error of concrete type *CallError.  If ctx ends first,
// Wait returns ctx.Err(); the call remains pending and Wait may be retried.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete settles f, and reports whether this call did so.
func (f *Future) complete(data []byte, err *CallError) (ok bool) {
	f.once.Do(func() {
		f.data = data
		if err != nil {
			f.err = err
		}
		close(f.done)
		ok = true
	})
	return
}

// A pendingCall is an entry in the correlation table.
type pendingCall struct {
	action  string
	payload []byte
	notify  func([]byte)
	fut     *Future
}

// A callTable tracks outbound requests awaiting a terminal reply, keyed by
// request ID. The caller is responsible for synchronization.
type callTable map[string]*pendingCall

// create adds a new entry for id and returns its future.
func (t callTable) create(id, action string, payload []byte, notify func([]byte)) *Future {
	pc := &pendingCall{
		action:  action,
		payload: payload,
		notify:  notify,
		fut:     newFuture(id, action),
	}
	t[id] = pc
	return pc.fut
}

// lookup returns the entry for id without removing it, or nil.
func (t callTable) lookup(id string) *pendingCall { return t[id] }

// take removes and returns the entry for id, or nil if there is none.
func (t callTable) take(id string) *pendingCall {
	pc, ok := t[id]
	if !ok {
		return nil
	}
	delete(t, id)
	return pc
}

// drain removes and returns all entries.
func (t callTable) drain() []*pendingCall {
	out := make([]*pendingCall, 0, len(t))
	for id, pc := range t {
		out = append(out, pc)
		delete(t, id)
	}
	return out
}
