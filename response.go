// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import "sync"

// A ResponseWriter is the capability a [Handler] uses to reply to a request.
//
// Notify sends an interim update to the caller; it may be called any number of
// times before the terminal reply. Send and Error each send a terminal reply.
// Only the first terminal reply is written; after that, all methods report
// [ErrAlreadyResponded].
//
// If the caller asked for no response, all methods do nothing and report nil.
// The methods of a ResponseWriter are safe for concurrent use.
type ResponseWriter interface {
	Notify(payload []byte) error
	Send(payload []byte) error
	Error(payload []byte) error
}

// responseWriter implements ResponseWriter by passing each reply to emit.
type responseWriter struct {
	quiet bool
	emit  func(MessageKind, []byte) error

	μ    sync.Mutex
	done bool
}

func (w *responseWriter) Notify(payload []byte) error {
	if w.quiet {
		return nil
	}
	w.μ.Lock()
	done := w.done
	w.μ.Unlock()
	if done {
		return ErrAlreadyResponded
	}
	return w.emit(KindNotify, payload)
}

func (w *responseWriter) Send(payload []byte) error { return w.terminal(KindResponse, payload) }

func (w *responseWriter) Error(payload []byte) error { return w.terminal(KindError, payload) }

func (w *responseWriter) terminal(kind MessageKind, payload []byte) error {
	if w.quiet {
		return nil
	}
	w.μ.Lock()
	if w.done {
		w.μ.Unlock()
		return ErrAlreadyResponded
	}
	w.done = true
	w.μ.Unlock()
	return w.emit(kind, payload)
}

// responded reports whether a terminal reply has been written.
func (w *responseWriter) responded() bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.done
}
