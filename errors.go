// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrEndpointGone is reported by a Channel whose remote end has been torn
	// down. Channel implementations should wrap it so that errors.Is works.
	ErrEndpointGone = errors.New("endpoint gone")

	// ErrStopped is reported for calls on a node that has stopped, and rejects
	// calls that were pending when it stopped.
	ErrStopped = errors.New("node stopped")

	// ErrNotStarted is reported for calls on a node that has no channel.
	ErrNotStarted = errors.New("node not started")

	// ErrTimeout rejects a call whose timeout elapsed before a reply.
	ErrTimeout = errors.New("call timed out")

	// ErrAlreadyResponded is reported by a ResponseWriter after its request
	// has received a terminal reply.
	ErrAlreadyResponded = errors.New("request already responded")
)

// ErrorKind discriminates the failures reported in an error reply.
type ErrorKind string

const (
	// ActionNotFound means no handler was registered for the action.
	ActionNotFound ErrorKind = "ActionNotFound"

	// HandlerFailure means the handler reported an error or panicked.
	HandlerFailure ErrorKind = "HandlerFailure"
)

// ErrorData is the payload format for an error reply. It is encoded as a
// msgpack map with keys "error" and "kind".
//
// ErrorData implements the error interface, so a handler may return an
// ErrorData or *ErrorData to control the payload of its error reply.
type ErrorData struct {
	Message string    `msgpack:"error"`
	Kind    ErrorKind `msgpack:"kind,omitempty"`
}

// Error implements the error interface.
func (e ErrorData) Error() string { return e.Message }

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	data, err := msgpack.Marshal(e)
	if err != nil {
		panic(fmt.Errorf("encoding error data: %w", err))
	}
	return data
}

// Decode decodes data into e.
func (e *ErrorData) Decode(data []byte) error {
	var tmp ErrorData
	if err := msgpack.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	*e = tmp
	return nil
}

func notFound(action string) ErrorData {
	return ErrorData{
		Message: fmt.Sprintf("Action not implemented (%s)", action),
		Kind:    ActionNotFound,
	}
}

// errorData converts an error reported by a handler into an error reply.
func errorData(err error) ErrorData {
	var ed ErrorData
	if errors.As(err, &ed) {
		return ed
	}
	var ep *ErrorData
	if errors.As(err, &ep) && ep != nil {
		return *ep
	}
	return ErrorData{Message: err.Error(), Kind: HandlerFailure}
}

// CallError is the concrete type of errors reported by a [Future]. For errors
// reported by the remote handler, Err is nil and ErrorData contains the
// decoded reply. For local failures (timeout, stopped node, endpoint gone)
// Err is set.
type CallError struct {
	ErrorData
	Err     error  // nil for remote errors
	Payload []byte // the raw error payload, for remote errors
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return fmt.Sprintf("service error: %s", c.ErrorData.Error())
}

func callError(err error) *CallError { return &CallError{Err: err} }

// remoteError constructs a CallError from an error reply payload.  If the
// payload is not valid error data, its text is used as the message so the
// caller has something to debug with.
func remoteError(payload []byte) *CallError {
	ce := &CallError{Payload: payload}
	if err := ce.ErrorData.Decode(payload); err != nil {
		ce.ErrorData = ErrorData{Message: string(payload)}
	}
	return ce
}
