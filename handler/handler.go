// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the hail.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces. Any
// other type is decoded from msgpack.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces. Any other
// type is encoded as msgpack.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/hail"
	"github.com/vmihailenco/msgpack/v5"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request.  The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *hail.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*hail.Request)
	}
	return nil
}

// reply encodes r and sends it as the terminal reply to a request.
func reply(rsp hail.ResponseWriter, r any) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	return rsp.Send(data)
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a hail.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		var p P
		if err := Decode(req.Payload, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return err
		}
		return reply(rsp, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a hail.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		var p P
		if err := Decode(req.Payload, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return reply(rsp, f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a hail.Handler. On success the reply has an
// empty payload.
func ParamError[P any](f func(context.Context, P) error) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		var p P
		if err := Decode(req.Payload, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		if err := f(hctx, p); err != nil {
			return err
		}
		return rsp.Send(nil)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a hail.Handler.
func ResultError[R any](f func(context.Context) (R, error)) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return err
		}
		return reply(rsp, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a hail.Handler.
func ResultOnly[R any](f func(context.Context) R) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return reply(rsp, f(hctx))
	}
}

// Notifying adapts a function f that accepts parameters of type P, reports
// progress values of type N, and returns a result of type R and an error, to
// a hail.Handler. Each call to the notify function passed to f encodes its
// argument and sends it as a notify reply.
func Notifying[P, N, R any](f func(context.Context, P, func(N) error) (R, error)) hail.Handler {
	return func(ctx context.Context, req *hail.Request, rsp hail.ResponseWriter) error {
		var p P
		if err := Decode(req.Payload, &p); err != nil {
			return err
		}
		notify := func(v N) error {
			data, err := Encode(v)
			if err != nil {
				return err
			}
			return rsp.Notify(data)
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p, notify)
		if err != nil {
			return err
		}
		return reply(rsp, r)
	}
}

// Call encodes p and calls the named action on n, and decodes the reply into
// a value of type R. Errors from the call have concrete type *hail.CallError;
// errors encoding or decoding values are returned as-is.
func Call[R, P any](ctx context.Context, n *hail.Node, action string, p P, opts *hail.CallOptions) (R, error) {
	var r R
	data, err := Encode(p)
	if err != nil {
		return r, fmt.Errorf("encode params: %w", err)
	}
	rsp, err := n.Call(ctx, action, data, opts)
	if err != nil {
		return r, err
	}
	if err := Decode(rsp, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// Decode decodes data into v. The concrete type of v must be a pointer.  If
// v is a pointer to a []byte or string, or implements either the
// encoding.BinaryUnmarshaler interface or the encoding.TextUnmarshaler
// interface, that is used.  If v implements both, BinaryUnmarshaler is
// preferred. Otherwise data is decoded as msgpack.
func Decode(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		if err := msgpack.Unmarshal(data, v); err != nil {
			return fmt.Errorf("cannot unmarshal into %T: %w", v, err)
		}
	}
	return nil
}

// Encode encodes v into data. If the concrete type of v is a []byte or string
// (or a pointer to these), or implements either the encoding.BinaryMarshaler
// interface or the encoding.TextMarshaler interface, that is used. If v
// implements both, BinaryMarshaler is preferred. Otherwise v is encoded as
// msgpack.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return msgpack.Marshal(v)
	}
}
