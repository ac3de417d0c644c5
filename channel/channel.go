// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the hail.Channel interface.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creachadair/hail"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding into binary. Messages sent to A are received by B
// and vice versa.
//
// Closing one end causes pending and future receives on the other end to
// report io.EOF, and sends on the other end to report an error wrapping
// [hail.ErrEndpointGone]. Both ends implement [hail.Liveness].
func Direct() (A, B *DirectChannel) {
	a2b := make(chan *hail.Message)
	b2a := make(chan *hail.Message)
	ea, eb := newEnd(), newEnd()
	A = &DirectChannel{self: ea, peer: eb, out: a2b, in: b2a}
	B = &DirectChannel{self: eb, peer: ea, out: b2a, in: a2b}
	return
}

type end struct {
	once   sync.Once
	closed chan struct{}
}

func newEnd() *end { return &end{closed: make(chan struct{})} }

func (e *end) close() bool {
	ok := false
	e.once.Do(func() { close(e.closed); ok = true })
	return ok
}

func (e *end) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// A DirectChannel is one end of an in-memory channel pair. See [Direct].
type DirectChannel struct {
	self, peer *end
	out        chan<- *hail.Message
	in         <-chan *hail.Message
}

// Send implements a method of the [hail.Channel] interface.
func (d *DirectChannel) Send(msg *hail.Message) error {
	if d.self.isClosed() {
		return net.ErrClosed
	} else if d.peer.isClosed() {
		return errGone
	}
	select {
	case d.out <- msg:
		return nil
	case <-d.self.closed:
		return net.ErrClosed
	case <-d.peer.closed:
		return errGone
	}
}

// Recv implements a method of the [hail.Channel] interface.
func (d *DirectChannel) Recv() (*hail.Message, error) {
	select {
	case msg := <-d.in:
		return msg, nil
	case <-d.self.closed:
		return nil, net.ErrClosed
	case <-d.peer.closed:
		return nil, io.EOF
	}
}

// Close implements a method of the [hail.Channel] interface.
func (d *DirectChannel) Close() error {
	if !d.self.close() {
		return net.ErrClosed
	}
	return nil
}

// Defunct reports whether the other end of d has been closed.
// It implements the [hail.Liveness] interface.
func (d *DirectChannel) Defunct() bool { return d.peer.isClosed() }

var errGone = fmt.Errorf("direct: %w", hail.ErrEndpointGone)

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives messages on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer

	closed atomic.Bool // closed locally
	gone   atomic.Bool // a write reported the peer missing
}

// Send implements a method of the [hail.Channel] interface.
func (c *IOChannel) Send(msg *hail.Message) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if _, err := msg.WriteTo(c.w); err != nil {
		return c.checkGone(err)
	}
	return c.checkGone(c.w.Flush())
}

// checkGone wraps errors that indicate the reader of c has gone away.
func (c *IOChannel) checkGone(err error) error {
	if err == nil || c.closed.Load() {
		return err
	}
	if isGone(err) {
		c.gone.Store(true)
		return fmt.Errorf("%w: %w", hail.ErrEndpointGone, err)
	}
	return err
}

func isGone(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// Recv implements a method of the [hail.Channel] interface.
func (c *IOChannel) Recv() (*hail.Message, error) {
	var msg hail.Message
	if _, err := msg.ReadFrom(c.r); err != nil {
		if c.closed.Load() {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return &msg, nil
}

// Close implements a method of the [hail.Channel] interface.
func (c *IOChannel) Close() error {
	if c.closed.Swap(true) {
		return net.ErrClosed
	}
	return c.c.Close()
}

// Defunct reports whether a send on c has found the remote reader gone.
// It implements the [hail.Liveness] interface.
func (c *IOChannel) Defunct() bool { return c.gone.Load() }

// WebSocket constructs a channel that exchanges messages as binary frames on
// a websocket connection. Each frame carries one encoded message.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives messages on a websocket connection.
type WSChannel struct {
	conn *websocket.Conn

	closed atomic.Bool
	gone   atomic.Bool
}

// Send implements a method of the [hail.Channel] interface.
func (c *WSChannel) Send(msg *hail.Message) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	err := c.conn.WriteMessage(websocket.BinaryMessage, msg.Encode())
	if err == nil || c.closed.Load() {
		return err
	}
	if errors.Is(err, websocket.ErrCloseSent) || isGone(err) {
		c.gone.Store(true)
		return fmt.Errorf("%w: %w", hail.ErrEndpointGone, err)
	}
	return err
}

// Recv implements a method of the [hail.Channel] interface.
func (c *WSChannel) Recv() (*hail.Message, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, net.ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gone.Store(true)
				return nil, io.EOF
			}
			return nil, err
		} else if mt != websocket.BinaryMessage {
			continue // ignore text frames
		}
		msg := new(hail.Message)
		if err := msg.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("websocket: %w", err)
		}
		return msg, nil
	}
}

// Close implements a method of the [hail.Channel] interface. It sends a close
// frame to the remote end before closing the connection.
func (c *WSChannel) Close() error {
	if c.closed.Swap(true) {
		return net.ErrClosed
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Defunct reports whether the remote end of c has closed the connection.
// It implements the [hail.Liveness] interface.
func (c *WSChannel) Defunct() bool { return c.gone.Load() }
