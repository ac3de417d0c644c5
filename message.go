// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/hail/packet"
)

// MessageKind describes the role of a message exchanged between nodes.
type MessageKind byte

const (
	KindRequest  MessageKind = 1 // Invoke an action on the receiver
	KindNotify   MessageKind = 2 // An interim update for a pending request
	KindResponse MessageKind = 3 // The successful result of a request
	KindError    MessageKind = 4 // The failed result of a request
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindNotify:
		return "NOTIFY"
	case KindResponse:
		return "RESPONSE"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Terminal reports whether k finalizes a request.
func (k MessageKind) Terminal() bool { return k == KindResponse || k == KindError }

// A Message is the unit of exchange on a [Channel].
//
// Every message carries the ID of the request it belongs to. The Action and
// NoResponse fields are only meaningful for requests, and are not encoded for
// other kinds. The Payload is opaque to the node.
type Message struct {
	Kind       MessageKind
	ID         string
	Action     string
	NoResponse bool
	Payload    []byte
}

// headerLen is the size of the fixed message header:
//
//	'H' 'L' <version> <kind> <body length: uint32>
const headerLen = 8

// Encode encodes m in binary format, including the header.
func (m Message) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(m.ID)+len(m.Action)+len(m.Payload)+8))
	if _, err := m.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return buf.Bytes()
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (m Message) MarshalBinary() ([]byte, error) { return m.Encode(), nil }

func (m *Message) body() []byte {
	var b packet.Builder
	b.VPutString(m.ID)
	if m.Kind == KindRequest {
		b.VPutString(m.Action)
		b.Bool(m.NoResponse)
	}
	b.Put(m.Payload)
	return b.Bytes()
}

// WriteTo writes the message to w in binary format. It satisfies io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	body := m.body()
	hdr := [headerLen]byte{'H', 'L', 0, byte(m.Kind)}
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(body)))
	nw, err := w.Write(hdr[:])
	if err == nil {
		var nb int
		nb, err = w.Write(body)
		nw += nb
	}
	return int64(nw), err
}

// ReadFrom reads a message from r in binary format. It satisfies io.ReaderFrom.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var hdr [headerLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short message header: %w", err)
	}
	if v := string(hdr[:3]); v != "HL\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", v)
	}
	blen := binary.BigEndian.Uint32(hdr[4:])
	if blen > MaxBodyLen {
		return int64(nr), fmt.Errorf("message body too long (%d > %d bytes)", blen, MaxBodyLen)
	}
	body := make([]byte, int(blen))
	nb, err := io.ReadFull(r, body)
	nr += nb
	if err != nil {
		return int64(nr), fmt.Errorf("short message body: %w", err)
	}
	return int64(nr), m.decodeBody(MessageKind(hdr[3]), body)
}

// MaxBodyLen is the largest encoded message body accepted by ReadFrom.
const MaxBodyLen = 64 << 20

// UnmarshalBinary decodes a complete binary message, including the header.
// It implements [encoding.BinaryUnmarshaler].
func (m *Message) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := m.ReadFrom(r); err != nil {
		return err
	} else if r.Len() != 0 {
		return fmt.Errorf("extra data after message (%d bytes)", r.Len())
	}
	return nil
}

func (m *Message) decodeBody(kind MessageKind, body []byte) error {
	s := packet.NewScanner(body)
	id, err := s.String()
	if err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}
	*m = Message{Kind: kind, ID: id}
	if kind == KindRequest {
		if m.Action, err = s.String(); err != nil {
			return fmt.Errorf("invalid request action: %w", err)
		}
		if m.NoResponse, err = s.Bool(); err != nil {
			return fmt.Errorf("invalid request flag: %w", err)
		}
	}
	if s.Len() != 0 {
		m.Payload = s.Rest()
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	data := fmt.Sprintf("%+v", m.Payload)
	if len(m.Payload) > 16 {
		data = fmt.Sprintf("%+v ...", m.Payload[:16])
	}
	if m.Kind == KindRequest {
		return fmt.Sprintf("Message(%v, ID=%s, Action=%q, NoResponse=%v, Payload=%s)",
			m.Kind, m.ID, m.Action, m.NoResponse, data)
	}
	return fmt.Sprintf("Message(%v, ID=%s, Payload=%s)", m.Kind, m.ID, data)
}
