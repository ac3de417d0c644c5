// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the binary data
// carried in the body of a message.
//
// Strings are framed with a length prefix encoded as an unsigned varint
// (see [binary.AppendUvarint]). Booleans are a single byte, 0 or 1.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// MaxStringLen is the longest string a Scanner will accept in a
// length-prefixed field.
const MaxStringLen = 1 << 20

// A Builder is a buffer that accumulates data into a packet. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b without framing.
func (b *Builder) Put(vs []byte) { b.buf = append(b.buf, vs...) }

// VPutString appends a length-prefixed string to b.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// VLen reports the encoded size in bytes of a length-prefixed encoding of an
// n-byte string.
func VLen(n int) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(n)) + n
}

// A Scanner reads encoded values from the contents of a packet.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes data from input.  The
// scanner does not modify input, but the slices it returns alias it.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	if len(s.rest) == 0 {
		return false, io.ErrUnexpectedEOF
	}
	v := s.rest[0]
	s.advance(1)
	return v != 0, nil
}

// String scans a single length-prefixed string from the head of the input.
func (s *Scanner) String() (string, error) {
	n, nb := binary.Uvarint(s.rest)
	if nb == 0 {
		return "", io.ErrUnexpectedEOF
	} else if nb < 0 || n > MaxStringLen {
		return "", fmt.Errorf("invalid length prefix at offset %d", s.offset)
	}
	s.advance(nb)
	if uint64(len(s.rest)) < n {
		return "", fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := string(s.rest[:n])
	s.advance(int(n))
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
func (s *Scanner) Rest() []byte { return s.rest }

func (s *Scanner) advance(n int) {
	s.rest = s.rest[n:]
	s.offset += n
}
