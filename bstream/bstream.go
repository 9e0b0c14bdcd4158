// Copyright (C) 2024 The bug Authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bstream provides the uniform byte-stream the reader and
// marshal codec consume: read/peek over strings, byte arrays, files,
// and enumerators.
package bstream

import (
	"fmt"
	"io"
	"os"

	"github.com/cc-lang/bug/value"
)

// Stream is a positioned byte source. In-memory sources (string, byte
// array) are wrapped in an enumerator whose cursor advances on read
// and stays put on peek; file sources use an ungetc-style buffer for
// single-byte peeks and a read-then-seek-back for multi-byte peeks.
type Stream struct {
	enum *value.Enumerator
	file *os.File

	// single pushed-back byte for file peeks; -1 when empty
	unread int
}

// Lift idempotently wraps v in a Stream. Strings and byte arrays get
// a fresh enumerator; an enumerator or file is used as-is. Any other
// variant is an error.
func Lift(v value.Value) (*Stream, error) {
	switch src := v.(type) {
	case *value.Str, *value.DynamicByteArray:
		return &Stream{enum: &value.Enumerator{Source: src}, unread: -1}, nil
	case *value.Enumerator:
		return &Stream{enum: src, unread: -1}, nil
	case *value.File:
		f, ok := src.Handle.(*os.File)
		if !ok {
			return nil, fmt.Errorf("bstream: file %q has no open handle", src.Path)
		}
		return &Stream{file: f, unread: -1}, nil
	default:
		return nil, fmt.Errorf("bstream: cannot lift %s into a byte stream", value.TypeOf(v))
	}
}

// FromBytes wraps raw bytes in a Stream without copying through a
// value first.
func FromBytes(b []byte) *Stream {
	return &Stream{
		enum:   &value.Enumerator{Source: value.NewDynamicByteArrayFrom(b)},
		unread: -1,
	}
}

func (s *Stream) source() []byte {
	switch src := s.enum.Source.(type) {
	case *value.Str:
		return src.AsByteArray().Bytes()
	case *value.DynamicByteArray:
		return src.Bytes()
	}
	return nil
}

// HasMore reports whether at least one more byte can be read.
func (s *Stream) HasMore() bool {
	if s.enum != nil {
		return s.enum.Cursor < len(s.source())
	}
	if s.unread >= 0 {
		return true
	}
	var one [1]byte
	n, err := s.file.Read(one[:])
	if n == 1 {
		s.unread = int(one[0])
		return true
	}
	_ = err
	return false
}

// ReadByte consumes and returns the next byte.
func (s *Stream) ReadByte() (byte, error) {
	if s.enum != nil {
		src := s.source()
		if s.enum.Cursor >= len(src) {
			return 0, io.EOF
		}
		b := src[s.enum.Cursor]
		s.enum.Cursor++
		return b, nil
	}
	if s.unread >= 0 {
		b := byte(s.unread)
		s.unread = -1
		return b, nil
	}
	var one [1]byte
	if _, err := io.ReadFull(s.file, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// PeekByte returns the next byte without consuming it.
func (s *Stream) PeekByte() (byte, error) {
	if s.enum != nil {
		src := s.source()
		if s.enum.Cursor >= len(src) {
			return 0, io.EOF
		}
		return src[s.enum.Cursor], nil
	}
	if s.unread >= 0 {
		return byte(s.unread), nil
	}
	var one [1]byte
	if _, err := io.ReadFull(s.file, one[:]); err != nil {
		return 0, err
	}
	s.unread = int(one[0])
	return one[0], nil
}

// Read consumes and returns the next n bytes.
func (s *Stream) Read(n int) ([]byte, error) {
	return s.read(n, false)
}

// Peek returns the next n bytes without consuming them. For files
// this reads then seeks back.
func (s *Stream) Peek(n int) ([]byte, error) {
	return s.read(n, true)
}

func (s *Stream) read(n int, peek bool) ([]byte, error) {
	out := make([]byte, n)
	if s.enum != nil {
		src := s.source()
		if s.enum.Cursor+n > len(src) {
			return nil, io.ErrUnexpectedEOF
		}
		copy(out, src[s.enum.Cursor:])
		if !peek {
			s.enum.Cursor += n
		}
		return out, nil
	}
	i := 0
	if s.unread >= 0 && n > 0 {
		out[0] = byte(s.unread)
		i = 1
		if !peek {
			s.unread = -1
		}
	}
	if _, err := io.ReadFull(s.file, out[i:]); err != nil {
		return nil, err
	}
	if peek && n > i {
		if _, err := s.file.Seek(int64(-(n - i)), io.SeekCurrent); err != nil {
			return nil, err
		}
	}
	return out, nil
}
