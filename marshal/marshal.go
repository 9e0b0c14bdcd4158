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

// Package marshal implements the portable binary encoding for every
// value variant, the per-file string-interning cache, and the
// bytecode and image file formats built on top of it.
package marshal

import (
	"fmt"
	"math"

	"github.com/cc-lang/bug/value"
)

// Tag is the one-byte discriminator each marshaled value starts with.
type Tag byte

const (
	TagInteger Tag = iota
	TagNegativeInteger
	TagFloat
	TagNegativeFloat
	TagSymbol
	TagUninternedSymbol
	TagString
	TagNil
	TagCons
	TagDynamicArray
	TagDynamicStringArray
	TagDynamicByteArray
	TagFunction
	TagVec2
)

// mantDig is the number of mantissa bits a flonum is scaled by when
// encoded (IEEE-754 double precision).
const mantDig = 53

// FormatError is any failure to encode or decode: unknown tag bytes,
// truncated input, magic or version mismatches.
type FormatError struct {
	Op  string
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("marshal: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("marshal: %s: %s", e.Op, e.Msg)
}

func (e *FormatError) Unwrap() error { return e.Err }

func errf(op, format string, args ...any) *FormatError {
	return &FormatError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Cache is the per-file string-interning table: strings already
// written encode as a single index instead of their bytes.
type Cache struct {
	strings []string
	index   map[string]int
}

// defaultStrings preloads names common in symbol and package
// positions so they encode in one byte.
var defaultStrings = []string{"user", "lisp", "keyword", "impl", "t", "var", "list", "cons"}

// DefaultCacheLen is the number of preloaded entries every cache
// starts with; a bytecode file's cache extension holds only the
// entries beyond this prefix.
const DefaultCacheLen = 8

// NewCache returns an empty cache with the default prefix loaded.
func NewCache() *Cache {
	c := &Cache{index: make(map[string]int)}
	for _, s := range defaultStrings {
		c.Intern(s)
	}
	return c
}

// Intern returns the index of s, appending it if absent.
func (c *Cache) Intern(s string) int {
	if i, ok := c.index[s]; ok {
		return i
	}
	i := len(c.strings)
	c.strings = append(c.strings, s)
	c.index[s] = i
	return i
}

// Get returns the string at index i.
func (c *Cache) Get(i int) (string, bool) {
	if i < 0 || i >= len(c.strings) {
		return "", false
	}
	return c.strings[i], true
}

// Len returns the number of cached strings.
func (c *Cache) Len() int { return len(c.strings) }

// Append adds s without deduplication; used when replaying a file's
// cache extension, whose order is authoritative.
func (c *Cache) Append(s string) {
	if _, ok := c.index[s]; !ok {
		c.index[s] = len(c.strings)
	}
	c.strings = append(c.strings, s)
}

// Encoder accumulates the binary encoding of values into a buffer.
// A nil cache writes strings inline as length-prefixed bytes.
type Encoder struct {
	buf   []byte
	cache *Cache
}

// NewEncoder returns an encoder writing through the given cache,
// which may be nil.
func NewEncoder(cache *Cache) *Encoder {
	return &Encoder{cache: cache}
}

// Bytes returns the encoded output so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Cache returns the encoder's string cache (possibly nil).
func (e *Encoder) Cache() *Cache { return e.cache }

func (e *Encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

// writeUvarint emits n in the 7-bits-per-byte little-endian
// continuation scheme.
func (e *Encoder) writeUvarint(n uint64, withHeader bool) {
	if withHeader {
		e.writeByte(byte(TagInteger))
	}
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		e.writeByte(b)
		if n == 0 {
			return
		}
	}
}

// writeFixnum emits n with the sign carried by the tag and the
// magnitude as a continuation varint.
func (e *Encoder) writeFixnum(n int64) {
	if n < 0 {
		e.writeByte(byte(TagNegativeInteger))
		// two's-complement safe magnitude, INT64_MIN included
		e.writeUvarint(uint64(-(n+1))+1, false)
		return
	}
	e.writeByte(byte(TagInteger))
	e.writeUvarint(uint64(n), false)
}

// write16 emits n as a 16-bit two's-complement big-endian integer.
func (e *Encoder) write16(n int16) {
	e.writeByte(byte(uint16(n) >> 8))
	e.writeByte(byte(uint16(n) & 0xFF))
}

// writeFlonum emits f as a frexp-style mantissa/exponent split: the
// tag carries the sign, the mantissa is scaled to an unsigned
// integer, the exponent follows as 16 bits big-endian.
func (e *Encoder) writeFlonum(f float64) {
	if f < 0 || math.Signbit(f) {
		e.writeByte(byte(TagNegativeFloat))
	} else {
		e.writeByte(byte(TagFloat))
	}
	mant, exp := math.Frexp(math.Abs(f))
	e.writeUvarint(uint64(mant*math.Pow(2, mantDig)), false)
	e.write16(int16(exp))
}

// writeString emits s either as length-prefixed raw bytes or, when a
// cache is present, as a single index into it.
func (e *Encoder) writeString(s string, withHeader bool) {
	if withHeader {
		e.writeByte(byte(TagString))
	}
	if e.cache == nil {
		e.writeUvarint(uint64(len(s)), false)
		e.buf = append(e.buf, s...)
		return
	}
	e.writeUvarint(uint64(e.cache.Intern(s)), false)
}

// writeSymbol emits sym as "symbol" (home package name + symbol
// name) or "uninterned_symbol" (name only).
func (e *Encoder) writeSymbol(sym *value.Symbol) {
	if sym.Home == nil {
		e.writeByte(byte(TagUninternedSymbol))
	} else {
		e.writeByte(byte(TagSymbol))
		e.writeString(sym.Home.Name, false)
	}
	e.writeString(sym.Name, false)
}

// WriteFunction emits fn: constants, declared stack size, code, a
// presence bit plus name symbol, arity, and the accepts-rest flag.
func (e *Encoder) WriteFunction(fn *value.Function, withHeader bool) error {
	if withHeader {
		e.writeByte(byte(TagFunction))
	}
	if err := e.writeArray(fn.Constants, false); err != nil {
		return err
	}
	e.writeUvarint(uint64(fn.StackSize), false)
	e.writeByteArray(fn.Code, false)
	if fn.Name != nil {
		e.writeUvarint(1, false)
		e.writeSymbol(fn.Name)
	} else {
		e.writeUvarint(0, false)
	}
	e.writeUvarint(uint64(fn.Arity), false)
	if fn.AcceptsRest {
		e.writeUvarint(1, false)
	} else {
		e.writeUvarint(0, false)
	}
	return nil
}

func (e *Encoder) writeByteArray(ba *value.DynamicByteArray, withHeader bool) {
	if withHeader {
		e.writeByte(byte(TagDynamicByteArray))
	}
	e.writeUvarint(uint64(ba.Len()), false)
	e.buf = append(e.buf, ba.Bytes()...)
}

func (e *Encoder) writeArray(arr *value.DynamicArray, withHeader bool) error {
	if withHeader {
		e.writeByte(byte(TagDynamicArray))
	}
	e.writeUvarint(uint64(arr.Len()), false)
	for _, item := range arr.Items() {
		if err := e.Marshal(item); err != nil {
			return err
		}
	}
	return nil
}

// WriteStringArray emits entries as a dynamic_string_array; the
// bytecode and image files use it for the cache extension, so the
// strings are always written inline regardless of e's cache.
func (e *Encoder) WriteStringArray(entries []string, withHeader bool) {
	if withHeader {
		e.writeByte(byte(TagDynamicStringArray))
	}
	e.writeUvarint(uint64(len(entries)), false)
	saved := e.cache
	e.cache = nil
	for _, s := range entries {
		e.writeString(s, false)
	}
	e.cache = saved
}

// Marshal appends the encoding of v, dispatching on its variant.
// Files, enumerators, and the FFI opaques have no portable encoding
// and are rejected.
func (e *Encoder) Marshal(v value.Value) error {
	if value.IsNil(v) {
		e.writeByte(byte(TagNil))
		return nil
	}
	switch t := v.(type) {
	case value.Fixnum:
		e.writeFixnum(int64(t))
	case value.Ufixnum:
		e.writeUvarint(uint64(t), true)
	case value.Flonum:
		e.writeFlonum(float64(t))
	case *value.Str:
		e.writeString(t.String(), true)
	case *value.DynamicByteArray:
		e.writeByteArray(t, true)
	case *value.DynamicArray:
		return e.writeArray(t, true)
	case *value.Cons:
		e.writeByte(byte(TagCons))
		if err := e.Marshal(t.Car); err != nil {
			return err
		}
		return e.Marshal(t.Cdr)
	case *value.Symbol:
		e.writeSymbol(t)
	case *value.Function:
		return e.WriteFunction(t, true)
	case value.Vec2:
		e.writeByte(byte(TagVec2))
		e.writeFlonum(t.X)
		e.writeFlonum(t.Y)
	default:
		return errf("marshal", "cannot marshal type %s", value.TypeOf(v))
	}
	return nil
}
