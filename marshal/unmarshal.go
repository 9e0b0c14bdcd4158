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

package marshal

import (
	"math"

	"github.com/cc-lang/bug/bstream"
	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

// Decoder reads marshaled values from a byte stream. Symbols are
// re-interned through the table, so the packages they name must
// already exist.
type Decoder struct {
	src   *bstream.Stream
	cache *Cache
	tbl   *symtab.Table
}

// NewDecoder returns a decoder over src. cache may be nil when the
// input was encoded without one.
func NewDecoder(src *bstream.Stream, cache *Cache, tbl *symtab.Table) *Decoder {
	return &Decoder{src: src, cache: cache, tbl: tbl}
}

func (d *Decoder) readByte(op string) (byte, error) {
	b, err := d.src.ReadByte()
	if err != nil {
		return 0, &FormatError{Op: op, Msg: "truncated input", Err: err}
	}
	return b, nil
}

func (d *Decoder) expectTag(op string, want Tag) error {
	b, err := d.readByte(op)
	if err != nil {
		return err
	}
	if Tag(b) != want {
		return errf(op, "expected tag %d, found %d", want, b)
	}
	return nil
}

// readUvarint decodes a 7-bits-per-byte continuation varint that is
// known to fit in 64 bits (lengths, indices, opcode-style fields).
func (d *Decoder) readUvarint(op string) (uint64, error) {
	var n uint64
	shift := 0
	for {
		b, err := d.readByte(op)
		if err != nil {
			return 0, err
		}
		if shift > 63 {
			return 0, errf(op, "varint exceeds 64 bits")
		}
		n |= uint64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// readInteger decodes a tagged integer. The magnitude accumulates
// into a uint64; if it overflows, the result promotes to a flonum
// built from the remaining 7-bit digits. A non-negative final value
// that fits a signed fixnum comes back as fixnum, otherwise ufixnum.
func (d *Decoder) readInteger() (value.Value, error) {
	const op = "unmarshal integer"
	t, err := d.readByte(op)
	if err != nil {
		return nil, err
	}
	if Tag(t) != TagInteger && Tag(t) != TagNegativeInteger {
		return nil, errf(op, "expected an integer tag, found %d", t)
	}
	neg := Tag(t) == TagNegativeInteger

	var mag uint64
	var flo float64
	isFlo := false
	shift := 0
	for {
		b, err := d.readByte(op)
		if err != nil {
			return nil, err
		}
		part := uint64(b & 0x7F)
		if !isFlo {
			if shift > 63 || (part != 0 && part > math.MaxUint64>>shift) {
				isFlo = true
				flo = float64(mag)
			} else {
				mag |= part << shift
			}
		}
		if isFlo {
			flo += float64(part) * math.Pow(2, float64(shift))
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if isFlo {
		if neg {
			return value.Flonum(-flo), nil
		}
		return value.Flonum(flo), nil
	}
	if neg {
		if mag <= math.MaxInt64 {
			return value.Fixnum(-int64(mag)), nil
		}
		if mag == 1<<63 {
			return value.Fixnum(math.MinInt64), nil
		}
		return value.Flonum(-float64(mag)), nil
	}
	if mag <= math.MaxInt64 {
		return value.Fixnum(mag), nil
	}
	return value.Ufixnum(mag), nil
}

func (d *Decoder) read16(op string) (int16, error) {
	hi, err := d.readByte(op)
	if err != nil {
		return 0, err
	}
	lo, err := d.readByte(op)
	if err != nil {
		return 0, err
	}
	return int16(uint16(hi)<<8 | uint16(lo)), nil
}

func (d *Decoder) readFlonum() (value.Flonum, error) {
	const op = "unmarshal flonum"
	t, err := d.readByte(op)
	if err != nil {
		return 0, err
	}
	if Tag(t) != TagFloat && Tag(t) != TagNegativeFloat {
		return 0, errf(op, "expected a float tag, found %d", t)
	}
	mantFix, err := d.readUvarint(op)
	if err != nil {
		return 0, err
	}
	exp, err := d.read16(op)
	if err != nil {
		return 0, err
	}
	f := math.Ldexp(float64(mantFix)/math.Pow(2, mantDig), int(exp))
	if Tag(t) == TagNegativeFloat {
		f = -f
	}
	return value.Flonum(f), nil
}

func (d *Decoder) readString(withHeader bool) (string, error) {
	const op = "unmarshal string"
	if withHeader {
		if err := d.expectTag(op, TagString); err != nil {
			return "", err
		}
	}
	n, err := d.readUvarint(op)
	if err != nil {
		return "", err
	}
	if d.cache != nil {
		s, ok := d.cache.Get(int(n))
		if !ok {
			return "", errf(op, "cache index %d out of range (%d entries)", n, d.cache.Len())
		}
		return s, nil
	}
	raw, err := d.src.Read(int(n))
	if err != nil {
		return "", &FormatError{Op: op, Msg: "truncated string body", Err: err}
	}
	return string(raw), nil
}

func (d *Decoder) readSymbol() (*value.Symbol, error) {
	const op = "unmarshal symbol"
	t, err := d.readByte(op)
	if err != nil {
		return nil, err
	}
	switch Tag(t) {
	case TagSymbol:
		pkgName, err := d.readString(false)
		if err != nil {
			return nil, err
		}
		name, err := d.readString(false)
		if err != nil {
			return nil, err
		}
		pkg := d.tbl.FindPackage(pkgName)
		if pkg == nil {
			return nil, errf(op, "symbol %q names package %q, which does not exist", name, pkgName)
		}
		return d.tbl.Intern(name, pkg), nil
	case TagUninternedSymbol:
		name, err := d.readString(false)
		if err != nil {
			return nil, err
		}
		return &value.Symbol{Name: name, Plist: value.Nil}, nil
	default:
		return nil, errf(op, "expected a symbol tag, found %d", t)
	}
}

func (d *Decoder) readByteArray(withHeader bool) (*value.DynamicByteArray, error) {
	const op = "unmarshal byte array"
	if withHeader {
		if err := d.expectTag(op, TagDynamicByteArray); err != nil {
			return nil, err
		}
	}
	n, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	raw, err := d.src.Read(int(n))
	if err != nil {
		return nil, &FormatError{Op: op, Msg: "truncated byte array body", Err: err}
	}
	return value.NewDynamicByteArrayFrom(raw), nil
}

func (d *Decoder) readArray(withHeader bool) (*value.DynamicArray, error) {
	const op = "unmarshal array"
	if withHeader {
		if err := d.expectTag(op, TagDynamicArray); err != nil {
			return nil, err
		}
	}
	n, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	arr := value.NewDynamicArray()
	arr.EnsureCapacity(int(n))
	for i := uint64(0); i < n; i++ {
		item, err := d.Unmarshal()
		if err != nil {
			return nil, err
		}
		arr.Push(item)
	}
	return arr, nil
}

// ReadStringArray replays a dynamic_string_array into the decoder's
// cache; the entries were written inline, never through a cache.
func (d *Decoder) ReadStringArray(withHeader bool) error {
	const op = "unmarshal string array"
	if withHeader {
		if err := d.expectTag(op, TagDynamicStringArray); err != nil {
			return err
		}
	}
	n, err := d.readUvarint(op)
	if err != nil {
		return err
	}
	saved := d.cache
	d.cache = nil
	for i := uint64(0); i < n; i++ {
		s, err := d.readString(false)
		if err != nil {
			d.cache = saved
			return err
		}
		if saved != nil {
			saved.Append(s)
		}
	}
	d.cache = saved
	return nil
}

// ReadFunction decodes a function object: constants, stack size,
// code, optional name, arity, accepts-rest.
func (d *Decoder) ReadFunction(withHeader bool) (*value.Function, error) {
	const op = "unmarshal function"
	if withHeader {
		if err := d.expectTag(op, TagFunction); err != nil {
			return nil, err
		}
	}
	constants, err := d.readArray(false)
	if err != nil {
		return nil, err
	}
	stackSize, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	code, err := d.readByteArray(false)
	if err != nil {
		return nil, err
	}
	fn := &value.Function{Constants: constants, Code: code, StackSize: int(stackSize)}
	hasName, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	if hasName > 0 {
		fn.Name, err = d.readSymbol()
		if err != nil {
			return nil, err
		}
	}
	arity, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	fn.Arity = int(arity)
	rest, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	fn.AcceptsRest = rest > 0
	return fn, nil
}

// Unmarshal decodes the next value, dispatching on its peeked tag.
func (d *Decoder) Unmarshal() (value.Value, error) {
	const op = "unmarshal"
	t, err := d.src.PeekByte()
	if err != nil {
		return nil, &FormatError{Op: op, Msg: "truncated input", Err: err}
	}
	switch Tag(t) {
	case TagNil:
		_, _ = d.src.ReadByte()
		return value.Nil, nil
	case TagInteger, TagNegativeInteger:
		return d.readInteger()
	case TagFloat, TagNegativeFloat:
		return d.readFlonum()
	case TagString:
		s, err := d.readString(true)
		if err != nil {
			return nil, err
		}
		return value.NewStr(s), nil
	case TagSymbol, TagUninternedSymbol:
		return d.readSymbol()
	case TagCons:
		_, _ = d.src.ReadByte()
		car, err := d.Unmarshal()
		if err != nil {
			return nil, err
		}
		cdr, err := d.Unmarshal()
		if err != nil {
			return nil, err
		}
		return value.NewCons(car, cdr), nil
	case TagDynamicArray:
		return d.readArray(true)
	case TagDynamicByteArray:
		return d.readByteArray(true)
	case TagFunction:
		return d.ReadFunction(true)
	case TagVec2:
		_, _ = d.src.ReadByte()
		x, err := d.readFlonum()
		if err != nil {
			return nil, err
		}
		y, err := d.readFlonum()
		if err != nil {
			return nil, err
		}
		return value.Vec2{X: float64(x), Y: float64(y)}, nil
	default:
		return nil, errf(op, "unknown tag byte %d", t)
	}
}
