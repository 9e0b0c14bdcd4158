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

// Package value implements the tagged value universe shared by the
// reader, compiler, VM, and marshal codec: a closed set of variants
// (fixnum, ufixnum, flonum, cons, string, dynamic array, dynamic byte
// array, symbol, package, function, vec2, file, enumerator, plus
// opaque FFI passthroughs) and the container operations over them.
package value

import "fmt"

// Tag identifies the variant of a Value. It is the discriminator a
// tagged cell carries at run time and is also what type-of returns
// (as a symbol name, see Tag.String).
type Tag int

const (
	TagNil Tag = iota
	TagFixnum
	TagUfixnum
	TagFlonum
	TagCons
	TagString
	TagDynamicByteArray
	TagDynamicArray
	TagSymbol
	TagPackage
	TagFunction
	TagVec2
	TagFile
	TagEnumerator
	TagPointer
	TagDynamicLibrary
	TagForeignFunction
	TagStructure
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagFixnum:
		return "fixnum"
	case TagUfixnum:
		return "ufixnum"
	case TagFlonum:
		return "flonum"
	case TagCons:
		return "cons"
	case TagString:
		return "string"
	case TagDynamicByteArray:
		return "dynamic-byte-array"
	case TagDynamicArray:
		return "dynamic-array"
	case TagSymbol:
		return "symbol"
	case TagPackage:
		return "package"
	case TagFunction:
		return "function"
	case TagVec2:
		return "vec2"
	case TagFile:
		return "file"
	case TagEnumerator:
		return "enumerator"
	case TagPointer:
		return "pointer"
	case TagDynamicLibrary:
		return "dynamic-library"
	case TagForeignFunction:
		return "foreign-function"
	case TagStructure:
		return "structure"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Value is implemented by every concrete variant in the closed set.
// Consumers switch on Tag() (or a type switch) rather than on an
// open interface, mirroring ion.Datum's closed dispatch over Ion's
// type tags.
type Value interface {
	Tag() Tag
}

// Nil is the singleton empty list, also false. It is itself a symbol
// (invariant 3): see symtab.NewTable, which interns it as "nil" in the
// lisp package. The zero value of *Symbol is never Nil; Nil is always
// this specific pointer.
var Nil = &Symbol{Name: "nil", External: true}

// IsNil reports whether v is the Nil/false value.
func IsNil(v Value) bool {
	return v == Value(Nil)
}

// IsTruthy reports whether v is anything other than Nil.
func IsTruthy(v Value) bool {
	return !IsNil(v)
}

// BoolValue converts a Go bool into Nil/t-style truthiness: true maps
// to the Value passed as `t` (conventionally the lisp package's `t`
// symbol), false maps to Nil.
func BoolValue(b bool, t Value) Value {
	if b {
		return t
	}
	return Nil
}

// Fixnum is a signed integer of at least 64 bits.
type Fixnum int64

func (Fixnum) Tag() Tag { return TagFixnum }

// Ufixnum is an unsigned integer of the same width as Fixnum.
type Ufixnum uint64

func (Ufixnum) Tag() Tag { return TagUfixnum }

// Flonum is an IEEE-754 double-precision float.
type Flonum float64

func (Flonum) Tag() Tag { return TagFlonum }

// Cons is a pair; lists are right-nested conses ending in Nil.
type Cons struct {
	Car Value
	Cdr Value
}

func (*Cons) Tag() Tag { return TagCons }

// NewCons allocates a new pair.
func NewCons(car, cdr Value) *Cons {
	return &Cons{Car: car, Cdr: cdr}
}

// List builds a right-nested cons list out of vs, terminated by Nil.
func List(vs ...Value) Value {
	var out Value = Nil
	for i := len(vs) - 1; i >= 0; i-- {
		out = NewCons(vs[i], out)
	}
	return out
}

// Vec2 is a pair of flonums.
type Vec2 struct {
	X, Y float64
}

func (Vec2) Tag() Tag { return TagVec2 }
