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

package value

// Equals implements the structural equality predicate: recursive for
// cons, dynamic arrays, strings/byte arrays (byte-wise), and vec2
// (componentwise); identity for symbols and packages; structural
// equality of constants/code/arity/stack-size for functions; and
// primitive equality otherwise. Mirrors ion.Datum.Equal's
// tag-then-recurse shape.
func Equals(a, b Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Tag() != b.Tag() {
		return false
	}
	switch av := a.(type) {
	case Fixnum:
		return av == b.(Fixnum)
	case Ufixnum:
		return av == b.(Ufixnum)
	case Flonum:
		return av == b.(Flonum)
	case Vec2:
		bv := b.(Vec2)
		return av.X == bv.X && av.Y == bv.Y
	case *Cons:
		bv := b.(*Cons)
		return Equals(av.Car, bv.Car) && Equals(av.Cdr, bv.Cdr)
	case *Str:
		bv := b.(*Str)
		return bytesEqual(av.bytes, bv.bytes)
	case *DynamicByteArray:
		bv := b.(*DynamicByteArray)
		return bytesEqual(av.bytes, bv.bytes)
	case *DynamicArray:
		bv := b.(*DynamicArray)
		if len(av.items) != len(bv.items) {
			return false
		}
		for i := range av.items {
			if !Equals(av.items[i], bv.items[i]) {
				return false
			}
		}
		return true
	case *Symbol:
		return av == b.(*Symbol)
	case *Package:
		return av == b.(*Package)
	case *Function:
		bv := b.(*Function)
		if av.Arity != bv.Arity || av.StackSize != bv.StackSize {
			return false
		}
		if !Equals(av.Constants, bv.Constants) {
			return false
		}
		return bytesEqual(av.Code.bytes, bv.Code.bytes)
	case *File:
		return av == b.(*File)
	case *Enumerator:
		return av == b.(*Enumerator)
	default:
		return a == b
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TypeOf returns the Tag naming v's variant. The VM's "type-of"
// builtin turns this into a symbol via the caller-supplied symbol
// table (type-of's result is a *value.Symbol, not a bare Tag, so
// that callers can compare it against other symbols the usual way).
func TypeOf(v Value) Tag {
	if v == nil {
		return TagNil
	}
	return v.Tag()
}
