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

// growCapacity implements the geometric growth rule every container in
// this package uses: new capacity = ceil((length+1)*1.5). ensureCapacity
// built on top of this is O(1) amortized.
func growCapacity(length int) int {
	return ((length+1)*3 + 1) / 2
}

// DynamicArray is a growable, indexable sequence of Values.
type DynamicArray struct {
	items []Value
}

func (*DynamicArray) Tag() Tag { return TagDynamicArray }

// NewDynamicArray returns an empty dynamic array.
func NewDynamicArray() *DynamicArray {
	return &DynamicArray{}
}

// NewDynamicArrayFrom copies vs into a freshly allocated dynamic array.
func NewDynamicArrayFrom(vs []Value) *DynamicArray {
	a := &DynamicArray{items: make([]Value, len(vs))}
	copy(a.items, vs)
	return a
}

func (a *DynamicArray) Len() int      { return len(a.items) }
func (a *DynamicArray) Cap() int      { return cap(a.items) }
func (a *DynamicArray) Items() []Value { return a.items }

// EnsureCapacity grows the backing array, if needed, to hold n items
// without further reallocation; it is a no-op if capacity already
// suffices.
func (a *DynamicArray) EnsureCapacity(n int) {
	if cap(a.items) >= n {
		return
	}
	want := growCapacity(n - 1)
	if want < n {
		want = n
	}
	grown := make([]Value, len(a.items), want)
	copy(grown, a.items)
	a.items = grown
}

// Push appends v, growing geometrically when capacity is exhausted.
func (a *DynamicArray) Push(v Value) {
	a.EnsureCapacity(len(a.items) + 1)
	a.items = append(a.items, v)
}

// Pop removes and returns the last item. It panics if the array is
// empty; callers (VM opcodes) are expected to have checked length
// first, the same contract the data/call stacks use.
func (a *DynamicArray) Pop() Value {
	n := len(a.items)
	v := a.items[n-1]
	a.items = a.items[:n-1]
	return v
}

// Get returns the item at index i.
func (a *DynamicArray) Get(i int) Value { return a.items[i] }

// Set overwrites the item at index i.
func (a *DynamicArray) Set(i int, v Value) { a.items[i] = v }

// Insert inserts v at index i, shifting later items right.
func (a *DynamicArray) Insert(i int, v Value) {
	a.EnsureCapacity(len(a.items) + 1)
	a.items = append(a.items, nil)
	copy(a.items[i+1:], a.items[i:])
	a.items[i] = v
}

// Concat allocates a new dynamic array holding a's items followed by
// b's items.
func (a *DynamicArray) Concat(b *DynamicArray) *DynamicArray {
	out := make([]Value, 0, len(a.items)+len(b.items))
	out = append(out, a.items...)
	out = append(out, b.items...)
	return &DynamicArray{items: out}
}

// DynamicByteArray is a growable byte buffer. A String is a
// DynamicByteArray with a different type tag; conversion between the
// two is O(1) since they share this representation.
type DynamicByteArray struct {
	bytes []byte
}

func (*DynamicByteArray) Tag() Tag { return TagDynamicByteArray }

func NewDynamicByteArray() *DynamicByteArray { return &DynamicByteArray{} }

func NewDynamicByteArrayFrom(b []byte) *DynamicByteArray {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &DynamicByteArray{bytes: buf}
}

func (a *DynamicByteArray) Len() int    { return len(a.bytes) }
func (a *DynamicByteArray) Cap() int    { return cap(a.bytes) }
func (a *DynamicByteArray) Bytes() []byte { return a.bytes }

func (a *DynamicByteArray) EnsureCapacity(n int) {
	if cap(a.bytes) >= n {
		return
	}
	want := growCapacity(n - 1)
	if want < n {
		want = n
	}
	grown := make([]byte, len(a.bytes), want)
	copy(grown, a.bytes)
	a.bytes = grown
}

func (a *DynamicByteArray) Push(b byte) {
	a.EnsureCapacity(len(a.bytes) + 1)
	a.bytes = append(a.bytes, b)
}

func (a *DynamicByteArray) Pop() byte {
	n := len(a.bytes)
	b := a.bytes[n-1]
	a.bytes = a.bytes[:n-1]
	return b
}

func (a *DynamicByteArray) Get(i int) byte      { return a.bytes[i] }
func (a *DynamicByteArray) Set(i int, b byte)   { a.bytes[i] = b }

func (a *DynamicByteArray) Insert(i int, b byte) {
	a.EnsureCapacity(len(a.bytes) + 1)
	a.bytes = append(a.bytes, 0)
	copy(a.bytes[i+1:], a.bytes[i:])
	a.bytes[i] = b
}

func (a *DynamicByteArray) Concat(b *DynamicByteArray) *DynamicByteArray {
	out := make([]byte, 0, len(a.bytes)+len(b.bytes))
	out = append(out, a.bytes...)
	out = append(out, b.bytes...)
	return &DynamicByteArray{bytes: out}
}

// AsString returns a string-tagged view of the same backing bytes.
func (a *DynamicByteArray) AsString() *Str { return (*Str)(a) }

// Str is a string: a DynamicByteArray tagged as TagString instead of
// TagDynamicByteArray. The underlying representation is identical, so
// the conversion in either direction is O(1); see AsString and
// Str.AsByteArray.
type Str DynamicByteArray

func (*Str) Tag() Tag { return TagString }

func NewStr(s string) *Str { return (*Str)(NewDynamicByteArrayFrom([]byte(s))) }

func (s *Str) String() string { return string(s.bytes) }
func (s *Str) Len() int       { return len(s.bytes) }

// AsByteArray returns a byte-array-tagged view of the same backing
// bytes as s.
func (s *Str) AsByteArray() *DynamicByteArray { return (*DynamicByteArray)(s) }
