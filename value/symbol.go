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

import "fmt"

// Symbol is a unique, possibly-package-homed name cell with three
// independently-settable slots (value, function, structure) plus a
// property list. The registry that interns/finds symbols lives in
// package symtab; Symbol only carries the cell's own state.
type Symbol struct {
	Home     *Package // nullable: uninterned symbols have no home
	Name     string
	External bool

	value     Value
	valueSet  bool
	function  Value
	functionSet bool
	structure   Value
	structureSet bool

	Plist Value // an association list (cons of (key . val) cells), or Nil
}

func (*Symbol) Tag() Tag { return TagSymbol }

// UnsetSlotError is returned by the Value/Function/Structure getters
// when the corresponding slot was never set. Reading an unset slot is
// a fatal error per the spec; callers decide how fatal "fatal" is.
type UnsetSlotError struct {
	Symbol *Symbol
	Slot   string
}

func (e *UnsetSlotError) Error() string {
	return fmt.Sprintf("symbol %q has no %s slot set", e.Symbol.Name, e.Slot)
}

func (s *Symbol) Value() (Value, error) {
	if !s.valueSet {
		return nil, &UnsetSlotError{Symbol: s, Slot: "value"}
	}
	return s.value, nil
}

func (s *Symbol) SetValue(v Value) {
	s.value = v
	s.valueSet = true
}

func (s *Symbol) ValueIsSet() bool { return s.valueSet }

func (s *Symbol) Function() (Value, error) {
	if !s.functionSet {
		return nil, &UnsetSlotError{Symbol: s, Slot: "function"}
	}
	return s.function, nil
}

func (s *Symbol) SetFunction(v Value) {
	s.function = v
	s.functionSet = true
}

func (s *Symbol) FunctionIsSet() bool { return s.functionSet }

func (s *Symbol) Structure() (Value, error) {
	if !s.structureSet {
		return nil, &UnsetSlotError{Symbol: s, Slot: "structure"}
	}
	return s.structure, nil
}

func (s *Symbol) SetStructure(v Value) {
	s.structure = v
	s.structureSet = true
}

func (s *Symbol) StructureIsSet() bool { return s.structureSet }

// Package is a named collection of interned symbols plus a search
// path of used packages (package symtab's registry builds and mutates
// these directly; this type only holds the data).
type Package struct {
	Name    string
	Symbols []*Symbol
	Uses    []*Package
}

func (*Package) Tag() Tag { return TagPackage }

// Function is a compiled function object: a constants vector, a code
// byte array, a declared stack size, and identifying metadata. The
// constants vector is immutable after compilation (invariant 6); this
// package does not enforce that itself. The compiler appends to a
// Function's Constants only while compiling into it, which includes a
// later Compile call that is handed that function to extend.
type Function struct {
	Constants   *DynamicArray
	Code        *DynamicByteArray
	StackSize   int
	Arity       int
	Name        *Symbol // nullable
	Macro       bool
	Builtin     bool
	AcceptsRest bool
}

func (*Function) Tag() Tag { return TagFunction }

// File is a handle/path/mode triple; the core passes it through
// marshaling and the byte-stream abstraction but otherwise defers to
// the CLI/IO collaborator for how it was opened.
type File struct {
	Path string
	Mode string
	// Handle is left untyped here (e.g. *os.File at the call site);
	// the core never inspects it, only bstream does.
	Handle any
}

func (*File) Tag() Tag { return TagFile }

// Enumerator wraps a string or byte-array source with a cursor index
// that advances on read and stays put on peek.
type Enumerator struct {
	Source Value // *Str or *DynamicByteArray
	Cursor int
}

func (*Enumerator) Tag() Tag { return TagEnumerator }

// Pointer, DynamicLibrary, ForeignFunction, and Structure are reserved
// for the FFI collaborator (out of scope here). The core carries them
// as values but never interprets the single field each holds, and the
// marshal encoder rejects them.
type Pointer struct{ Raw uintptr }

func (Pointer) Tag() Tag { return TagPointer }

type DynamicLibrary struct{ Path string }

func (DynamicLibrary) Tag() Tag { return TagDynamicLibrary }

type ForeignFunction struct{ Name string }

func (ForeignFunction) Tag() Tag { return TagForeignFunction }

type Structure struct{ Fields *DynamicArray }

func (Structure) Tag() Tag { return TagStructure }
