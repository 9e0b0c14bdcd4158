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

package compiler

import (
	"github.com/dchest/siphash"

	"github.com/cc-lang/bug/value"
)

const (
	macroHashK0 = 0x636f6d70696c6572
	macroHashK1 = 0x6d6163726f686173
)

// macroKey identifies one macro invocation: the macro function's code
// fingerprint, the printed argument list, and the symbol-table
// fingerprint at expansion time. If any of the three changes, the
// cached expansion no longer applies.
type macroKey struct {
	codeHash uint64
	argsHash uint64
	tableFP  uint64
}

// macroCache memoizes macro expansions within a compiler so repeated
// calls with identical arguments skip the VM re-entry.
type macroCache struct {
	entries map[macroKey]value.Value
}

func macroHash(b []byte) uint64 {
	return siphash.Hash(macroHashK0, macroHashK1, b)
}

// key builds the cache key for running mf on args, or reports that
// the invocation is uncacheable (an expansion that captures mutable
// structure would go stale undetectably, so only plain data args
// cache).
func (c *Compiler) key(mf *value.Function, args value.Value) (macroKey, bool) {
	if !cacheable(args) {
		return macroKey{}, false
	}
	return macroKey{
		codeHash: macroHash(mf.Code.Bytes()),
		argsHash: macroHash([]byte(value.Repr(args))),
		tableFP:  c.tbl.FingerprintAll(),
	}, true
}

// cacheable reports whether args is made only of atoms and conses of
// atoms whose printed form identifies them: numbers, strings,
// symbols, nil.
func cacheable(args value.Value) bool {
	if value.IsNil(args) {
		return true
	}
	switch t := args.(type) {
	case value.Fixnum, value.Ufixnum, value.Flonum, *value.Str, *value.Symbol:
		return true
	case *value.Cons:
		return cacheable(t.Car) && cacheable(t.Cdr)
	default:
		return false
	}
}

// expandMacro runs the macro body on the raw argument list via the
// VM, consulting the expansion cache first.
func (c *Compiler) expandMacro(head *value.Symbol, mf *value.Function, args value.Value) (value.Value, error) {
	key, ok := c.key(mf, args)
	if ok {
		if hit, found := c.cache.entries[key]; found {
			return hit, nil
		}
	}
	expansion, err := c.m.Eval(mf, args)
	if err != nil {
		return nil, &Error{Form: head.Name, Msg: "macro expansion failed", Err: err}
	}
	if ok {
		if c.cache.entries == nil {
			c.cache.entries = make(map[macroKey]value.Value)
		}
		c.cache.entries[key] = expansion
	}
	return expansion, nil
}
