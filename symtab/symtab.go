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

// Package symtab implements the process-wide symbol and package
// registry: interning, name lookup with used-package inheritance, and
// the special keyword-package behavior.
package symtab

import (
	"fmt"

	"github.com/cc-lang/bug/value"
)

// Table is the registry of packages and their interned symbols. It is
// the single mutable root the reader, compiler, and VM all share; the
// core is single-threaded, so Table does no locking.
type Table struct {
	packages []*value.Package

	// index from package to name->symbol map, so Intern is O(1) on the
	// package's own symbols; the Symbols slice on value.Package stays
	// the authoritative (ordered) record.
	index map[*value.Package]map[string]*value.Symbol

	// The four standard packages, created by NewTable.
	Lisp    *value.Package
	User    *value.Package
	Keyword *value.Package
	Impl    *value.Package

	// T is the canonical true value, interned in lisp and exported.
	T *value.Symbol
}

// NewTable builds a registry with the standard packages: "lisp"
// (holding nil and t), "keyword", "impl", and "user" (which uses
// lisp). Nil is the process-wide singleton from package value; its
// home is set here so that invariant 3 holds.
func NewTable() *Table {
	t := &Table{index: make(map[*value.Package]map[string]*value.Symbol)}
	t.Lisp = t.AddPackage("lisp")
	t.Keyword = t.AddPackage("keyword")
	t.Impl = t.AddPackage("impl")
	t.User = t.AddPackage("user", t.Lisp)

	// nil is itself a symbol named "nil" in the lisp package, external.
	value.Nil.Home = t.Lisp
	value.Nil.External = true
	value.Nil.SetValue(value.Nil)
	t.Lisp.Symbols = append(t.Lisp.Symbols, value.Nil)
	t.index[t.Lisp]["nil"] = value.Nil

	t.T = t.Intern("t", t.Lisp)
	t.T.External = true
	t.T.SetValue(t.T)
	return t
}

// AddPackage creates a package with the given name and use-list and
// links it into the registry. Adding a name that already exists is a
// programming error and panics.
func (t *Table) AddPackage(name string, uses ...*value.Package) *value.Package {
	if t.FindPackage(name) != nil {
		panic(fmt.Sprintf("symtab: package %q already exists", name))
	}
	p := &value.Package{Name: name, Uses: uses}
	t.packages = append(t.packages, p)
	t.index[p] = make(map[string]*value.Symbol)
	return p
}

// FindPackage returns the package with the given name, or nil.
func (t *Table) FindPackage(name string) *value.Package {
	for _, p := range t.packages {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Packages returns the registered packages in creation order.
func (t *Table) Packages() []*value.Package { return t.packages }

// FindSymbol searches pkg for a symbol with the given name. With
// includeInternal it checks the package's own symbols of any
// visibility, then the exported symbols of each used package in listed
// order; without it, only the package's own external symbols are
// checked and used packages are not searched. It never creates.
func (t *Table) FindSymbol(name string, pkg *value.Package, includeInternal bool) (*value.Symbol, bool) {
	if includeInternal {
		if sym, ok := t.index[pkg][name]; ok {
			return sym, true
		}
		for _, used := range pkg.Uses {
			if sym, ok := t.FindSymbol(name, used, false); ok {
				return sym, true
			}
		}
		return nil, false
	}
	if sym, ok := t.index[pkg][name]; ok && sym.External {
		return sym, true
	}
	return nil, false
}

// Intern returns the symbol with the given name visible from pkg,
// creating and linking a fresh one with home package pkg if the
// search comes up empty. Interning into the keyword package exports
// the new symbol and sets its value slot to itself.
func (t *Table) Intern(name string, pkg *value.Package) *value.Symbol {
	if sym, ok := t.FindSymbol(name, pkg, true); ok {
		return sym
	}
	sym := &value.Symbol{Home: pkg, Name: name, Plist: value.Nil}
	pkg.Symbols = append(pkg.Symbols, sym)
	t.index[pkg][name] = sym
	if pkg == t.Keyword {
		sym.External = true
		sym.SetValue(sym)
	}
	return sym
}

// Export marks sym as externally visible.
func (t *Table) Export(sym *value.Symbol) { sym.External = true }

// UsePackage appends used to pkg's use-list so that used's exported
// symbols become visible from pkg. Re-using an already-used package
// is a no-op.
func (t *Table) UsePackage(pkg, used *value.Package) {
	for _, u := range pkg.Uses {
		if u == used {
			return
		}
	}
	pkg.Uses = append(pkg.Uses, used)
}

// SymbolList returns pkg's interned symbols as a cons list in intern
// order.
func (t *Table) SymbolList(pkg *value.Package) value.Value {
	var out value.Value = value.Nil
	for i := len(pkg.Symbols) - 1; i >= 0; i-- {
		out = value.NewCons(pkg.Symbols[i], out)
	}
	return out
}
