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

package symtab

import (
	"testing"

	"github.com/cc-lang/bug/value"
)

func TestInternIsIdempotent(t *testing.T) {
	tbl := NewTable()
	a := tbl.Intern("foo", tbl.User)
	b := tbl.Intern("foo", tbl.User)
	if a != b {
		t.Fatalf("interning the same name twice returned different symbols")
	}
	if a.Home != tbl.User {
		t.Fatalf("home package = %v, want user", a.Home)
	}
}

func TestInternSearchesUsedPackages(t *testing.T) {
	tbl := NewTable()
	// user uses lisp, so lisp's exported t must be found from user
	sym := tbl.Intern("t", tbl.User)
	if sym != tbl.T {
		t.Fatalf("intern from user did not find lisp's exported t")
	}
	// internal lisp symbols must not leak through the use-list
	hidden := tbl.Intern("hidden", tbl.Lisp)
	got := tbl.Intern("hidden", tbl.User)
	if got == hidden {
		t.Fatalf("internal symbol of a used package leaked into user")
	}
	if got.Home != tbl.User {
		t.Fatalf("fresh symbol home = %v, want user", got.Home)
	}
}

func TestFindSymbolNeverCreates(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.FindSymbol("no-such", tbl.User, true); ok {
		t.Fatalf("found a symbol that was never interned")
	}
	if len(tbl.User.Symbols) != 0 {
		t.Fatalf("find-symbol created a symbol")
	}
}

func TestKeywordPackageAutoExports(t *testing.T) {
	tbl := NewTable()
	kw := tbl.Intern("blue", tbl.Keyword)
	if !kw.External {
		t.Fatalf("keyword symbol not exported")
	}
	v, err := kw.Value()
	if err != nil {
		t.Fatalf("keyword value slot unset: %v", err)
	}
	if v != value.Value(kw) {
		t.Fatalf("keyword value = %v, want the symbol itself", v)
	}
}

func TestNilIsInternedInLisp(t *testing.T) {
	tbl := NewTable()
	sym, ok := tbl.FindSymbol("nil", tbl.Lisp, true)
	if !ok || sym != value.Nil {
		t.Fatalf("lisp package does not hold the nil singleton")
	}
	if !value.Nil.External {
		t.Fatalf("nil must be externally visible")
	}
	// visible from user via the use-list
	if got := tbl.Intern("nil", tbl.User); got != value.Nil {
		t.Fatalf("nil not inherited into user")
	}
}

func TestFindPackage(t *testing.T) {
	tbl := NewTable()
	if tbl.FindPackage("lisp") != tbl.Lisp {
		t.Fatalf("find-package lisp failed")
	}
	if tbl.FindPackage("nope") != nil {
		t.Fatalf("find-package invented a package")
	}
}

func TestUsePackage(t *testing.T) {
	tbl := NewTable()
	scratch := tbl.AddPackage("scratch")
	exp := tbl.Intern("exported", scratch)
	tbl.Export(exp)
	if _, ok := tbl.FindSymbol("exported", tbl.User, true); ok {
		t.Fatalf("symbol visible before use-package")
	}
	tbl.UsePackage(tbl.User, scratch)
	got, ok := tbl.FindSymbol("exported", tbl.User, true)
	if !ok || got != exp {
		t.Fatalf("use-package did not expose exported symbol")
	}
	tbl.UsePackage(tbl.User, scratch) // idempotent
	n := 0
	for _, u := range tbl.User.Uses {
		if u == scratch {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("use-package duplicated the use-list entry")
	}
}

func TestFingerprintChangesOnIntern(t *testing.T) {
	tbl := NewTable()
	before := tbl.Fingerprint(tbl.User)
	tbl.Intern("new-symbol", tbl.User)
	after := tbl.Fingerprint(tbl.User)
	if before == after {
		t.Fatalf("fingerprint unchanged after intern")
	}
	// order-independent: a second table interning the same names in a
	// different order fingerprints identically
	t2 := NewTable()
	t2.Intern("b", t2.User)
	t2.Intern("a", t2.User)
	t3 := NewTable()
	t3.Intern("a", t3.User)
	t3.Intern("b", t3.User)
	if t2.Fingerprint(t2.User) != t3.Fingerprint(t3.User) {
		t.Fatalf("fingerprint depends on intern order")
	}
}
