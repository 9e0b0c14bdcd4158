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

package reader

import (
	"testing"

	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

func read1(t *testing.T, src string) (value.Value, *symtab.Table) {
	t.Helper()
	tbl := symtab.NewTable()
	r, err := New(value.NewStr(src), tbl)
	if err != nil {
		t.Fatal(err)
	}
	v, err := r.Read(nil)
	if err != nil {
		t.Fatalf("read %q: %v", src, err)
	}
	return v, tbl
}

func readErr(t *testing.T, src string) error {
	t.Helper()
	tbl := symtab.NewTable()
	r, err := New(value.NewStr(src), tbl)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Read(nil)
	if err == nil {
		t.Fatalf("read %q: expected an error", src)
	}
	return err
}

func TestReadFixnums(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"9":    9,
		"-23":  -23,
		"+7":   7,
		"2049": 2049,
	}
	for src, want := range cases {
		v, _ := read1(t, src)
		if v != value.Fixnum(want) {
			t.Errorf("read %q = %s, want %d", src, value.Repr(v), want)
		}
	}
}

func TestReadFlonums(t *testing.T) {
	cases := map[string]float64{
		"1e-3":  0.001,
		"3.":    3.0,
		"2.5":   2.5,
		"-1.25": -1.25,
		"1e3":   1000.0,
		"1.5e2": 150.0,
	}
	for src, want := range cases {
		v, _ := read1(t, src)
		flo, ok := v.(value.Flonum)
		if !ok {
			t.Errorf("read %q = %s, want a flonum", src, value.Repr(v))
			continue
		}
		if float64(flo) != want {
			t.Errorf("read %q = %v, want %v", src, float64(flo), want)
		}
	}
}

func TestLonePunctuationReadsAsSymbols(t *testing.T) {
	for _, src := range []string{"+", "-", ".", "e"} {
		v, _ := read1(t, src)
		sym, ok := v.(*value.Symbol)
		if !ok {
			t.Errorf("read %q = %s, want a symbol", src, value.Repr(v))
			continue
		}
		if sym.Name != src {
			t.Errorf("read %q interned as %q", src, sym.Name)
		}
	}
}

func TestReadStringLiteral(t *testing.T) {
	v, _ := read1(t, `"a\n\t\"b\\"`)
	s, ok := v.(*value.Str)
	if !ok {
		t.Fatalf("expected string, got %s", value.Repr(v))
	}
	if s.String() != "a\n\t\"b\\" {
		t.Fatalf("string = %q", s.String())
	}
}

func TestReadStringErrors(t *testing.T) {
	readErr(t, `"unterminated`)
	readErr(t, `"bad \q escape"`)
}

func TestReadList(t *testing.T) {
	v, _ := read1(t, "(1 2 3)")
	want := value.List(value.Fixnum(1), value.Fixnum(2), value.Fixnum(3))
	if !value.Equals(v, want) {
		t.Fatalf("read list = %s", value.Repr(v))
	}
	v, _ = read1(t, "(a (b) ())")
	cons := v.(*value.Cons)
	if cons.Car.(*value.Symbol).Name != "a" {
		t.Fatalf("first element = %s", value.Repr(cons.Car))
	}
	readErr(t, "(1 2")
}

func TestReadNestedListNoWhitespace(t *testing.T) {
	v, _ := read1(t, `(print"hi")`)
	cons := v.(*value.Cons)
	if cons.Car.(*value.Symbol).Name != "print" {
		t.Fatalf("head = %s", value.Repr(cons.Car))
	}
	arg := cons.Cdr.(*value.Cons).Car
	if arg.(*value.Str).String() != "hi" {
		t.Fatalf("arg = %s", value.Repr(arg))
	}
}

func TestReaderMacros(t *testing.T) {
	cases := map[string]string{
		"'x":   "quote",
		"`x":   "quasiquote",
		",x":   "unquote",
		",@x":  "unquote-splicing",
	}
	for src, head := range cases {
		v, _ := read1(t, src)
		cons, ok := v.(*value.Cons)
		if !ok {
			t.Errorf("read %q = %s", src, value.Repr(v))
			continue
		}
		if cons.Car.(*value.Symbol).Name != head {
			t.Errorf("read %q head = %s, want %s", src, value.Repr(cons.Car), head)
		}
		inner := cons.Cdr.(*value.Cons)
		if inner.Car.(*value.Symbol).Name != "x" {
			t.Errorf("read %q inner = %s", src, value.Repr(inner.Car))
		}
		if !value.IsNil(inner.Cdr) {
			t.Errorf("read %q is not a two-element list", src)
		}
	}
}

func TestReadKeyword(t *testing.T) {
	v, tbl := read1(t, ":blue")
	sym, ok := v.(*value.Symbol)
	if !ok {
		t.Fatalf("expected symbol, got %s", value.Repr(v))
	}
	if sym.Home != tbl.Keyword {
		t.Fatalf("keyword interned into %v", sym.Home)
	}
	val, err := sym.Value()
	if err != nil || val != value.Value(sym) {
		t.Fatalf("keyword value slot not itself")
	}
}

func TestReadPackageQualifiedSymbol(t *testing.T) {
	tbl := symtab.NewTable()
	exp := tbl.Intern("shine", tbl.Lisp)
	tbl.Export(exp)
	tbl.Intern("hidden", tbl.Lisp)

	r, err := New(value.NewStr("lisp:shine"), tbl)
	if err != nil {
		t.Fatal(err)
	}
	v, err := r.Read(nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != value.Value(exp) {
		t.Fatalf("external lookup returned %s", value.Repr(v))
	}

	// external lookup must not see internal symbols
	r, _ = New(value.NewStr("lisp:hidden"), tbl)
	if _, err := r.Read(nil); err == nil {
		t.Fatalf("external lookup found an internal symbol")
	}

	// internal lookup sees them
	r, _ = New(value.NewStr("lisp::hidden"), tbl)
	v, err = r.Read(nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.(*value.Symbol).Name != "hidden" {
		t.Fatalf("internal lookup returned %s", value.Repr(v))
	}

	// internal lookup fails when the symbol does not exist
	r, _ = New(value.NewStr("lisp::absent"), tbl)
	if _, err := r.Read(nil); err == nil {
		t.Fatalf("internal lookup invented a symbol")
	}

	r, _ = New(value.NewStr("ghost:sym"), tbl)
	if _, err := r.Read(nil); err == nil {
		t.Fatalf("lookup in a missing package succeeded")
	}
}

func TestReadSymbolIntoCallerPackage(t *testing.T) {
	v, tbl := read1(t, "my-sym")
	sym := v.(*value.Symbol)
	if sym.Home != tbl.User {
		t.Fatalf("symbol interned into %v, want user", sym.Home)
	}
}

func TestReadAll(t *testing.T) {
	tbl := symtab.NewTable()
	r, err := New(value.NewStr("  1 (2 3)\n foo  "), tbl)
	if err != nil {
		t.Fatal(err)
	}
	vs, err := r.ReadAll(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 3 {
		t.Fatalf("read %d values, want 3", len(vs))
	}
}

func TestPrintReadRoundTrip(t *testing.T) {
	sources := []string{
		`(+ 1 2)`,
		`(a (b "c") 1.5 -2)`,
		`(quote x)`,
		`nil`,
	}
	for _, src := range sources {
		v, tbl := read1(t, src)
		printed := value.Repr(v)
		r, err := New(value.NewStr(printed), tbl)
		if err != nil {
			t.Fatal(err)
		}
		again, err := r.Read(nil)
		if err != nil {
			t.Fatalf("re-read %q: %v", printed, err)
		}
		if !value.Equals(v, again) {
			t.Errorf("print/read round trip broke %q -> %q", src, printed)
		}
	}
}
