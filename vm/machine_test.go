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

package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

func fnOf(stackSize, arity int, consts []value.Value, code []byte) *value.Function {
	return &value.Function{
		Constants: value.NewDynamicArrayFrom(consts),
		Code:      value.NewDynamicByteArrayFrom(code),
		StackSize: stackSize,
		Arity:     arity,
	}
}

func newTestMachine() (*Machine, *bytes.Buffer) {
	m := New(symtab.NewTable())
	var out bytes.Buffer
	m.Out = &out
	return m, &out
}

func TestAddFixnums(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(1), value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpAdd)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(3) {
		t.Fatalf("got %s, want 3", value.Repr(got))
	}
}

func TestAddImmediate(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(1)},
		[]byte{byte(OpConst0), byte(OpAddi), 2})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(3) {
		t.Fatalf("got %s, want 3", value.Repr(got))
	}
}

func TestArithmeticPromotesToFlonum(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Flonum(1.5), value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpMul)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Flonum(3.0) {
		t.Fatalf("got %s, want 3.0", value.Repr(got))
	}
}

func TestArithmeticOnNonNumberIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.NewStr("x"), value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpAdd)})
	_, err := m.Eval(fn, value.Nil)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("expected a RuntimeError, got %v", err)
	}
}

func TestTruncatedDivision(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(-7), value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpDiv)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(-3) {
		t.Fatalf("got %s, want -3 (truncated)", value.Repr(got))
	}
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(1), value.Fixnum(0)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpDiv)})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestComparisons(t *testing.T) {
	m, _ := newTestMachine()
	cases := []struct {
		op   Op
		a, b value.Value
		want bool
	}{
		{OpLt, value.Fixnum(1), value.Fixnum(2), true},
		{OpLt, value.Fixnum(2), value.Fixnum(1), false},
		{OpGt, value.Fixnum(2), value.Fixnum(1), true},
		{OpLte, value.Fixnum(2), value.Fixnum(2), true},
		{OpGte, value.Fixnum(1), value.Fixnum(2), false},
		{OpLt, value.Flonum(1.5), value.Fixnum(2), true},
	}
	for _, c := range cases {
		fn := fnOf(0, 0, []value.Value{c.a, c.b},
			[]byte{byte(OpConst0), byte(OpConst1), byte(c.op)})
		got, err := m.Eval(fn, value.Nil)
		if err != nil {
			t.Fatal(err)
		}
		if value.IsTruthy(got) != c.want {
			t.Errorf("%s %s %s = %s, want %v", value.Repr(c.a), c.op, value.Repr(c.b), value.Repr(got), c.want)
		}
	}
}

func TestLtImmediate(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(3)},
		[]byte{byte(OpConst0), byte(OpLti), 5})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !value.IsTruthy(got) {
		t.Fatalf("3 < 5 was nil")
	}
}

func TestConsCarCdr(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(1), value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCons), byte(OpCar)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(1) {
		t.Fatalf("car = %s, want 1", value.Repr(got))
	}
	// car/cdr of nil is nil
	fn = fnOf(0, 0, nil, []byte{byte(OpLoadNil), byte(OpCdr)})
	got, err = m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !value.IsNil(got) {
		t.Fatalf("cdr of nil = %s", value.Repr(got))
	}
	// car of a non-list is fatal
	fn = fnOf(0, 0, []value.Value{value.Fixnum(9)},
		[]byte{byte(OpConst0), byte(OpCar)})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestListOpcode(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.Fixnum(1), value.Fixnum(2), value.Fixnum(3)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpConst2), byte(OpList), 3})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	want := value.List(value.Fixnum(1), value.Fixnum(2), value.Fixnum(3))
	if !value.Equals(got, want) {
		t.Fatalf("list = %s, want (1 2 3)", value.Repr(got))
	}
}

func TestJumpWhenNil(t *testing.T) {
	m, _ := newTestMachine()
	// (if nil 2 3): offsets are relative to the last argument byte
	code := []byte{
		byte(OpConst0),            // 0: cond
		byte(OpJumpWhenNil), 0, 5, // 1-3: to else branch (3+5=8)
		byte(OpConst1),            // 4: then
		byte(OpJump), 0, 2,        // 5-7: past the else (7+2=9)
		byte(OpConst2),            // 8: else
	}
	fn := fnOf(0, 0, []value.Value{value.Nil, value.Fixnum(2), value.Fixnum(3)}, code)
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(3) {
		t.Fatalf("(if nil 2 3) = %s, want 3", value.Repr(got))
	}

	fn = fnOf(0, 0, []value.Value{value.Fixnum(1), value.Fixnum(2), value.Fixnum(3)}, code)
	got, err = m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(2) {
		t.Fatalf("(if 1 2 3) = %s, want 2", value.Repr(got))
	}
}

func TestOutOfRangeJumpIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, nil, []byte{byte(OpJump), 0x7F, 0xFF})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error for a jump outside the code")
	}
}

func TestCallAndReturn(t *testing.T) {
	m, _ := newTestMachine()
	// callee: one argument, returns arg+1
	callee := fnOf(1, 1, nil,
		[]byte{byte(OpLoadFromStack0), byte(OpAddi), 1, byte(OpReturnFunction)})
	caller := fnOf(0, 0, []value.Value{value.Fixnum(5), callee},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallFunction), 1})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(6) {
		t.Fatalf("call = %s, want 6", value.Repr(got))
	}
	if len(m.call) != 0 || len(m.data) != 0 {
		t.Fatalf("stacks not restored: data=%d call=%d", len(m.data), len(m.call))
	}
}

func TestCallSymbolFunction(t *testing.T) {
	m, _ := newTestMachine()
	inc := fnOf(1, 1, nil,
		[]byte{byte(OpLoadFromStack0), byte(OpAddi), 1, byte(OpReturnFunction)})
	sym := m.Table.Intern("inc", m.Table.User)
	sym.SetFunction(inc)
	caller := fnOf(0, 0, []value.Value{value.Fixnum(41), sym},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallSymbolFunction), 1})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(42) {
		t.Fatalf("call = %s, want 42", value.Repr(got))
	}
}

func TestCallUnboundSymbolIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	sym := m.Table.Intern("ghost-fn", m.Table.User)
	caller := fnOf(0, 0, []value.Value{sym},
		[]byte{byte(OpConst0), byte(OpCallSymbolFunction), 0})
	if _, err := m.Eval(caller, value.Nil); err == nil {
		t.Fatalf("expected an error for an unset function slot")
	}
}

func TestLetStyleLocals(t *testing.T) {
	m, _ := newTestMachine()
	// (let ((a 2)) a): const_0; store_to_stack 0; load_from_stack_0
	fn := fnOf(1, 0, []value.Value{value.Fixnum(2)},
		[]byte{byte(OpConst0), byte(OpStoreToStack), 0, byte(OpLoadFromStack0)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(2) {
		t.Fatalf("let = %s, want 2", value.Repr(got))
	}
}

func TestSymbolValueOpcodes(t *testing.T) {
	m, _ := newTestMachine()
	sym := m.Table.Intern("x", m.Table.User)
	// (set 'x 7) then read it back
	fn := fnOf(0, 0, []value.Value{sym, value.Fixnum(7)},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpSetSymbolValue), byte(OpDrop),
			byte(OpConst0), byte(OpSymbolValue)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(7) {
		t.Fatalf("symbol-value = %s, want 7", value.Repr(got))
	}

	unset := m.Table.Intern("unset-var", m.Table.User)
	fn = fnOf(0, 0, []value.Value{unset},
		[]byte{byte(OpConst0), byte(OpSymbolValue)})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error reading an unset value slot")
	}
}

func TestPrintOpcodes(t *testing.T) {
	m, out := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.NewStr("hi"), value.Fixnum(3)},
		[]byte{byte(OpConst0), byte(OpPrint), byte(OpConst1), byte(OpPrint),
			byte(OpPrintNL), byte(OpLoadNil)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !value.IsNil(got) {
		t.Fatalf("print form = %s, want nil", value.Repr(got))
	}
	if out.String() != "hi3\n" {
		t.Fatalf("printed %q", out.String())
	}
}

func TestInternOpcode(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, []value.Value{value.NewStr("fresh-name")},
		[]byte{byte(OpConst0), byte(OpIntern)})
	got, err := m.Eval(fn, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	sym, ok := got.(*value.Symbol)
	if !ok || sym.Name != "fresh-name" || sym.Home != m.Table.User {
		t.Fatalf("intern = %s", value.Repr(got))
	}
}

func TestStackUnderflowIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, nil, []byte{byte(OpDrop)})
	_, err := m.Eval(fn, value.Nil)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("expected a RuntimeError, got %v", err)
	}
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, nil, []byte{200})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error for an unknown opcode")
	}
}

func TestConstIndexOutOfRangeIsFatal(t *testing.T) {
	m, _ := newTestMachine()
	fn := fnOf(0, 0, nil, []byte{byte(OpConst), 5})
	if _, err := m.Eval(fn, value.Nil); err == nil {
		t.Fatalf("expected an error for an out-of-range constant")
	}
}

func TestEvalArguments(t *testing.T) {
	m, _ := newTestMachine()
	// two arguments, returns their sum
	fn := fnOf(2, 2, nil,
		[]byte{byte(OpLoadFromStack0), byte(OpLoadFromStack1), byte(OpAdd), byte(OpReturnFunction)})
	got, err := m.Eval(fn, value.List(value.Fixnum(30), value.Fixnum(12)))
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(42) {
		t.Fatalf("got %s, want 42", value.Repr(got))
	}
	// too few arguments
	if _, err := m.Eval(fn, value.List(value.Fixnum(1))); err == nil {
		t.Fatalf("expected an error for missing arguments")
	}
}

func TestBuiltinTypeOf(t *testing.T) {
	m, _ := newTestMachine()
	sym := m.Table.Intern("type-of", m.Table.Lisp)
	caller := fnOf(0, 0, []value.Value{value.NewStr("s"), sym},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallSymbolFunction), 1})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	ts, ok := got.(*value.Symbol)
	if !ok || ts.Name != "string" {
		t.Fatalf("type-of = %s, want the string symbol", value.Repr(got))
	}
}

func TestBuiltinFindPackageAndSymbols(t *testing.T) {
	m, _ := newTestMachine()
	find := m.Table.Intern("find-package", m.Table.Lisp)
	caller := fnOf(0, 0, []value.Value{value.NewStr("lisp"), find},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallSymbolFunction), 1})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Value(m.Table.Lisp) {
		t.Fatalf("find-package = %s", value.Repr(got))
	}

	syms := m.Table.Intern("package-symbols", m.Table.Lisp)
	caller = fnOf(0, 0, []value.Value{m.Table.Lisp, syms},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallSymbolFunction), 1})
	got, err = m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for cur := got; !value.IsNil(cur); {
		cons := cur.(*value.Cons)
		if cons.Car == value.Value(value.Nil) {
			found = true
		}
		cur = cons.Cdr
	}
	if !found {
		t.Fatalf("package-symbols of lisp does not contain nil")
	}
}

func TestBuiltinCall(t *testing.T) {
	m, _ := newTestMachine()
	inc := fnOf(1, 1, nil,
		[]byte{byte(OpLoadFromStack0), byte(OpAddi), 1, byte(OpReturnFunction)})
	callSym := m.Table.Intern("call", m.Table.Lisp)
	args := value.List(value.Fixnum(9))
	caller := fnOf(0, 0, []value.Value{inc, args, callSym},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpConst2), byte(OpCallSymbolFunction), 2})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(10) {
		t.Fatalf("call builtin = %s, want 10", value.Repr(got))
	}
}

func TestBuiltinUsePackage(t *testing.T) {
	m, _ := newTestMachine()
	scratch := m.Table.AddPackage("scratch")
	exp := m.Table.Intern("shiny", scratch)
	m.Table.Export(exp)

	use := m.Table.Intern("use-package", m.Table.Lisp)
	caller := fnOf(0, 0, []value.Value{value.NewStr("scratch"), use},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpCallSymbolFunction), 1})
	if _, err := m.Eval(caller, value.Nil); err != nil {
		t.Fatal(err)
	}
	got, ok := m.Table.FindSymbol("shiny", m.Table.User, true)
	if !ok || got != exp {
		t.Fatalf("use-package did not expose scratch's exports")
	}
}

func TestDataStackBalancedAcrossCall(t *testing.T) {
	m, _ := newTestMachine()
	ident := fnOf(1, 1, nil,
		[]byte{byte(OpLoadFromStack0), byte(OpReturnFunction)})
	// leave a marker below the call, then call: the stack must end
	// exactly one deeper than before the call's argument pushes
	caller := fnOf(0, 0, []value.Value{value.Fixnum(100), value.Fixnum(7), ident},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpConst2), byte(OpCallFunction), 1})
	got, err := m.Eval(caller, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != value.Fixnum(7) {
		t.Fatalf("result = %s, want 7", value.Repr(got))
	}
	// collect the top two values: the marker and the call's result must
	// be adjacent, with nothing left between them
	withMarker := fnOf(0, 0, []value.Value{value.Fixnum(100), value.Fixnum(7), ident},
		[]byte{byte(OpConst0), byte(OpConst1), byte(OpConst2), byte(OpCallFunction), 1, byte(OpList), 2})
	got, err = m.Eval(withMarker, value.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !value.Equals(got, value.List(value.Fixnum(100), value.Fixnum(7))) {
		t.Fatalf("stack after call = %s, want (100 7)", value.Repr(got))
	}
}

func TestDumpYAML(t *testing.T) {
	m, _ := newTestMachine()
	raw, err := m.DumpYAML()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("packages")) || !bytes.Contains(raw, []byte("lisp")) {
		t.Fatalf("dump missing package list:\n%s", raw)
	}
}
