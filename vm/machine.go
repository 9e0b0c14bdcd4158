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

// Package vm implements the stack-based bytecode interpreter: two
// disjoint stacks (data and call), a fetch-decode-execute loop over
// the opcode set, and the builtin function dispatch.
package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

// RuntimeError is any fatal execution failure: type mismatch, stack
// underflow, unset symbol slot, unknown opcode, out-of-range jump or
// constant index. Index is the instruction index at the failure.
type RuntimeError struct {
	Op    string
	Index int
	Msg   string
	Err   error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vm: %s at instruction %d: %s: %v", e.Op, e.Index, e.Msg, e.Err)
	}
	return fmt.Sprintf("vm: %s at instruction %d: %s", e.Op, e.Index, e.Msg)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Frame is one entry of an execution trace.
type Frame struct {
	Function *value.Function
	Index    int
}

// CompileFunc is the hook the compiler installs so the compile
// builtin can reach it without an import cycle. The arguments mirror
// the builtin: expression, partial function, lexical symbol table,
// and function symbol table (each may be nil).
type CompileFunc func(ast, fn, st, fst value.Value) (value.Value, error)

// Machine is the single VM execution context: current function,
// instruction index, data stack, and call stack. The current
// function and index are mirrored into two distinguished symbols in
// the impl package so the language's reflection can read them.
type Machine struct {
	Table *symtab.Table

	// Out receives the print opcodes' output.
	Out io.Writer

	// Package is the current package, used by the intern opcode and
	// the use-package builtin.
	Package *value.Package

	// CompileHook backs the compile builtin; package compiler sets it.
	CompileHook CompileFunc

	data []value.Value
	call []value.Value
	fn   *value.Function
	idx  int

	fSym *value.Symbol // impl:f, current function
	iSym *value.Symbol // impl:i, current instruction index

	builtins map[*value.Function]func() (value.Value, error)
}

// New builds a machine over the registry, interning the distinguished
// f/i symbols and binding the builtin functions into the lisp
// package.
func New(tbl *symtab.Table) *Machine {
	m := &Machine{
		Table:    tbl,
		Out:      os.Stdout,
		Package:  tbl.User,
		fSym:     tbl.Intern("f", tbl.Impl),
		iSym:     tbl.Intern("i", tbl.Impl),
		builtins: make(map[*value.Function]func() (value.Value, error)),
	}
	m.fSym.SetValue(value.Nil)
	m.iSym.SetValue(value.Nil)
	m.installBuiltins()
	return m
}

func (m *Machine) setCurrent(fn *value.Function, idx int) {
	m.fn = fn
	m.idx = idx
	if fn == nil {
		m.fSym.SetValue(value.Nil)
		m.iSym.SetValue(value.Nil)
		return
	}
	m.fSym.SetValue(fn)
	m.iSym.SetValue(value.Fixnum(idx))
}

func (m *Machine) rerr(op string, format string, args ...any) *RuntimeError {
	return &RuntimeError{Op: op, Index: m.idx, Msg: fmt.Sprintf(format, args...)}
}

func (m *Machine) push(v value.Value) { m.data = append(m.data, v) }

func (m *Machine) pop(op string) (value.Value, error) {
	if len(m.data) == 0 {
		return nil, m.rerr(op, "data stack underflow")
	}
	v := m.data[len(m.data)-1]
	m.data = m.data[:len(m.data)-1]
	return v, nil
}

func (m *Machine) top(op string) (value.Value, error) {
	if len(m.data) == 0 {
		return nil, m.rerr(op, "data stack underflow")
	}
	return m.data[len(m.data)-1], nil
}

// local reads frame-local slot n; the top of the call stack holds the
// saved function and index, so the slots sit stackSize+2 below.
func (m *Machine) local(op string, n int) (value.Value, error) {
	base := len(m.call) - (m.fn.StackSize + 2)
	if n < 0 || n >= m.fn.StackSize || base+n < 0 {
		return nil, m.rerr(op, "frame-local index %d out of range", n)
	}
	return m.call[base+n], nil
}

func (m *Machine) setLocal(op string, n int, v value.Value) error {
	base := len(m.call) - (m.fn.StackSize + 2)
	if n < 0 || n >= m.fn.StackSize || base+n < 0 {
		return m.rerr(op, "frame-local index %d out of range", n)
	}
	m.call[base+n] = v
	return nil
}

// readOpArg decodes a varint opcode argument, leaving idx on the last
// argument byte.
func (m *Machine) readOpArg(op string, code []byte) (uint64, error) {
	var n uint64
	shift := 0
	for {
		m.idx++
		if m.idx >= len(code) {
			return 0, m.rerr(op, "expected an opcode argument, but the bytecode ended")
		}
		b := code[m.idx]
		n |= uint64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// readJumpArg decodes a signed 16-bit big-endian jump offset, leaving
// idx on the last argument byte.
func (m *Machine) readJumpArg(op string, code []byte) (int, error) {
	if m.idx+2 >= len(code) {
		return 0, m.rerr(op, "expected a jump offset, but the bytecode ended")
	}
	hi := code[m.idx+1]
	lo := code[m.idx+2]
	m.idx += 2
	return int(int16(uint16(hi)<<8 | uint16(lo))), nil
}

// Eval executes fn from instruction 0 with the given argument list.
func (m *Machine) Eval(fn *value.Function, args value.Value) (value.Value, error) {
	return m.EvalAt(fn, 0, args)
}

// EvalAt executes fn from instruction idx. A sentinel frame with nil
// saved function and index is pushed first; return-function detects
// it and stops, which keeps Eval reentrant (builtins and macro
// expansion run nested evaluations mid-dispatch).
func (m *Machine) EvalAt(fn *value.Function, idx int, args value.Value) (value.Value, error) {
	const op = "eval"
	dataBase := len(m.data)
	callBase := len(m.call)
	savedFn, savedIdx := m.fn, m.idx

	pushed := 0
	cursor := args
	for pushed < fn.Arity {
		cons, ok := cursor.(*value.Cons)
		if !ok || value.IsNil(cursor) {
			return nil, m.rerr(op, "not enough arguments: expected %d but got %d", fn.Arity, pushed)
		}
		m.call = append(m.call, cons.Car)
		cursor = cons.Cdr
		pushed++
	}
	for i := 0; i < fn.StackSize-fn.Arity; i++ {
		m.call = append(m.call, value.Nil)
	}
	m.call = append(m.call, value.Nil, value.Nil) // sentinel saved index + function

	m.setCurrent(fn, idx)
	err := m.run()

	// restore the outer context whether or not the run succeeded
	result := value.Value(value.Nil)
	if err == nil && len(m.data) > dataBase {
		result = m.data[len(m.data)-1]
	}
	m.data = m.data[:dataBase]
	m.call = m.call[:callBase]
	m.setCurrent(savedFn, savedIdx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doReturn pops the current frame. It reports done when the frame's
// saved function and index are the nil sentinels.
func (m *Machine) doReturn() (done bool, err error) {
	const op = "return-function"
	frame := m.fn.StackSize + 2
	if len(m.call) < frame {
		return false, m.rerr(op, "call stack underflow")
	}
	savedF := m.call[len(m.call)-1]
	savedI := m.call[len(m.call)-2]
	m.call = m.call[:len(m.call)-frame]
	if value.IsNil(savedF) && value.IsNil(savedI) {
		return true, nil
	}
	fn, ok := savedF.(*value.Function)
	if !ok {
		return false, m.rerr(op, "corrupt frame: saved function is a %s", value.TypeOf(savedF))
	}
	i, ok := savedI.(value.Fixnum)
	if !ok {
		return false, m.rerr(op, "corrupt frame: saved index is a %s", value.TypeOf(savedI))
	}
	m.setCurrent(fn, int(i))
	return false, nil
}

// callFunction implements call-function and call-symbol-function:
// pops the callee (resolving a symbol callee's function slot for
// either opcode; call-symbol-function rejects any other callee) and n
// arguments, pushes a frame, and transfers control. Builtins dispatch
// to their handler and return immediately.
func (m *Machine) callFunction(n int, viaSymbol bool) error {
	op := "call-function"
	if viaSymbol {
		op = "call-symbol-function"
	}
	calleeVal, err := m.top(op)
	if err != nil {
		return err
	}
	if sym, ok := calleeVal.(*value.Symbol); ok {
		calleeVal, err = sym.Function()
		if err != nil {
			return m.rerr(op, "symbol %q has no function", sym.Name)
		}
	} else if viaSymbol {
		return m.rerr(op, "callee is a %s, not a symbol", value.TypeOf(calleeVal))
	}
	callee, ok := calleeVal.(*value.Function)
	if !ok {
		return m.rerr(op, "attempted to call a %s", value.TypeOf(calleeVal))
	}
	if len(m.data) < n+1 {
		return m.rerr(op, "insufficient arguments on the data stack: need %d", n)
	}
	if n != callee.Arity {
		return m.rerr(op, "function expects %d arguments but was given %d", callee.Arity, n)
	}

	savedI := value.Fixnum(m.idx + 1) // resume after this instruction
	savedF := m.fn

	// transfer arguments, deepest first, then drop args + callee
	args := m.data[len(m.data)-1-n : len(m.data)-1]
	m.call = append(m.call, args...)
	m.data = m.data[:len(m.data)-n-1]
	for i := 0; i < callee.StackSize-n; i++ {
		m.call = append(m.call, value.Nil)
	}
	m.call = append(m.call, value.Value(savedI))
	if savedF != nil {
		m.call = append(m.call, savedF)
	} else {
		m.call = append(m.call, value.Nil)
	}

	m.setCurrent(callee, 0)
	if callee.Builtin {
		handler, ok := m.builtins[callee]
		if !ok {
			return m.rerr(op, "builtin function has no handler")
		}
		result, err := handler()
		if err != nil {
			return err
		}
		m.setCurrent(callee, 0) // a reentrant handler may have moved it
		m.push(result)
		done, err := m.doReturn()
		if err != nil {
			return err
		}
		if done {
			// builtins are always entered from a frame below
			return m.rerr(op, "builtin returned through the sentinel frame")
		}
	}
	return nil
}

// run is the dispatch loop: execute until the current function's code
// is exhausted or a return-function crosses the sentinel frame.
func (m *Machine) run() error {
	for {
		code := m.fn.Code.Bytes()
		if m.idx >= len(code) {
			// falling off the end behaves like returning: the frame is
			// popped by EvalAt's restore
			return nil
		}
		op := Op(code[m.idx])
		advance := true
		switch op {
		case OpDrop:
			if _, err := m.pop("drop"); err != nil {
				return err
			}
		case OpDup:
			v, err := m.top("dup")
			if err != nil {
				return err
			}
			m.push(v)
		case OpIntern:
			v, err := m.pop("intern")
			if err != nil {
				return err
			}
			str, ok := v.(*value.Str)
			if !ok {
				return m.rerr("intern", "expected a string, got %s", value.TypeOf(v))
			}
			m.push(m.Table.Intern(str.String(), m.Package))
		case OpCons:
			cdr, err := m.pop("cons")
			if err != nil {
				return err
			}
			car, err := m.pop("cons")
			if err != nil {
				return err
			}
			m.push(value.NewCons(car, cdr))
		case OpCar, OpCdr:
			v, err := m.pop(op.String())
			if err != nil {
				return err
			}
			if value.IsNil(v) {
				m.push(value.Nil)
				break
			}
			cons, ok := v.(*value.Cons)
			if !ok {
				return m.rerr(op.String(), "can only %s a list, was given a %s", op, value.TypeOf(v))
			}
			if op == OpCar {
				m.push(cons.Car)
			} else {
				m.push(cons.Cdr)
			}
		case OpAdd, OpSub, OpMul, OpDiv:
			if err := m.arith(op); err != nil {
				return err
			}
		case OpAddi, OpSubi:
			k, err := m.readOpArg(op.String(), code)
			if err != nil {
				return err
			}
			if err := m.arithImmediate(op, int64(k)); err != nil {
				return err
			}
		case OpLt, OpGt, OpLte, OpGte:
			if err := m.compare(op); err != nil {
				return err
			}
		case OpLti:
			k, err := m.readOpArg("lti", code)
			if err != nil {
				return err
			}
			v, err := m.pop("lti")
			if err != nil {
				return err
			}
			less, err := m.numLess(v, value.Fixnum(k))
			if err != nil {
				return err
			}
			m.push(value.BoolValue(less, m.Table.T))
		case OpEq:
			b, err := m.pop("eq")
			if err != nil {
				return err
			}
			a, err := m.pop("eq")
			if err != nil {
				return err
			}
			m.push(value.BoolValue(value.Equals(a, b), m.Table.T))
		case OpAnd:
			b, err := m.pop("and")
			if err != nil {
				return err
			}
			a, err := m.pop("and")
			if err != nil {
				return err
			}
			if value.IsTruthy(a) && value.IsTruthy(b) {
				m.push(b)
			} else {
				m.push(value.Nil)
			}
		case OpOr:
			b, err := m.pop("or")
			if err != nil {
				return err
			}
			a, err := m.pop("or")
			if err != nil {
				return err
			}
			switch {
			case value.IsTruthy(a):
				m.push(a)
			case value.IsTruthy(b):
				m.push(b)
			default:
				m.push(value.Nil)
			}
		case OpNot:
			v, err := m.pop("not")
			if err != nil {
				return err
			}
			m.push(value.BoolValue(value.IsNil(v), m.Table.T))
		case OpList:
			n, err := m.readOpArg("list", code)
			if err != nil {
				return err
			}
			if n > 0 {
				if len(m.data) < int(n) {
					return m.rerr("list", "data stack underflow")
				}
				var out value.Value = value.Nil
				for i := 0; i < int(n); i++ {
					top := m.data[len(m.data)-1]
					m.data = m.data[:len(m.data)-1]
					out = value.NewCons(top, out)
				}
				m.push(out)
			}
		case OpLoadNil:
			m.push(value.Nil)
		case OpConst0, OpConst1, OpConst2, OpConst3:
			if err := m.pushConst(op.String(), int(op-OpConst0)); err != nil {
				return err
			}
		case OpConst:
			i, err := m.readOpArg("const", code)
			if err != nil {
				return err
			}
			if err := m.pushConst("const", int(i)); err != nil {
				return err
			}
		case OpPushArg:
			v, err := m.pop("push-arg")
			if err != nil {
				return err
			}
			m.call = append(m.call, v)
		case OpPushArgs:
			n, err := m.readOpArg("push-args", code)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				v, err := m.pop("push-args")
				if err != nil {
					return err
				}
				m.call = append(m.call, v)
			}
		case OpPrint:
			v, err := m.pop("print")
			if err != nil {
				return err
			}
			fmt.Fprint(m.Out, value.String(v))
		case OpPrintNL:
			fmt.Fprintln(m.Out)
		case OpSymbolValue:
			v, err := m.pop("symbol-value")
			if err != nil {
				return err
			}
			sym, ok := v.(*value.Symbol)
			if !ok {
				return m.rerr("symbol-value", "expected a symbol, got %s", value.TypeOf(v))
			}
			sv, err := sym.Value()
			if err != nil {
				return m.rerr("symbol-value", "symbol %q has no value", sym.Name)
			}
			m.push(sv)
		case OpSymbolFunction:
			v, err := m.pop("symbol-function")
			if err != nil {
				return err
			}
			sym, ok := v.(*value.Symbol)
			if !ok {
				return m.rerr("symbol-function", "expected a symbol, got %s", value.TypeOf(v))
			}
			fv, err := sym.Function()
			if err != nil {
				return m.rerr("symbol-function", "symbol %q has no function", sym.Name)
			}
			m.push(fv)
		case OpSetSymbolValue:
			val, err := m.pop("set-symbol-value")
			if err != nil {
				return err
			}
			v, err := m.top("set-symbol-value")
			if err != nil {
				return err
			}
			sym, ok := v.(*value.Symbol)
			if !ok {
				return m.rerr("set-symbol-value", "expected a symbol, got %s", value.TypeOf(v))
			}
			sym.SetValue(val)
			m.data[len(m.data)-1] = val
		case OpSetSymbolFunction:
			val, err := m.pop("set-symbol-function")
			if err != nil {
				return err
			}
			v, err := m.pop("set-symbol-function")
			if err != nil {
				return err
			}
			sym, ok := v.(*value.Symbol)
			if !ok {
				return m.rerr("set-symbol-function", "expected a symbol, got %s", value.TypeOf(v))
			}
			sym.SetFunction(val)
			m.push(val)
		case OpJump:
			off, err := m.readJumpArg("jump", code)
			if err != nil {
				return err
			}
			if err := m.jumpBy("jump", off, len(code)); err != nil {
				return err
			}
			advance = false
		case OpJumpWhenNil:
			off, err := m.readJumpArg("jump-when-nil", code)
			if err != nil {
				return err
			}
			cond, err := m.pop("jump-when-nil")
			if err != nil {
				return err
			}
			if value.IsNil(cond) {
				if err := m.jumpBy("jump-when-nil", off, len(code)); err != nil {
					return err
				}
			} else {
				m.idx++
			}
			advance = false
		case OpLoadFromStack:
			n, err := m.readOpArg("load-from-stack", code)
			if err != nil {
				return err
			}
			v, err := m.local("load-from-stack", int(n))
			if err != nil {
				return err
			}
			m.push(v)
		case OpLoadFromStack0, OpLoadFromStack1:
			v, err := m.local(op.String(), int(op-OpLoadFromStack0))
			if err != nil {
				return err
			}
			m.push(v)
		case OpStoreToStack:
			n, err := m.readOpArg("store-to-stack", code)
			if err != nil {
				return err
			}
			v, err := m.pop("store-to-stack")
			if err != nil {
				return err
			}
			if err := m.setLocal("store-to-stack", int(n), v); err != nil {
				return err
			}
		case OpStoreToStack0, OpStoreToStack1:
			v, err := m.pop(op.String())
			if err != nil {
				return err
			}
			if err := m.setLocal(op.String(), int(op-OpStoreToStack0), v); err != nil {
				return err
			}
		case OpCallFunction, OpCallSymbolFunction:
			n, err := m.readOpArg(op.String(), code)
			if err != nil {
				return err
			}
			if err := m.callFunction(int(n), op == OpCallSymbolFunction); err != nil {
				return err
			}
			advance = false
		case OpReturnFunction:
			done, err := m.doReturn()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			advance = false
		default:
			return m.rerr("dispatch", "unknown opcode %d", byte(op))
		}
		if advance {
			m.idx++
		}
	}
}

func (m *Machine) jumpBy(op string, off, codeLen int) error {
	target := m.idx + off
	if target < 0 || target > codeLen {
		return m.rerr(op, "jump target %d outside the code (length %d)", target, codeLen)
	}
	m.idx = target
	return nil
}

func (m *Machine) pushConst(op string, i int) error {
	if i < 0 || i >= m.fn.Constants.Len() {
		return m.rerr(op, "constant index %d out of range (%d constants)", i, m.fn.Constants.Len())
	}
	m.push(m.fn.Constants.Get(i))
	return nil
}

// Trace returns the current frame followed by each saved frame down
// the call stack, stopping at a sentinel.
func (m *Machine) Trace() []Frame {
	if m.fn == nil {
		return nil
	}
	frames := []Frame{{Function: m.fn, Index: m.idx}}
	pos := len(m.call)
	f := m.fn
	for {
		size := f.StackSize + 2
		if pos < size {
			return frames
		}
		savedF := m.call[pos-1]
		savedI := m.call[pos-2]
		pos -= size
		fn, ok := savedF.(*value.Function)
		if !ok {
			return frames
		}
		idx, _ := savedI.(value.Fixnum)
		frames = append(frames, Frame{Function: fn, Index: int(idx)})
		f = fn
	}
}
