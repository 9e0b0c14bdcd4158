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

// Package compiler lowers s-expressions into bytecode: a single pass
// that resolves lexical references against a scope chain, expands
// macros by running them in the VM, turns a constant fixnum operand of
// + and - into an addi/subi immediate, and patches conditional jumps.
package compiler

import (
	"fmt"

	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
	"github.com/cc-lang/bug/vm"
)

// maxJump is the largest forward distance an if-branch may span; the
// jump argument is a signed 16-bit offset.
const maxJump = 32767

// Error is any compile-time failure: special-form arity mismatch,
// jump range overflow, an uncompilable value, or a macro expansion
// that itself failed.
type Error struct {
	Form string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Form != "" {
		return fmt.Sprintf("compiler: %s: %s", e.Form, e.Msg)
	}
	return "compiler: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func cerrf(form, format string, args ...any) *Error {
	return &Error{Form: form, Msg: fmt.Sprintf(format, args...)}
}

// specials holds the interned special-form head symbols, looked up
// once so compilation compares by identity.
type specials struct {
	quote, quasiquote, cons, car, cdr          *value.Symbol
	progn, drop, let, function, macro          *value.Symbol
	symbolValue, symbolFunction                *value.Symbol
	set, setSymbolFunction, ifSym              *value.Symbol
	print, list, call                          *value.Symbol
	add, sub, mul, div                         *value.Symbol
	lt, gt, lte, gte, equals, and, or          *value.Symbol
}

// Compiler translates s-expressions into function objects. It owns
// the macro-expansion path: macros run on the machine during
// compilation, with expansions cached by symbol-table fingerprint.
type Compiler struct {
	tbl *symtab.Table
	m   *vm.Machine
	sf  specials

	cache macroCache
}

// New builds a compiler over the machine's registry and installs
// itself as the machine's compile builtin.
func New(m *vm.Machine) *Compiler {
	tbl := m.Table
	intern := func(name string) *value.Symbol {
		sym := tbl.Intern(name, tbl.Lisp)
		tbl.Export(sym)
		return sym
	}
	c := &Compiler{
		tbl: tbl,
		m:   m,
		sf: specials{
			quote:             intern("quote"),
			quasiquote:        intern("quasiquote"),
			cons:              intern("cons"),
			car:               intern("car"),
			cdr:               intern("cdr"),
			progn:             intern("progn"),
			drop:              intern("drop"),
			let:               intern("let"),
			function:          intern("function"),
			macro:             intern("macro"),
			symbolValue:       intern("symbol-value"),
			symbolFunction:    intern("symbol-function"),
			set:               intern("set"),
			setSymbolFunction: intern("set-symbol-function"),
			ifSym:             intern("if"),
			print:             intern("print"),
			list:              intern("list"),
			call:              intern("call"),
			add:               intern("+"),
			sub:               intern("-"),
			mul:               intern("*"),
			div:               intern("/"),
			lt:                intern("<"),
			gt:                intern(">"),
			lte:               intern("<="),
			gte:               intern(">="),
			equals:            intern("="),
			and:               intern("and"),
			or:                intern("or"),
		},
	}
	m.CompileHook = c.compileHook
	return c
}

// scope is the lexical symbol table: an association from symbol to
// frame-local slot, chained to the enclosing scope.
type scope struct {
	sym    *value.Symbol
	slot   int
	parent *scope
}

func (s *scope) lookup(sym *value.Symbol) (int, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.sym == sym {
			return cur.slot, true
		}
	}
	return 0, false
}

func newFunction() *value.Function {
	return &value.Function{
		Constants: value.NewDynamicArray(),
		Code:      value.NewDynamicByteArray(),
	}
}

// Compile lowers one expression into fn, allocating a fresh function
// when fn is nil, and returns it.
func (c *Compiler) Compile(ast value.Value, fn *value.Function) (*value.Function, error) {
	if fn == nil {
		fn = newFunction()
	}
	if err := c.compile(ast, fn, nil); err != nil {
		return nil, err
	}
	return fn, nil
}

// CompileAll wraps exprs in a single progn whose trailing drop clears
// the final value; this is the top-level file compilation shape.
func (c *Compiler) CompileAll(exprs []value.Value) (*value.Function, error) {
	body := make([]value.Value, 0, len(exprs)+1)
	body = append(body, c.sf.progn)
	body = append(body, exprs...)
	fn, err := c.Compile(value.List(body...), nil)
	if err != nil {
		return nil, err
	}
	emitOp(fn, vm.OpDrop)
	return fn, nil
}

// compileHook adapts Compile to the VM's compile builtin, whose
// arguments arrive as language values.
func (c *Compiler) compileHook(ast, fnVal, st, fst value.Value) (value.Value, error) {
	_ = fst // reserved for lexical function bindings
	var fn *value.Function
	if !value.IsNil(fnVal) && fnVal != nil {
		f, ok := fnVal.(*value.Function)
		if !ok {
			return nil, cerrf("compile", "second argument must be a function or nil")
		}
		fn = f
	}
	env, err := scopeFromAlist(st)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		fn = newFunction()
	}
	if err := c.compile(ast, fn, env); err != nil {
		return nil, err
	}
	return fn, nil
}

// scopeFromAlist rebuilds a scope chain from an association list of
// (symbol . slot) pairs.
func scopeFromAlist(st value.Value) (*scope, error) {
	var env *scope
	for cur := st; !value.IsNil(cur) && cur != nil; {
		cons, ok := cur.(*value.Cons)
		if !ok {
			return nil, cerrf("compile", "symbol table must be an association list")
		}
		kvp, ok := cons.Car.(*value.Cons)
		if !ok {
			return nil, cerrf("compile", "symbol table entries must be pairs")
		}
		sym, ok := kvp.Car.(*value.Symbol)
		if !ok {
			return nil, cerrf("compile", "symbol table keys must be symbols")
		}
		slot, ok := kvp.Cdr.(value.Fixnum)
		if !ok {
			return nil, cerrf("compile", "symbol table slots must be fixnums")
		}
		env = &scope{sym: sym, slot: int(slot), parent: env}
		cur = cons.Cdr
	}
	return env, nil
}

func emitOp(fn *value.Function, op vm.Op) {
	fn.Code.Push(byte(op))
}

func emitArg(fn *value.Function, n uint64) {
	for _, b := range vm.AppendUvarint(nil, n) {
		fn.Code.Push(b)
	}
}

// emitConst adds v to the constants vector and emits the load, using
// the short forms for the first four slots.
func emitConst(fn *value.Function, v value.Value) {
	fn.Constants.Push(v)
	i := fn.Constants.Len() - 1
	if i <= 3 {
		emitOp(fn, vm.OpConst0+vm.Op(i))
		return
	}
	emitOp(fn, vm.OpConst)
	emitArg(fn, uint64(i))
}

func (c *Compiler) compile(ast value.Value, fn *value.Function, env *scope) error {
	if value.IsNil(ast) {
		emitConst(fn, value.Nil)
		return nil
	}
	switch t := ast.(type) {
	case value.Fixnum, value.Ufixnum, value.Flonum, *value.Str,
		*value.DynamicByteArray, *value.DynamicArray, *value.Package,
		value.Vec2, *value.Enumerator:
		emitConst(fn, ast)
		return nil
	case *value.Symbol:
		if slot, ok := env.lookup(t); ok {
			switch slot {
			case 0:
				emitOp(fn, vm.OpLoadFromStack0)
			case 1:
				emitOp(fn, vm.OpLoadFromStack1)
			default:
				emitOp(fn, vm.OpLoadFromStack)
				emitArg(fn, uint64(slot))
			}
			return nil
		}
		// not a lexical variable: defer the lookup to run time
		fn.Constants.Push(t)
		emitOp(fn, vm.OpConst)
		emitArg(fn, uint64(fn.Constants.Len()-1))
		emitOp(fn, vm.OpSymbolValue)
		return nil
	case *value.Cons:
		return c.compileForm(t, fn, env)
	default:
		return cerrf("", "a value of type %s cannot be compiled", value.TypeOf(ast))
	}
}

// listArgs splits a form's arguments into a slice.
func listArgs(form *value.Cons) []value.Value {
	var out []value.Value
	for cur := form.Cdr; !value.IsNil(cur); {
		cons, ok := cur.(*value.Cons)
		if !ok {
			break
		}
		out = append(out, cons.Car)
		cur = cons.Cdr
	}
	return out
}

func (c *Compiler) requireArgs(form *value.Cons, name string, n int) ([]value.Value, error) {
	args := listArgs(form)
	if len(args) != n {
		return nil, cerrf(name, "expected %d arguments, was given %d", n, len(args))
	}
	return args, nil
}

func (c *Compiler) compileForm(form *value.Cons, fn *value.Function, env *scope) error {
	head, ok := form.Car.(*value.Symbol)
	if !ok {
		return cerrf("", "an expression may not start with a %s", value.TypeOf(form.Car))
	}
	// lexical bindings shadow special forms and functions alike
	if _, bound := env.lookup(head); !bound {
		switch head {
		case c.sf.quote:
			args, err := c.requireArgs(form, "quote", 1)
			if err != nil {
				return err
			}
			emitConst(fn, args[0])
			return nil
		case c.sf.cons:
			return c.compileOpForm(form, fn, env, "cons", 2, vm.OpCons)
		case c.sf.car:
			return c.compileOpForm(form, fn, env, "car", 1, vm.OpCar)
		case c.sf.cdr:
			return c.compileOpForm(form, fn, env, "cdr", 1, vm.OpCdr)
		case c.sf.progn:
			return c.compileProgn(listArgs(form), fn, env)
		case c.sf.drop:
			emitOp(fn, vm.OpDrop)
			return nil
		case c.sf.let:
			return c.compileLet(form, fn, env)
		case c.sf.function, c.sf.macro:
			return c.compileFunction(form, fn, env, head == c.sf.macro)
		case c.sf.symbolValue:
			return c.compileOpForm(form, fn, env, "symbol-value", 1, vm.OpSymbolValue)
		case c.sf.symbolFunction:
			return c.compileOpForm(form, fn, env, "symbol-function", 1, vm.OpSymbolFunction)
		case c.sf.set:
			return c.compileOpForm(form, fn, env, "set", 2, vm.OpSetSymbolValue)
		case c.sf.setSymbolFunction:
			return c.compileOpForm(form, fn, env, "set-symbol-function", 2, vm.OpSetSymbolFunction)
		case c.sf.ifSym:
			return c.compileIf(form, fn, env)
		case c.sf.print:
			for _, arg := range listArgs(form) {
				if err := c.compile(arg, fn, env); err != nil {
					return err
				}
				emitOp(fn, vm.OpPrint)
			}
			emitOp(fn, vm.OpPrintNL)
			emitOp(fn, vm.OpLoadNil)
			return nil
		case c.sf.list:
			args := listArgs(form)
			for _, arg := range args {
				if err := c.compile(arg, fn, env); err != nil {
					return err
				}
			}
			emitOp(fn, vm.OpList)
			emitArg(fn, uint64(len(args)))
			return nil
		case c.sf.call:
			return c.compileCall(form, fn, env)
		case c.sf.add:
			return c.compileAddSub(form, fn, env, true)
		case c.sf.sub:
			return c.compileAddSub(form, fn, env, false)
		case c.sf.mul:
			return c.compilePairwise(form, fn, env, "*", vm.OpMul)
		case c.sf.div:
			return c.compilePairwise(form, fn, env, "/", vm.OpDiv)
		case c.sf.lt:
			return c.compileLess(form, fn, env)
		case c.sf.gt:
			return c.compileOpForm(form, fn, env, ">", 2, vm.OpGt)
		case c.sf.lte:
			return c.compileOpForm(form, fn, env, "<=", 2, vm.OpLte)
		case c.sf.gte:
			return c.compileOpForm(form, fn, env, ">=", 2, vm.OpGte)
		case c.sf.equals:
			return c.compileOpForm(form, fn, env, "=", 2, vm.OpEq)
		case c.sf.and:
			return c.compileOpForm(form, fn, env, "and", 2, vm.OpAnd)
		case c.sf.or:
			return c.compileOpForm(form, fn, env, "or", 2, vm.OpOr)
		}
	}
	return c.compileApplication(head, form, fn, env)
}

// compileOpForm handles the fixed-arity forms that compile their
// arguments then emit a single opcode.
func (c *Compiler) compileOpForm(form *value.Cons, fn *value.Function, env *scope, name string, arity int, op vm.Op) error {
	args, err := c.requireArgs(form, name, arity)
	if err != nil {
		return err
	}
	for _, arg := range args {
		if err := c.compile(arg, fn, env); err != nil {
			return err
		}
	}
	emitOp(fn, op)
	return nil
}

// compileProgn compiles each child with a drop between them so only
// the last value remains; an empty progn loads nil.
func (c *Compiler) compileProgn(body []value.Value, fn *value.Function, env *scope) error {
	if len(body) == 0 {
		emitOp(fn, vm.OpLoadNil)
		return nil
	}
	for i, child := range body {
		if err := c.compile(child, fn, env); err != nil {
			return err
		}
		if i < len(body)-1 {
			emitOp(fn, vm.OpDrop)
		}
	}
	return nil
}

// compileLet allocates one frame slot per binding. Bindings are
// sequential: each expression is compiled against the scope extended
// by the bindings before it.
func (c *Compiler) compileLet(form *value.Cons, fn *value.Function, env *scope) error {
	args := listArgs(form)
	if len(args) == 0 {
		return cerrf("let", "expected a binding list")
	}
	inner := env
	for cur := args[0]; !value.IsNil(cur); {
		cons, ok := cur.(*value.Cons)
		if !ok {
			return cerrf("let", "bindings must form a proper list")
		}
		kvp, ok := cons.Car.(*value.Cons)
		if !ok {
			return cerrf("let", "each binding must be a (name expression) pair")
		}
		name, ok := kvp.Car.(*value.Symbol)
		if !ok {
			return cerrf("let", "binding names must be symbols")
		}
		rest, ok := kvp.Cdr.(*value.Cons)
		if !ok {
			return cerrf("let", "binding %q has no expression", name.Name)
		}
		slot := fn.StackSize
		fn.StackSize++
		if err := c.compile(rest.Car, fn, inner); err != nil {
			return err
		}
		emitOp(fn, vm.OpStoreToStack)
		emitArg(fn, uint64(slot))
		inner = &scope{sym: name, slot: slot, parent: inner}
		cur = cons.Cdr
	}
	return c.compileProgn(args[1:], fn, inner)
}

// compileIf emits the condition, a jump-when-nil with a 16-bit
// placeholder, the then-branch, a jump placeholder, and the implicit-
// progn else-branch, then patches both placeholders.
func (c *Compiler) compileIf(form *value.Cons, fn *value.Function, env *scope) error {
	args := listArgs(form)
	if len(args) < 2 {
		return cerrf("if", "expected a condition and a then-branch, was given %d arguments", len(args))
	}
	if err := c.compile(args[0], fn, env); err != nil {
		return err
	}
	emitOp(fn, vm.OpJumpWhenNil)
	fn.Code.Push(0)
	fn.Code.Push(0)
	elseJump := fn.Code.Len() - 1

	if err := c.compile(args[1], fn, env); err != nil {
		return err
	}
	emitOp(fn, vm.OpJump)
	fn.Code.Push(0)
	fn.Code.Push(0)
	endJump := fn.Code.Len() - 1

	if err := patchJump(fn, elseJump, "then"); err != nil {
		return err
	}
	if err := c.compileProgn(args[2:], fn, env); err != nil {
		return err
	}
	return patchJump(fn, endJump, "else")
}

// patchJump writes the distance from the placeholder to the current
// end of code into the two placeholder bytes.
func patchJump(fn *value.Function, at int, branch string) error {
	off := fn.Code.Len() - at
	if off > maxJump {
		return cerrf("if", "%q branch exceeded the maximum jump range", branch)
	}
	fn.Code.Set(at-1, byte(off>>8))
	fn.Code.Set(at, byte(off&0xFF))
	return nil
}

// compileCall compiles (call callee args...) argument-first, then the
// callee expression, and emits call-function.
func (c *Compiler) compileCall(form *value.Cons, fn *value.Function, env *scope) error {
	args := listArgs(form)
	if len(args) == 0 {
		return cerrf("call", "expected a callee")
	}
	callee, rest := args[0], args[1:]
	for _, arg := range rest {
		if err := c.compile(arg, fn, env); err != nil {
			return err
		}
	}
	if err := c.compile(callee, fn, env); err != nil {
		return err
	}
	emitOp(fn, vm.OpCallFunction)
	emitArg(fn, uint64(len(rest)))
	return nil
}

// compilePairwise handles * and /: compile the first two arguments,
// emit the opcode, then repeat per additional argument.
func (c *Compiler) compilePairwise(form *value.Cons, fn *value.Function, env *scope, name string, op vm.Op) error {
	args := listArgs(form)
	if len(args) < 2 {
		return cerrf(name, "expected at least 2 arguments, was given %d", len(args))
	}
	for i, arg := range args {
		if err := c.compile(arg, fn, env); err != nil {
			return err
		}
		if i >= 1 {
			emitOp(fn, op)
		}
	}
	return nil
}

func constFixnum(v value.Value) (int64, bool) {
	switch t := v.(type) {
	case value.Fixnum:
		return int64(t), true
	case value.Ufixnum:
		if int64(t) >= 0 {
			return int64(t), true
		}
	}
	return 0, false
}

// emitImmediate emits addi/subi with |k|, flipping the opcode when k
// is negative.
func emitImmediate(fn *value.Function, k int64, add bool) {
	if k < 0 {
		k = -k
		add = !add
	}
	if add {
		emitOp(fn, vm.OpAddi)
	} else {
		emitOp(fn, vm.OpSubi)
	}
	emitArg(fn, uint64(k))
}

// compileAddSub reduces left to right. A constant fixnum operand
// becomes addi/subi with the sign folded into the opcode; for
// addition a constant on either side folds, for subtraction only a
// constant right-hand side does.
func (c *Compiler) compileAddSub(form *value.Cons, fn *value.Function, env *scope, add bool) error {
	name := "-"
	if add {
		name = "+"
	}
	args := listArgs(form)
	if len(args) < 2 {
		return cerrf(name, "expected at least 2 arguments, was given %d", len(args))
	}
	lhs, rhs := args[0], args[1]
	lk, lConst := constFixnum(lhs)
	rk, rConst := constFixnum(rhs)
	switch {
	case rConst:
		if err := c.compile(lhs, fn, env); err != nil {
			return err
		}
		emitImmediate(fn, rk, add)
	case add && lConst:
		if err := c.compile(rhs, fn, env); err != nil {
			return err
		}
		emitImmediate(fn, lk, true)
	default:
		if err := c.compile(lhs, fn, env); err != nil {
			return err
		}
		if err := c.compile(rhs, fn, env); err != nil {
			return err
		}
		if add {
			emitOp(fn, vm.OpAdd)
		} else {
			emitOp(fn, vm.OpSub)
		}
	}
	for _, arg := range args[2:] {
		if k, ok := constFixnum(arg); ok {
			emitImmediate(fn, k, add)
			continue
		}
		if err := c.compile(arg, fn, env); err != nil {
			return err
		}
		if add {
			emitOp(fn, vm.OpAdd)
		} else {
			emitOp(fn, vm.OpSub)
		}
	}
	return nil
}

// compileLess folds (< x k) with a positive literal right-hand side
// into lti.
func (c *Compiler) compileLess(form *value.Cons, fn *value.Function, env *scope) error {
	args, err := c.requireArgs(form, "<", 2)
	if err != nil {
		return err
	}
	if k, ok := constFixnum(args[1]); ok && k > 0 {
		if err := c.compile(args[0], fn, env); err != nil {
			return err
		}
		emitOp(fn, vm.OpLti)
		emitArg(fn, uint64(k))
		return nil
	}
	if err := c.compile(args[0], fn, env); err != nil {
		return err
	}
	if err := c.compile(args[1], fn, env); err != nil {
		return err
	}
	emitOp(fn, vm.OpLt)
	return nil
}

// compileApplication handles a call to an ordinary symbol. If the
// symbol's function slot holds a macro, the macro runs on the raw
// argument list and its result is compiled in place of the form;
// otherwise the arguments compile in order, the callee symbol loads
// as a constant, and call-symbol-function is emitted.
func (c *Compiler) compileApplication(head *value.Symbol, form *value.Cons, fn *value.Function, env *scope) error {
	if head.FunctionIsSet() {
		if slot, err := head.Function(); err == nil {
			if mf, ok := slot.(*value.Function); ok && mf.Macro {
				expansion, err := c.expandMacro(head, mf, form.Cdr)
				if err != nil {
					return err
				}
				return c.compile(expansion, fn, env)
			}
		}
	}
	args := listArgs(form)
	for _, arg := range args {
		if err := c.compile(arg, fn, env); err != nil {
			return err
		}
	}
	emitConst(fn, head)
	emitOp(fn, vm.OpCallSymbolFunction)
	emitArg(fn, uint64(len(args)))
	return nil
}

// compileFunction handles the function and macro special forms:
// (function name (params) body...), (function (params) body...) for
// an anonymous function, or (macro name (params) body...). The body
// is an implicit progn with a return appended. Named definitions
// write the function into the symbol's slot at compile time so
// mutually recursive definitions compile.
func (c *Compiler) compileFunction(form *value.Cons, fn *value.Function, env *scope, isMacro bool) error {
	formName := "function"
	if isMacro {
		formName = "macro"
	}
	args := listArgs(form)
	if len(args) == 0 {
		return cerrf(formName, "expected a name or parameter list")
	}

	var name *value.Symbol
	var params value.Value
	var body []value.Value
	switch first := args[0].(type) {
	case *value.Symbol:
		if value.IsNil(first) {
			params = value.Nil
			body = args[1:]
			break
		}
		name = first
		if len(args) < 2 {
			return cerrf(formName, "%q has no parameter list", name.Name)
		}
		params = args[1]
		body = args[2:]
	case *value.Cons:
		params = first
		body = args[1:]
	default:
		return cerrf(formName, "expected a symbol name or parameter list, was given a %s", value.TypeOf(args[0]))
	}
	if isMacro && name == nil {
		return cerrf(formName, "macros must have a name")
	}

	inner := env
	arity := 0
	for cur := params; !value.IsNil(cur); {
		cons, ok := cur.(*value.Cons)
		if !ok {
			return cerrf(formName, "parameters must form a proper list")
		}
		p, ok := cons.Car.(*value.Symbol)
		if !ok {
			return cerrf(formName, "parameters must be symbols")
		}
		inner = &scope{sym: p, slot: arity, parent: inner}
		arity++
		cur = cons.Cdr
	}

	sub := newFunction()
	sub.Arity = arity
	sub.StackSize = arity
	sub.Name = name
	if err := c.compileProgn(body, sub, inner); err != nil {
		return err
	}
	emitOp(sub, vm.OpReturnFunction)

	switch {
	case isMacro:
		sub.Macro = true
		name.SetFunction(sub)
		// the macro leaves no trace at run time
		emitConst(fn, value.Nil)
	case name == nil:
		emitConst(fn, sub)
	default:
		name.SetFunction(sub)
		emitConst(fn, name)
		emitConst(fn, sub)
		emitOp(fn, vm.OpSetSymbolFunction)
	}
	return nil
}
