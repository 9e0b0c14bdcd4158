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
	"github.com/cc-lang/bug/value"
)

// installBuiltins creates the builtin function values and binds each
// to its lisp-package symbol's function slot. Builtins look like
// ordinary functions (arity, stack size, empty code) but carry the
// builtin flag; the dispatcher routes them by identity to a handler
// instead of bytecode.
func (m *Machine) installBuiltins() {
	m.defBuiltin("compile", 4, m.builtinCompile)
	m.defBuiltin("eval", 2, m.builtinEval)
	m.defBuiltin("type-of", 1, m.builtinTypeOf)
	m.defBuiltin("find-package", 1, m.builtinFindPackage)
	m.defBuiltin("package-symbols", 1, m.builtinPackageSymbols)
	m.defBuiltin("call", 2, m.builtinCall)
	m.defBuiltin("use-package", 1, m.builtinUsePackage)
}

func (m *Machine) defBuiltin(name string, arity int, handler func() (value.Value, error)) {
	sym := m.Table.Intern(name, m.Table.Lisp)
	m.Table.Export(sym)
	fn := &value.Function{
		Constants: value.NewDynamicArray(),
		Code:      value.NewDynamicByteArray(),
		StackSize: arity,
		Arity:     arity,
		Name:      sym,
		Builtin:   true,
	}
	sym.SetFunction(fn)
	m.builtins[fn] = handler
}

// stringDesignator accepts a string or a symbol where a package name
// is expected.
func (m *Machine) stringDesignator(op string, v value.Value) (string, error) {
	switch t := v.(type) {
	case *value.Str:
		return t.String(), nil
	case *value.Symbol:
		return t.Name, nil
	default:
		return "", m.rerr(op, "expected a string or symbol, got %s", value.TypeOf(v))
	}
}

func (m *Machine) builtinCompile() (value.Value, error) {
	const op = "compile"
	if m.CompileHook == nil {
		return nil, m.rerr(op, "no compiler is installed")
	}
	ast, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	fn, err := m.local(op, 1)
	if err != nil {
		return nil, err
	}
	st, err := m.local(op, 2)
	if err != nil {
		return nil, err
	}
	fst, err := m.local(op, 3)
	if err != nil {
		return nil, err
	}
	return m.CompileHook(ast, fn, st, fst)
}

func (m *Machine) builtinEval() (value.Value, error) {
	const op = "eval"
	fv, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	fn, ok := fv.(*value.Function)
	if !ok {
		return nil, m.rerr(op, "expected a function, got %s", value.TypeOf(fv))
	}
	iv, err := m.local(op, 1)
	if err != nil {
		return nil, err
	}
	idx := 0
	if !value.IsNil(iv) {
		fix, ok := iv.(value.Fixnum)
		if !ok {
			return nil, m.rerr(op, "instruction index must be a fixnum, got %s", value.TypeOf(iv))
		}
		idx = int(fix)
	}
	return m.EvalAt(fn, idx, value.Nil)
}

func (m *Machine) builtinTypeOf() (value.Value, error) {
	v, err := m.local("type-of", 0)
	if err != nil {
		return nil, err
	}
	sym := m.Table.Intern(value.TypeOf(v).String(), m.Table.Lisp)
	m.Table.Export(sym)
	return sym, nil
}

func (m *Machine) builtinFindPackage() (value.Value, error) {
	const op = "find-package"
	v, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	name, err := m.stringDesignator(op, v)
	if err != nil {
		return nil, err
	}
	pkg := m.Table.FindPackage(name)
	if pkg == nil {
		return value.Nil, nil
	}
	return pkg, nil
}

func (m *Machine) builtinPackageSymbols() (value.Value, error) {
	const op = "package-symbols"
	v, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	pkg, ok := v.(*value.Package)
	if !ok {
		return nil, m.rerr(op, "expected a package, got %s", value.TypeOf(v))
	}
	return m.Table.SymbolList(pkg), nil
}

func (m *Machine) builtinCall() (value.Value, error) {
	const op = "call"
	fv, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	args, err := m.local(op, 1)
	if err != nil {
		return nil, err
	}
	switch t := fv.(type) {
	case *value.Function:
		return m.Eval(t, args)
	case *value.Symbol:
		slot, err := t.Function()
		if err != nil {
			return nil, m.rerr(op, "symbol %q has no function", t.Name)
		}
		fn, ok := slot.(*value.Function)
		if !ok {
			return nil, m.rerr(op, "symbol %q's function slot holds a %s", t.Name, value.TypeOf(slot))
		}
		return m.Eval(fn, args)
	default:
		return nil, m.rerr(op, "expected a function or symbol, got %s", value.TypeOf(fv))
	}
}

func (m *Machine) builtinUsePackage() (value.Value, error) {
	const op = "use-package"
	v, err := m.local(op, 0)
	if err != nil {
		return nil, err
	}
	name, err := m.stringDesignator(op, v)
	if err != nil {
		return nil, err
	}
	used := m.Table.FindPackage(name)
	if used == nil {
		return nil, m.rerr(op, "there is no package named %q", name)
	}
	m.Table.UsePackage(m.Package, used)
	return m.Table.T, nil
}
