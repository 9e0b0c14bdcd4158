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
	"math"

	"github.com/cc-lang/bug/value"
)

// number normalizes an operand: fixnums and small ufixnums stay
// integral, flonums (and ufixnums beyond the fixnum range) go float.
type number struct {
	i     int64
	f     float64
	isFlo bool
}

func (m *Machine) number(op string, v value.Value) (number, error) {
	switch t := v.(type) {
	case value.Fixnum:
		return number{i: int64(t)}, nil
	case value.Ufixnum:
		if uint64(t) > math.MaxInt64 {
			return number{f: float64(t), isFlo: true}, nil
		}
		return number{i: int64(t)}, nil
	case value.Flonum:
		return number{f: float64(t), isFlo: true}, nil
	default:
		return number{}, m.rerr(op, "expected a number, got %s", value.TypeOf(v))
	}
}

func (n number) float() float64 {
	if n.isFlo {
		return n.f
	}
	return float64(n.i)
}

// arith pops two operands and pushes the result, promoting to flonum
// when either operand is one. Integer division truncates.
func (m *Machine) arith(op Op) error {
	name := op.String()
	bv, err := m.pop(name)
	if err != nil {
		return err
	}
	av, err := m.pop(name)
	if err != nil {
		return err
	}
	a, err := m.number(name, av)
	if err != nil {
		return err
	}
	b, err := m.number(name, bv)
	if err != nil {
		return err
	}
	if a.isFlo || b.isFlo {
		x, y := a.float(), b.float()
		var r float64
		switch op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			r = x / y
		}
		m.push(value.Flonum(r))
		return nil
	}
	var r int64
	switch op {
	case OpAdd:
		r = a.i + b.i
	case OpSub:
		r = a.i - b.i
	case OpMul:
		r = a.i * b.i
	case OpDiv:
		if b.i == 0 {
			return m.rerr(name, "division by zero")
		}
		r = a.i / b.i
	}
	m.push(value.Fixnum(r))
	return nil
}

// arithImmediate implements addi/subi: the operand stays on the
// stack conceptually, so only one pop+push happens.
func (m *Machine) arithImmediate(op Op, k int64) error {
	name := op.String()
	v, err := m.pop(name)
	if err != nil {
		return err
	}
	n, err := m.number(name, v)
	if err != nil {
		return err
	}
	if op == OpSubi {
		k = -k
	}
	if n.isFlo {
		m.push(value.Flonum(n.f + float64(k)))
		return nil
	}
	m.push(value.Fixnum(n.i + k))
	return nil
}

func (m *Machine) numLess(a, b value.Value) (bool, error) {
	an, err := m.number("lt", a)
	if err != nil {
		return false, err
	}
	bn, err := m.number("lt", b)
	if err != nil {
		return false, err
	}
	if an.isFlo || bn.isFlo {
		return an.float() < bn.float(), nil
	}
	return an.i < bn.i, nil
}

// compare implements lt/gt/lte/gte with the same promotion rule as
// arith.
func (m *Machine) compare(op Op) error {
	name := op.String()
	bv, err := m.pop(name)
	if err != nil {
		return err
	}
	av, err := m.pop(name)
	if err != nil {
		return err
	}
	a, err := m.number(name, av)
	if err != nil {
		return err
	}
	b, err := m.number(name, bv)
	if err != nil {
		return err
	}
	var result bool
	if a.isFlo || b.isFlo {
		x, y := a.float(), b.float()
		switch op {
		case OpLt:
			result = x < y
		case OpGt:
			result = x > y
		case OpLte:
			result = x <= y
		case OpGte:
			result = x >= y
		}
	} else {
		switch op {
		case OpLt:
			result = a.i < b.i
		case OpGt:
			result = a.i > b.i
		case OpLte:
			result = a.i <= b.i
		case OpGte:
			result = a.i >= b.i
		}
	}
	m.push(value.BoolValue(result, m.Table.T))
	return nil
}
