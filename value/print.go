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

import (
	"fmt"
	"strconv"
	"strings"
)

// String renders v for display: string contents are emitted raw,
// everything else prints the way Repr does. The VM's print opcode
// uses this form.
func String(v Value) string {
	var sb strings.Builder
	writeValue(&sb, v, false)
	return sb.String()
}

// Repr renders v for re-reading: strings are double-quoted, lists use
// parenthesized form, and an improper tail prints as a dotted pair.
func Repr(v Value) string {
	var sb strings.Builder
	writeValue(&sb, v, true)
	return sb.String()
}

func writeValue(sb *strings.Builder, v Value, repr bool) {
	if IsNil(v) {
		sb.WriteString("nil")
		return
	}
	switch t := v.(type) {
	case Fixnum:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case Ufixnum:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case Flonum:
		sb.WriteString(formatFlonum(float64(t)))
	case *Str:
		if repr {
			sb.WriteByte('"')
			sb.WriteString(t.String())
			sb.WriteByte('"')
		} else {
			sb.WriteString(t.String())
		}
	case *Cons:
		sb.WriteByte('(')
		writeValue(sb, t.Car, true)
		rest := t.Cdr
		for {
			if next, ok := rest.(*Cons); ok {
				sb.WriteByte(' ')
				writeValue(sb, next.Car, true)
				rest = next.Cdr
				continue
			}
			break
		}
		if !IsNil(rest) {
			// improper tail, dotted-pair presentation
			sb.WriteString(" . ")
			writeValue(sb, rest, true)
		}
		sb.WriteByte(')')
	case *Symbol:
		sb.WriteString(t.Name)
	case *Package:
		sb.WriteString("<package ")
		sb.WriteByte('"')
		sb.WriteString(t.Name)
		sb.WriteString("\">")
	case *DynamicByteArray:
		sb.WriteString("<byte-array")
		for _, b := range t.Bytes() {
			fmt.Fprintf(sb, " %d", b)
		}
		sb.WriteByte('>')
	case *DynamicArray:
		sb.WriteString("<array")
		for _, item := range t.Items() {
			sb.WriteByte(' ')
			writeValue(sb, item, true)
		}
		sb.WriteByte('>')
	case Vec2:
		sb.WriteString("<vec2 ")
		sb.WriteString(formatFlonum(t.X))
		sb.WriteByte(' ')
		sb.WriteString(formatFlonum(t.Y))
		sb.WriteByte('>')
	case *Function:
		sb.WriteString("<function")
		if t.Name != nil {
			sb.WriteByte(' ')
			sb.WriteString(t.Name.Name)
		}
		sb.WriteByte('>')
	case *File:
		fmt.Fprintf(sb, "<file %q>", t.Path)
	case *Enumerator:
		fmt.Fprintf(sb, "<enumerator %d>", t.Cursor)
	case Pointer:
		fmt.Fprintf(sb, "<pointer 0x%x>", t.Raw)
	case DynamicLibrary:
		fmt.Fprintf(sb, "<dynamic-library %q>", t.Path)
	case ForeignFunction:
		fmt.Fprintf(sb, "<foreign-function %q>", t.Name)
	case Structure:
		sb.WriteString("<struct>")
	default:
		fmt.Fprintf(sb, "<%s>", v.Tag())
	}
}

func formatFlonum(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// keep whole-valued flonums visually distinct from fixnums
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
