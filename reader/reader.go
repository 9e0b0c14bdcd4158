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

// Package reader implements the textual s-expression parser: one
// value per call, consuming a byte stream and interning symbols
// through the registry.
package reader

import (
	"fmt"
	"math"

	"github.com/cc-lang/bug/bstream"
	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

// SyntaxError is any lexical failure: unterminated string or list,
// bad escape, malformed package-qualified symbol.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return "reader: " + e.Msg }

func syntaxErrf(format string, args ...any) *SyntaxError {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...)}
}

// Reader parses values from a byte stream. The zero Reader is not
// usable; construct with New or FromStream.
type Reader struct {
	s   *bstream.Stream
	tbl *symtab.Table
}

// New lifts src (string, byte array, file, or enumerator) into a
// stream and returns a reader over it.
func New(src value.Value, tbl *symtab.Table) (*Reader, error) {
	s, err := bstream.Lift(src)
	if err != nil {
		return nil, err
	}
	return &Reader{s: s, tbl: tbl}, nil
}

// FromStream wraps an existing stream.
func FromStream(s *bstream.Stream, tbl *symtab.Table) *Reader {
	return &Reader{s: s, tbl: tbl}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// priority characters terminate a token even without whitespace
func isPriority(c byte) bool { return c == '"' || c == ')' || c == '\'' }

func (r *Reader) skipWhitespace() {
	for r.s.HasMore() {
		c, _ := r.s.PeekByte()
		if !isWhitespace(c) {
			return
		}
		_, _ = r.s.ReadByte()
	}
}

// HasMore reports whether another value can be read, skipping any
// leading whitespace.
func (r *Reader) HasMore() bool {
	r.skipWhitespace()
	return r.s.HasMore()
}

// ReadAll reads every value until the stream is exhausted.
func (r *Reader) ReadAll(pkg *value.Package) ([]value.Value, error) {
	var out []value.Value
	for r.HasMore() {
		v, err := r.Read(pkg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Read parses and returns the next value. Symbols without a package
// prefix are interned into pkg (nil means the user package).
func (r *Reader) Read(pkg *value.Package) (value.Value, error) {
	if pkg == nil {
		pkg = r.tbl.User
	}
	r.skipWhitespace()
	if !r.s.HasMore() {
		return nil, syntaxErrf("unexpected end of input")
	}
	c, _ := r.s.PeekByte()
	switch c {
	case '"':
		return r.readString()
	case '(':
		return r.readList(pkg)
	case ':':
		_, _ = r.s.ReadByte()
		return r.Read(r.tbl.Keyword)
	case '\'':
		return r.readMacro("quote", pkg)
	case '`':
		return r.readMacro("quasiquote", pkg)
	case ',':
		_, _ = r.s.ReadByte()
		if next, err := r.s.PeekByte(); err == nil && next == '@' {
			_, _ = r.s.ReadByte()
			return r.wrap("unquote-splicing", pkg)
		}
		return r.wrap("unquote", pkg)
	default:
		return r.readToken(pkg)
	}
}

func (r *Reader) readMacro(name string, pkg *value.Package) (value.Value, error) {
	_, _ = r.s.ReadByte()
	return r.wrap(name, pkg)
}

func (r *Reader) wrap(name string, pkg *value.Package) (value.Value, error) {
	inner, err := r.Read(pkg)
	if err != nil {
		return nil, err
	}
	head := r.tbl.Intern(name, r.tbl.Lisp)
	return value.List(head, inner), nil
}

func (r *Reader) readString() (value.Value, error) {
	_, _ = r.s.ReadByte() // opening quote
	buf := value.NewDynamicByteArray()
	for {
		if !r.s.HasMore() {
			return nil, syntaxErrf("unexpected end of input inside a string literal")
		}
		c, _ := r.s.ReadByte()
		if c == '"' {
			return buf.AsString(), nil
		}
		if c != '\\' {
			buf.Push(c)
			continue
		}
		if !r.s.HasMore() {
			return nil, syntaxErrf("string ended in the middle of an escape sequence")
		}
		esc, _ := r.s.ReadByte()
		switch esc {
		case '\\', '"':
			buf.Push(esc)
		case 'n':
			buf.Push('\n')
		case 'r':
			buf.Push('\r')
		case 't':
			buf.Push('\t')
		default:
			return nil, syntaxErrf("invalid escape sequence \"\\%c\"", esc)
		}
	}
}

func (r *Reader) readList(pkg *value.Package) (value.Value, error) {
	_, _ = r.s.ReadByte() // opening paren
	var items []value.Value
	for {
		r.skipWhitespace()
		if !r.s.HasMore() {
			return nil, syntaxErrf("unexpected end of input inside a list")
		}
		c, _ := r.s.PeekByte()
		if c == ')' {
			_, _ = r.s.ReadByte()
			return value.List(items...), nil
		}
		item, err := r.Read(pkg)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// tokenScan tracks the speculative numeric parse of a token: the
// token is a number iff it has at least one digit and matches a
// signed integer or a decimal with optional fraction and exponent.
type tokenScan struct {
	numeric      bool
	isFlo        bool
	hasMantissa  bool
	hasE         bool
	negative     bool
	expNegative  bool
	digits       int
	integral     []byte
	mantissa     []byte
	exponent     []byte
}

func (t *tokenScan) feed(c byte, pos int) {
	if !t.numeric {
		return
	}
	switch {
	case pos == 0 && c == '+':
	case pos == 0 && c == '-':
		t.negative = true
	case t.hasE && len(t.exponent) == 0 && c == '-':
		t.expNegative = true
	case t.hasE && len(t.exponent) == 0 && c == '+':
	case isDigit(c):
		t.digits++
		switch {
		case t.hasE:
			t.exponent = append(t.exponent, c)
		case t.hasMantissa:
			t.mantissa = append(t.mantissa, c)
		default:
			t.integral = append(t.integral, c)
		}
	case c == '.':
		if t.hasE || t.hasMantissa {
			t.numeric = false
			return
		}
		t.hasMantissa = true
		t.isFlo = true
	case c == 'e':
		if t.hasE {
			t.numeric = false
			return
		}
		t.hasE = true
		t.isFlo = true
	default:
		t.numeric = false
	}
}

// number converts the accumulated digits. Decimal digits accumulate
// as a fixnum; on overflow the magnitude re-accumulates as a flonum.
func (t *tokenScan) number() value.Value {
	if t.isFlo {
		flo := 0.0
		for i, d := range t.integral {
			flo += float64(d-'0') * math.Pow(10, float64(len(t.integral)-i-1))
		}
		for i, d := range t.mantissa {
			flo += float64(d-'0') * math.Pow(10, float64(-i-1))
		}
		if len(t.exponent) > 0 {
			exp := 0
			for _, d := range t.exponent {
				exp = exp*10 + int(d-'0')
			}
			if t.expNegative {
				flo /= math.Pow(10, float64(exp))
			} else {
				flo *= math.Pow(10, float64(exp))
			}
		}
		if t.negative {
			flo = -flo
		}
		return value.Flonum(flo)
	}
	var fix int64
	overflowed := false
	for _, d := range t.integral {
		digit := int64(d - '0')
		if fix > (math.MaxInt64-digit)/10 {
			overflowed = true
			break
		}
		fix = fix*10 + digit
	}
	if overflowed {
		flo := 0.0
		for i, d := range t.integral {
			flo += float64(d-'0') * math.Pow(10, float64(len(t.integral)-i-1))
		}
		if t.negative {
			flo = -flo
		}
		return value.Flonum(flo)
	}
	if t.negative {
		fix = -fix
	}
	return value.Fixnum(fix)
}

func (r *Reader) readToken(pkg *value.Package) (value.Value, error) {
	buf := make([]byte, 0, 16)
	scan := tokenScan{numeric: true}
	var pkgName []byte
	internal := false
	pos := 0
	for r.s.HasMore() {
		c, _ := r.s.PeekByte()
		if isWhitespace(c) || isPriority(c) {
			break
		}
		scan.feed(c, pos)
		if !scan.numeric && c == ':' {
			if pkgName != nil {
				return nil, syntaxErrf("too many colons in symbol")
			}
			_, _ = r.s.ReadByte()
			pos++
			if next, err := r.s.PeekByte(); err == nil && next == ':' {
				internal = true
				_, _ = r.s.ReadByte()
				pos++
			}
			pkgName = buf
			buf = make([]byte, 0, 16)
			continue
		}
		buf = append(buf, c)
		pos++
		_, _ = r.s.ReadByte()
	}
	// lone +, -, ., e are symbols, not numbers
	if len(buf) == 1 && (buf[0] == '.' || buf[0] == '+' || buf[0] == '-' || buf[0] == 'e') {
		scan.numeric = false
	}
	if scan.numeric && scan.digits > 0 {
		return scan.number(), nil
	}
	name := string(buf)
	if pkgName != nil {
		target := r.tbl.FindPackage(string(pkgName))
		if target == nil {
			return nil, syntaxErrf("there is no package named %q", pkgName)
		}
		if internal {
			sym, ok := r.tbl.FindSymbol(name, target, true)
			if !ok {
				return nil, syntaxErrf("package %q has no symbol named %q", pkgName, name)
			}
			return sym, nil
		}
		sym, ok := r.tbl.FindSymbol(name, target, false)
		if !ok {
			return nil, syntaxErrf("package %q has no external symbol named %q", pkgName, name)
		}
		return sym, nil
	}
	if len(name) == 0 {
		return nil, syntaxErrf("a lone \":\" is not a symbol")
	}
	return r.tbl.Intern(name, pkg), nil
}
