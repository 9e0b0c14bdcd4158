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

package compiler

import (
	"github.com/cc-lang/bug/reader"
	"github.com/cc-lang/bug/value"
)

// CompileSource reads every expression from src (a string, byte
// array, file, or enumerator) and compiles them as one top-level
// unit. Symbols intern into pkg (nil means the user package).
func (c *Compiler) CompileSource(src value.Value, pkg *value.Package) (*value.Function, error) {
	r, err := reader.New(src, c.tbl)
	if err != nil {
		return nil, err
	}
	return c.CompileStream(r, pkg)
}

// CompileStream drains r and wraps the expressions in a single progn
// whose final value is dropped.
func (c *Compiler) CompileStream(r *reader.Reader, pkg *value.Package) (*value.Function, error) {
	exprs, err := r.ReadAll(pkg)
	if err != nil {
		return nil, err
	}
	return c.CompileAll(exprs)
}
