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

package marshal

import (
	"io"

	"github.com/cc-lang/bug/bstream"
	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

// Magic opens every bytecode file.
const Magic = "bug"

// Version is the current bytecode format version; a mismatch on read
// aborts with a diagnostic.
const Version = 1

// WriteBytecodeFile emits fn as a bytecode file: the magic, the
// version varint, the cache extension (every string interned beyond
// the default prefix while encoding fn), and the function itself
// without its type header. The function body is encoded first so the
// cache is complete before its extension is written.
func WriteBytecodeFile(w io.Writer, fn *value.Function) error {
	cache := NewCache()
	body := NewEncoder(cache)
	if err := body.WriteFunction(fn, false); err != nil {
		return err
	}

	head := NewEncoder(nil)
	head.buf = append(head.buf, Magic...)
	head.writeUvarint(Version, false)
	head.WriteStringArray(cache.strings[DefaultCacheLen:], false)

	if _, err := w.Write(head.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadBytecodeFile decodes a bytecode file from src, priming the
// cache with the default prefix before replaying the file's
// extension. Magic and version mismatches are fatal.
func ReadBytecodeFile(src *bstream.Stream, tbl *symtab.Table) (*value.Function, error) {
	const op = "read bytecode file"
	magic, err := src.Read(len(Magic))
	if err != nil {
		return nil, &FormatError{Op: op, Msg: "truncated magic", Err: err}
	}
	if string(magic) != Magic {
		return nil, errf(op, "invalid magic %q", magic)
	}

	d := NewDecoder(src, NewCache(), tbl)
	version, err := d.readUvarint(op)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, errf(op, "version mismatch: this interpreter has version %d, the file has version %d", Version, version)
	}
	if err := d.ReadStringArray(false); err != nil {
		return nil, err
	}
	return d.ReadFunction(false)
}
