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

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/cc-lang/bug/bstream"
	"github.com/cc-lang/bug/symtab"
	"github.com/cc-lang/bug/value"
)

// ImageMagic opens every image file.
const ImageMagic = "bugi"

// ImageVersion is the current image format version.
const ImageVersion = 1

// Image is a deserialized interpreter snapshot: the package list and
// every symbol's slots, plus the build id the writer stamped so two
// images can be told apart without comparing contents.
type Image struct {
	BuildID uuid.UUID
	Table   *symtab.Table
}

// WriteImage serializes the registry as an image file: magic, version
// varint, a fresh build id, then a zstd-compressed payload holding
// the cache extension, the package list, and per-symbol slot state.
// It returns the build id written.
func WriteImage(w io.Writer, tbl *symtab.Table) (uuid.UUID, error) {
	id := uuid.New()

	cache := NewCache()
	body := NewEncoder(cache)
	if err := encodeImageBody(body, tbl); err != nil {
		return uuid.Nil, err
	}

	head := NewEncoder(nil)
	head.buf = append(head.buf, ImageMagic...)
	head.writeUvarint(ImageVersion, false)
	head.buf = append(head.buf, id[:]...)
	if _, err := w.Write(head.Bytes()); err != nil {
		return uuid.Nil, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return uuid.Nil, err
	}
	ext := NewEncoder(nil)
	ext.WriteStringArray(cache.strings[DefaultCacheLen:], false)
	if _, err := zw.Write(ext.Bytes()); err != nil {
		zw.Close()
		return uuid.Nil, err
	}
	if _, err := zw.Write(body.Bytes()); err != nil {
		zw.Close()
		return uuid.Nil, err
	}
	return id, zw.Close()
}

func encodeImageBody(e *Encoder, tbl *symtab.Table) error {
	pkgs := tbl.Packages()
	// package list first, so reading can re-create every package
	// before any symbol re-interns into one
	e.writeUvarint(uint64(len(pkgs)), false)
	for _, p := range pkgs {
		e.writeString(p.Name, false)
		e.writeUvarint(uint64(len(p.Uses)), false)
		for _, u := range p.Uses {
			e.writeString(u.Name, false)
		}
	}
	for _, p := range pkgs {
		e.writeUvarint(uint64(len(p.Symbols)), false)
		for _, sym := range p.Symbols {
			e.writeString(sym.Name, false)
			if sym.External {
				e.writeUvarint(1, false)
			} else {
				e.writeUvarint(0, false)
			}
			slots := []struct {
				set bool
				get func() (value.Value, error)
			}{
				{sym.ValueIsSet(), sym.Value},
				{sym.FunctionIsSet(), sym.Function},
				{sym.StructureIsSet(), sym.Structure},
			}
			for _, slot := range slots {
				if !slot.set {
					e.writeUvarint(0, false)
					continue
				}
				v, _ := slot.get()
				e.writeUvarint(1, false)
				if err := e.Marshal(v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReadImage decodes an image file into a fresh registry.
func ReadImage(r io.Reader) (*Image, error) {
	const op = "read image file"
	head := make([]byte, len(ImageMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, &FormatError{Op: op, Msg: "truncated magic", Err: err}
	}
	if string(head) != ImageMagic {
		return nil, errf(op, "invalid magic %q", head)
	}
	// the version varint and build id precede the compressed payload
	var verBuf [1]byte
	version := uint64(0)
	shift := 0
	for {
		if _, err := io.ReadFull(r, verBuf[:]); err != nil {
			return nil, &FormatError{Op: op, Msg: "truncated version", Err: err}
		}
		version |= uint64(verBuf[0]&0x7F) << shift
		shift += 7
		if verBuf[0]&0x80 == 0 {
			break
		}
	}
	if version != ImageVersion {
		return nil, errf(op, "version mismatch: this interpreter has version %d, the file has version %d", ImageVersion, version)
	}
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return nil, &FormatError{Op: op, Msg: "truncated build id", Err: err}
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, &FormatError{Op: op, Msg: "corrupt compressed payload", Err: err}
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, &FormatError{Op: op, Msg: "corrupt compressed payload", Err: err}
	}

	tbl := symtab.NewTable()
	d := NewDecoder(bstream.FromBytes(payload), NewCache(), tbl)
	if err := d.ReadStringArray(false); err != nil {
		return nil, err
	}
	if err := decodeImageBody(d, tbl); err != nil {
		return nil, err
	}
	return &Image{BuildID: id, Table: tbl}, nil
}

func decodeImageBody(d *Decoder, tbl *symtab.Table) error {
	const op = "read image body"
	npkg, err := d.readUvarint(op)
	if err != nil {
		return err
	}
	type pkgUses struct {
		pkg  *value.Package
		uses []string
	}
	order := make([]pkgUses, 0, npkg)
	for i := uint64(0); i < npkg; i++ {
		name, err := d.readString(false)
		if err != nil {
			return err
		}
		nuses, err := d.readUvarint(op)
		if err != nil {
			return err
		}
		uses := make([]string, nuses)
		for j := range uses {
			if uses[j], err = d.readString(false); err != nil {
				return err
			}
		}
		pkg := tbl.FindPackage(name)
		if pkg == nil {
			pkg = tbl.AddPackage(name)
		}
		order = append(order, pkgUses{pkg: pkg, uses: uses})
	}
	// wire use-lists only after every package exists
	for _, pu := range order {
		for _, name := range pu.uses {
			used := tbl.FindPackage(name)
			if used == nil {
				return errf(op, "package %q uses %q, which the image never defines", pu.pkg.Name, name)
			}
			tbl.UsePackage(pu.pkg, used)
		}
	}
	for _, pu := range order {
		nsym, err := d.readUvarint(op)
		if err != nil {
			return err
		}
		for i := uint64(0); i < nsym; i++ {
			name, err := d.readString(false)
			if err != nil {
				return err
			}
			external, err := d.readUvarint(op)
			if err != nil {
				return err
			}
			sym := tbl.Intern(name, pu.pkg)
			if external > 0 {
				sym.External = true
			}
			setters := []func(value.Value){sym.SetValue, sym.SetFunction, sym.SetStructure}
			for _, set := range setters {
				isSet, err := d.readUvarint(op)
				if err != nil {
					return err
				}
				if isSet == 0 {
					continue
				}
				v, err := d.Unmarshal()
				if err != nil {
					return err
				}
				set(v)
			}
		}
	}
	return nil
}
