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

package symtab

import (
	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cc-lang/bug/value"
)

const (
	fingerprintK0 = 0x67756220666e6721
	fingerprintK1 = 0x73796d7461626c65
)

// Fingerprint hashes the sorted symbol names of pkg. Two packages
// with the same interned names produce the same fingerprint, and any
// intern changes it, so the compiler's macro-expansion cache can key
// on it.
func (t *Table) Fingerprint(pkg *value.Package) uint64 {
	names := maps.Keys(t.index[pkg])
	slices.Sort(names)
	h := siphash.New(fingerprintKey())
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// FingerprintAll folds every registered package's fingerprint
// together, in registration order.
func (t *Table) FingerprintAll() uint64 {
	h := siphash.New(fingerprintKey())
	for _, p := range t.packages {
		var buf [8]byte
		fp := t.Fingerprint(p)
		for i := 0; i < 8; i++ {
			buf[i] = byte(fp >> (8 * i))
		}
		h.Write([]byte(p.Name))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func fingerprintKey() []byte {
	var key [16]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(uint64(fingerprintK0) >> (8 * i))
		key[8+i] = byte(uint64(fingerprintK1) >> (8 * i))
	}
	return key[:]
}
