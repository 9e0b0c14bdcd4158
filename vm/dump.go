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
	"sigs.k8s.io/yaml"

	"github.com/cc-lang/bug/value"
)

// machineDump is the human-diffable snapshot DumpYAML emits; tests
// compare these instead of hand-rolling string diffs.
type machineDump struct {
	Function  string   `json:"function"`
	Index     int      `json:"index"`
	DataStack []string `json:"dataStack"`
	CallDepth int      `json:"callDepth"`
	Packages  []string `json:"packages"`
}

// DumpYAML renders the machine's observable state as YAML: current
// function, instruction index, the data stack rendered with Repr, the
// call-stack depth, and the registered package names.
func (m *Machine) DumpYAML() ([]byte, error) {
	d := machineDump{
		Function:  "nil",
		Index:     m.idx,
		CallDepth: len(m.call),
	}
	if m.fn != nil {
		d.Function = value.Repr(m.fn)
	}
	for _, v := range m.data {
		d.DataStack = append(d.DataStack, value.Repr(v))
	}
	for _, p := range m.Table.Packages() {
		d.Packages = append(d.Packages, p.Name)
	}
	return yaml.Marshal(d)
}
