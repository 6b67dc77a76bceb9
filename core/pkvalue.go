// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package core

import (
	"fmt"
	"sort"
	"strings"
)

// PKColumn is one column of a (possibly composite) primary key value: its
// name, as declared on the user table, and its current value.
type PKColumn struct {
	Name  string
	Value interface{}
}

// PKValue identifies a single row of the tracked user table by its primary
// key, over an arbitrary tuple of typed SQL Server PK columns, since a
// tracked table's primary key may span more than one column. Its Key()
// string is the comparable form used to index leases in a map.
type PKValue struct {
	columns []PKColumn
	key     string
}

// NewPKValue builds a PKValue from its columns. Columns are sorted by name
// so that two PKValues built from the same logical key, regardless of the
// order their columns were read in, compare equal and hash to the same map
// key.
func NewPKValue(columns []PKColumn) PKValue {
	cp := make([]PKColumn, len(columns))
	copy(cp, columns)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })

	var b strings.Builder
	for _, c := range cp {
		fmt.Fprintf(&b, "%s=%v\x00", c.Name, c.Value)
	}
	return PKValue{columns: cp, key: b.String()}
}

// Key returns a comparable string suitable for use as a map key. PKValue
// itself is not comparable (it embeds a slice) so callers that need a Go
// map keyed by primary key should key by Key(), not by PKValue itself.
func (p PKValue) Key() string {
	return p.key
}

// Columns returns the ordered (name, value) pairs making up this key, for
// binding into a WHERE clause or an upsert statement.
func (p PKValue) Columns() []PKColumn {
	out := make([]PKColumn, len(p.columns))
	copy(out, p.columns)
	return out
}

func (p PKValue) String() string {
	parts := make([]string, len(p.columns))
	for i, c := range p.columns {
		parts[i] = fmt.Sprintf("%s=%v", c.Name, c.Value)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
