// Package schema defines the relational schema model shared by synthesis,
// differential testing and canonicalization.
package schema

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ColumnType enumerates the type classes used for random value generation.
type ColumnType int

// Column type classes derived from declared SQLite types.
const (
	TypeText ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
	TypeTime
	TypeDatetime
)

var columnTypeNames = [...]string{
	TypeText:     "text",
	TypeInt:      "int",
	TypeFloat:    "float",
	TypeBool:     "bool",
	TypeDate:     "date",
	TypeTime:     "time",
	TypeDatetime: "datetime",
}

func (t ColumnType) String() string {
	if int(t) < 0 || int(t) >= len(columnTypeNames) {
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
	return columnTypeNames[t]
}

// Numeric reports whether values of this class are numbers.
func (t ColumnType) Numeric() bool {
	return t == TypeInt || t == TypeFloat || t == TypeBool
}

type typeRule struct {
	needles []string
	class   ColumnType
}

// typeRules is evaluated in order against the upper-cased declared type.
var typeRules = [...]typeRule{
	{needles: []string{"DATETIME", "TIMESTAMP"}, class: TypeDatetime},
	{needles: []string{"DATE"}, class: TypeDate},
	{needles: []string{"TIME"}, class: TypeTime},
	{needles: []string{"BOOL"}, class: TypeBool},
	{needles: []string{"INT", "NUM"}, class: TypeInt},
	{needles: []string{"REAL", "FLOA", "DOUB", "DEC"}, class: TypeFloat},
}

// ClassifyType maps a declared column type to its type class.
func ClassifyType(declared string) ColumnType {
	upper := strings.ToUpper(declared)
	for _, rule := range typeRules {
		for _, needle := range rule.needles {
			if strings.Contains(upper, needle) {
				return rule.class
			}
		}
	}
	return TypeText
}

// Column describes a table column.
type Column struct {
	Name         string
	DeclaredType string
	Type         ColumnType
	NotNull      bool
	// PKPosition is the 1-based position in the primary key, 0 when not a key column.
	PKPosition int
}

// Index describes a (potentially multi-column) index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// ForeignKey describes a single-column foreign key edge child -> parent.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// Table describes a database table.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// Schema is the full set of tables plus the DDL that created them.
type Schema struct {
	Tables []Table
	DDL    string
}

// TableByName returns a table by name. Identifiers compare case-insensitively.
func (s *Schema) TableByName(name string) (*Table, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns table names in name order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, tbl := range s.Tables {
		names = append(names, tbl.Name)
	}
	sort.Strings(names)
	return names
}

// ID returns a stable identity for the schema derived from its DDL.
func (s *Schema) ID() string {
	normalized := strings.Join(strings.Fields(strings.ToLower(s.DDL)), " ")
	if normalized == "" {
		var sb strings.Builder
		for _, tbl := range s.Tables {
			sb.WriteString(strings.ToLower(tbl.Name))
			for _, col := range tbl.Columns {
				sb.WriteString("|")
				sb.WriteString(strings.ToLower(col.Name))
				sb.WriteString(":")
				sb.WriteString(strings.ToLower(col.DeclaredType))
			}
			sb.WriteString(";")
		}
		normalized = sb.String()
	}
	sum := xxhash.Sum64String(normalized)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// Validate checks that every foreign key resolves to an existing parent column.
func (s *Schema) Validate() error {
	for _, tbl := range s.Tables {
		for _, fk := range tbl.ForeignKeys {
			if _, ok := tbl.ColumnByName(fk.Column); !ok {
				return fmt.Errorf("foreign key %s.%s: unknown child column", tbl.Name, fk.Column)
			}
			parent, ok := s.TableByName(fk.RefTable)
			if !ok {
				return fmt.Errorf("foreign key %s.%s: unknown parent table %s", tbl.Name, fk.Column, fk.RefTable)
			}
			if _, ok := parent.ColumnByName(fk.RefColumn); !ok {
				return fmt.Errorf("foreign key %s.%s: unknown parent column %s.%s", tbl.Name, fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return nil
}

// ColumnByName returns a column by name.
func (t *Table) ColumnByName(name string) (Column, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return Column{}, false
	}
	return t.Columns[idx], true
}

// ColumnIndex returns the ordinal of a column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return i
		}
	}
	return -1
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		names = append(names, col.Name)
	}
	return names
}

// IsPrimaryKey reports whether column is part of the primary key.
func (t *Table) IsPrimaryKey(column string) bool {
	for _, pk := range t.PrimaryKey {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

// RowIDAlias reports whether the primary key is an INTEGER PRIMARY KEY, which
// SQLite fills from the rowid when NULL is inserted.
func (t *Table) RowIDAlias() bool {
	if len(t.PrimaryKey) != 1 {
		return false
	}
	col, ok := t.ColumnByName(t.PrimaryKey[0])
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(col.DeclaredType), "INTEGER")
}

// ForeignKeyFor returns the foreign key declared on column, if any.
func (t *Table) ForeignKeyFor(column string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if strings.EqualFold(fk.Column, column) {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// UniqueKey reports whether column alone identifies a row: a single-column
// primary key or a single-column unique index.
func (t *Table) UniqueKey(column string) bool {
	for _, group := range t.UniquenessGroups() {
		if len(group) == 1 && strings.EqualFold(group[0], column) {
			return true
		}
	}
	return false
}

// UniquenessGroups returns the primary key (as one group) followed by every
// single-column unique index not already covered.
func (t *Table) UniquenessGroups() [][]string {
	groups := make([][]string, 0, 1+len(t.Indexes))
	seen := make(map[string]struct{})
	if len(t.PrimaryKey) > 0 {
		groups = append(groups, append([]string(nil), t.PrimaryKey...))
		seen[groupKey(t.PrimaryKey)] = struct{}{}
	}
	for _, idx := range t.Indexes {
		if !idx.Unique || len(idx.Columns) != 1 {
			continue
		}
		key := groupKey(idx.Columns)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		groups = append(groups, []string{idx.Columns[0]})
	}
	return groups
}

func groupKey(cols []string) string {
	lowered := make([]string, len(cols))
	for i, c := range cols {
		lowered[i] = strings.ToLower(c)
	}
	return strings.Join(lowered, ",")
}

// ColumnRef formats a qualified column reference.
func ColumnRef(table, column string) string {
	if table == "" {
		return column
	}
	return fmt.Sprintf("%s.%s", table, column)
}
