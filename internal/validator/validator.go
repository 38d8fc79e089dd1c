// Package validator classifies SQL statements before they run against shared
// synthesized instances.
package validator

import (
	"strings"

	"github.com/pkg/errors"
	rqlitesql "github.com/rqlite/sql"
)

// ErrNotReadOnly is returned for statements that would modify an instance.
var ErrNotReadOnly = errors.New("statement is not read-only")

// StatementKind is the coarse class of a statement.
type StatementKind int

// Statement kinds.
const (
	KindUnknown StatementKind = iota
	KindSelect
	KindExplain
	KindWrite
	KindDDL
	KindTransaction
	KindOther
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindExplain:
		return "explain"
	case KindWrite:
		return "write"
	case KindDDL:
		return "ddl"
	case KindTransaction:
		return "transaction"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Classify parses sql with the SQLite grammar and returns its kind. Statements
// the grammar does not cover are KindUnknown.
func Classify(sql string) StatementKind {
	parser := rqlitesql.NewParser(strings.NewReader(sql))
	stmt, err := parser.ParseStatement()
	if err != nil || stmt == nil {
		return KindUnknown
	}
	switch stmt.(type) {
	case *rqlitesql.SelectStatement:
		return KindSelect
	case *rqlitesql.ExplainStatement:
		return KindExplain
	case *rqlitesql.InsertStatement, *rqlitesql.UpdateStatement, *rqlitesql.DeleteStatement:
		return KindWrite
	case *rqlitesql.CreateTableStatement, *rqlitesql.CreateIndexStatement, *rqlitesql.CreateViewStatement,
		*rqlitesql.CreateTriggerStatement, *rqlitesql.DropTableStatement, *rqlitesql.DropIndexStatement,
		*rqlitesql.DropViewStatement, *rqlitesql.DropTriggerStatement, *rqlitesql.AlterTableStatement:
		return KindDDL
	case *rqlitesql.BeginStatement, *rqlitesql.CommitStatement, *rqlitesql.RollbackStatement,
		*rqlitesql.SavepointStatement, *rqlitesql.ReleaseStatement:
		return KindTransaction
	default:
		return KindOther
	}
}

// ReadOnly rejects statements that are known to write. Unknown statements
// pass; instances are opened read-only as the second line of protection.
func ReadOnly(sql string) error {
	switch kind := Classify(sql); kind {
	case KindSelect, KindExplain, KindUnknown:
		return nil
	default:
		return errors.Wrapf(ErrNotReadOnly, "%s statement", kind)
	}
}
