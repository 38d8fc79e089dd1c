package canon

import (
	"strings"
	"sync"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
	"github.com/pkg/errors"
)

// Double quotes are identifiers and || concatenates, as in SQLite.
var ansiParsers = sync.Pool{New: func() any {
	p := parser.New()
	p.SetSQLMode(mysql.ModeANSIQuotes | mysql.ModePipesAsConcat)
	return p
}}

// Double quotes are string literals, the fallback SQLite applies to
// unresolvable double-quoted identifiers.
var fallbackParsers = sync.Pool{New: func() any {
	p := parser.New()
	p.SetSQLMode(mysql.ModePipesAsConcat)
	return p
}}

// parseQuery parses exactly one query statement.
func parseQuery(sql string, fallback bool) (ast.StmtNode, error) {
	pool := &ansiParsers
	if fallback {
		pool = &fallbackParsers
	}
	p := pool.Get().(*parser.Parser)
	defer pool.Put(p)

	stmts, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}
	if len(stmts) != 1 {
		return nil, errors.Errorf("expected one statement, got %d", len(stmts))
	}
	switch stmts[0].(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return stmts[0], nil
	default:
		return nil, errors.Errorf("not a query: %T", stmts[0])
	}
}

// stripQuoting removes backtick and bracket identifier quotes outside string
// literals.
func stripQuoting(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	inString := false
	inBracket := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inString:
			b.WriteByte(c)
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
		case inBracket:
			if c == ']' {
				inBracket = false
				continue
			}
			b.WriteByte(c)
		case c == '\'':
			inString = true
			b.WriteByte(c)
		case c == '[':
			inBracket = true
		case c == '`':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func restoreNode(node ast.Node) string {
	var b strings.Builder
	ctx := format.NewRestoreCtx(format.DefaultRestoreFlags, &b)
	if err := node.Restore(ctx); err != nil {
		return ""
	}
	return b.String()
}
