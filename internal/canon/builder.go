package canon

import (
	"fmt"
	"strconv"
	"strings"
)

// SQLBuilder accumulates SQLite text.
type SQLBuilder struct {
	sb strings.Builder
}

// Write appends raw SQL text to the builder.
func (b *SQLBuilder) Write(s string) {
	b.sb.WriteString(s)
}

// WriteList builds items separated by ", ".
func WriteList[T any](b *SQLBuilder, items []T, build func(T)) {
	for i, item := range items {
		if i > 0 {
			b.Write(", ")
		}
		build(item)
	}
}

// String returns the assembled SQL text.
func (b *SQLBuilder) String() string {
	return b.sb.String()
}

// ExprSQL renders one expression.
func ExprSQL(e Expr) string {
	if e == nil {
		return ""
	}
	var b SQLBuilder
	e.Build(&b)
	return b.String()
}

// QuerySQL renders one query.
func QuerySQL(q Query) string {
	if q == nil {
		return ""
	}
	var b SQLBuilder
	q.Build(&b)
	return b.String()
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		return s
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(val)
	}
}
