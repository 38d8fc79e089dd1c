package canon

import (
	"strings"
)

// Expr is a scalar expression of the logical IR. Values are immutable:
// rewrites build new expressions instead of mutating existing ones.
type Expr interface {
	Build(b *SQLBuilder)
}

// ColumnRef identifies a column by its source and name.
type ColumnRef struct {
	Table string
	Name  string
}

// String renders table.name, or name when unqualified.
func (r ColumnRef) String() string {
	if r.Table == "" {
		return r.Name
	}
	return r.Table + "." + r.Name
}

// ColumnExpr renders a column reference.
type ColumnExpr struct {
	Ref ColumnRef
}

// Build emits the qualified column reference.
func (e ColumnExpr) Build(b *SQLBuilder) {
	b.Write(e.Ref.String())
}

// LiteralExpr renders a literal value: int64, float64, string or nil.
type LiteralExpr struct {
	Value any
}

// Build emits the literal as SQL text.
func (e LiteralExpr) Build(b *SQLBuilder) {
	b.Write(formatLiteral(e.Value))
}

// StarExpr is an unexpanded * or t.* select item.
type StarExpr struct {
	Table string
}

// Build emits the star.
func (e StarExpr) Build(b *SQLBuilder) {
	if e.Table != "" {
		b.Write(e.Table)
		b.Write(".")
	}
	b.Write("*")
}

// UnaryExpr renders a prefix operator: -, +, ~ or NOT.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

// Build emits the unary expression.
func (e UnaryExpr) Build(b *SQLBuilder) {
	b.Write(e.Op)
	if e.Op == "NOT" {
		b.Write(" ")
	}
	buildOperand(b, e.Expr)
}

// BinaryExpr renders a binary comparison or arithmetic expression.
type BinaryExpr struct {
	Left  Expr
	Op    string
	Right Expr
}

// Build emits the binary expression.
func (e BinaryExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Left)
	b.Write(" ")
	b.Write(e.Op)
	b.Write(" ")
	buildOperand(b, e.Right)
}

// LogicalExpr is an n-ary AND or OR.
type LogicalExpr struct {
	Op    string
	Terms []Expr
}

// Build emits the terms joined by the operator.
func (e LogicalExpr) Build(b *SQLBuilder) {
	for i, term := range e.Terms {
		if i > 0 {
			b.Write(" ")
			b.Write(e.Op)
			b.Write(" ")
		}
		switch term.(type) {
		case LogicalExpr, RawExpr:
			b.Write("(")
			term.Build(b)
			b.Write(")")
		default:
			buildOperand(b, term)
		}
	}
}

// FuncExpr renders a function or aggregate call. Name is lower case.
type FuncExpr struct {
	Name     string
	Args     []Expr
	Distinct bool
	// Star marks count(*).
	Star bool
}

// Build emits the function call expression.
func (e FuncExpr) Build(b *SQLBuilder) {
	if e.Name == "concat" && len(e.Args) > 1 {
		for i, arg := range e.Args {
			if i > 0 {
				b.Write(" || ")
			}
			buildOperand(b, arg)
		}
		return
	}
	b.Write(strings.ToUpper(e.Name))
	b.Write("(")
	if e.Star {
		b.Write("*")
	}
	if e.Distinct {
		b.Write("DISTINCT ")
	}
	WriteList(b, e.Args, func(arg Expr) { arg.Build(b) })
	b.Write(")")
}

// CaseWhen represents a WHEN branch.
type CaseWhen struct {
	When Expr
	Then Expr
}

// CaseExpr renders a CASE expression. Operand is nil for searched CASE.
type CaseExpr struct {
	Operand Expr
	Whens   []CaseWhen
	Else    Expr
}

// Build emits a CASE expression.
func (e CaseExpr) Build(b *SQLBuilder) {
	b.Write("CASE ")
	if e.Operand != nil {
		e.Operand.Build(b)
		b.Write(" ")
	}
	for _, w := range e.Whens {
		b.Write("WHEN ")
		w.When.Build(b)
		b.Write(" THEN ")
		w.Then.Build(b)
		b.Write(" ")
	}
	if e.Else != nil {
		b.Write("ELSE ")
		e.Else.Build(b)
		b.Write(" ")
	}
	b.Write("END")
}

// InExpr renders an IN list predicate.
type InExpr struct {
	Left Expr
	List []Expr
	Not  bool
}

// Build emits the IN predicate.
func (e InExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Left)
	b.Write(notPrefix(e.Not, " IN ("))
	WriteList(b, e.List, func(item Expr) { item.Build(b) })
	b.Write(")")
}

// InSubqueryExpr renders an IN subquery predicate.
type InSubqueryExpr struct {
	Left  Expr
	Query Query
	Not   bool
}

// Build emits the IN subquery predicate.
func (e InSubqueryExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Left)
	b.Write(notPrefix(e.Not, " IN ("))
	e.Query.Build(b)
	b.Write(")")
}

// BetweenExpr renders a BETWEEN predicate.
type BetweenExpr struct {
	Expr Expr
	Low  Expr
	High Expr
	Not  bool
}

// Build emits the BETWEEN predicate.
func (e BetweenExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Expr)
	b.Write(notPrefix(e.Not, " BETWEEN "))
	buildOperand(b, e.Low)
	b.Write(" AND ")
	buildOperand(b, e.High)
}

// LikeExpr renders LIKE, GLOB or REGEXP.
type LikeExpr struct {
	Expr    Expr
	Op      string
	Pattern Expr
	Escape  Expr
	Not     bool
}

// Build emits the pattern predicate.
func (e LikeExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Expr)
	b.Write(notPrefix(e.Not, " "+e.Op+" "))
	buildOperand(b, e.Pattern)
	if e.Escape != nil {
		b.Write(" ESCAPE ")
		e.Escape.Build(b)
	}
}

// IsNullExpr renders IS [NOT] NULL.
type IsNullExpr struct {
	Expr Expr
	Not  bool
}

// Build emits the null test.
func (e IsNullExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Expr)
	if e.Not {
		b.Write(" IS NOT NULL")
		return
	}
	b.Write(" IS NULL")
}

// SubqueryExpr renders a scalar subquery.
type SubqueryExpr struct {
	Query Query
}

// Build emits the scalar subquery expression.
func (e SubqueryExpr) Build(b *SQLBuilder) {
	b.Write("(")
	e.Query.Build(b)
	b.Write(")")
}

// ExistsExpr renders an EXISTS predicate.
type ExistsExpr struct {
	Query Query
	Not   bool
}

// Build emits the EXISTS predicate.
func (e ExistsExpr) Build(b *SQLBuilder) {
	if e.Not {
		b.Write("NOT ")
	}
	b.Write("EXISTS (")
	e.Query.Build(b)
	b.Write(")")
}

// CompareSubqueryExpr renders a quantified subquery predicate (ANY/ALL).
type CompareSubqueryExpr struct {
	Left       Expr
	Op         string
	Quantifier string
	Query      Query
}

// Build emits the quantified subquery predicate.
func (e CompareSubqueryExpr) Build(b *SQLBuilder) {
	buildOperand(b, e.Left)
	b.Write(" ")
	b.Write(e.Op)
	b.Write(" ")
	b.Write(e.Quantifier)
	b.Write(" (")
	e.Query.Build(b)
	b.Write(")")
}

// CastExpr renders CAST(expr AS type).
type CastExpr struct {
	Expr Expr
	Type string
}

// Build emits the cast.
func (e CastExpr) Build(b *SQLBuilder) {
	b.Write("CAST(")
	e.Expr.Build(b)
	b.Write(" AS ")
	b.Write(e.Type)
	b.Write(")")
}

// RawExpr is an expression kept as opaque text.
type RawExpr struct {
	SQL string
}

// Build emits the text unchanged.
func (e RawExpr) Build(b *SQLBuilder) {
	b.Write(e.SQL)
}

func notPrefix(not bool, s string) string {
	if !not {
		return s
	}
	return " NOT" + s
}

// buildOperand wraps compound operands in parentheses.
func buildOperand(b *SQLBuilder, e Expr) {
	if e == nil {
		b.Write("NULL")
		return
	}
	switch e.(type) {
	case BinaryExpr, LogicalExpr, InExpr, InSubqueryExpr, BetweenExpr, LikeExpr, IsNullExpr, CompareSubqueryExpr:
		b.Write("(")
		e.Build(b)
		b.Write(")")
	case UnaryExpr:
		if e.(UnaryExpr).Op == "NOT" {
			b.Write("(")
			e.Build(b)
			b.Write(")")
			return
		}
		e.Build(b)
	default:
		e.Build(b)
	}
}
