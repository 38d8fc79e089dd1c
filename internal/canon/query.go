package canon

// Query is a SELECT or a set operation.
type Query interface {
	Build(b *SQLBuilder)
	clone() Query
}

// CTE represents a common table expression.
type CTE struct {
	Name      string
	Columns   []string
	Query     Query
	Recursive bool
}

// JoinType defines join kinds.
type JoinType string

const (
	JoinInner JoinType = "JOIN"
	JoinLeft  JoinType = "LEFT JOIN"
	JoinRight JoinType = "RIGHT JOIN"
	JoinCross JoinType = "CROSS JOIN"
	// JoinComma is a comma-separated FROM item.
	JoinComma JoinType = ","
)

// Outer reports whether the join preserves unmatched rows.
func (t JoinType) Outer() bool {
	return t == JoinLeft || t == JoinRight
}

// Source is one FROM item: a table, a CTE reference or a derived table.
type Source struct {
	// ID is the name column references use to point at this source. It is
	// the alias as written until qualification assigns unique names.
	ID string
	// Table is the base table or CTE name; empty for derived tables.
	Table string
	// Query is set for derived tables.
	Query Query
	// Alias is the alias as written.
	Alias string
	// Columns lists the output columns once qualified.
	Columns []string
	// CTE marks a reference to a WITH entry of an enclosing query.
	CTE bool
}

// Derived reports whether the source is a subquery.
func (s Source) Derived() bool {
	return s.Query != nil
}

// Build emits the source with its reference name.
func (s Source) Build(b *SQLBuilder) {
	if s.Query != nil {
		b.Write("(")
		s.Query.Build(b)
		b.Write(")")
		if s.ID != "" {
			b.Write(" AS ")
			b.Write(s.ID)
		}
		return
	}
	b.Write(s.Table)
	if s.ID != "" && s.ID != s.Table {
		b.Write(" AS ")
		b.Write(s.ID)
	}
}

// Join models a FROM join clause.
type Join struct {
	Type    JoinType
	Source  Source
	On      Expr
	Using   []string
	Natural bool
}

// FromClause models a FROM clause with joins.
type FromClause struct {
	Base  Source
	Joins []Join
}

// Sources returns the base source followed by every joined source.
func (f *FromClause) Sources() []Source {
	if f == nil {
		return nil
	}
	out := make([]Source, 0, 1+len(f.Joins))
	out = append(out, f.Base)
	for _, j := range f.Joins {
		out = append(out, j.Source)
	}
	return out
}

// OrderBy models an ORDER BY item.
type OrderBy struct {
	Expr Expr
	Desc bool
}

// Build emits the key with its direction.
func (o OrderBy) Build(b *SQLBuilder) {
	o.Expr.Build(b)
	if o.Desc {
		b.Write(" DESC")
	}
}

// SelectItem models a SELECT list item.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// SelectQuery models a SELECT statement.
type SelectQuery struct {
	With     []CTE
	Distinct bool
	Items    []SelectItem
	From     *FromClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderBy
	Limit    Expr
	Offset   Expr
}

// Build emits the SQL for the select query into the builder.
func (q *SelectQuery) Build(b *SQLBuilder) {
	buildWith(b, q.With)
	b.Write("SELECT ")
	if q.Distinct {
		b.Write("DISTINCT ")
	}
	WriteList(b, q.Items, func(item SelectItem) {
		item.Expr.Build(b)
		if item.Alias != "" {
			b.Write(" AS ")
			b.Write(item.Alias)
		}
	})
	if q.From != nil {
		b.Write(" FROM ")
		q.From.Base.Build(b)
		for _, join := range q.From.Joins {
			if join.Type == JoinComma {
				b.Write(", ")
			} else {
				b.Write(" ")
				if join.Natural {
					b.Write("NATURAL ")
				}
				b.Write(string(join.Type))
				b.Write(" ")
			}
			join.Source.Build(b)
			if len(join.Using) > 0 {
				b.Write(" USING (")
				WriteList(b, join.Using, func(col string) { b.Write(col) })
				b.Write(")")
			} else if join.On != nil {
				b.Write(" ON ")
				join.On.Build(b)
			}
		}
	}
	if q.Where != nil {
		b.Write(" WHERE ")
		q.Where.Build(b)
	}
	if len(q.GroupBy) > 0 {
		b.Write(" GROUP BY ")
		WriteList(b, q.GroupBy, func(e Expr) { e.Build(b) })
	}
	if q.Having != nil {
		b.Write(" HAVING ")
		q.Having.Build(b)
	}
	buildTail(b, q.OrderBy, q.Limit, q.Offset)
}

func (q *SelectQuery) clone() Query {
	return q.Clone()
}

// Clone creates a shallow copy of the query structure.
func (q *SelectQuery) Clone() *SelectQuery {
	clone := *q
	clone.With = append([]CTE(nil), q.With...)
	clone.Items = append([]SelectItem(nil), q.Items...)
	clone.GroupBy = append([]Expr(nil), q.GroupBy...)
	clone.OrderBy = append([]OrderBy(nil), q.OrderBy...)
	if q.From != nil {
		clone.From = &FromClause{Base: q.From.Base, Joins: append([]Join(nil), q.From.Joins...)}
	}
	return &clone
}

// SetOpType names a compound operator.
type SetOpType string

const (
	SetOpUnion        SetOpType = "UNION"
	SetOpUnionAll     SetOpType = "UNION ALL"
	SetOpIntersect    SetOpType = "INTERSECT"
	SetOpIntersectAll SetOpType = "INTERSECT ALL"
	SetOpExcept       SetOpType = "EXCEPT"
	SetOpExceptAll    SetOpType = "EXCEPT ALL"
)

// SetOpQuery models Left <op> Right with an optional ORDER BY and LIMIT
// applying to the whole compound.
type SetOpQuery struct {
	With    []CTE
	Op      SetOpType
	Left    Query
	Right   Query
	OrderBy []OrderBy
	Limit   Expr
	Offset  Expr
}

// Build emits the compound query.
func (q *SetOpQuery) Build(b *SQLBuilder) {
	buildWith(b, q.With)
	q.Left.Build(b)
	b.Write(" ")
	b.Write(string(q.Op))
	b.Write(" ")
	if _, nested := q.Right.(*SetOpQuery); nested {
		b.Write("SELECT * FROM (")
		q.Right.Build(b)
		b.Write(")")
	} else {
		q.Right.Build(b)
	}
	buildTail(b, q.OrderBy, q.Limit, q.Offset)
}

func (q *SetOpQuery) clone() Query {
	clone := *q
	clone.With = append([]CTE(nil), q.With...)
	clone.OrderBy = append([]OrderBy(nil), q.OrderBy...)
	return &clone
}

func buildWith(b *SQLBuilder, with []CTE) {
	if len(with) == 0 {
		return
	}
	b.Write("WITH ")
	for _, cte := range with {
		if cte.Recursive {
			b.Write("RECURSIVE ")
			break
		}
	}
	WriteList(b, with, func(cte CTE) {
		b.Write(cte.Name)
		if len(cte.Columns) > 0 {
			b.Write("(")
			WriteList(b, cte.Columns, func(col string) { b.Write(col) })
			b.Write(")")
		}
		b.Write(" AS (")
		cte.Query.Build(b)
		b.Write(")")
	})
	b.Write(" ")
}

func buildTail(b *SQLBuilder, orderBy []OrderBy, limit, offset Expr) {
	if len(orderBy) > 0 {
		b.Write(" ORDER BY ")
		WriteList(b, orderBy, func(ob OrderBy) { ob.Build(b) })
	}
	if limit != nil {
		b.Write(" LIMIT ")
		limit.Build(b)
	}
	if offset != nil {
		b.Write(" OFFSET ")
		offset.Build(b)
	}
}

// queryWith returns the WITH list of q.
func queryWith(q Query) []CTE {
	switch q := q.(type) {
	case *SelectQuery:
		return q.With
	case *SetOpQuery:
		return q.With
	}
	return nil
}

// withoutWith returns a copy of q without its WITH list.
func withoutWith(q Query) Query {
	switch q := q.(type) {
	case *SelectQuery:
		c := q.Clone()
		c.With = nil
		return c
	case *SetOpQuery:
		c := q.clone().(*SetOpQuery)
		c.With = nil
		return c
	}
	return q
}
