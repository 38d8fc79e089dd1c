package canon

import (
	"fmt"
	"maps"
)

// normalizeCounts rewrites COUNT(<non-null literal>) to COUNT(*).
func normalizeCounts(q Query) Query {
	return deepRewrite(q, func(e Expr) Expr {
		fn, ok := e.(FuncExpr)
		if !ok || fn.Name != "count" || fn.Distinct || len(fn.Args) != 1 {
			return e
		}
		lit, ok := fn.Args[0].(LiteralExpr)
		if !ok || lit.Value == nil {
			return e
		}
		return FuncExpr{Name: "count", Star: true}
	})
}

// groupByToDistinct replaces a GROUP BY over exactly the projected
// expressions with DISTINCT. Any aggregate in the statement, nested queries
// included, disables the rewrite.
func groupByToDistinct(q Query) Query {
	aggregated := false
	visitQuery(q, nil, func(e Expr) {
		if isAggregate(e) {
			aggregated = true
		}
	})
	if aggregated {
		return q
	}
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		if len(sel.GroupBy) == 0 || sel.Having != nil {
			return sel
		}
		items := make(map[string]bool, len(sel.Items))
		for _, item := range sel.Items {
			items[ExprSQL(item.Expr)] = true
		}
		keys := make(map[string]bool, len(sel.GroupBy))
		for _, e := range sel.GroupBy {
			keys[ExprSQL(e)] = true
		}
		if !maps.Equal(items, keys) {
			return sel
		}
		sel.Distinct = true
		sel.GroupBy = nil
		return sel
	})
}

// sortJoinPair orders the two tables of a single inner equi-join by name
// and puts the base table's column on the left of the condition.
func sortJoinPair(q Query) Query {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		if sel.From == nil || len(sel.From.Joins) != 1 {
			return sel
		}
		j := sel.From.Joins[0]
		base, other := sel.From.Base, j.Source
		if j.Type != JoinInner || base.Derived() || other.Derived() || base.ID == other.ID {
			return sel
		}
		eq, ok := j.On.(BinaryExpr)
		if !ok || eq.Op != "=" {
			return sel
		}
		l, lok := eq.Left.(ColumnExpr)
		r, rok := eq.Right.(ColumnExpr)
		if !lok || !rok {
			return sel
		}
		pair := map[string]bool{l.Ref.Table: true, r.Ref.Table: true}
		if len(pair) != 2 || !pair[base.ID] || !pair[other.ID] {
			return sel
		}
		if other.Table < base.Table {
			base, other = other, base
		}
		if l.Ref.Table != base.ID {
			l, r = r, l
		}
		sel.From.Base = base
		j.Source = other
		j.On = BinaryExpr{Left: l, Op: "=", Right: r}
		sel.From.Joins[0] = j
		return sel
	})
}

// renameSources names every source by position: base tables by table name
// with _2, _3 for repeats visible in the same scope, derived tables _d1,
// _d2 in pre-order. Derived result columns keep their column name or
// become _c<position>.
func renameSources(q Query) Query {
	ids := make(map[string]string)
	cols := make(map[string]map[string]string)
	derived := 0

	var assign func(q Query, taken map[string]bool)
	assignExprs := func(exprs []Expr, taken map[string]bool) {
		for _, e := range exprs {
			walkExpr(e, func(n Expr) bool {
				if sub := exprQuery(n); sub != nil {
					assign(sub, taken)
				}
				return true
			})
		}
	}
	assign = func(q Query, taken map[string]bool) {
		for _, cte := range queryWith(q) {
			assign(cte.Query, taken)
		}
		switch v := q.(type) {
		case *SelectQuery:
			local := maps.Clone(taken)
			if local == nil {
				local = make(map[string]bool)
			}
			for _, src := range v.From.Sources() {
				if src.Derived() {
					derived++
					name := fmt.Sprintf("_d%d", derived)
					ids[src.ID] = name
					local[name] = true
					cols[src.ID] = derivedColumns(src)
					assign(src.Query, taken)
					continue
				}
				name := src.Table
				for n := 2; local[name]; n++ {
					name = fmt.Sprintf("%s_%d", src.Table, n)
				}
				local[name] = true
				ids[src.ID] = name
			}
			assignExprs(selectExprs(v), local)
		case *SetOpQuery:
			assign(v.Left, taken)
			assign(v.Right, taken)
			assignExprs([]Expr{v.Limit, v.Offset}, taken)
		}
	}
	assign(q, nil)
	return renameRefs(q, ids, cols)
}

func derivedColumns(src Source) map[string]string {
	inner := leftmost(src.Query)
	if inner == nil || len(inner.Items) != len(src.Columns) {
		return nil
	}
	out := make(map[string]string, len(src.Columns))
	used := make(map[string]bool, len(src.Columns))
	for i, old := range src.Columns {
		if _, dup := out[old]; dup {
			return nil
		}
		name := fmt.Sprintf("_c%d", i+1)
		if col, ok := inner.Items[i].Expr.(ColumnExpr); ok && !used[col.Ref.Name] {
			name = col.Ref.Name
		}
		used[name] = true
		out[old] = name
	}
	return out
}

// extractOrderKeys renders every ORDER BY term, outermost first, and
// returns q without them.
func extractOrderKeys(q Query) ([]string, Query) {
	keys := []string{}
	visitQuery(q, func(inner Query) {
		var items []OrderBy
		switch v := inner.(type) {
		case *SelectQuery:
			items = v.OrderBy
		case *SetOpQuery:
			items = v.OrderBy
		}
		for _, ob := range items {
			var b SQLBuilder
			ob.Build(&b)
			keys = append(keys, b.String())
		}
	}, nil)

	var sub func(Query) Query
	sub = func(inner Query) Query {
		out := transformQuery(inner, nil, sub)
		switch v := out.(type) {
		case *SelectQuery:
			v.OrderBy = nil
		case *SetOpQuery:
			v.OrderBy = nil
		}
		return out
	}
	return keys, sub(q)
}

// stripAliases drops result and table aliases. WITH entries that relied on
// result aliases get explicit column lists first.
func stripAliases(q Query) Query {
	var sub func(Query) Query
	sub = func(inner Query) Query {
		out := transformQuery(inner, nil, sub)
		with := queryWith(out)
		for i, cte := range with {
			if len(cte.Columns) == 0 {
				with[i].Columns = outputNames(cte.Query)
			}
		}
		return out
	}
	q = sub(q)
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		for i := range sel.Items {
			sel.Items[i].Alias = ""
		}
		if sel.From != nil {
			sel.From.Base.Alias = ""
			for i := range sel.From.Joins {
				sel.From.Joins[i].Source.Alias = ""
			}
		}
		return sel
	})
}
