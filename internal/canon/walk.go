package canon

// rewriter rebuilds expressions bottom-up. expr replaces each node after its
// children were rebuilt; query replaces nested subqueries. Nil callbacks
// keep the node unchanged.
type rewriter struct {
	expr  func(Expr) Expr
	query func(Query) Query
}

func (r rewriter) sub(q Query) Query {
	if r.query == nil || q == nil {
		return q
	}
	return r.query(q)
}

func (r rewriter) list(items []Expr) []Expr {
	if items == nil {
		return nil
	}
	out := make([]Expr, len(items))
	for i, item := range items {
		out[i] = r.apply(item)
	}
	return out
}

func (r rewriter) apply(e Expr) Expr {
	if e == nil {
		return nil
	}
	var out Expr
	switch v := e.(type) {
	case UnaryExpr:
		v.Expr = r.apply(v.Expr)
		out = v
	case BinaryExpr:
		v.Left = r.apply(v.Left)
		v.Right = r.apply(v.Right)
		out = v
	case LogicalExpr:
		v.Terms = r.list(v.Terms)
		out = v
	case FuncExpr:
		v.Args = r.list(v.Args)
		out = v
	case CaseExpr:
		v.Operand = r.apply(v.Operand)
		whens := make([]CaseWhen, len(v.Whens))
		for i, w := range v.Whens {
			whens[i] = CaseWhen{When: r.apply(w.When), Then: r.apply(w.Then)}
		}
		v.Whens = whens
		v.Else = r.apply(v.Else)
		out = v
	case InExpr:
		v.Left = r.apply(v.Left)
		v.List = r.list(v.List)
		out = v
	case InSubqueryExpr:
		v.Left = r.apply(v.Left)
		v.Query = r.sub(v.Query)
		out = v
	case BetweenExpr:
		v.Expr = r.apply(v.Expr)
		v.Low = r.apply(v.Low)
		v.High = r.apply(v.High)
		out = v
	case LikeExpr:
		v.Expr = r.apply(v.Expr)
		v.Pattern = r.apply(v.Pattern)
		v.Escape = r.apply(v.Escape)
		out = v
	case IsNullExpr:
		v.Expr = r.apply(v.Expr)
		out = v
	case SubqueryExpr:
		v.Query = r.sub(v.Query)
		out = v
	case ExistsExpr:
		v.Query = r.sub(v.Query)
		out = v
	case CompareSubqueryExpr:
		v.Left = r.apply(v.Left)
		v.Query = r.sub(v.Query)
		out = v
	case CastExpr:
		v.Expr = r.apply(v.Expr)
		out = v
	default:
		out = e
	}
	if r.expr != nil {
		out = r.expr(out)
	}
	return out
}

// walkExpr visits e pre-order without entering subqueries. Returning false
// from fn skips the children of that node.
func walkExpr(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, child := range exprChildren(e) {
		walkExpr(child, fn)
	}
}

func exprChildren(e Expr) []Expr {
	switch v := e.(type) {
	case UnaryExpr:
		return []Expr{v.Expr}
	case BinaryExpr:
		return []Expr{v.Left, v.Right}
	case LogicalExpr:
		return v.Terms
	case FuncExpr:
		return v.Args
	case CaseExpr:
		out := []Expr{}
		if v.Operand != nil {
			out = append(out, v.Operand)
		}
		for _, w := range v.Whens {
			out = append(out, w.When, w.Then)
		}
		if v.Else != nil {
			out = append(out, v.Else)
		}
		return out
	case InExpr:
		return append([]Expr{v.Left}, v.List...)
	case InSubqueryExpr:
		return []Expr{v.Left}
	case BetweenExpr:
		return []Expr{v.Expr, v.Low, v.High}
	case LikeExpr:
		if v.Escape != nil {
			return []Expr{v.Expr, v.Pattern, v.Escape}
		}
		return []Expr{v.Expr, v.Pattern}
	case IsNullExpr:
		return []Expr{v.Expr}
	case CompareSubqueryExpr:
		return []Expr{v.Left}
	case CastExpr:
		return []Expr{v.Expr}
	}
	return nil
}

// exprQuery returns the subquery held directly by e.
func exprQuery(e Expr) Query {
	switch v := e.(type) {
	case InSubqueryExpr:
		return v.Query
	case SubqueryExpr:
		return v.Query
	case ExistsExpr:
		return v.Query
	case CompareSubqueryExpr:
		return v.Query
	}
	return nil
}

// selectExprs lists every expression owned directly by q.
func selectExprs(q *SelectQuery) []Expr {
	var out []Expr
	for _, item := range q.Items {
		out = append(out, item.Expr)
	}
	if q.From != nil {
		for _, j := range q.From.Joins {
			if j.On != nil {
				out = append(out, j.On)
			}
		}
	}
	if q.Where != nil {
		out = append(out, q.Where)
	}
	out = append(out, q.GroupBy...)
	if q.Having != nil {
		out = append(out, q.Having)
	}
	for _, ob := range q.OrderBy {
		out = append(out, ob.Expr)
	}
	if q.Limit != nil {
		out = append(out, q.Limit)
	}
	if q.Offset != nil {
		out = append(out, q.Offset)
	}
	return out
}

// transformQuery rebuilds q: its own expressions through exprFn and every
// nested query (CTE, derived table, subquery, compound operand) through sub.
func transformQuery(q Query, exprFn func(Expr) Expr, sub func(Query) Query) Query {
	rw := rewriter{expr: exprFn, query: sub}
	with := func(ctes []CTE) []CTE {
		if ctes == nil {
			return nil
		}
		out := make([]CTE, len(ctes))
		for i, cte := range ctes {
			cte.Query = rw.sub(cte.Query)
			out[i] = cte
		}
		return out
	}
	orderBy := func(items []OrderBy) []OrderBy {
		if items == nil {
			return nil
		}
		out := make([]OrderBy, len(items))
		for i, ob := range items {
			out[i] = OrderBy{Expr: rw.apply(ob.Expr), Desc: ob.Desc}
		}
		return out
	}
	switch v := q.(type) {
	case *SelectQuery:
		c := v.Clone()
		c.With = with(v.With)
		for i, item := range c.Items {
			c.Items[i] = SelectItem{Expr: rw.apply(item.Expr), Alias: item.Alias}
		}
		if c.From != nil {
			if c.From.Base.Query != nil {
				c.From.Base.Query = rw.sub(c.From.Base.Query)
			}
			for i, j := range c.From.Joins {
				if j.Source.Query != nil {
					j.Source.Query = rw.sub(j.Source.Query)
				}
				j.On = rw.apply(j.On)
				c.From.Joins[i] = j
			}
		}
		c.Where = rw.apply(c.Where)
		c.GroupBy = rw.list(c.GroupBy)
		c.Having = rw.apply(c.Having)
		c.OrderBy = orderBy(c.OrderBy)
		c.Limit = rw.apply(c.Limit)
		c.Offset = rw.apply(c.Offset)
		return c
	case *SetOpQuery:
		c := v.clone().(*SetOpQuery)
		c.With = with(v.With)
		c.Left = rw.sub(v.Left)
		c.Right = rw.sub(v.Right)
		c.OrderBy = orderBy(c.OrderBy)
		c.Limit = rw.apply(c.Limit)
		c.Offset = rw.apply(c.Offset)
		return c
	}
	return q
}

// deepRewrite applies fn to every expression of q and of all nested queries.
func deepRewrite(q Query, fn func(Expr) Expr) Query {
	var sub func(Query) Query
	sub = func(inner Query) Query {
		return transformQuery(inner, fn, sub)
	}
	return sub(q)
}

// mapSelects applies fn to every SELECT in q, innermost first.
func mapSelects(q Query, fn func(*SelectQuery) *SelectQuery) Query {
	var sub func(Query) Query
	sub = func(inner Query) Query {
		out := transformQuery(inner, nil, sub)
		if sel, ok := out.(*SelectQuery); ok {
			return fn(sel)
		}
		return out
	}
	return sub(q)
}

// visitQuery calls onQuery for q and every nested query pre-order, and
// onExpr for every expression node of all of them.
func visitQuery(q Query, onQuery func(Query), onExpr func(Expr)) {
	if q == nil {
		return
	}
	if onQuery != nil {
		onQuery(q)
	}
	visitE := func(e Expr) {
		walkExpr(e, func(n Expr) bool {
			if onExpr != nil {
				onExpr(n)
			}
			if sub := exprQuery(n); sub != nil {
				visitQuery(sub, onQuery, onExpr)
			}
			return true
		})
	}
	for _, cte := range queryWith(q) {
		visitQuery(cte.Query, onQuery, onExpr)
	}
	switch v := q.(type) {
	case *SelectQuery:
		for _, src := range v.From.Sources() {
			if src.Query != nil {
				visitQuery(src.Query, onQuery, onExpr)
			}
		}
		for _, e := range selectExprs(v) {
			visitE(e)
		}
	case *SetOpQuery:
		visitQuery(v.Left, onQuery, onExpr)
		visitQuery(v.Right, onQuery, onExpr)
		for _, ob := range v.OrderBy {
			visitE(ob.Expr)
		}
		visitE(v.Limit)
		visitE(v.Offset)
	}
}
