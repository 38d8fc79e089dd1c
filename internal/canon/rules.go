package canon

import (
	"strings"

	"github.com/pkg/errors"
)

// Rule names accepted by Options.Rules.
const (
	RuleNormalizeIdentifiers = "normalize_identifiers"
	RuleQualify              = "qualify"
	RuleExpandStars          = "expand_stars"
	RuleEliminateCTEs        = "eliminate_ctes"
	RuleMergeSubqueries      = "merge_subqueries"
	RuleUnnestSubqueries     = "unnest_subqueries"
	RulePushdownPredicates   = "pushdown_predicates"
	RuleEliminateJoins       = "eliminate_joins"
	RulePushdownProjections  = "pushdown_projections"
	RuleSimplify             = "simplify"
)

type rule struct {
	name string
	// required rules run even when Options.Rules leaves them out.
	required bool
	apply    func(*pass, Query) (Query, error)
}

// ruleTable is the fixed allow-list of rewrites, in application order.
var ruleTable = [...]rule{
	{name: RuleNormalizeIdentifiers, required: true, apply: normalizeIdentifiers},
	{name: RuleQualify, required: true, apply: qualify},
	{name: RuleExpandStars, required: true, apply: expandStars},
	{name: RuleEliminateCTEs, apply: eliminateCTEs},
	{name: RuleMergeSubqueries, apply: mergeSubqueries},
	{name: RuleUnnestSubqueries, apply: unnestSubqueries},
	{name: RulePushdownPredicates, apply: pushdownPredicates},
	{name: RuleEliminateJoins, apply: eliminateJoins},
	{name: RulePushdownProjections, apply: pushdownProjections},
	{name: RuleSimplify, apply: simplify},
}

// RuleNames lists every rule in application order.
func RuleNames() []string {
	names := make([]string, 0, len(ruleTable))
	for _, r := range ruleTable {
		names = append(names, r.name)
	}
	return names
}

// CheckRules reports the first unknown rule name.
func CheckRules(names []string) error {
	_, err := selectRules(names)
	return err
}

// selectRules returns the rules to run for the requested names. An empty
// request selects every rule.
func selectRules(names []string) ([]rule, error) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		known := false
		for _, r := range ruleTable {
			if r.name == name {
				known = true
				break
			}
		}
		if !known {
			return nil, errors.Errorf("unknown canonicalization rule %q", name)
		}
		want[name] = true
	}
	out := make([]rule, 0, len(ruleTable))
	for _, r := range ruleTable {
		if len(names) == 0 || r.required || want[r.name] {
			out = append(out, r)
		}
	}
	return out, nil
}

func normalizeIdentifiers(_ *pass, q Query) (Query, error) {
	q = deepRewrite(q, func(e Expr) Expr {
		switch v := e.(type) {
		case ColumnExpr:
			v.Ref = ColumnRef{Table: strings.ToLower(v.Ref.Table), Name: strings.ToLower(v.Ref.Name)}
			return v
		case StarExpr:
			v.Table = strings.ToLower(v.Table)
			return v
		}
		return e
	})
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		for i, item := range sel.Items {
			sel.Items[i].Alias = strings.ToLower(item.Alias)
		}
		if sel.From != nil {
			sel.From.Base = lowerCaseSource(sel.From.Base)
			for i, j := range sel.From.Joins {
				j.Source = lowerCaseSource(j.Source)
				using := make([]string, len(j.Using))
				for k, col := range j.Using {
					using[k] = strings.ToLower(col)
				}
				j.Using = using
				sel.From.Joins[i] = j
			}
		}
		for i, cte := range sel.With {
			sel.With[i].Name = strings.ToLower(cte.Name)
		}
		return sel
	}), nil
}

func lowerCaseSource(src Source) Source {
	src.ID = strings.ToLower(src.ID)
	src.Table = strings.ToLower(src.Table)
	src.Alias = strings.ToLower(src.Alias)
	return src
}

func qualify(p *pass, q Query) (Query, error) {
	return p.qualifyQuery(q, nil)
}

// expandStars checks that qualification left no star select item behind.
func expandStars(_ *pass, q Query) (Query, error) {
	var err error
	visitQuery(q, func(inner Query) {
		sel, ok := inner.(*SelectQuery)
		if !ok || err != nil {
			return
		}
		for _, item := range sel.Items {
			if _, star := item.Expr.(StarExpr); star {
				err = errors.New("unexpanded star")
			}
		}
	}, nil)
	return q, err
}

// eliminateCTEs inlines every non-recursive WITH entry as a derived table.
func eliminateCTEs(p *pass, q Query) (Query, error) {
	return p.inlineCTEs(q, map[string]CTE{}), nil
}

func (p *pass) inlineCTEs(q Query, outer map[string]CTE) Query {
	defs := make(map[string]CTE, len(outer))
	for k, v := range outer {
		defs[k] = v
	}
	var kept []CTE
	for _, cte := range queryWith(q) {
		cte.Query = p.inlineCTEs(cte.Query, defs)
		if cte.Recursive && refersTo(cte.Query, cte.Name) {
			delete(defs, cte.Name)
			kept = append(kept, cte)
			continue
		}
		defs[cte.Name] = cte
	}
	q = withoutWith(q)
	var sub func(Query) Query
	sub = func(inner Query) Query {
		return p.inlineCTEs(inner, defs)
	}
	q = transformQuery(q, nil, sub)
	switch v := q.(type) {
	case *SelectQuery:
		v.With = kept
		if v.From != nil {
			v.From.Base = p.inlineSource(v.From.Base, defs)
			for i, j := range v.From.Joins {
				j.Source = p.inlineSource(j.Source, defs)
				v.From.Joins[i] = j
			}
		}
	case *SetOpQuery:
		v.With = kept
	}
	return q
}

func (p *pass) inlineSource(src Source, defs map[string]CTE) Source {
	if !src.CTE {
		return src
	}
	def, ok := defs[src.Table]
	if !ok {
		return src
	}
	body := p.freshen(nameOutputs(def.Query, src.Columns))
	return Source{ID: src.ID, Query: body, Alias: src.Alias, Columns: src.Columns}
}

// refersTo reports whether q reads the WITH entry name.
func refersTo(q Query, name string) bool {
	found := false
	visitQuery(q, func(inner Query) {
		if sel, ok := inner.(*SelectQuery); ok {
			for _, src := range sel.From.Sources() {
				found = found || (src.CTE && src.Table == name)
			}
		}
	}, nil)
	return found
}

// nameOutputs aliases the result columns of q to names.
func nameOutputs(q Query, names []string) Query {
	current := outputNames(q)
	same := len(current) == len(names)
	for i := 0; same && i < len(names); i++ {
		same = current[i] == names[i]
	}
	if same {
		return q
	}
	switch v := q.(type) {
	case *SelectQuery:
		c := v.Clone()
		for i := range c.Items {
			if i < len(names) {
				c.Items[i].Alias = names[i]
			}
		}
		return c
	case *SetOpQuery:
		c := v.clone().(*SetOpQuery)
		c.Left = nameOutputs(v.Left, names)
		return c
	}
	return q
}

// freshen gives every source defined inside q a new ID.
func (p *pass) freshen(q Query) Query {
	ids := make(map[string]string)
	visitQuery(q, func(inner Query) {
		if sel, ok := inner.(*SelectQuery); ok {
			for _, src := range sel.From.Sources() {
				ids[src.ID] = p.newID(baseName(src.ID))
			}
		}
	}, nil)
	return renameRefs(q, ids, nil)
}

// renameRefs rewrites source IDs and, per source, output column names.
func renameRefs(q Query, ids map[string]string, cols map[string]map[string]string) Query {
	q = deepRewrite(q, func(e Expr) Expr {
		col, ok := e.(ColumnExpr)
		if !ok {
			return e
		}
		ref := col.Ref
		if names, ok := cols[ref.Table]; ok {
			if name, ok := names[ref.Name]; ok {
				ref.Name = name
			}
		}
		if id, ok := ids[ref.Table]; ok {
			ref.Table = id
		}
		return ColumnExpr{Ref: ref}
	})
	rename := func(src Source) Source {
		if names, ok := cols[src.ID]; ok {
			renamed := make([]string, len(src.Columns))
			for i, c := range src.Columns {
				renamed[i] = c
				if name, ok := names[c]; ok {
					renamed[i] = name
				}
			}
			src.Columns = renamed
		}
		if id, ok := ids[src.ID]; ok {
			src.ID = id
		}
		return src
	}
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		if sel.From == nil {
			return sel
		}
		sel.From.Base = rename(sel.From.Base)
		for i, j := range sel.From.Joins {
			j.Source = rename(j.Source)
			sel.From.Joins[i] = j
		}
		return sel
	})
}

// mergeSubqueries folds simple derived tables into the enclosing SELECT.
func mergeSubqueries(_ *pass, q Query) (Query, error) {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		for merged := true; merged; {
			merged = false
			for i, src := range sel.From.Sources() {
				if out, ok := mergeSource(sel, i, src); ok {
					sel, merged = out, true
					break
				}
			}
		}
		return sel
	}), nil
}

func mergeable(src Source) (*SelectQuery, bool) {
	inner, ok := src.Query.(*SelectQuery)
	if !ok || inner.From == nil || len(inner.From.Joins) > 0 {
		return nil, false
	}
	if len(inner.With) > 0 || inner.Distinct || len(inner.GroupBy) > 0 || inner.Having != nil ||
		len(inner.OrderBy) > 0 || inner.Limit != nil || inner.Offset != nil {
		return nil, false
	}
	if len(inner.Items) != len(src.Columns) {
		return nil, false
	}
	for _, item := range inner.Items {
		if hasAggregate(item.Expr) || hasRaw(item.Expr) {
			return nil, false
		}
	}
	return inner, true
}

func mergeSource(sel *SelectQuery, pos int, src Source) (*SelectQuery, bool) {
	if !src.Derived() {
		return nil, false
	}
	inner, ok := mergeable(src)
	if !ok {
		return nil, false
	}
	for _, j := range sel.From.Joins {
		if j.Type == JoinRight {
			return nil, false
		}
	}
	nullable := pos > 0 && sel.From.Joins[pos-1].Type == JoinLeft
	if nullable {
		for _, item := range inner.Items {
			if !isColumn(item.Expr) {
				return nil, false
			}
		}
	}
	subst := make(map[string]Expr, len(src.Columns))
	for i, name := range src.Columns {
		if _, dup := subst[name]; dup {
			return nil, false
		}
		subst[name] = inner.Items[i].Expr
	}

	out := sel.Clone()
	replaced := inner.From.Base
	if pos == 0 {
		out.From.Base = replaced
	} else {
		out.From.Joins[pos-1].Source = replaced
	}
	filter := inner.Where
	if nullable {
		j := out.From.Joins[pos-1]
		j.On = andAll(append(conjuncts(j.On), conjuncts(filter)...))
		out.From.Joins[pos-1] = j
	} else if filter != nil {
		out.Where = andAll(append(conjuncts(filter), conjuncts(out.Where)...))
	}
	merged := deepRewrite(out, func(e Expr) Expr {
		col, ok := e.(ColumnExpr)
		if !ok || col.Ref.Table != src.ID {
			return e
		}
		if repl, ok := subst[col.Ref.Name]; ok {
			return repl
		}
		return e
	})
	return merged.(*SelectQuery), true
}

// unnestSubqueries turns a correlated EXISTS conjunct with a single
// equality correlation into an IN subquery.
func unnestSubqueries(_ *pass, q Query) (Query, error) {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		terms := conjuncts(sel.Where)
		changed := false
		for i, term := range terms {
			exists, ok := term.(ExistsExpr)
			if !ok || exists.Not {
				continue
			}
			if in, ok := existsToIn(exists); ok {
				terms[i] = in
				changed = true
			}
		}
		if changed {
			sel.Where = andAll(terms)
		}
		return sel
	}), nil
}

func existsToIn(exists ExistsExpr) (Expr, bool) {
	inner, ok := exists.Query.(*SelectQuery)
	if !ok || inner.From == nil || len(inner.With) > 0 || len(inner.GroupBy) > 0 || inner.Having != nil ||
		inner.Limit != nil || inner.Offset != nil {
		return nil, false
	}
	for _, item := range inner.Items {
		if hasAggregate(item.Expr) {
			return nil, false
		}
	}
	defined := definedSources(inner)
	foreign := func(e Expr) bool {
		for id := range exprSources(e) {
			if !defined[id] {
				return true
			}
		}
		return false
	}
	for _, j := range inner.From.Joins {
		if foreign(j.On) {
			return nil, false
		}
	}
	var (
		local, outer Expr
		rest         []Expr
		found        bool
	)
	for _, term := range conjuncts(inner.Where) {
		if !foreign(term) {
			rest = append(rest, term)
			continue
		}
		eq, ok := term.(BinaryExpr)
		if found || !ok || eq.Op != "=" || hasSubquery(eq.Left) || hasSubquery(eq.Right) {
			return nil, false
		}
		switch {
		case !foreign(eq.Left) && len(exprSources(eq.Left)) > 0 && onlyForeign(eq.Right, defined):
			local, outer = eq.Left, eq.Right
		case !foreign(eq.Right) && len(exprSources(eq.Right)) > 0 && onlyForeign(eq.Left, defined):
			local, outer = eq.Right, eq.Left
		default:
			return nil, false
		}
		found = true
	}
	if !found {
		return nil, false
	}
	out := inner.Clone()
	out.Distinct = false
	out.Items = []SelectItem{{Expr: local}}
	out.Where = andAll(rest)
	out.OrderBy = nil
	return InSubqueryExpr{Left: outer, Query: out}, true
}

func onlyForeign(e Expr, defined map[string]bool) bool {
	refs := exprSources(e)
	if len(refs) == 0 {
		return false
	}
	for id := range refs {
		if defined[id] {
			return false
		}
	}
	return true
}

// pushdownPredicates redistributes the conjuncts of an inner-join SELECT:
// column equalities between two sources go to the ON of the later source,
// everything else to WHERE. Comma and cross joins become inner joins.
func pushdownPredicates(_ *pass, q Query) (Query, error) {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		if sel.From == nil || len(sel.From.Joins) == 0 {
			return sel
		}
		for _, j := range sel.From.Joins {
			if j.Type.Outer() {
				return sel
			}
		}
		position := make(map[string]int)
		for i, src := range sel.From.Sources() {
			position[src.ID] = i
		}
		var all []Expr
		for _, j := range sel.From.Joins {
			all = append(all, conjuncts(j.On)...)
		}
		all = append(all, conjuncts(sel.Where)...)

		on := make([][]Expr, len(sel.From.Joins))
		var where []Expr
		seen := make(map[string]bool)
		for _, term := range all {
			key := ExprSQL(term)
			if seen[key] {
				continue
			}
			seen[key] = true
			if target, ok := joinTarget(term, position); ok {
				on[target-1] = append(on[target-1], term)
				continue
			}
			where = append(where, term)
		}
		for i := range sel.From.Joins {
			sel.From.Joins[i].Type = JoinInner
			sel.From.Joins[i].On = andAll(on[i])
		}
		sel.Where = andAll(where)
		return sel
	}), nil
}

// joinTarget returns the FROM position whose ON clause takes term: the later
// side of an equality between columns of two different sources.
func joinTarget(term Expr, position map[string]int) (int, bool) {
	eq, ok := term.(BinaryExpr)
	if !ok || eq.Op != "=" {
		return 0, false
	}
	left, lok := eq.Left.(ColumnExpr)
	right, rok := eq.Right.(ColumnExpr)
	if !lok || !rok {
		return 0, false
	}
	lp, lok := position[left.Ref.Table]
	rp, rok := position[right.Ref.Table]
	if !lok || !rok || lp == rp {
		return 0, false
	}
	return max(lp, rp), true
}

// eliminateJoins drops LEFT JOINs on a unique key of the right table when
// no other part of the query reads the right table.
func eliminateJoins(p *pass, q Query) (Query, error) {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		for removed := true; removed && sel.From != nil; {
			removed = false
			for i, j := range sel.From.Joins {
				if !p.removableJoin(sel, i, j) {
					continue
				}
				out := sel.Clone()
				out.From.Joins = append(out.From.Joins[:i:i], out.From.Joins[i+1:]...)
				sel, removed = out, true
				break
			}
		}
		return sel
	}), nil
}

func (p *pass) removableJoin(sel *SelectQuery, i int, j Join) bool {
	if j.Type != JoinLeft || j.Source.Derived() || j.Source.CTE {
		return false
	}
	tbl, ok := p.schema.TableByName(j.Source.Table)
	if !ok {
		return false
	}
	eq, ok := j.On.(BinaryExpr)
	if !ok || eq.Op != "=" {
		return false
	}
	left, lok := eq.Left.(ColumnExpr)
	right, rok := eq.Right.(ColumnExpr)
	if !lok || !rok {
		return false
	}
	if left.Ref.Table == j.Source.ID {
		left, right = right, left
	}
	if right.Ref.Table != j.Source.ID || left.Ref.Table == j.Source.ID || !tbl.UniqueKey(right.Ref.Name) {
		return false
	}
	rest := sel.Clone()
	rest.From.Joins = append(rest.From.Joins[:i:i], rest.From.Joins[i+1:]...)
	return !queryRefs(rest)[j.Source.ID]
}

// pushdownProjections drops result columns of derived tables that the
// enclosing SELECT never reads, keeping at least one.
func pushdownProjections(_ *pass, q Query) (Query, error) {
	return mapSelects(q, func(sel *SelectQuery) *SelectQuery {
		if sel.From == nil {
			return sel
		}
		used := columnRefs(sel)
		prune := func(src Source) Source {
			inner, ok := src.Query.(*SelectQuery)
			if !ok || inner.Distinct || len(inner.Items) != len(src.Columns) || hasDuplicates(src.Columns) {
				return src
			}
			if len(inner.GroupBy) == 0 {
				for _, item := range inner.Items {
					if hasAggregate(item.Expr) {
						return src
					}
				}
			}
			var (
				items []SelectItem
				cols  []string
			)
			for i, name := range src.Columns {
				if used[ColumnRef{Table: src.ID, Name: name}] {
					items = append(items, inner.Items[i])
					cols = append(cols, name)
				}
			}
			if len(items) == 0 {
				items, cols = inner.Items[:1], src.Columns[:1]
			}
			if len(items) == len(inner.Items) {
				return src
			}
			c := inner.Clone()
			c.Items = append([]SelectItem(nil), items...)
			src.Query = c
			src.Columns = append([]string(nil), cols...)
			return src
		}
		sel.From.Base = prune(sel.From.Base)
		for i, j := range sel.From.Joins {
			j.Source = prune(j.Source)
			sel.From.Joins[i] = j
		}
		return sel
	}), nil
}

func hasDuplicates(names []string) bool {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return true
		}
		seen[n] = true
	}
	return false
}

// conjuncts flattens nested ANDs.
func conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if l, ok := e.(LogicalExpr); ok && l.Op == "AND" {
		var out []Expr
		for _, t := range l.Terms {
			out = append(out, conjuncts(t)...)
		}
		return out
	}
	return []Expr{e}
}

func andAll(terms []Expr) Expr {
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return LogicalExpr{Op: "AND", Terms: terms}
}

var aggregates = map[string]bool{
	"count": true, "sum": true, "avg": true, "total": true,
	"group_concat": true, "string_agg": true, "min": true, "max": true,
}

func isAggregate(e Expr) bool {
	fn, ok := e.(FuncExpr)
	if !ok || !aggregates[fn.Name] {
		return false
	}
	// Multi-argument min and max are scalar in SQLite.
	if (fn.Name == "min" || fn.Name == "max") && len(fn.Args) > 1 {
		return false
	}
	return true
}

func hasAggregate(e Expr) bool {
	return anyExpr(e, isAggregate)
}

func hasSubquery(e Expr) bool {
	return anyExpr(e, func(n Expr) bool { return exprQuery(n) != nil })
}

func hasRaw(e Expr) bool {
	return anyExpr(e, func(n Expr) bool {
		_, ok := n.(RawExpr)
		return ok
	})
}

func anyExpr(e Expr, pred func(Expr) bool) bool {
	found := false
	walkExpr(e, func(n Expr) bool {
		if found || pred(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

// exprSources lists the source IDs e reads, including from nested subqueries.
func exprSources(e Expr) map[string]bool {
	out := make(map[string]bool)
	collect := func(n Expr) {
		if c, ok := n.(ColumnExpr); ok && c.Ref.Table != "" {
			out[c.Ref.Table] = true
		}
	}
	walkExpr(e, func(n Expr) bool {
		collect(n)
		if sub := exprQuery(n); sub != nil {
			visitQuery(sub, nil, collect)
		}
		return true
	})
	return out
}

// queryRefs lists every source ID read anywhere in q.
func queryRefs(q Query) map[string]bool {
	out := make(map[string]bool)
	for ref := range columnRefs(q) {
		out[ref.Table] = true
	}
	return out
}

func columnRefs(q Query) map[ColumnRef]bool {
	out := make(map[ColumnRef]bool)
	visitQuery(q, nil, func(n Expr) {
		if c, ok := n.(ColumnExpr); ok {
			out[c.Ref] = true
		}
	})
	return out
}

// definedSources lists the IDs of every source declared inside q.
func definedSources(q Query) map[string]bool {
	out := make(map[string]bool)
	visitQuery(q, func(inner Query) {
		if sel, ok := inner.(*SelectQuery); ok {
			for _, src := range sel.From.Sources() {
				out[src.ID] = true
			}
		}
	}, nil)
	return out
}
