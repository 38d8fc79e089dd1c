package canon

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"sqlexam/internal/schema"
)

// pass carries the state shared by the rewrite stages of one query.
type pass struct {
	schema *schema.Schema
	next   int
}

// newID returns a source ID unique within the pass.
func (p *pass) newID(name string) string {
	p.next++
	if name == "" {
		name = "_"
	}
	return fmt.Sprintf("%s#%d", name, p.next)
}

// baseName strips the uniqueness suffix from a source ID.
func baseName(id string) string {
	if i := strings.LastIndexByte(id, '#'); i >= 0 {
		return id[:i]
	}
	return id
}

type binding struct {
	// name is the reference name as written: the alias or the table name.
	name string
	src  Source
	// hidden holds USING columns already owned by an earlier source.
	hidden map[string]bool
}

func (b binding) has(col string) bool {
	return slices.Contains(b.src.Columns, col)
}

type scope struct {
	parent   *scope
	bindings []binding
	ctes     map[string][]string
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, ctes: make(map[string][]string)}
}

// cte returns the columns of a visible WITH entry.
func (s *scope) cte(name string) ([]string, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if cols, ok := sc.ctes[name]; ok {
			return cols, true
		}
	}
	return nil, false
}

// resolve finds the source owning ref, searching outward.
func (s *scope) resolve(ref ColumnRef) (ColumnRef, bool, error) {
	for sc := s; sc != nil; sc = sc.parent {
		if ref.Table != "" {
			for _, b := range sc.bindings {
				if b.name != ref.Table {
					continue
				}
				if !b.has(ref.Name) {
					return ColumnRef{}, false, errors.Errorf("no such column: %s", ref)
				}
				return ColumnRef{Table: b.src.ID, Name: ref.Name}, true, nil
			}
			continue
		}
		var found []binding
		for _, b := range sc.bindings {
			if b.has(ref.Name) && !b.hidden[ref.Name] {
				found = append(found, b)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return ColumnRef{Table: found[0].src.ID, Name: ref.Name}, true, nil
		default:
			return ColumnRef{}, false, errors.Errorf("ambiguous column name: %s", ref.Name)
		}
	}
	return ColumnRef{}, false, nil
}

func (s *scope) expandStar(star StarExpr) ([]SelectItem, error) {
	var items []SelectItem
	if star.Table != "" {
		for _, b := range s.bindings {
			if b.name != star.Table {
				continue
			}
			for _, col := range b.src.Columns {
				items = append(items, SelectItem{Expr: ColumnExpr{Ref: ColumnRef{Table: b.src.ID, Name: col}}})
			}
			return items, nil
		}
		return nil, errors.Errorf("no such table: %s", star.Table)
	}
	if len(s.bindings) == 0 {
		return nil, errors.New("no tables specified")
	}
	for _, b := range s.bindings {
		for _, col := range b.src.Columns {
			if b.hidden[col] {
				continue
			}
			items = append(items, SelectItem{Expr: ColumnExpr{Ref: ColumnRef{Table: b.src.ID, Name: col}}})
		}
	}
	return items, nil
}

// outputNames lists the result column names of q.
func outputNames(q Query) []string {
	switch v := q.(type) {
	case *SelectQuery:
		names := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			switch {
			case item.Alias != "":
				names = append(names, item.Alias)
			case isColumn(item.Expr):
				names = append(names, item.Expr.(ColumnExpr).Ref.Name)
			default:
				names = append(names, strings.ToLower(ExprSQL(item.Expr)))
			}
		}
		return names
	case *SetOpQuery:
		return outputNames(v.Left)
	}
	return nil
}

func isColumn(e Expr) bool {
	_, ok := e.(ColumnExpr)
	return ok
}

// leftmost returns the first SELECT of a compound.
func leftmost(q Query) *SelectQuery {
	for {
		switch v := q.(type) {
		case *SelectQuery:
			return v
		case *SetOpQuery:
			q = v.Left
		default:
			return nil
		}
	}
}

func (p *pass) qualifyQuery(q Query, outer *scope) (Query, error) {
	switch v := q.(type) {
	case *SelectQuery:
		return p.qualifySelect(v, outer)
	case *SetOpQuery:
		return p.qualifySetOp(v, outer)
	}
	return nil, errors.Errorf("unsupported query %T", q)
}

func (p *pass) qualifyWith(with []CTE, sc *scope) ([]CTE, error) {
	if len(with) == 0 {
		return nil, nil
	}
	out := make([]CTE, len(with))
	for i, cte := range with {
		if _, dup := sc.ctes[cte.Name]; dup {
			return nil, errors.Errorf("duplicate WITH table name: %s", cte.Name)
		}
		if cte.Recursive {
			cols := cte.Columns
			if len(cols) == 0 {
				anchor := leftmost(cte.Query)
				if anchor == nil {
					return nil, errors.Errorf("cte %s has no anchor", cte.Name)
				}
				qualified, err := p.qualifySelect(anchor, sc)
				if err != nil {
					return nil, err
				}
				cols = outputNames(qualified)
			}
			sc.ctes[cte.Name] = cols
		}
		qualified, err := p.qualifyQuery(cte.Query, sc)
		if err != nil {
			return nil, errors.Wrapf(err, "cte %s", cte.Name)
		}
		cols := cte.Columns
		if len(cols) == 0 {
			cols = outputNames(qualified)
		} else if len(cols) != len(outputNames(qualified)) {
			return nil, errors.Errorf("table %s has %d values for %d columns", cte.Name, len(outputNames(qualified)), len(cols))
		}
		sc.ctes[cte.Name] = cols
		cte.Query = qualified
		out[i] = cte
	}
	return out, nil
}

func (p *pass) qualifySource(src Source, sc *scope) (Source, error) {
	if src.Query != nil {
		// Derived tables see the WITH entries but not their siblings.
		inner, err := p.qualifyQuery(src.Query, &scope{parent: sc.parent, ctes: sc.ctes})
		if err != nil {
			return Source{}, err
		}
		name := src.Alias
		return Source{ID: p.newID(name), Query: inner, Alias: src.Alias, Columns: outputNames(inner)}, nil
	}
	if cols, ok := sc.cte(src.Table); ok {
		return Source{ID: p.newID(src.Table), Table: src.Table, Alias: src.Alias, Columns: cols, CTE: true}, nil
	}
	tbl, ok := p.schema.TableByName(src.Table)
	if !ok {
		return Source{}, errors.Errorf("no such table: %s", src.Table)
	}
	cols := make([]string, 0, len(tbl.Columns))
	for _, col := range tbl.Columns {
		cols = append(cols, strings.ToLower(col.Name))
	}
	return Source{ID: p.newID(strings.ToLower(tbl.Name)), Table: strings.ToLower(tbl.Name), Alias: src.Alias, Columns: cols}, nil
}

func (p *pass) bind(sc *scope, src Source) error {
	name := src.Alias
	if name == "" {
		name = src.Table
	}
	if name != "" {
		for _, b := range sc.bindings {
			if b.name == name {
				return errors.Errorf("ambiguous table reference: %s", name)
			}
		}
	}
	sc.bindings = append(sc.bindings, binding{name: name, src: src, hidden: map[string]bool{}})
	return nil
}

func (p *pass) qualifyFrom(from *FromClause, sc *scope) (*FromClause, error) {
	base, err := p.qualifySource(from.Base, sc)
	if err != nil {
		return nil, err
	}
	if err := p.bind(sc, base); err != nil {
		return nil, err
	}
	out := &FromClause{Base: base, Joins: make([]Join, 0, len(from.Joins))}
	for _, j := range from.Joins {
		src, err := p.qualifySource(j.Source, sc)
		if err != nil {
			return nil, err
		}
		if j.Natural {
			j.Natural = false
			j.Using = nil
			for _, col := range src.Columns {
				if _, owned := owner(sc.bindings, col); owned {
					j.Using = append(j.Using, col)
				}
			}
		}
		var using []Expr
		for _, col := range j.Using {
			left, ok := owner(sc.bindings, col)
			if !ok || !(binding{src: src}).has(col) {
				return nil, errors.Errorf("cannot join using column %s", col)
			}
			using = append(using, BinaryExpr{
				Left:  ColumnExpr{Ref: ColumnRef{Table: left.ID, Name: col}},
				Op:    "=",
				Right: ColumnExpr{Ref: ColumnRef{Table: src.ID, Name: col}},
			})
		}
		if err := p.bind(sc, src); err != nil {
			return nil, err
		}
		last := &sc.bindings[len(sc.bindings)-1]
		for _, col := range j.Using {
			last.hidden[col] = true
		}
		j.Source = src
		if len(using) > 0 {
			j.On = andAll(append(using, conjuncts(j.On)...))
			j.Using = nil
		}
		if j.Type == JoinCross && j.On != nil {
			j.Type = JoinInner
		}
		out.Joins = append(out.Joins, j)
	}
	for i, j := range out.Joins {
		on, err := p.qualifyExpr(j.On, sc, nil)
		if err != nil {
			return nil, err
		}
		out.Joins[i].On = on
	}
	return out, nil
}

// owner finds the earliest visible source holding col.
func owner(bindings []binding, col string) (Source, bool) {
	for _, b := range bindings {
		if b.has(col) && !b.hidden[col] {
			return b.src, true
		}
	}
	return Source{}, false
}

func (p *pass) qualifySelect(q *SelectQuery, outer *scope) (*SelectQuery, error) {
	out := q.Clone()
	sc := newScope(outer)
	with, err := p.qualifyWith(q.With, sc)
	if err != nil {
		return nil, err
	}
	out.With = with
	if q.From != nil {
		if out.From, err = p.qualifyFrom(q.From, sc); err != nil {
			return nil, err
		}
	}

	items := make([]SelectItem, 0, len(q.Items))
	for _, item := range q.Items {
		if star, ok := item.Expr.(StarExpr); ok {
			expanded, err := sc.expandStar(star)
			if err != nil {
				return nil, err
			}
			items = append(items, expanded...)
			continue
		}
		e, err := p.qualifyExpr(item.Expr, sc, nil)
		if err != nil {
			return nil, err
		}
		items = append(items, SelectItem{Expr: e, Alias: item.Alias})
	}
	out.Items = items
	aliases := make(map[string]Expr)
	for _, item := range items {
		if _, dup := aliases[item.Alias]; item.Alias != "" && !dup {
			aliases[item.Alias] = item.Expr
		}
	}

	if out.Where, err = p.qualifyExpr(q.Where, sc, aliases); err != nil {
		return nil, err
	}
	for i, e := range q.GroupBy {
		if out.GroupBy[i], err = p.qualifyTerm(e, sc, items, aliases); err != nil {
			return nil, err
		}
	}
	if out.Having, err = p.qualifyExpr(q.Having, sc, aliases); err != nil {
		return nil, err
	}
	for i, ob := range q.OrderBy {
		e, err := p.qualifyTerm(ob.Expr, sc, items, aliases)
		if err != nil {
			return nil, err
		}
		out.OrderBy[i] = OrderBy{Expr: e, Desc: ob.Desc}
	}
	if out.Limit, err = p.qualifyExpr(q.Limit, sc, nil); err != nil {
		return nil, err
	}
	if out.Offset, err = p.qualifyExpr(q.Offset, sc, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// qualifyTerm resolves a GROUP BY or ORDER BY term. Ordinals pick a result
// column and a bare identifier names a result alias before a source column.
func (p *pass) qualifyTerm(e Expr, sc *scope, items []SelectItem, aliases map[string]Expr) (Expr, error) {
	switch v := e.(type) {
	case OrdinalExpr:
		if v.N < 1 || v.N > len(items) {
			return nil, errors.Errorf("term out of range: %d", v.N)
		}
		return items[v.N-1].Expr, nil
	case ColumnExpr:
		if v.Ref.Table == "" {
			if alias, ok := aliases[v.Ref.Name]; ok {
				return alias, nil
			}
		}
	}
	return p.qualifyExpr(e, sc, aliases)
}

func (p *pass) qualifySetOp(q *SetOpQuery, outer *scope) (*SetOpQuery, error) {
	out := q.clone().(*SetOpQuery)
	sc := newScope(outer)
	with, err := p.qualifyWith(q.With, sc)
	if err != nil {
		return nil, err
	}
	out.With = with
	if out.Left, err = p.qualifyQuery(q.Left, sc); err != nil {
		return nil, err
	}
	if out.Right, err = p.qualifyQuery(q.Right, sc); err != nil {
		return nil, err
	}
	left, right := outputNames(out.Left), outputNames(out.Right)
	if len(left) != len(right) {
		return nil, errors.Errorf("SELECTs to the left and right of %s do not have the same number of result columns", q.Op)
	}
	for i, ob := range q.OrderBy {
		var name string
		switch v := ob.Expr.(type) {
		case OrdinalExpr:
			if v.N < 1 || v.N > len(left) {
				return nil, errors.Errorf("term out of range: %d", v.N)
			}
			name = left[v.N-1]
		case ColumnExpr:
			name = v.Ref.Name
		default:
			name = strings.ToLower(ExprSQL(ob.Expr))
		}
		if !slices.Contains(left, name) {
			return nil, errors.Errorf("ORDER BY term does not match any column in the result set: %s", name)
		}
		out.OrderBy[i] = OrderBy{Expr: ColumnExpr{Ref: ColumnRef{Name: name}}, Desc: ob.Desc}
	}
	if out.Limit, err = p.qualifyExpr(q.Limit, sc, nil); err != nil {
		return nil, err
	}
	if out.Offset, err = p.qualifyExpr(q.Offset, sc, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// qualifyExpr resolves every column of e: source columns along the scope
// chain first, then result aliases.
func (p *pass) qualifyExpr(e Expr, sc *scope, aliases map[string]Expr) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	var firstErr error
	rw := rewriter{
		expr: func(n Expr) Expr {
			if firstErr != nil {
				return n
			}
			switch v := n.(type) {
			case StarExpr:
				firstErr = errors.New("unexpected * in expression")
			case ColumnExpr:
				ref, found, err := sc.resolve(v.Ref)
				if err != nil {
					firstErr = err
					return n
				}
				if found {
					return ColumnExpr{Ref: ref}
				}
				if v.Ref.Table == "" {
					if alias, ok := aliases[v.Ref.Name]; ok {
						return alias
					}
				}
				firstErr = errors.Errorf("no such column: %s", v.Ref)
			}
			return n
		},
		query: func(q Query) Query {
			if firstErr != nil {
				return q
			}
			out, err := p.qualifyQuery(q, sc)
			if err != nil {
				firstErr = err
				return q
			}
			return out
		},
	}
	out := rw.apply(e)
	return out, firstErr
}

