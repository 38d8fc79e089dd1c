package canon

import (
	"strings"
)

// Kind labels a tree node.
type Kind string

// Node kinds. Column and Table leaves carry names; Literal and Raw leaves
// carry constant text.
const (
	KindSelect   Kind = "select"
	KindSetOp    Kind = "setop"
	KindWith     Kind = "with"
	KindCTE      Kind = "cte"
	KindDistinct Kind = "distinct"
	KindItems    Kind = "items"
	KindFrom     Kind = "from"
	KindTable    Kind = "table"
	KindDerived  Kind = "derived"
	KindJoin     Kind = "join"
	KindWhere    Kind = "where"
	KindGroup    Kind = "group"
	KindHaving   Kind = "having"
	KindLimit    Kind = "limit"
	KindOffset   Kind = "offset"

	KindColumn     Kind = "column"
	KindLiteral    Kind = "literal"
	KindStar       Kind = "star"
	KindUnary      Kind = "unary"
	KindBinary     Kind = "binary"
	KindLogical    Kind = "logical"
	KindFunc       Kind = "func"
	KindCase       Kind = "case"
	KindWhen       Kind = "when"
	KindElse       Kind = "else"
	KindIn         Kind = "in"
	KindInQuery    Kind = "in_subquery"
	KindBetween    Kind = "between"
	KindLike       Kind = "like"
	KindIsNull     Kind = "is_null"
	KindSubquery   Kind = "subquery"
	KindExists     Kind = "exists"
	KindQuantified Kind = "quantified"
	KindCast       Kind = "cast"
	KindRaw        Kind = "raw"
)

// Node is one arena entry. Parent is -1 for the root; Index is the position
// among the parent's children.
type Node struct {
	Kind     Kind
	Value    string
	Parent   int
	Children []int
	Index    int
}

// Tree is an immutable arena of nodes; node 0 is the root.
type Tree struct {
	Nodes []Node
}

// Len returns the node count.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Node returns node i.
func (t *Tree) Node(i int) Node {
	return t.Nodes[i]
}

// Leaf reports whether node i has no children.
func (t *Tree) Leaf(i int) bool {
	return len(t.Nodes[i].Children) == 0
}

// Updatable reports whether a leaf may change value in place: names can,
// constants cannot.
func (t *Tree) Updatable(i int) bool {
	k := t.Nodes[i].Kind
	return k == KindColumn || k == KindTable
}

// Label renders a node as kind or kind:value.
func (t *Tree) Label(i int) string {
	n := t.Nodes[i]
	if n.Value == "" {
		return string(n.Kind)
	}
	return string(n.Kind) + ":" + n.Value
}

// String renders the tree as an s-expression.
func (t *Tree) String() string {
	if t == nil || len(t.Nodes) == 0 {
		return "()"
	}
	var b strings.Builder
	t.write(&b, 0)
	return b.String()
}

func (t *Tree) write(b *strings.Builder, i int) {
	n := t.Nodes[i]
	if len(n.Children) == 0 {
		b.WriteString(t.Label(i))
		return
	}
	b.WriteString("(")
	b.WriteString(t.Label(i))
	for _, c := range n.Children {
		b.WriteString(" ")
		t.write(b, c)
	}
	b.WriteString(")")
}

// Subtree lists i and all its descendants in pre-order.
func (t *Tree) Subtree(i int) []int {
	out := []int{i}
	for _, c := range t.Nodes[i].Children {
		out = append(out, t.Subtree(c)...)
	}
	return out
}

type treeBuilder struct {
	nodes []Node
}

func (b *treeBuilder) add(parent int, kind Kind, value string) int {
	id := len(b.nodes)
	n := Node{Kind: kind, Value: value, Parent: parent}
	if parent >= 0 {
		n.Index = len(b.nodes[parent].Children)
		b.nodes[parent].Children = append(b.nodes[parent].Children, id)
	}
	b.nodes = append(b.nodes, n)
	return id
}

// buildTree converts a canonical query into its arena tree.
func buildTree(q Query) *Tree {
	b := &treeBuilder{}
	b.query(-1, q)
	return &Tree{Nodes: b.nodes}
}

func (b *treeBuilder) query(parent int, q Query) int {
	switch v := q.(type) {
	case *SelectQuery:
		id := b.add(parent, KindSelect, "")
		b.with(id, v.With)
		if v.Distinct {
			b.add(id, KindDistinct, "")
		}
		items := b.add(id, KindItems, "")
		for _, item := range v.Items {
			b.expr(items, item.Expr)
		}
		if v.From != nil {
			from := b.add(id, KindFrom, "")
			b.source(from, v.From.Base)
			for _, j := range v.From.Joins {
				join := b.add(from, KindJoin, string(j.Type))
				b.source(join, j.Source)
				if j.On != nil {
					b.expr(join, j.On)
				}
			}
		}
		b.clause(id, KindWhere, v.Where)
		if len(v.GroupBy) > 0 {
			group := b.add(id, KindGroup, "")
			for _, e := range v.GroupBy {
				b.expr(group, e)
			}
		}
		b.clause(id, KindHaving, v.Having)
		b.clause(id, KindLimit, v.Limit)
		b.clause(id, KindOffset, v.Offset)
		return id
	case *SetOpQuery:
		id := b.add(parent, KindSetOp, string(v.Op))
		b.with(id, v.With)
		b.query(id, v.Left)
		b.query(id, v.Right)
		b.clause(id, KindLimit, v.Limit)
		b.clause(id, KindOffset, v.Offset)
		return id
	}
	return b.add(parent, KindRaw, QuerySQL(q))
}

func (b *treeBuilder) with(parent int, with []CTE) {
	if len(with) == 0 {
		return
	}
	id := b.add(parent, KindWith, "")
	for _, cte := range with {
		c := b.add(id, KindCTE, cte.Name+"("+strings.Join(cte.Columns, ",")+")")
		b.query(c, cte.Query)
	}
}

func (b *treeBuilder) clause(parent int, kind Kind, e Expr) {
	if e == nil {
		return
	}
	id := b.add(parent, kind, "")
	b.expr(id, e)
}

func (b *treeBuilder) source(parent int, src Source) {
	if src.Derived() {
		id := b.add(parent, KindDerived, src.ID)
		b.query(id, src.Query)
		return
	}
	b.add(parent, KindTable, src.ID)
}

func (b *treeBuilder) expr(parent int, e Expr) {
	switch v := e.(type) {
	case nil:
		b.add(parent, KindLiteral, "NULL")
	case ColumnExpr:
		b.add(parent, KindColumn, v.Ref.String())
	case LiteralExpr:
		b.add(parent, KindLiteral, formatLiteral(v.Value))
	case StarExpr:
		b.add(parent, KindStar, v.Table)
	case UnaryExpr:
		id := b.add(parent, KindUnary, v.Op)
		b.expr(id, v.Expr)
	case BinaryExpr:
		id := b.add(parent, KindBinary, v.Op)
		b.expr(id, v.Left)
		b.expr(id, v.Right)
	case LogicalExpr:
		id := b.add(parent, KindLogical, v.Op)
		for _, t := range v.Terms {
			b.expr(id, t)
		}
	case FuncExpr:
		value := v.Name
		if v.Distinct {
			value += " distinct"
		}
		id := b.add(parent, KindFunc, value)
		if v.Star {
			b.add(id, KindStar, "")
		}
		for _, arg := range v.Args {
			b.expr(id, arg)
		}
	case CaseExpr:
		id := b.add(parent, KindCase, "")
		if v.Operand != nil {
			b.expr(id, v.Operand)
		}
		for _, w := range v.Whens {
			when := b.add(id, KindWhen, "")
			b.expr(when, w.When)
			b.expr(when, w.Then)
		}
		if v.Else != nil {
			b.clause(id, KindElse, v.Else)
		}
	case InExpr:
		id := b.add(parent, KindIn, notValue(v.Not, "IN"))
		b.expr(id, v.Left)
		for _, item := range v.List {
			b.expr(id, item)
		}
	case InSubqueryExpr:
		id := b.add(parent, KindInQuery, notValue(v.Not, "IN"))
		b.expr(id, v.Left)
		b.query(id, v.Query)
	case BetweenExpr:
		id := b.add(parent, KindBetween, notValue(v.Not, "BETWEEN"))
		b.expr(id, v.Expr)
		b.expr(id, v.Low)
		b.expr(id, v.High)
	case LikeExpr:
		id := b.add(parent, KindLike, notValue(v.Not, v.Op))
		b.expr(id, v.Expr)
		b.expr(id, v.Pattern)
		if v.Escape != nil {
			b.expr(id, v.Escape)
		}
	case IsNullExpr:
		b.expr(b.add(parent, KindIsNull, notValue(v.Not, "NULL")), v.Expr)
	case SubqueryExpr:
		b.query(b.add(parent, KindSubquery, ""), v.Query)
	case ExistsExpr:
		b.query(b.add(parent, KindExists, notValue(v.Not, "EXISTS")), v.Query)
	case CompareSubqueryExpr:
		id := b.add(parent, KindQuantified, v.Op+" "+v.Quantifier)
		b.expr(id, v.Left)
		b.query(id, v.Query)
	case CastExpr:
		b.expr(b.add(parent, KindCast, v.Type), v.Expr)
	default:
		b.add(parent, KindRaw, ExprSQL(e))
	}
}

func notValue(not bool, s string) string {
	if not {
		return "NOT " + s
	}
	return s
}
