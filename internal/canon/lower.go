package canon

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pkg/errors"
)

// OrdinalExpr is a positional GROUP BY or ORDER BY reference, resolved
// during qualification.
type OrdinalExpr struct {
	N int
}

// Build emits the position.
func (e OrdinalExpr) Build(b *SQLBuilder) {
	b.Write(strconv.Itoa(e.N))
}

var unaryOps = map[opcode.Op]string{
	opcode.Not:    "NOT",
	opcode.Not2:   "NOT",
	opcode.Minus:  "-",
	opcode.Plus:   "+",
	opcode.BitNeg: "~",
}

var binaryOps = map[opcode.Op]string{
	opcode.EQ:         "=",
	opcode.NE:         "<>",
	opcode.LT:         "<",
	opcode.LE:         "<=",
	opcode.GT:         ">",
	opcode.GE:         ">=",
	opcode.NullEQ:     "IS",
	opcode.Plus:       "+",
	opcode.Minus:      "-",
	opcode.Mul:        "*",
	opcode.Div:        "/",
	opcode.Mod:        "%",
	opcode.And:        "&",
	opcode.Or:         "|",
	opcode.LeftShift:  "<<",
	opcode.RightShift: ">>",
}

var setOps = map[ast.SetOprType]SetOpType{
	ast.Union:        SetOpUnion,
	ast.UnionAll:     SetOpUnionAll,
	ast.Intersect:    SetOpIntersect,
	ast.IntersectAll: SetOpIntersectAll,
	ast.Except:       SetOpExcept,
	ast.ExceptAll:    SetOpExceptAll,
}

// lower converts a parsed statement into the logical IR.
func lower(stmt ast.Node) (Query, error) {
	switch n := stmt.(type) {
	case *ast.SelectStmt:
		return lowerSelect(n)
	case *ast.SetOprStmt:
		return lowerSetOpr(n)
	case *ast.SetOprSelectList:
		return lowerSelectList(n)
	default:
		return nil, errors.Errorf("unsupported query node %T", stmt)
	}
}

func lowerSelect(s *ast.SelectStmt) (Query, error) {
	if s.Fields == nil {
		return nil, errors.New("select without fields")
	}
	q := &SelectQuery{Distinct: s.Distinct}
	with, err := lowerWith(s.With)
	if err != nil {
		return nil, err
	}
	q.With = with
	for _, f := range s.Fields.Fields {
		if f.WildCard != nil {
			q.Items = append(q.Items, SelectItem{Expr: StarExpr{Table: f.WildCard.Table.L}})
			continue
		}
		e, err := lowerExpr(f.Expr)
		if err != nil {
			return nil, err
		}
		q.Items = append(q.Items, SelectItem{Expr: e, Alias: f.AsName.L})
	}
	if s.From != nil && s.From.TableRefs != nil {
		from, err := lowerFrom(s.From.TableRefs)
		if err != nil {
			return nil, err
		}
		q.From = from
	}
	if q.Where, err = lowerExpr(s.Where); err != nil {
		return nil, err
	}
	if s.GroupBy != nil {
		for _, item := range s.GroupBy.Items {
			e, err := lowerExpr(item.Expr)
			if err != nil {
				return nil, err
			}
			q.GroupBy = append(q.GroupBy, e)
		}
	}
	if s.Having != nil {
		if q.Having, err = lowerExpr(s.Having.Expr); err != nil {
			return nil, err
		}
	}
	if q.OrderBy, err = lowerOrderBy(s.OrderBy); err != nil {
		return nil, err
	}
	if q.Limit, q.Offset, err = lowerLimit(s.Limit); err != nil {
		return nil, err
	}
	return q, nil
}

func lowerSetOpr(s *ast.SetOprStmt) (Query, error) {
	if s.SelectList == nil {
		return nil, errors.New("empty set operation")
	}
	q, err := lowerSelectList(s.SelectList)
	if err != nil {
		return nil, err
	}
	with, err := lowerWith(s.With)
	if err != nil {
		return nil, err
	}
	orderBy, err := lowerOrderBy(s.OrderBy)
	if err != nil {
		return nil, err
	}
	limit, offset, err := lowerLimit(s.Limit)
	if err != nil {
		return nil, err
	}
	if len(with) == 0 && len(orderBy) == 0 && limit == nil {
		return q, nil
	}
	switch v := q.(type) {
	case *SetOpQuery:
		c := v.clone().(*SetOpQuery)
		c.With = append(with, c.With...)
		c.OrderBy = orderBy
		c.Limit, c.Offset = limit, offset
		return c, nil
	case *SelectQuery:
		c := v.Clone()
		c.With = append(with, c.With...)
		if len(orderBy) > 0 {
			c.OrderBy = orderBy
		}
		if limit != nil {
			c.Limit, c.Offset = limit, offset
		}
		return c, nil
	}
	return q, nil
}

// lowerSelectList folds the operands left to right.
func lowerSelectList(list *ast.SetOprSelectList) (Query, error) {
	var acc Query
	for i, node := range list.Selects {
		var (
			part  Query
			after *ast.SetOprType
			err   error
		)
		switch n := node.(type) {
		case *ast.SelectStmt:
			part, err = lowerSelect(n)
			after = n.AfterSetOperator
		case *ast.SetOprSelectList:
			part, err = lowerSelectList(n)
			after = n.AfterSetOperator
		default:
			return nil, errors.Errorf("unsupported set operand %T", node)
		}
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = part
			continue
		}
		if after == nil {
			return nil, errors.New("set operand without operator")
		}
		op, ok := setOps[*after]
		if !ok {
			return nil, errors.Errorf("unsupported set operator %v", *after)
		}
		acc = &SetOpQuery{Op: op, Left: acc, Right: part}
	}
	if acc == nil {
		return nil, errors.New("empty set operation")
	}
	if list.With != nil {
		with, err := lowerWith(list.With)
		if err != nil {
			return nil, err
		}
		switch v := acc.(type) {
		case *SetOpQuery:
			v.With = append(with, v.With...)
		case *SelectQuery:
			v.With = append(with, v.With...)
		}
	}
	return acc, nil
}

func lowerWith(with *ast.WithClause) ([]CTE, error) {
	if with == nil {
		return nil, nil
	}
	out := make([]CTE, 0, len(with.CTEs))
	for _, cte := range with.CTEs {
		if cte.Query == nil {
			return nil, errors.Errorf("cte %s without query", cte.Name.O)
		}
		q, err := lower(cte.Query.Query)
		if err != nil {
			return nil, errors.Wrapf(err, "cte %s", cte.Name.O)
		}
		cols := make([]string, 0, len(cte.ColNameList))
		for _, col := range cte.ColNameList {
			cols = append(cols, col.L)
		}
		out = append(out, CTE{
			Name:      cte.Name.L,
			Columns:   cols,
			Query:     q,
			Recursive: with.IsRecursive,
		})
	}
	return out, nil
}

func lowerOrderBy(clause *ast.OrderByClause) ([]OrderBy, error) {
	if clause == nil {
		return nil, nil
	}
	out := make([]OrderBy, 0, len(clause.Items))
	for _, item := range clause.Items {
		e, err := lowerExpr(item.Expr)
		if err != nil {
			return nil, err
		}
		out = append(out, OrderBy{Expr: e, Desc: item.Desc})
	}
	return out, nil
}

func lowerLimit(limit *ast.Limit) (Expr, Expr, error) {
	if limit == nil {
		return nil, nil, nil
	}
	count, err := lowerExpr(limit.Count)
	if err != nil {
		return nil, nil, err
	}
	offset, err := lowerExpr(limit.Offset)
	if err != nil {
		return nil, nil, err
	}
	return count, offset, nil
}

// lowerFrom flattens a left-deep join tree.
func lowerFrom(node ast.ResultSetNode) (*FromClause, error) {
	switch n := node.(type) {
	case *ast.Join:
		if n.Right == nil {
			return lowerFrom(n.Left)
		}
		from, err := lowerFrom(n.Left)
		if err != nil {
			return nil, err
		}
		src, err := lowerSource(n.Right)
		if err != nil {
			return nil, err
		}
		join := Join{Source: src, Natural: n.NaturalJoin}
		switch n.Tp {
		case ast.LeftJoin:
			join.Type = JoinLeft
		case ast.RightJoin:
			join.Type = JoinRight
		default:
			join.Type = JoinInner
		}
		if n.On != nil {
			if join.On, err = lowerExpr(n.On.Expr); err != nil {
				return nil, err
			}
		}
		for _, col := range n.Using {
			join.Using = append(join.Using, col.Name.L)
		}
		if join.Type == JoinInner && join.On == nil && len(join.Using) == 0 && !join.Natural {
			join.Type = JoinCross
		}
		from.Joins = append(from.Joins, join)
		return from, nil
	case *ast.TableSource:
		if inner, ok := n.Source.(*ast.Join); ok && n.AsName.L == "" {
			return lowerFrom(inner)
		}
		src, err := lowerSource(n)
		if err != nil {
			return nil, err
		}
		return &FromClause{Base: src}, nil
	default:
		return nil, errors.Errorf("unsupported FROM item %T", node)
	}
}

func lowerSource(node ast.ResultSetNode) (Source, error) {
	switch n := node.(type) {
	case *ast.Join:
		if n.Right == nil {
			return lowerSource(n.Left)
		}
		return Source{}, errors.New("nested join on the right side")
	case *ast.TableSource:
		alias := n.AsName.L
		switch src := n.Source.(type) {
		case *ast.TableName:
			name := src.Name.L
			id := alias
			if id == "" {
				id = name
			}
			return Source{ID: id, Table: name, Alias: alias}, nil
		case *ast.SelectStmt, *ast.SetOprStmt:
			q, err := lower(src)
			if err != nil {
				return Source{}, err
			}
			return Source{ID: alias, Query: q, Alias: alias}, nil
		case *ast.Join:
			if src.Right == nil && alias == "" {
				return lowerSource(src.Left)
			}
			return Source{}, errors.New("nested join on the right side")
		default:
			return Source{}, errors.Errorf("unsupported table source %T", n.Source)
		}
	default:
		return Source{}, errors.Errorf("unsupported FROM item %T", node)
	}
}

func lowerExprs(nodes []ast.ExprNode) ([]Expr, error) {
	out := make([]Expr, 0, len(nodes))
	for _, node := range nodes {
		e, err := lowerExpr(node)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func lowerSubquery(node ast.ExprNode) (Query, error) {
	sub, ok := node.(*ast.SubqueryExpr)
	if !ok || sub.Query == nil {
		return nil, errors.Errorf("expected subquery, got %T", node)
	}
	return lower(sub.Query)
}

func lowerExpr(node ast.ExprNode) (Expr, error) {
	if node == nil {
		return nil, nil
	}
	switch n := node.(type) {
	case *ast.ColumnNameExpr:
		return ColumnExpr{Ref: ColumnRef{Table: n.Name.Table.L, Name: n.Name.Name.L}}, nil
	case ast.ValueExpr:
		return LiteralExpr{Value: literalValue(n.GetValue())}, nil
	case *ast.ParenthesesExpr:
		return lowerExpr(n.Expr)
	case *ast.PositionExpr:
		if n.P != nil {
			return RawExpr{SQL: restoreNode(n)}, nil
		}
		return OrdinalExpr{N: n.N}, nil
	case *ast.UnaryOperationExpr:
		op, ok := unaryOps[n.Op]
		if !ok {
			return RawExpr{SQL: restoreNode(n)}, nil
		}
		inner, err := lowerExpr(n.V)
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: op, Expr: inner}, nil
	case *ast.BinaryOperationExpr:
		left, err := lowerExpr(n.L)
		if err != nil {
			return nil, err
		}
		right, err := lowerExpr(n.R)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case opcode.LogicAnd:
			return LogicalExpr{Op: "AND", Terms: []Expr{left, right}}, nil
		case opcode.LogicOr:
			return LogicalExpr{Op: "OR", Terms: []Expr{left, right}}, nil
		}
		op, ok := binaryOps[n.Op]
		if !ok {
			return RawExpr{SQL: restoreNode(n)}, nil
		}
		return BinaryExpr{Left: left, Op: op, Right: right}, nil
	case *ast.FuncCallExpr:
		args, err := lowerExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return FuncExpr{Name: n.FnName.L, Args: args}, nil
	case *ast.AggregateFuncExpr:
		args, err := lowerExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return FuncExpr{Name: strings.ToLower(n.F), Args: args, Distinct: n.Distinct}, nil
	case *ast.FuncCastExpr:
		inner, err := lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		return CastExpr{Expr: inner, Type: castType(restoreNode(n))}, nil
	case *ast.CaseExpr:
		operand, err := lowerExpr(n.Value)
		if err != nil {
			return nil, err
		}
		out := CaseExpr{Operand: operand}
		for _, w := range n.WhenClauses {
			when, err := lowerExpr(w.Expr)
			if err != nil {
				return nil, err
			}
			then, err := lowerExpr(w.Result)
			if err != nil {
				return nil, err
			}
			out.Whens = append(out.Whens, CaseWhen{When: when, Then: then})
		}
		if out.Else, err = lowerExpr(n.ElseClause); err != nil {
			return nil, err
		}
		return out, nil
	case *ast.PatternInExpr:
		left, err := lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		if n.Sel != nil {
			q, err := lowerSubquery(n.Sel)
			if err != nil {
				return nil, err
			}
			return InSubqueryExpr{Left: left, Query: q, Not: n.Not}, nil
		}
		list, err := lowerExprs(n.List)
		if err != nil {
			return nil, err
		}
		return InExpr{Left: left, List: list, Not: n.Not}, nil
	case *ast.BetweenExpr:
		parts, err := lowerExprs([]ast.ExprNode{n.Expr, n.Left, n.Right})
		if err != nil {
			return nil, err
		}
		return BetweenExpr{Expr: parts[0], Low: parts[1], High: parts[2], Not: n.Not}, nil
	case *ast.PatternLikeOrIlikeExpr:
		parts, err := lowerExprs([]ast.ExprNode{n.Expr, n.Pattern})
		if err != nil {
			return nil, err
		}
		out := LikeExpr{Expr: parts[0], Op: "LIKE", Pattern: parts[1], Not: n.Not}
		if n.Escape != 0 && n.Escape != '\\' {
			out.Escape = LiteralExpr{Value: string(rune(n.Escape))}
		}
		return out, nil
	case *ast.PatternRegexpExpr:
		parts, err := lowerExprs([]ast.ExprNode{n.Expr, n.Pattern})
		if err != nil {
			return nil, err
		}
		return LikeExpr{Expr: parts[0], Op: "REGEXP", Pattern: parts[1], Not: n.Not}, nil
	case *ast.IsNullExpr:
		inner, err := lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		return IsNullExpr{Expr: inner, Not: n.Not}, nil
	case *ast.SubqueryExpr:
		q, err := lower(n.Query)
		if err != nil {
			return nil, err
		}
		return SubqueryExpr{Query: q}, nil
	case *ast.ExistsSubqueryExpr:
		q, err := lowerSubquery(n.Sel)
		if err != nil {
			return nil, err
		}
		return ExistsExpr{Query: q, Not: n.Not}, nil
	case *ast.CompareSubqueryExpr:
		left, err := lowerExpr(n.L)
		if err != nil {
			return nil, err
		}
		q, err := lowerSubquery(n.R)
		if err != nil {
			return nil, err
		}
		op, ok := binaryOps[n.Op]
		if !ok {
			return nil, errors.Errorf("unsupported quantified operator %v", n.Op)
		}
		quant := "ANY"
		if n.All {
			quant = "ALL"
		}
		return CompareSubqueryExpr{Left: left, Op: op, Quantifier: quant, Query: q}, nil
	default:
		sql := restoreNode(node)
		if sql == "" {
			return nil, errors.Errorf("unsupported expression %T", node)
		}
		return RawExpr{SQL: sql}, nil
	}
}

// literalValue maps parser datums onto int64, float64, string or nil.
func literalValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case int64:
		return val
	case int:
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case float64:
		return val
	case float32:
		return float64(val)
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		text := val.String()
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		return text
	default:
		return fmt.Sprint(val)
	}
}

// castType extracts the target type from restored CAST text.
func castType(restored string) string {
	i := strings.LastIndex(strings.ToUpper(restored), " AS ")
	if i < 0 {
		return "UNKNOWN"
	}
	t := strings.TrimSpace(restored[i+4:])
	t = strings.TrimSuffix(t, ")")
	return strings.ToUpper(strings.TrimSpace(t))
}
