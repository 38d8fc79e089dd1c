package canon

import (
	"math"
	"strings"
)

var mirrorOps = map[string]string{
	"=":  "=",
	"<>": "<>",
	"IS": "IS",
	"<":  ">",
	"<=": ">=",
	">":  "<",
	">=": "<=",
}

var negatedOps = map[string]string{
	"=":  "<>",
	"<>": "=",
	"<":  ">=",
	"<=": ">",
	">":  "<=",
	">=": "<",
}

// simplify folds constants and normalizes boolean structure in every
// expression of q.
func simplify(_ *pass, q Query) (Query, error) {
	return deepRewrite(q, simplifyExpr), nil
}

func simplifyExpr(e Expr) Expr {
	switch v := e.(type) {
	case UnaryExpr:
		return simplifyUnary(v)
	case BinaryExpr:
		return simplifyBinary(v)
	case LogicalExpr:
		return simplifyLogical(v)
	case InExpr:
		if len(v.List) == 1 {
			op := "="
			if v.Not {
				op = "<>"
			}
			return simplifyBinary(BinaryExpr{Left: v.Left, Op: op, Right: v.List[0]})
		}
	}
	return e
}

func simplifyUnary(e UnaryExpr) Expr {
	switch e.Op {
	case "-":
		if lit, ok := e.Expr.(LiteralExpr); ok {
			switch n := lit.Value.(type) {
			case int64:
				if n != math.MinInt64 {
					return LiteralExpr{Value: -n}
				}
			case float64:
				return LiteralExpr{Value: -n}
			}
		}
	case "+":
		if lit, ok := e.Expr.(LiteralExpr); ok && isNumber(lit.Value) {
			return lit
		}
	case "NOT":
		switch inner := e.Expr.(type) {
		case UnaryExpr:
			if inner.Op == "NOT" && isPredicate(inner.Expr) {
				return inner.Expr
			}
		case BinaryExpr:
			if op, ok := negatedOps[inner.Op]; ok {
				return BinaryExpr{Left: inner.Left, Op: op, Right: inner.Right}
			}
		case IsNullExpr:
			inner.Not = !inner.Not
			return inner
		case InExpr:
			inner.Not = !inner.Not
			return simplifyExpr(inner)
		case InSubqueryExpr:
			inner.Not = !inner.Not
			return inner
		case BetweenExpr:
			inner.Not = !inner.Not
			return inner
		case LikeExpr:
			inner.Not = !inner.Not
			return inner
		case ExistsExpr:
			inner.Not = !inner.Not
			return inner
		case LiteralExpr:
			if b, ok := truth(inner.Value); ok {
				return boolLiteral(!b)
			}
		}
	}
	return e
}

func simplifyBinary(e BinaryExpr) Expr {
	left, lok := e.Left.(LiteralExpr)
	right, rok := e.Right.(LiteralExpr)
	if lok && rok {
		if folded, ok := foldBinary(e.Op, left.Value, right.Value); ok {
			return folded
		}
		return e
	}
	if lok {
		if op, ok := mirrorOps[e.Op]; ok {
			return BinaryExpr{Left: e.Right, Op: op, Right: e.Left}
		}
	}
	return e
}

func simplifyLogical(e LogicalExpr) Expr {
	and := e.Op == "AND"
	var flat []Expr
	for _, t := range e.Terms {
		if inner, ok := t.(LogicalExpr); ok && inner.Op == e.Op {
			flat = append(flat, inner.Terms...)
			continue
		}
		flat = append(flat, t)
	}
	// Dropping constants changes the value outside boolean contexts.
	predicates := true
	for _, t := range flat {
		if _, lit := t.(LiteralExpr); !lit && !isPredicate(t) {
			predicates = false
		}
	}
	var terms []Expr
	seen := make(map[string]bool, len(flat))
	for _, t := range flat {
		if lit, ok := t.(LiteralExpr); ok && predicates {
			if b, ok := truth(lit.Value); ok {
				if b == and {
					continue
				}
				return boolLiteral(!and)
			}
		}
		key := ExprSQL(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, t)
	}
	switch len(terms) {
	case 0:
		return boolLiteral(and)
	case 1:
		if predicates {
			return terms[0]
		}
	}
	return LogicalExpr{Op: e.Op, Terms: terms}
}

// isPredicate reports whether e always evaluates to 0, 1 or NULL.
func isPredicate(e Expr) bool {
	switch v := e.(type) {
	case BinaryExpr:
		_, cmp := mirrorOps[v.Op]
		return cmp
	case LogicalExpr, InExpr, InSubqueryExpr, BetweenExpr, LikeExpr, IsNullExpr, ExistsExpr, CompareSubqueryExpr:
		return true
	case UnaryExpr:
		return v.Op == "NOT"
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func truth(v any) (bool, bool) {
	switch n := v.(type) {
	case int64:
		return n != 0, true
	case float64:
		return n != 0, true
	}
	return false, false
}

func boolLiteral(b bool) LiteralExpr {
	if b {
		return LiteralExpr{Value: int64(1)}
	}
	return LiteralExpr{Value: int64(0)}
}

// foldBinary evaluates an operator over two literals with SQLite semantics.
// Mixed-type comparisons are left alone.
func foldBinary(op string, l, r any) (Expr, bool) {
	if l == nil || r == nil {
		if op == "IS" {
			return boolLiteral(l == nil && r == nil), true
		}
		if _, cmp := mirrorOps[op]; cmp || op == "+" || op == "-" || op == "*" || op == "/" || op == "%" {
			return LiteralExpr{Value: nil}, true
		}
		return nil, false
	}
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		return foldInt(op, li, ri)
	}
	if isNumber(l) && isNumber(r) {
		return foldFloat(op, toFloat(l), toFloat(r))
	}
	ls, lStr := l.(string)
	rs, rStr := r.(string)
	if lStr && rStr {
		if c, ok := compare(op, strings.Compare(ls, rs)); ok {
			return boolLiteral(c), true
		}
	}
	return nil, false
}

func foldInt(op string, l, r int64) (Expr, bool) {
	switch op {
	case "+":
		sum := l + r
		if (sum > l) != (r > 0) {
			return nil, false
		}
		return LiteralExpr{Value: sum}, true
	case "-":
		diff := l - r
		if (diff < l) != (r > 0) {
			return nil, false
		}
		return LiteralExpr{Value: diff}, true
	case "*":
		if l != 0 && r != 0 {
			prod := l * r
			if prod/r != l || (l == -1 && r == math.MinInt64) || (r == -1 && l == math.MinInt64) {
				return nil, false
			}
			return LiteralExpr{Value: prod}, true
		}
		return LiteralExpr{Value: int64(0)}, true
	case "/":
		if r == 0 {
			return LiteralExpr{Value: nil}, true
		}
		if l == math.MinInt64 && r == -1 {
			return nil, false
		}
		return LiteralExpr{Value: l / r}, true
	case "%":
		if r == 0 {
			return LiteralExpr{Value: nil}, true
		}
		if r == -1 {
			return LiteralExpr{Value: int64(0)}, true
		}
		return LiteralExpr{Value: l % r}, true
	}
	c := 0
	switch {
	case l < r:
		c = -1
	case l > r:
		c = 1
	}
	if b, ok := compare(op, c); ok {
		return boolLiteral(b), true
	}
	return nil, false
}

func foldFloat(op string, l, r float64) (Expr, bool) {
	switch op {
	case "+":
		return LiteralExpr{Value: l + r}, true
	case "-":
		return LiteralExpr{Value: l - r}, true
	case "*":
		return LiteralExpr{Value: l * r}, true
	case "/":
		if r == 0 {
			return LiteralExpr{Value: nil}, true
		}
		return LiteralExpr{Value: l / r}, true
	}
	c := 0
	switch {
	case l < r:
		c = -1
	case l > r:
		c = 1
	}
	if b, ok := compare(op, c); ok {
		return boolLiteral(b), true
	}
	return nil, false
}

func compare(op string, c int) (bool, bool) {
	switch op {
	case "=", "IS":
		return c == 0, true
	case "<>":
		return c != 0, true
	case "<":
		return c < 0, true
	case "<=":
		return c <= 0, true
	case ">":
		return c > 0, true
	case ">=":
		return c >= 0, true
	}
	return false, false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
