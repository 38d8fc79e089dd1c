// Package canon rewrites SQLite queries into a canonical logical tree so
// that equivalent formulations compare structurally.
package canon

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"sqlexam/internal/schema"
	"sqlexam/internal/util"
)

// ErrNotComparable marks queries the pipeline cannot canonicalize.
var ErrNotComparable = errors.New("query not comparable")

// Pipeline stages reported by NotComparableError.
const (
	StageParse     = "parse"
	StageQualify   = "qualify"
	StageOptimize  = "optimize"
	StageNormalize = "normalize"
)

const defaultCacheSize = 1024

// NotComparableError reports the stage that rejected a query.
type NotComparableError struct {
	Stage string
	Err   error
}

func (e *NotComparableError) Error() string {
	return fmt.Sprintf("not comparable at %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *NotComparableError) Unwrap() []error {
	return []error{ErrNotComparable, e.Err}
}

// Canonical is the canonical form of one query. Values are shared through
// the cache and must not be modified.
type Canonical struct {
	Tree *Tree
	// OrderKeys lists every ORDER BY term, outermost first.
	OrderKeys []string
	// SQL renders the canonical query for diagnostics.
	SQL string
}

// Options configures a Canonicalizer.
type Options struct {
	// Rules restricts the optimizer rules; empty selects all of them.
	Rules     []string
	CacheSize int
}

// Canonicalizer canonicalizes queries against one schema. It is safe for
// concurrent use.
type Canonicalizer struct {
	schema *schema.Schema
	rules  []rule
	cache  *lru.Cache[uint64, cached]
}

type cached struct {
	canonical *Canonical
	err       error
}

// New builds a canonicalizer bound to s.
func New(s *schema.Schema, opts Options) (*Canonicalizer, error) {
	if s == nil {
		return nil, errors.New("canon: nil schema")
	}
	rules, err := selectRules(opts.Rules)
	if err != nil {
		return nil, err
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[uint64, cached](size)
	if err != nil {
		return nil, errors.Wrap(err, "canon cache")
	}
	return &Canonicalizer{schema: s, rules: rules, cache: cache}, nil
}

// Canonicalize builds a throwaway canonicalizer with every rule enabled.
func Canonicalize(sql string, s *schema.Schema) (*Canonical, error) {
	c, err := New(s, Options{CacheSize: 1})
	if err != nil {
		return nil, err
	}
	return c.Canonicalize(sql)
}

// Canonicalize returns the canonical form of sql. Failures are
// *NotComparableError.
func (c *Canonicalizer) Canonicalize(sql string) (*Canonical, error) {
	key := xxhash.Sum64String(sql)
	if hit, ok := c.cache.Get(key); ok {
		return hit.canonical, hit.err
	}
	out, err := c.canonicalize(sql)
	c.cache.Add(key, cached{canonical: out, err: err})
	return out, err
}

func (c *Canonicalizer) canonicalize(sql string) (*Canonical, error) {
	p := &pass{schema: c.schema}
	q, err := c.prepare(p, sql, false)
	if err != nil {
		retry, retryErr := c.prepare(p, stripQuoting(sql), true)
		if retryErr != nil {
			util.Debugf("canon: retry without quoting failed: %v", retryErr)
			return nil, err
		}
		util.Debugf("canon: qualified after stripping quoting")
		q = retry
	}

	for _, r := range c.rules {
		if r.required {
			continue
		}
		if q, err = r.apply(p, q); err != nil {
			return nil, &NotComparableError{Stage: StageOptimize, Err: errors.Wrap(err, r.name)}
		}
	}

	q = normalizeCounts(q)
	q = groupByToDistinct(q)
	q = sortJoinPair(q)
	q = renameSources(q)
	keys, q := extractOrderKeys(q)
	q = stripAliases(q)
	return &Canonical{Tree: buildTree(q), OrderKeys: keys, SQL: QuerySQL(q)}, nil
}

// prepare parses, lowers and qualifies sql. fallback parses double-quoted
// tokens as strings.
func (c *Canonicalizer) prepare(p *pass, sql string, fallback bool) (Query, error) {
	stmt, err := parseQuery(sql, fallback)
	if err != nil {
		return nil, &NotComparableError{Stage: StageParse, Err: err}
	}
	q, err := lower(stmt)
	if err != nil {
		return nil, &NotComparableError{Stage: StageParse, Err: err}
	}
	for _, r := range c.rules {
		if !r.required {
			continue
		}
		if q, err = r.apply(p, q); err != nil {
			return nil, &NotComparableError{Stage: StageQualify, Err: errors.Wrap(err, r.name)}
		}
	}
	return q, nil
}

// Literals returns the distinct constants of sql in order of appearance,
// as int64, float64 or string. Unparseable input yields nil.
func Literals(sql string) []any {
	stmt, err := parseQuery(sql, false)
	if err != nil {
		if stmt, err = parseQuery(stripQuoting(sql), true); err != nil {
			return nil
		}
	}
	q, err := lower(stmt)
	if err != nil {
		return nil
	}
	q = deepRewrite(q, func(e Expr) Expr {
		if u, ok := e.(UnaryExpr); ok && (u.Op == "-" || u.Op == "+") {
			return simplifyUnary(u)
		}
		return e
	})
	var out []any
	seen := make(map[string]bool)
	visitQuery(q, nil, func(e Expr) {
		lit, ok := e.(LiteralExpr)
		if !ok || lit.Value == nil {
			return
		}
		key := fmt.Sprintf("%T:%v", lit.Value, lit.Value)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, lit.Value)
	})
	return out
}
