// Package sqlexam decides or estimates whether two SQLite queries return the
// same result over every database of a schema. A cheap syntactic check
// compares canonical query trees; when that is inconclusive the queries are
// run side by side over randomly synthesized databases.
package sqlexam

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"sqlexam/internal/canon"
	"sqlexam/internal/config"
	"sqlexam/internal/db"
	"sqlexam/internal/diff"
	"sqlexam/internal/instance"
	"sqlexam/internal/oracle"
	"sqlexam/internal/schema"
	"sqlexam/internal/synth"
	"sqlexam/internal/telemetry"
	"sqlexam/internal/util"
)

// Method names the path that produced a verdict.
type Method string

const (
	MethodSyntactic   Method = "syntactic"
	MethodStatistical Method = "statistical"
)

// Verdict is the result of Check.
type Verdict struct {
	Equivalent bool
	Method     Method
	// Ratio is 1 for a syntactic match, the match ratio otherwise.
	Ratio float64
	// Reason explains why the syntactic check was inconclusive.
	Reason   string
	Estimate *oracle.Estimate
}

// Checker runs equivalence checks with one configuration. It is safe for
// concurrent use.
type Checker struct {
	cfg     config.Config
	seed    int64
	store   *instance.Store
	diff    *oracle.Differential
	metrics *telemetry.Metrics
	canons  *xsync.MapOf[string, *canon.Canonicalizer]
}

// New builds a Checker. A zero seed is replaced by one taken from the clock.
func New(cfg config.Config) (*Checker, error) {
	if cfg.CacheDir == "" {
		return nil, errors.New("cache dir is required")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
		util.Infof("using seed %d", seed)
	}
	metrics := telemetry.New(cfg.Metrics.Enabled)
	store := instance.New(cfg.CacheDir)
	differential := oracle.NewDifferential(store, oracle.Options{
		Seed:             seed,
		Workers:          cfg.Workers,
		StatementTimeout: time.Duration(cfg.StatementTimeoutMs) * time.Millisecond,
		InstanceRetries:  cfg.InstanceRetries,
		UniqueAttempts:   cfg.Synth.UniqueAttempts,
		LiteralHints:     cfg.Synth.LiteralHints,
		HintPercent:      cfg.Synth.HintPercent,
		NullPercent:      cfg.Synth.NullPercent,
		RoundScale:       cfg.Signature.RoundScale,
	}, metrics)
	if err := canon.CheckRules(cfg.Canon.Rules); err != nil {
		return nil, err
	}
	return &Checker{
		cfg:     cfg,
		seed:    seed,
		store:   store,
		diff:    differential,
		metrics: metrics,
		canons:  xsync.NewMapOf[string, *canon.Canonicalizer](),
	}, nil
}

// Metrics returns the checker's instruments.
func (c *Checker) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Store returns the instance cache.
func (c *Checker) Store() *instance.Store {
	return c.store
}

// Seed returns the base seed trial seeds derive from.
func (c *Checker) Seed() int64 {
	return c.seed
}

// Synthesize returns the cached instance of trial for s, building it with
// the trial's seed when absent. A reused instance carries no stats.
func (c *Checker) Synthesize(ctx context.Context, s *schema.Schema, trial int) (*synth.Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "synthesize")
	}
	seed := oracle.TrialSeed(c.seed, trial, 0)
	key := c.instanceKey(s)
	var built *synth.Instance
	path, reused, err := c.store.GetOrBuild(ctx, key, trial, func(ctx context.Context, tmpPath string) error {
		inst, err := synth.New(synth.Options{
			Seed:           seed,
			UniqueAttempts: c.cfg.Synth.UniqueAttempts,
			NullPercent:    c.cfg.Synth.NullPercent,
		}).Synthesize(ctx, s, tmpPath, c.cfg.RowsPerTable)
		if err != nil {
			return err
		}
		built = inst
		return nil
	})
	if err != nil {
		c.metrics.Instances.With("failed").Inc()
		return nil, err
	}
	if reused {
		c.metrics.Instances.With("reused").Inc()
		return &synth.Instance{Path: path, SchemaID: s.ID(), Seed: seed}, nil
	}
	c.metrics.Instances.With("built").Inc()
	built.Path = path
	return built, nil
}

func (c *Checker) instanceKey(s *schema.Schema) string {
	return oracle.InstanceKey(s.ID(), c.cfg.Synth.NullPercent)
}

// Archive writes the instances Synthesize built for s to w as tar+zstd.
func (c *Checker) Archive(ctx context.Context, s *schema.Schema, w io.Writer) error {
	return c.store.Archive(ctx, c.instanceKey(s), w)
}

// CacheSize returns the bytes held by the instances Synthesize built for s.
func (c *Checker) CacheSize(s *schema.Schema) (int64, error) {
	return c.store.Size(c.instanceKey(s))
}

// Purge deletes the instances Synthesize built for s.
func (c *Checker) Purge(s *schema.Schema) error {
	return c.store.Purge(c.instanceKey(s))
}

// EstimateEquivalence returns the fraction of completed trials in which
// both queries produced the same result.
func (c *Checker) EstimateEquivalence(ctx context.Context, s *schema.Schema, a, b string, trials, rows int) (float64, error) {
	est, err := c.Estimate(ctx, s, a, b, trials, rows)
	if err != nil {
		return 0, err
	}
	return est.Ratio, nil
}

// Estimate is EstimateEquivalence with the per-trial detail.
func (c *Checker) Estimate(ctx context.Context, s *schema.Schema, a, b string, trials, rows int) (oracle.Estimate, error) {
	if trials <= 0 {
		trials = c.cfg.Trials
	}
	if rows <= 0 {
		rows = c.cfg.RowsPerTable
	}
	return c.diff.Estimate(ctx, s, a, b, trials, rows)
}

// CompareOnDatabase runs both queries once against an existing database.
func (c *Checker) CompareOnDatabase(ctx context.Context, path, a, b string) (oracle.TrialOutcome, error) {
	return c.diff.CompareOnDatabase(ctx, path, a, b)
}

// Canonicalize returns the canonical form of sql using the checker's rules
// and cache.
func (c *Checker) Canonicalize(sql string, s *schema.Schema) (*canon.Canonical, error) {
	cz, err := c.canonicalizer(s)
	if err != nil {
		return nil, err
	}
	out, err := cz.Canonicalize(sql)
	if err != nil {
		c.metrics.Canon.With("not_comparable").Inc()
		return nil, err
	}
	c.metrics.Canon.With("ok").Inc()
	return out, nil
}

func (c *Checker) canonicalizer(s *schema.Schema) (*canon.Canonicalizer, error) {
	key := s.ID()
	if cz, ok := c.canons.Load(key); ok {
		return cz, nil
	}
	cz, err := canon.New(s, canon.Options{Rules: c.cfg.Canon.Rules, CacheSize: c.cfg.Canon.CacheSize})
	if err != nil {
		return nil, err
	}
	actual, _ := c.canons.LoadOrStore(key, cz)
	return actual, nil
}

// Check compares a and b syntactically and falls back to the differential
// estimate when the canonical forms differ or cannot be built.
func (c *Checker) Check(ctx context.Context, s *schema.Schema, a, b string) (Verdict, error) {
	reason, err := c.syntactic(s, a, b)
	if err != nil {
		return Verdict{}, err
	}
	if reason == "" {
		c.metrics.Verdicts.With(string(MethodSyntactic), "equivalent").Inc()
		return Verdict{Equivalent: true, Method: MethodSyntactic, Ratio: 1}, nil
	}
	util.Debugf("syntactic check inconclusive: %s", reason)

	est, err := c.Estimate(ctx, s, a, b, c.cfg.Trials, c.cfg.RowsPerTable)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{
		Equivalent: est.Equivalent(),
		Method:     MethodStatistical,
		Ratio:      est.Ratio,
		Reason:     reason,
		Estimate:   &est,
	}
	result := "different"
	if v.Equivalent {
		result = "equivalent"
	}
	c.metrics.Verdicts.With(string(MethodStatistical), result).Inc()
	return v, nil
}

// syntactic returns an empty reason when the canonical trees match.
func (c *Checker) syntactic(s *schema.Schema, a, b string) (string, error) {
	ca, err := c.Canonicalize(a, s)
	if err != nil {
		if errors.Is(err, canon.ErrNotComparable) {
			return "reference: " + err.Error(), nil
		}
		return "", err
	}
	cb, err := c.Canonicalize(b, s)
	if err != nil {
		if errors.Is(err, canon.ErrNotComparable) {
			return "candidate: " + err.Error(), nil
		}
		return "", err
	}
	if !Equivalent(ca.Tree, ca.OrderKeys, cb.Tree, cb.OrderKeys) {
		return "canonical forms differ", nil
	}
	return "", nil
}

// Canonicalize returns the canonical form of sql with every rule enabled.
func Canonicalize(sql string, s *schema.Schema) (*canon.Canonical, error) {
	return canon.Canonicalize(sql, s)
}

// Equivalent reports whether two canonical forms denote the same query:
// identical order keys and a tree edit script without inserts or deletes.
func Equivalent(treeA *canon.Tree, orderA []string, treeB *canon.Tree, orderB []string) bool {
	return diff.Equivalent(treeA, orderA, treeB, orderB)
}

// LoadSchema builds a schema from DDL statements.
func LoadSchema(ctx context.Context, ddl string) (*schema.Schema, error) {
	return db.LoadSchema(ctx, ddl)
}

var sqliteMagic = []byte("SQLite format 3\x00")

// LoadSchemaFromFile reads a schema from a DDL script or an existing SQLite
// database file.
func LoadSchemaFromFile(ctx context.Context, path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema")
	}
	if !bytes.HasPrefix(data, sqliteMagic) {
		return db.LoadSchema(ctx, string(data))
	}
	handle, err := db.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer util.CloseWithErr(handle, "schema db")
	return db.ExtractSchema(ctx, handle)
}
