package oracle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexam/internal/db"
	"sqlexam/internal/instance"
	"sqlexam/internal/schema"
	"sqlexam/internal/telemetry"
)

const shopDDL = `
CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, city TEXT);
CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), total REAL);
`

func loadSchema(t *testing.T, ddl string) *schema.Schema {
	t.Helper()
	s, err := db.LoadSchema(context.Background(), ddl)
	require.NoError(t, err)
	return s
}

func newTester(t *testing.T, opts Options) *Differential {
	t.Helper()
	if opts.Seed == 0 {
		opts.Seed = 17
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.StatementTimeout == 0 {
		opts.StatementTimeout = 5 * time.Second
	}
	opts.RoundScale = 6
	return NewDifferential(instance.New(t.TempDir()), opts, telemetry.New(true))
}

func TestEstimateIdenticalQueries(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	q := "SELECT c.name, o.total FROM customers c JOIN orders o ON o.customer_id = c.id"
	est, err := d.Estimate(context.Background(), s, q, q, 6, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, est.Ratio)
	assert.Equal(t, 6, est.Completed)
	assert.Equal(t, 6, est.Counts[OutcomeMatch])
	assert.True(t, est.Equivalent())
	assert.Empty(t, est.Witness)
	for i, out := range est.Outcomes {
		assert.Equal(t, i, out.Trial)
		assert.Equal(t, d.Store().Path(s.ID(), i), out.Path)
		assert.False(t, out.Reused)
	}

	again, err := d.Estimate(context.Background(), s, q, q, 6, 10)
	require.NoError(t, err)
	for _, out := range again.Outcomes {
		assert.True(t, out.Reused)
	}
}

func TestEstimateEquivalentRewrites(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	est, err := d.Estimate(context.Background(), s,
		"SELECT name FROM customers WHERE id IN (SELECT customer_id FROM orders)",
		"SELECT name FROM customers c WHERE EXISTS (SELECT 1 FROM orders o WHERE o.customer_id = c.id)",
		5, 15)
	require.NoError(t, err)
	assert.Equal(t, 1.0, est.Ratio)
}

func TestEstimateDetectsFilter(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	est, err := d.Estimate(context.Background(), s,
		"SELECT id FROM orders",
		"SELECT id FROM orders WHERE total > 500000",
		5, 20)
	require.NoError(t, err)
	assert.Less(t, est.Ratio, 1.0)
	assert.False(t, est.Equivalent())
	assert.NotEmpty(t, est.Witness)
	assert.Positive(t, est.Counts[OutcomeMismatch])
}

func TestEstimateRejectsWrites(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	est, err := d.Estimate(context.Background(), s, "SELECT id FROM orders", "DELETE FROM orders", 3, 5)
	require.NoError(t, err)
	assert.Zero(t, est.Ratio)
	assert.Equal(t, 3, est.Counts[OutcomeError])
	assert.Equal(t, 3, est.Completed)
}

func TestEstimateQueryError(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	est, err := d.Estimate(context.Background(), s, "SELECT id FROM orders", "SELECT missing FROM orders", 2, 5)
	require.NoError(t, err)
	assert.Zero(t, est.Ratio)
	assert.Equal(t, 2, est.Counts[OutcomeError])
	assert.Error(t, est.Outcomes[0].Err)
}

func TestEstimateTimeout(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{StatementTimeout: 50 * time.Millisecond, Workers: 1})
	endless := "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c"
	est, err := d.Estimate(context.Background(), s, "SELECT 1", endless, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, est.Outcomes[0].Outcome)
	assert.Zero(t, est.Ratio)
}

func TestEstimateNoInstances(t *testing.T) {
	s := loadSchema(t, `CREATE TABLE flags (id INTEGER PRIMARY KEY, state BOOLEAN UNIQUE);`)
	d := newTester(t, Options{InstanceRetries: 2})
	est, err := d.Estimate(context.Background(), s, "SELECT * FROM flags", "SELECT * FROM flags", 2, 10)
	require.ErrorIs(t, err, ErrNoInstances)
	assert.Equal(t, 2, est.Counts[OutcomeSkipped])
	for _, out := range est.Outcomes {
		assert.Equal(t, 2, out.Rebuilds)
		assert.True(t, IsExhaustedErr(out.Err))
	}
	paths, err := d.Store().List(s.ID())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEstimateCancelled(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Estimate(ctx, s, "SELECT 1", "SELECT 1", 3, 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEstimateLiteralHintsUseSeparateCache(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{LiteralHints: true, HintPercent: 50})
	est, err := d.Estimate(context.Background(), s,
		"SELECT id FROM orders WHERE total >= 100",
		"SELECT id FROM orders WHERE total > 100",
		4, 20)
	require.NoError(t, err)
	assert.Less(t, est.Ratio, 1.0)
	assert.NotEqual(t, filepath.Dir(d.Store().Path(s.ID(), 0)), filepath.Dir(est.Outcomes[0].Path))
}

func TestCompareOnDatabase(t *testing.T) {
	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{})
	path := filepath.Join(t.TempDir(), "dev.sqlite")
	handle, err := db.CreateDatabase(context.Background(), path, s.DDL)
	require.NoError(t, err)
	require.NoError(t, handle.ExecScript(context.Background(), `
INSERT INTO customers VALUES (1, 'ann', 'NYC'), (2, 'bob', 'LA');
INSERT INTO orders VALUES (1, 1, 50), (2, 2, 150);`))
	require.NoError(t, handle.Close())

	out, err := d.CompareOnDatabase(context.Background(), path,
		"SELECT name FROM customers ORDER BY name",
		"SELECT name FROM customers ORDER BY name DESC")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatch, out.Outcome)

	out, err = d.CompareOnDatabase(context.Background(), path,
		"SELECT id FROM orders WHERE total > 100",
		"SELECT id FROM orders")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, out.Outcome)
	assert.Equal(t, int64(1), out.A.Count)
	assert.Equal(t, int64(2), out.B.Count)
	assert.True(t, out.ShapeMismatch)

	out, err = d.CompareOnDatabase(context.Background(), path,
		"SELECT name FROM customers WHERE id = 1",
		"SELECT name FROM customers WHERE id = 2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, out.Outcome)
	assert.False(t, out.ShapeMismatch)

	_, err = d.CompareOnDatabase(context.Background(), filepath.Join(t.TempDir(), "missing.sqlite"), "SELECT 1", "SELECT 1")
	assert.Error(t, err)
}

func TestInstanceKey(t *testing.T) {
	assert.Equal(t, "abc", InstanceKey("abc", 0))
	assert.Equal(t, "abc", InstanceKey("abc", -3))
	assert.Equal(t, "abc-n25", InstanceKey("abc", 25))

	s := loadSchema(t, shopDDL)
	d := newTester(t, Options{NullPercent: 40})
	key, hints := d.cacheKey(s, "SELECT name FROM customers", "SELECT city FROM customers")
	assert.Equal(t, s.ID()+"-n40", key)
	assert.Nil(t, hints)
}

func TestTrialSeed(t *testing.T) {
	a := TrialSeed(7, 0, 0)
	assert.Equal(t, a, TrialSeed(7, 0, 0))
	assert.NotEqual(t, a, TrialSeed(7, 1, 0))
	assert.NotEqual(t, a, TrialSeed(7, 0, 1))
	assert.NotEqual(t, a, TrialSeed(8, 0, 0))
	assert.Positive(t, a)
}

func TestSummarize(t *testing.T) {
	est, err := summarize([]TrialOutcome{
		{Trial: 0, Outcome: OutcomeMatch, Path: "a"},
		{Trial: 1, Outcome: OutcomeSkipped},
		{Trial: 2, Outcome: OutcomeTimeout, Path: "c"},
		{Trial: 3, Outcome: OutcomeMismatch, Path: "d"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, est.Completed)
	assert.InDelta(t, 1.0/3.0, est.Ratio, 1e-12)
	assert.Equal(t, "c", est.Witness)

	_, err = summarize([]TrialOutcome{{Outcome: OutcomeSkipped}})
	assert.ErrorIs(t, err, ErrNoInstances)
}
