package sqlexam

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexam/internal/config"
	"sqlexam/internal/db"
	"sqlexam/internal/schema"
)

const shopDDL = `
CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, city TEXT);
CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), amount REAL);
`

func newChecker(t *testing.T) *Checker {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Seed = 7
	cfg.Trials = 4
	cfg.RowsPerTable = 10
	cfg.Synth.LiteralHints = true
	cfg.Synth.HintPercent = 50
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func shopSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := LoadSchema(context.Background(), shopDDL)
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = ""
	_, err := New(cfg)
	require.Error(t, err)

	cfg.CacheDir = t.TempDir()
	cfg.Canon.Rules = []string{"reorder_everything"}
	_, err = New(cfg)
	require.Error(t, err)
}

func TestCheckSyntactic(t *testing.T) {
	c := newChecker(t)
	s := shopSchema(t)
	pairs := [][2]string{
		{
			"SELECT c.name FROM customers c JOIN orders o ON o.customer_id = c.id",
			"SELECT customers.name FROM orders JOIN customers ON customers.id = orders.customer_id",
		},
		{
			"SELECT name FROM customers WHERE id IN (SELECT customer_id FROM orders)",
			"SELECT name FROM customers c WHERE EXISTS (SELECT 1 FROM orders o WHERE o.customer_id = c.id)",
		},
	}
	for _, pair := range pairs {
		v, err := c.Check(context.Background(), s, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, v.Equivalent, pair[0])
		assert.Equal(t, MethodSyntactic, v.Method)
		assert.Equal(t, 1.0, v.Ratio)
		assert.Nil(t, v.Estimate)
	}

	lines, err := c.Metrics().Summary()
	require.NoError(t, err)
	assert.Contains(t, lines, "sqlexam_verdicts_total{method=syntactic,result=equivalent} 2")
}

func TestCheckStatisticalFallback(t *testing.T) {
	c := newChecker(t)
	s := shopSchema(t)

	v, err := c.Check(context.Background(), s,
		"SELECT name FROM customers WHERE city = 'Paris'",
		"SELECT name FROM customers")
	require.NoError(t, err)
	assert.False(t, v.Equivalent)
	assert.Equal(t, MethodStatistical, v.Method)
	assert.Less(t, v.Ratio, 1.0)
	require.NotNil(t, v.Estimate)
	assert.NotEmpty(t, v.Estimate.Witness)
	assert.Equal(t, "canonical forms differ", v.Reason)

	v, err = c.Check(context.Background(), s,
		"SELECT name FROM customers WHERE city IS NULL OR city IS NOT NULL",
		"SELECT name FROM customers")
	require.NoError(t, err)
	assert.True(t, v.Equivalent)
	assert.Equal(t, MethodStatistical, v.Method)
	assert.Equal(t, 1.0, v.Ratio)

	v, err = c.Check(context.Background(), s,
		"SELECT nope FROM customers",
		"SELECT name FROM customers")
	require.NoError(t, err)
	assert.Equal(t, MethodStatistical, v.Method)
	assert.Contains(t, v.Reason, "reference: ")
	assert.False(t, v.Equivalent)
}

func TestCheckColumnAndSetOpSwaps(t *testing.T) {
	c := newChecker(t)
	s := shopSchema(t)
	pairs := [][2]string{
		{"SELECT name FROM customers", "SELECT city FROM customers"},
		{"SELECT id FROM orders WHERE amount > 100", "SELECT id FROM orders WHERE id > 100"},
		{"SELECT SUM(amount) FROM orders", "SELECT SUM(id) FROM orders"},
		{
			"SELECT name FROM customers UNION SELECT name FROM customers",
			"SELECT name FROM customers EXCEPT SELECT name FROM customers",
		},
		{
			"SELECT name FROM customers UNION SELECT name FROM customers",
			"SELECT name FROM customers UNION ALL SELECT name FROM customers",
		},
	}
	for _, pair := range pairs {
		v, err := c.Check(context.Background(), s, pair[0], pair[1])
		require.NoError(t, err)
		assert.False(t, v.Equivalent, "%s\n%s", pair[0], pair[1])
		assert.Equal(t, MethodStatistical, v.Method, pair[1])
		assert.Equal(t, "canonical forms differ", v.Reason, pair[1])
	}
}

func TestEstimateEquivalence(t *testing.T) {
	c := newChecker(t)
	s := shopSchema(t)
	q := "SELECT c.name, o.amount FROM customers c JOIN orders o ON o.customer_id = c.id"
	ratio, err := c.EstimateEquivalence(context.Background(), s, q, q, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ratio)

	_, err = c.EstimateEquivalence(context.Background(), s, "DELETE FROM orders", q, 2, 5)
	require.NoError(t, err)
}

func TestSynthesizeAndReload(t *testing.T) {
	c := newChecker(t)
	s := shopSchema(t)
	ctx := context.Background()

	inst, err := c.Synthesize(ctx, s, 0)
	require.NoError(t, err)
	assert.FileExists(t, inst.Path)
	assert.Equal(t, c.Store().Path(s.ID(), 0), inst.Path)
	assert.GreaterOrEqual(t, inst.Stats.Rows["customers"], 10)

	again, err := c.Synthesize(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, inst.Path, again.Path)
	assert.Equal(t, inst.Seed, again.Seed)

	fromDB, err := LoadSchemaFromFile(ctx, inst.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, fromDB.TableNames())

	ddlPath := filepath.Join(t.TempDir(), "shop.sql")
	require.NoError(t, os.WriteFile(ddlPath, []byte(shopDDL), 0o644))
	fromDDL, err := LoadSchemaFromFile(ctx, ddlPath)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), fromDDL.ID())

	_, err = LoadSchemaFromFile(ctx, filepath.Join(t.TempDir(), "missing.sql"))
	require.Error(t, err)
}

func TestSynthesizeNullPercentAndPurge(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Seed = 9
	cfg.RowsPerTable = 6
	cfg.Synth.NullPercent = 100
	c, err := New(cfg)
	require.NoError(t, err)
	s := shopSchema(t)
	ctx := context.Background()

	inst, err := c.Synthesize(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, c.Store().Path(s.ID()+"-n100", 0), inst.Path)

	handle, err := db.OpenReadOnly(inst.Path)
	require.NoError(t, err)
	var cities int
	require.NoError(t, handle.QueryRow("SELECT COUNT(city) FROM customers").Scan(&cities))
	require.NoError(t, handle.Close())
	assert.Zero(t, cities)

	size, err := c.CacheSize(s)
	require.NoError(t, err)
	assert.Positive(t, size)

	require.NoError(t, c.Purge(s))
	assert.NoFileExists(t, inst.Path)
	size, err = c.CacheSize(s)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPackageLevelCanonicalize(t *testing.T) {
	s := shopSchema(t)
	a, err := Canonicalize("SELECT COUNT(1) FROM orders", s)
	require.NoError(t, err)
	b, err := Canonicalize("SELECT count(*) FROM orders o", s)
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", a.SQL)
	assert.True(t, Equivalent(a.Tree, a.OrderKeys, b.Tree, b.OrderKeys))
}
