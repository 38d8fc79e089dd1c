package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopDDL = `
CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, city TEXT);
CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), amount REAL);
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runIn(t, t.TempDir(), args...)
}

func runIn(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	schemaPath := filepath.Join(dir, "shop.sql")
	require.NoError(t, os.WriteFile(schemaPath, []byte(shopDDL), 0o644))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--schema", schemaPath, "--cache-dir", filepath.Join(dir, "cache"), "--seed", "3"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCanonCommand(t *testing.T) {
	out, err := run(t, "canon", "--tree", "SELECT c.name FROM customers c ORDER BY c.city DESC")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "SELECT customers.name FROM customers", lines[0])
	assert.Equal(t, "order: customers.city DESC", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "(select "))
}

func TestEquivCommand(t *testing.T) {
	out, err := run(t, "equiv",
		"SELECT COUNT(*) FROM orders",
		"SELECT COUNT(1) FROM orders o")
	require.NoError(t, err)
	assert.Contains(t, out, "equivalent: true")
	assert.Contains(t, out, "method: syntactic")
}

func TestEstimateAndSynthCommands(t *testing.T) {
	out, err := run(t, "estimate", "--trials", "2", "--rows", "5",
		"SELECT name FROM customers", "SELECT name FROM customers")
	require.NoError(t, err)
	assert.Contains(t, out, "ratio: 1.0000")
	assert.Contains(t, out, "outcomes: match=2")

	archive := filepath.Join(t.TempDir(), "instances.tar.zst")
	out, err = run(t, "synth", "--trials", "2", "--archive", archive)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out, "\n"))
	assert.Contains(t, out, "cache: ")
	assert.NotContains(t, out, "cache: 0 bytes")
	assert.FileExists(t, archive)
}

func TestPurgeCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := runIn(t, dir, "synth", "--trials", "1")
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	out, err := runIn(t, dir, "purge")
	require.NoError(t, err)
	assert.Equal(t, "purged "+entries[0].Name()+"\n", out)
	entries, err = os.ReadDir(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	out, err = runIn(t, dir, "synth", "--trials", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cache: ")
}

func TestMissingSchema(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--cache-dir", t.TempDir(), "canon", "SELECT 1"})
	require.Error(t, cmd.Execute())
}
