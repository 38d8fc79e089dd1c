package canon

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexam/internal/db"
	"sqlexam/internal/schema"
)

const hrDDL = `
CREATE TABLE departments (dept_id INTEGER PRIMARY KEY, dept_name TEXT, location TEXT);
CREATE TABLE employees (
	emp_id INTEGER PRIMARY KEY,
	first_name TEXT,
	last_name TEXT,
	dept_id INTEGER REFERENCES departments(dept_id),
	hire_date DATE,
	salary REAL
);
CREATE TABLE projects (proj_id INTEGER PRIMARY KEY, proj_name TEXT, dept_id INTEGER REFERENCES departments(dept_id), budget REAL);
CREATE TABLE assignments (
	emp_id INTEGER REFERENCES employees(emp_id),
	proj_id INTEGER REFERENCES projects(proj_id),
	role TEXT,
	hours_per_week INTEGER,
	PRIMARY KEY (emp_id, proj_id)
);
CREATE TABLE locations (location TEXT PRIMARY KEY, country TEXT);
`

func hrSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := db.LoadSchema(context.Background(), hrDDL)
	require.NoError(t, err)
	return s
}

func mustCanonicalize(t *testing.T, s *schema.Schema, sql string) *Canonical {
	t.Helper()
	c, err := Canonicalize(sql, s)
	require.NoError(t, err, sql)
	return c
}

func TestCanonicalSQL(t *testing.T) {
	s := hrSchema(t)
	cases := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "aliases stripped",
			sql:  "SELECT e.salary AS s FROM employees AS e WHERE e.dept_id = 10",
			want: "SELECT employees.salary FROM employees WHERE employees.dept_id = 10",
		},
		{
			name: "star expanded",
			sql:  "SELECT * FROM departments",
			want: "SELECT departments.dept_id, departments.dept_name, departments.location FROM departments",
		},
		{
			name: "count forms",
			sql:  "SELECT COUNT(1) FROM projects",
			want: "SELECT COUNT(*) FROM projects",
		},
		{
			name: "self join",
			sql:  "SELECT a.first_name, b.first_name FROM employees a JOIN employees b ON a.emp_id = b.emp_id",
			want: "SELECT employees.first_name, employees_2.first_name FROM employees JOIN employees AS employees_2 ON employees.emp_id = employees_2.emp_id",
		},
		{
			name: "correlated subquery",
			sql:  "SELECT e.first_name FROM employees e WHERE e.salary > (SELECT AVG(x.salary) FROM employees x WHERE x.dept_id = e.dept_id)",
			want: "SELECT employees.first_name FROM employees WHERE employees.salary > (SELECT AVG(employees_2.salary) FROM employees AS employees_2 WHERE employees_2.dept_id = employees.dept_id)",
		},
		{
			name: "cte inlined",
			sql:  "WITH hb AS (SELECT proj_id, budget FROM projects WHERE budget > 100000) SELECT proj_id FROM hb",
			want: "SELECT projects.proj_id FROM projects WHERE projects.budget > 100000",
		},
		{
			name: "derived table merged",
			sql:  "SELECT l.country FROM (SELECT * FROM locations) l",
			want: "SELECT locations.country FROM locations",
		},
		{
			name: "aggregate derived table kept",
			sql:  "SELECT d.n FROM (SELECT dept_id, COUNT(*) AS n FROM employees GROUP BY dept_id) AS d WHERE d.n > 2",
			want: "SELECT _d1._c1 FROM (SELECT COUNT(*) FROM employees GROUP BY employees.dept_id) AS _d1 WHERE _d1._c1 > 2",
		},
		{
			name: "group by ordinal becomes distinct",
			sql:  "SELECT dept_id FROM employees GROUP BY 1",
			want: "SELECT DISTINCT employees.dept_id FROM employees",
		},
		{
			name: "redundant left join removed",
			sql:  "SELECT e.first_name FROM employees e LEFT JOIN departments d ON e.dept_id = d.dept_id",
			want: "SELECT employees.first_name FROM employees",
		},
		{
			name: "constants folded",
			sql:  "SELECT first_name FROM employees WHERE 100 < salary AND 1 = 1 AND dept_id IN (3)",
			want: "SELECT employees.first_name FROM employees WHERE employees.salary > 100 AND employees.dept_id = 3",
		},
		{
			name: "double negation",
			sql:  "SELECT first_name FROM employees WHERE NOT NOT (salary > 5)",
			want: "SELECT employees.first_name FROM employees WHERE employees.salary > 5",
		},
		{
			name: "exists unnested",
			sql:  "SELECT d.dept_name FROM departments d WHERE EXISTS (SELECT 1 FROM employees e WHERE e.dept_id = d.dept_id AND e.salary > 5000)",
			want: "SELECT departments.dept_name FROM departments WHERE departments.dept_id IN (SELECT employees.dept_id FROM employees WHERE employees.salary > 5000)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mustCanonicalize(t, s, tc.sql)
			assert.Equal(t, tc.want, got.SQL)
			assert.Empty(t, got.OrderKeys)
		})
	}
}

func TestGroupByKeptWithNestedAggregate(t *testing.T) {
	s := hrSchema(t)
	out := mustCanonicalize(t, s, "SELECT dept_id FROM employees WHERE salary > (SELECT AVG(salary) FROM employees) GROUP BY dept_id")
	assert.Contains(t, out.SQL, "GROUP BY employees.dept_id")
	assert.NotContains(t, out.SQL, "DISTINCT")

	plain := mustCanonicalize(t, s, "SELECT dept_id FROM employees WHERE salary > 100 GROUP BY dept_id")
	assert.Equal(t, "SELECT DISTINCT employees.dept_id FROM employees WHERE employees.salary > 100", plain.SQL)
}

func TestCanonicalizeSameForm(t *testing.T) {
	s := hrSchema(t)
	pairs := [][2]string{
		{
			"SELECT * FROM employees JOIN departments USING (dept_id)",
			"SELECT e.emp_id, e.first_name, e.last_name, e.dept_id, e.hire_date, e.salary, d.dept_name, d.location FROM employees e JOIN departments d ON e.dept_id = d.dept_id",
		},
		{
			"SELECT e.first_name FROM employees e JOIN departments d ON e.dept_id = d.dept_id",
			"SELECT employees.first_name FROM departments JOIN employees ON departments.dept_id = employees.dept_id",
		},
		{
			"SELECT d.dept_name FROM departments d WHERE EXISTS (SELECT 1 FROM employees e WHERE e.dept_id = d.dept_id AND e.salary > 5000)",
			"SELECT dept_name FROM departments WHERE dept_id IN (SELECT dept_id FROM employees WHERE salary > 5000)",
		},
		{
			"SELECT first_name FROM employees WHERE salary > 10",
			"SELECT FIRST_NAME FROM EMPLOYEES WHERE 10 < SALARY",
		},
	}
	for _, pair := range pairs {
		a := mustCanonicalize(t, s, pair[0])
		b := mustCanonicalize(t, s, pair[1])
		assert.Equal(t, a.SQL, b.SQL, pair[0])
		assert.Equal(t, a.Tree.String(), b.Tree.String(), pair[0])
	}
}

func TestOrderKeys(t *testing.T) {
	s := hrSchema(t)
	got := mustCanonicalize(t, s, "SELECT e.salary FROM employees e WHERE e.dept_id = 10 ORDER BY e.hire_date DESC")
	assert.Equal(t, "SELECT employees.salary FROM employees WHERE employees.dept_id = 10", got.SQL)
	assert.Equal(t, []string{"employees.hire_date DESC"}, got.OrderKeys)

	asc := mustCanonicalize(t, s, "SELECT salary FROM employees ORDER BY hire_date")
	assert.Equal(t, []string{"employees.hire_date"}, asc.OrderKeys)

	union := mustCanonicalize(t, s, "SELECT dept_id FROM employees UNION SELECT dept_id FROM departments ORDER BY 1")
	assert.Equal(t, []string{"dept_id"}, union.OrderKeys)
	assert.Equal(t, "SELECT employees.dept_id FROM employees UNION SELECT departments.dept_id FROM departments", union.SQL)
}

func TestQuotingRetry(t *testing.T) {
	s := hrSchema(t)
	bracket := mustCanonicalize(t, s, "SELECT [first_name] FROM [employees]")
	assert.Equal(t, "SELECT employees.first_name FROM employees", bracket.SQL)

	backtick := mustCanonicalize(t, s, "SELECT `first_name` FROM `employees`")
	assert.Equal(t, bracket.SQL, backtick.SQL)

	quoted := mustCanonicalize(t, s, `SELECT first_name FROM employees WHERE last_name = "Smith"`)
	assert.Equal(t, "SELECT employees.first_name FROM employees WHERE employees.last_name = 'Smith'", quoted.SQL)
}

func TestStripQuoting(t *testing.T) {
	cases := map[string]string{
		"SELECT [a] FROM [t]":         "SELECT a FROM t",
		"SELECT `a` FROM `t`":         "SELECT a FROM t",
		"SELECT '[x]' FROM t":         "SELECT '[x]' FROM t",
		"SELECT 'it''s `q`' FROM [t]": "SELECT 'it''s `q`' FROM t",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripQuoting(in), in)
	}
}

func TestNotComparable(t *testing.T) {
	s := hrSchema(t)
	cases := []struct {
		sql   string
		stage string
	}{
		{sql: "DELETE FROM employees", stage: StageParse},
		{sql: "SELECT FROM WHERE", stage: StageParse},
		{sql: "SELECT nope FROM employees", stage: StageQualify},
		{sql: "SELECT * FROM missing", stage: StageQualify},
		{sql: "SELECT dept_id FROM employees JOIN departments ON 1 = 1", stage: StageQualify},
	}
	for _, tc := range cases {
		_, err := Canonicalize(tc.sql, s)
		require.Error(t, err, tc.sql)
		assert.True(t, errors.Is(err, ErrNotComparable), tc.sql)
		var nc *NotComparableError
		require.True(t, errors.As(err, &nc), tc.sql)
		assert.Equal(t, tc.stage, nc.Stage, tc.sql)
	}
}

func TestRuleSelection(t *testing.T) {
	s := hrSchema(t)
	_, err := New(s, Options{Rules: []string{"bogus"}})
	require.Error(t, err)

	_, err = New(nil, Options{})
	require.Error(t, err)

	c, err := New(s, Options{Rules: []string{RuleSimplify}})
	require.NoError(t, err)
	got, err := c.Canonicalize("WITH hb AS (SELECT proj_id, budget FROM projects WHERE budget > 100000) SELECT proj_id FROM hb")
	require.NoError(t, err)
	assert.Contains(t, got.SQL, "WITH hb(proj_id, budget) AS (")
	assert.Contains(t, got.SQL, "FROM hb")

	assert.Contains(t, RuleNames(), RuleQualify)
	assert.Contains(t, RuleNames(), RuleEliminateJoins)
}

func TestCanonicalizerCache(t *testing.T) {
	s := hrSchema(t)
	c, err := New(s, Options{CacheSize: 4})
	require.NoError(t, err)
	first, err := c.Canonicalize("SELECT first_name FROM employees")
	require.NoError(t, err)
	second, err := c.Canonicalize("SELECT first_name FROM employees")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = c.Canonicalize("SELECT nope FROM employees")
	require.Error(t, err)
	_, again := c.Canonicalize("SELECT nope FROM employees")
	assert.Equal(t, err, again)
}

func TestTreeShape(t *testing.T) {
	s := hrSchema(t)
	got := mustCanonicalize(t, s, "SELECT COUNT(*) FROM projects WHERE budget IS NULL")
	assert.Equal(t,
		"(select (items (func:count star)) (from table:projects) (where (is_null:NULL column:projects.budget)))",
		got.Tree.String())
	root := got.Tree.Node(0)
	assert.Equal(t, -1, root.Parent)
	for i := 1; i < got.Tree.Len(); i++ {
		n := got.Tree.Node(i)
		assert.Equal(t, i, got.Tree.Node(n.Parent).Children[n.Index])
	}
	assert.Len(t, got.Tree.Subtree(0), got.Tree.Len())
}

func TestLiterals(t *testing.T) {
	got := Literals("SELECT name FROM t WHERE a = -5 AND b = 'x' AND c IN (1, 2, 'x') AND d = 2.5 AND e IS NULL")
	assert.Equal(t, []any{int64(-5), "x", int64(1), int64(2), 2.5}, got)
	assert.Nil(t, Literals("not sql at all"))
}
