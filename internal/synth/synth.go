// Package synth populates database instances with random rows that respect
// the schema's foreign keys and uniqueness groups.
package synth

import (
	"context"
	"database/sql"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"sqlexam/internal/db"
	"sqlexam/internal/schema"
	"sqlexam/internal/util"
)

var (
	// ErrUniquenessExhausted reports a row whose uniqueness groups could not be
	// satisfied within the attempt budget. The instance must be discarded.
	ErrUniquenessExhausted = errors.New("uniqueness exhausted")
	// ErrInsertExhausted reports a row the database kept rejecting.
	ErrInsertExhausted = errors.New("row insert exhausted")
)

// DefaultUniqueAttempts bounds regeneration of colliding values.
const DefaultUniqueAttempts = 5

// Options configures a Synthesizer.
type Options struct {
	Seed           int64
	UniqueAttempts int
	// Hints are literal values that non-key columns take with HintPercent
	// probability when the type class fits.
	Hints       []any
	HintPercent int
	// NullPercent is the chance a nullable non-key column is left NULL.
	NullPercent int
}

// Synthesizer builds database instances. It holds no state between calls.
type Synthesizer struct {
	opts Options
}

// New returns a Synthesizer.
func New(opts Options) *Synthesizer {
	if opts.UniqueAttempts <= 0 {
		opts.UniqueAttempts = DefaultUniqueAttempts
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Synthesizer{opts: opts}
}

// Stats describes one synthesis run.
type Stats struct {
	// Rows counts inserted rows per table, including parents inserted on demand.
	Rows map[string]int
	// ParentRows counts rows inserted to satisfy a foreign key.
	ParentRows int
	// NullPlaceholders counts foreign keys left NULL because the parent table
	// was still being inserted further up the stack.
	NullPlaceholders int
	// Regenerations counts values regenerated after a uniqueness collision.
	Regenerations int
	// InsertRetries counts rows rebuilt after the database rejected them.
	InsertRetries int
	// MaxDepth is the deepest synthesis stack observed.
	MaxDepth int
}

// Instance is a populated database file.
type Instance struct {
	Path     string
	SchemaID string
	Seed     int64
	Stats    Stats
}

// Synthesize creates a database at path holding the schema plus rows rows per
// table. All rows are inserted in one transaction. On failure the partial
// file is removed.
func (s *Synthesizer) Synthesize(ctx context.Context, sch *schema.Schema, path string, rows int) (inst *Instance, err error) {
	if err := sch.Validate(); err != nil {
		return nil, errors.Wrap(err, "synthesize")
	}
	handle, err := db.CreateDatabase(ctx, path, sch.DDL)
	if err != nil {
		return nil, err
	}
	defer func() {
		util.CloseWithErr(handle, "instance db")
		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				util.Warnf("remove partial instance %s: %v", path, rmErr)
			}
		}
	}()

	tx, err := handle.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	r := newRun(ctx, sch, tx, s.opts)
	for _, name := range Order(sch) {
		ti := r.index[strings.ToLower(name)]
		for i := 0; i < rows; i++ {
			if err := ctx.Err(); err != nil {
				_ = tx.Rollback()
				return nil, err
			}
			if _, err := r.insertRow(ti); err != nil {
				_ = tx.Rollback()
				return nil, errors.Wrapf(err, "table %s", name)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return &Instance{Path: path, SchemaID: sch.ID(), Seed: s.opts.Seed, Stats: r.stats}, nil
}

// tableState is one arena slot: a table plus its in-progress flag and caches.
type tableState struct {
	table      *schema.Table
	inProgress bool
	stmt       *sql.Stmt
	rowID      bool
	// keys holds inserted values of columns that foreign keys reference.
	keys   map[string][]any
	groups []uniqueGroup
	nextID int64
}

type uniqueGroup struct {
	cols []int
	used map[string]struct{}
}

type run struct {
	ctx    context.Context
	tx     *sql.Tx
	gen    *valueGen
	limit  int
	tables []*tableState
	index  map[string]int
	// stack lists arena slots currently being inserted, innermost last.
	stack []int
	stats Stats
}

func newRun(ctx context.Context, sch *schema.Schema, tx *sql.Tx, opts Options) *run {
	r := &run{
		ctx: ctx,
		tx:  tx,
		gen: &valueGen{
			rng:         rand.New(rand.NewSource(opts.Seed)),
			hints:       opts.Hints,
			hintPercent: opts.HintPercent,
			nullPercent: opts.NullPercent,
		},
		limit: opts.UniqueAttempts,
		index: make(map[string]int, len(sch.Tables)),
		stats: Stats{Rows: make(map[string]int, len(sch.Tables))},
	}
	for i := range sch.Tables {
		tbl := &sch.Tables[i]
		st := &tableState{table: tbl, rowID: tbl.RowIDAlias(), keys: make(map[string][]any)}
		for _, group := range tbl.UniquenessGroups() {
			ug := uniqueGroup{used: make(map[string]struct{})}
			for _, col := range group {
				ug.cols = append(ug.cols, tbl.ColumnIndex(col))
			}
			st.groups = append(st.groups, ug)
		}
		r.index[strings.ToLower(tbl.Name)] = len(r.tables)
		r.tables = append(r.tables, st)
	}
	for _, tbl := range sch.Tables {
		for _, fk := range tbl.ForeignKeys {
			parent := r.tables[r.index[strings.ToLower(fk.RefTable)]]
			parent.keys[strings.ToLower(fk.RefColumn)] = nil
		}
	}
	for _, st := range r.tables {
		for _, pk := range st.table.PrimaryKey {
			if _, ok := st.keys[strings.ToLower(pk)]; !ok {
				st.keys[strings.ToLower(pk)] = nil
			}
		}
	}
	return r
}

// InProgress reports the tables currently on the synthesis stack.
func (r *run) InProgress() []string {
	names := make([]string, 0, len(r.stack))
	for _, ti := range r.stack {
		names = append(names, r.tables[ti].table.Name)
	}
	return names
}

func (r *run) push(ti int) {
	r.tables[ti].inProgress = true
	r.stack = append(r.stack, ti)
	if len(r.stack) > r.stats.MaxDepth {
		r.stats.MaxDepth = len(r.stack)
	}
}

func (r *run) pop(ti int) {
	r.stack = r.stack[:len(r.stack)-1]
	r.tables[ti].inProgress = false
}

// insertRow builds and inserts one row of table ti and returns the stored values.
func (r *run) insertRow(ti int) ([]any, error) {
	r.push(ti)
	defer r.pop(ti)
	st := r.tables[ti]
	if err := r.prepare(st); err != nil {
		return nil, err
	}

	res, err := bounded(r.limit, func(n int) ([]any, bool, error) {
		if n > 0 {
			r.stats.InsertRetries++
		}
		row, err := r.buildRow(st)
		if err != nil {
			return nil, false, err
		}
		if err := r.exec(st, row); err != nil {
			util.Debugf("insert into %s rejected: %v", st.table.Name, err)
			return row, false, nil
		}
		return row, true, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Exhausted {
		return nil, errors.Wrapf(ErrInsertExhausted, "after %d attempts", res.Tries)
	}
	r.record(st, res.Value)
	return res.Value, nil
}

func (r *run) prepare(st *tableState) error {
	if st.stmt != nil {
		return nil
	}
	cols := make([]string, len(st.table.Columns))
	marks := make([]string, len(st.table.Columns))
	for i, col := range st.table.Columns {
		cols[i] = db.QuoteIdent(col.Name)
		marks[i] = "?"
	}
	query := "INSERT INTO " + db.QuoteIdent(st.table.Name) + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	stmt, err := r.tx.PrepareContext(r.ctx, query)
	if err != nil {
		return errors.Wrapf(err, "prepare insert %s", st.table.Name)
	}
	st.stmt = stmt
	return nil
}

func (r *run) exec(st *tableState, row []any) error {
	res, err := st.stmt.ExecContext(r.ctx, row...)
	if err != nil {
		return err
	}
	if st.rowID {
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "last insert id")
		}
		row[st.table.ColumnIndex(st.table.PrimaryKey[0])] = id
	}
	return nil
}

// record registers an inserted row in the key caches and uniqueness sets.
func (r *run) record(st *tableState, row []any) {
	r.stats.Rows[st.table.Name]++
	for i, col := range st.table.Columns {
		key := strings.ToLower(col.Name)
		if cached, ok := st.keys[key]; ok && row[i] != nil {
			st.keys[key] = append(cached, row[i])
		}
	}
	for gi := range st.groups {
		if key, ok := tupleKey(row, st.groups[gi].cols); ok {
			st.groups[gi].used[key] = struct{}{}
		}
	}
}

// buildRow generates every column, then regenerates colliding uniqueness
// groups within the attempt budget.
func (r *run) buildRow(st *tableState) ([]any, error) {
	row := make([]any, len(st.table.Columns))
	for i := range st.table.Columns {
		v, err := r.columnValue(st, i)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	for gi := range st.groups {
		group := &st.groups[gi]
		res, err := bounded(r.limit, func(n int) ([]any, bool, error) {
			if n > 0 {
				r.stats.Regenerations++
				for _, ci := range group.cols {
					v, err := r.columnValue(st, ci)
					if err != nil {
						return nil, false, err
					}
					row[ci] = v
				}
			}
			key, ok := tupleKey(row, group.cols)
			if !ok {
				return row, true, nil
			}
			_, taken := group.used[key]
			return row, !taken, nil
		})
		if err != nil {
			return nil, err
		}
		if res.Exhausted {
			cols := make([]string, 0, len(group.cols))
			for _, ci := range group.cols {
				cols = append(cols, st.table.Columns[ci].Name)
			}
			return nil, errors.Wrapf(ErrUniquenessExhausted, "%s(%s) after %d attempts", st.table.Name, strings.Join(cols, ", "), res.Tries)
		}
	}
	return row, nil
}

func (r *run) columnValue(st *tableState, ci int) (any, error) {
	col := st.table.Columns[ci]
	if fk, ok := st.table.ForeignKeyFor(col.Name); ok {
		return r.ensureParentKey(fk, st.table.UniqueKey(col.Name))
	}
	if col.PKPosition > 0 {
		switch {
		case st.rowID:
			return nil, nil
		case col.Type.Numeric():
			st.nextID++
			return st.nextID, nil
		default:
			return r.gen.token(), nil
		}
	}
	return r.gen.random(col), nil
}

// ensureParentKey returns a value present in the referenced parent column.
// It reuses an inserted value when possible, emits NULL when the parent is
// already on the synthesis stack, and otherwise inserts one parent row. When
// fresh is set the value must not be used by the child yet, so an unused
// parent value is preferred.
func (r *run) ensureParentKey(fk schema.ForeignKey, fresh bool) (any, error) {
	pi := r.index[strings.ToLower(fk.RefTable)]
	parent := r.tables[pi]
	colKey := strings.ToLower(fk.RefColumn)
	if candidates := parent.keys[colKey]; len(candidates) > 0 {
		if !fresh {
			return candidates[r.gen.rng.Intn(len(candidates))], nil
		}
		if v, ok := r.unusedParentKey(fk, candidates); ok {
			return v, nil
		}
	}
	if parent.inProgress {
		r.stats.NullPlaceholders++
		util.Debugf("null placeholder for %s.%s, stack %v", fk.Table, fk.Column, r.InProgress())
		return nil, nil
	}
	row, err := r.insertRow(pi)
	if err != nil {
		return nil, err
	}
	r.stats.ParentRows++
	return row[parent.table.ColumnIndex(fk.RefColumn)], nil
}

func (r *run) unusedParentKey(fk schema.ForeignKey, candidates []any) (any, bool) {
	child := r.tables[r.index[strings.ToLower(fk.Table)]]
	ci := child.table.ColumnIndex(fk.Column)
	var group *uniqueGroup
	for gi := range child.groups {
		if len(child.groups[gi].cols) == 1 && child.groups[gi].cols[0] == ci {
			group = &child.groups[gi]
			break
		}
	}
	if group == nil {
		return candidates[r.gen.rng.Intn(len(candidates))], true
	}
	var free []any
	for _, v := range candidates {
		if key, ok := tupleKey([]any{v}, []int{0}); ok {
			if _, taken := group.used[key]; !taken {
				free = append(free, v)
			}
		}
	}
	if len(free) == 0 {
		return nil, false
	}
	return free[r.gen.rng.Intn(len(free))], true
}

// tupleKey renders the values of cols; NULL never collides, so a tuple with a
// NULL member is not tracked.
func tupleKey(row []any, cols []int) (string, bool) {
	var sb strings.Builder
	for i, ci := range cols {
		v := row[ci]
		if v == nil {
			return "", false
		}
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(keyString(v))
	}
	return sb.String(), true
}
