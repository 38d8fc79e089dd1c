package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"sqlexam/internal/schema"
	"sqlexam/internal/util"
)

// LoadSchema applies ddl to a private in-memory database and introspects it.
func LoadSchema(ctx context.Context, ddl string) (*schema.Schema, error) {
	mem, err := OpenMemory()
	if err != nil {
		return nil, err
	}
	defer util.CloseWithErr(mem, "schema db")
	if err := mem.ExecScript(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "load schema ddl")
	}
	s, err := ExtractSchema(ctx, mem)
	if err != nil {
		return nil, err
	}
	s.DDL = ddl
	return s, nil
}

// ExtractSchema introspects tables, keys and indexes of an open database. The
// DDL is reassembled from sqlite_master.
func ExtractSchema(ctx context.Context, d *DB) (*schema.Schema, error) {
	rows, err := d.QueryContext(ctx, `SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}
	type tableDef struct {
		name string
		ddl  string
	}
	var defs []tableDef
	for rows.Next() {
		var name string
		var ddl sql.NullString
		if err := rows.Scan(&name, &ddl); err != nil {
			util.CloseWithErr(rows, "table rows")
			return nil, errors.Wrap(err, "scan table")
		}
		defs = append(defs, tableDef{name: name, ddl: ddl.String})
	}
	if err := rows.Err(); err != nil {
		util.CloseWithErr(rows, "table rows")
		return nil, errors.Wrap(err, "iterate tables")
	}
	util.CloseWithErr(rows, "table rows")

	s := &schema.Schema{}
	stmts := make([]string, 0, len(defs))
	for _, def := range defs {
		tbl, err := extractTable(ctx, d, def.name)
		if err != nil {
			return nil, err
		}
		s.Tables = append(s.Tables, tbl)
		if def.ddl != "" {
			stmts = append(stmts, def.ddl+";")
		}
	}
	s.DDL = strings.Join(stmts, "\n")
	resolveForeignKeys(s)
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate schema")
	}
	return s, nil
}

func extractTable(ctx context.Context, d *DB, name string) (schema.Table, error) {
	tbl := schema.Table{Name: name}
	cols, pk, err := extractColumns(ctx, d, name)
	if err != nil {
		return tbl, err
	}
	tbl.Columns = cols
	tbl.PrimaryKey = pk
	if tbl.ForeignKeys, err = extractForeignKeys(ctx, d, name); err != nil {
		return tbl, err
	}
	if tbl.Indexes, err = extractIndexes(ctx, d, name); err != nil {
		return tbl, err
	}
	return tbl, nil
}

func extractColumns(ctx context.Context, d *DB, table string) ([]schema.Column, []string, error) {
	rows, err := d.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, nil, errors.Wrapf(err, "table_info %s", table)
	}
	defer util.CloseWithErr(rows, "table_info rows")

	var cols []schema.Column
	pkByPos := make(map[int]string)
	for rows.Next() {
		var (
			cid      int
			name     string
			declared string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declared, &notNull, &dflt, &pk); err != nil {
			return nil, nil, errors.Wrapf(err, "scan column of %s", table)
		}
		cols = append(cols, schema.Column{
			Name:         name,
			DeclaredType: declared,
			Type:         schema.ClassifyType(declared),
			NotNull:      notNull == 1,
			PKPosition:   pk,
		})
		if pk > 0 {
			pkByPos[pk] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "iterate columns of %s", table)
	}
	pk := make([]string, 0, len(pkByPos))
	for i := 1; i <= len(pkByPos); i++ {
		if col, ok := pkByPos[i]; ok {
			pk = append(pk, col)
		}
	}
	return cols, pk, nil
}

func extractForeignKeys(ctx context.Context, d *DB, table string) ([]schema.ForeignKey, error) {
	rows, err := d.QueryContext(ctx, "PRAGMA foreign_key_list("+QuoteIdent(table)+")")
	if err != nil {
		return nil, errors.Wrapf(err, "foreign_key_list %s", table)
	}
	defer util.CloseWithErr(rows, "foreign_key_list rows")

	var fks []schema.ForeignKey
	for rows.Next() {
		var (
			id, seq                   int
			refTable, from            string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, errors.Wrapf(err, "scan foreign key of %s", table)
		}
		fks = append(fks, schema.ForeignKey{
			Table:     table,
			Column:    from,
			RefTable:  refTable,
			RefColumn: to.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate foreign keys of %s", table)
	}
	return fks, nil
}

func extractIndexes(ctx context.Context, d *DB, table string) ([]schema.Index, error) {
	rows, err := d.QueryContext(ctx, "PRAGMA index_list("+QuoteIdent(table)+")")
	if err != nil {
		return nil, errors.Wrapf(err, "index_list %s", table)
	}
	var indexes []schema.Index
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			util.CloseWithErr(rows, "index_list rows")
			return nil, errors.Wrapf(err, "scan index of %s", table)
		}
		// Partial unique indexes only constrain a subset of rows.
		indexes = append(indexes, schema.Index{Name: name, Unique: unique == 1 && partial == 0})
	}
	if err := rows.Err(); err != nil {
		util.CloseWithErr(rows, "index_list rows")
		return nil, errors.Wrapf(err, "iterate indexes of %s", table)
	}
	util.CloseWithErr(rows, "index_list rows")

	for i := range indexes {
		cols, err := extractIndexColumns(ctx, d, indexes[i].Name)
		if err != nil {
			return nil, err
		}
		indexes[i].Columns = cols
	}
	return indexes, nil
}

func extractIndexColumns(ctx context.Context, d *DB, index string) ([]string, error) {
	rows, err := d.QueryContext(ctx, "PRAGMA index_info("+QuoteIdent(index)+")")
	if err != nil {
		return nil, errors.Wrapf(err, "index_info %s", index)
	}
	defer util.CloseWithErr(rows, "index_info rows")
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, errors.Wrapf(err, "scan index column of %s", index)
		}
		// Expression index columns have no name.
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate index columns of %s", index)
	}
	return cols, nil
}

// resolveForeignKeys fills implicit parent columns with the parent's primary
// key and drops edges that cannot be resolved.
func resolveForeignKeys(s *schema.Schema) {
	for i := range s.Tables {
		tbl := &s.Tables[i]
		kept := tbl.ForeignKeys[:0]
		for _, fk := range tbl.ForeignKeys {
			parent, ok := s.TableByName(fk.RefTable)
			if !ok {
				util.Warnf("drop foreign key %s.%s: unknown parent table %s", tbl.Name, fk.Column, fk.RefTable)
				continue
			}
			fk.RefTable = parent.Name
			if col, ok := parent.ColumnByName(fk.RefColumn); ok {
				fk.RefColumn = col.Name
				kept = append(kept, fk)
				continue
			}
			if len(parent.PrimaryKey) == 1 {
				fk.RefColumn = parent.PrimaryKey[0]
				kept = append(kept, fk)
				continue
			}
			util.Warnf("drop foreign key %s.%s: cannot resolve parent column %s.%s", tbl.Name, fk.Column, fk.RefTable, fk.RefColumn)
		}
		tbl.ForeignKeys = kept
	}
}
