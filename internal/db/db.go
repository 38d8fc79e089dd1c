// Package db wraps SQLite access for synthesized instances: opening handles,
// schema introspection and order-insensitive result signatures.
package db

import (
	"context"
	"database/sql"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DriverName is the SQLite driver registered with a REGEXP function.
const DriverName = "sqlite3_sqlexam"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

var regexpCache sync.Map

// regexpMatch backs `text REGEXP pattern`, which SQLite rewrites to regexp(pattern, text).
func regexpMatch(pattern, text string) (bool, error) {
	if cached, ok := regexpCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(text), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	regexpCache.Store(pattern, re)
	return re.MatchString(text), nil
}

// DB wraps a SQLite handle bound to one database file.
type DB struct {
	*sql.DB
	Path     string
	ReadOnly bool
}

// Open opens (and creates if missing) a writable database file. Synthesized
// instances are disposable, so journaling and fsync are disabled.
func Open(path string) (*DB, error) {
	params := url.Values{}
	params.Set("_journal_mode", "OFF")
	params.Set("_synchronous", "OFF")
	params.Set("_foreign_keys", "0")
	return open(path, params, false)
}

// OpenReadOnly opens an existing database file for queries only.
func OpenReadOnly(path string) (*DB, error) {
	params := url.Values{}
	params.Set("mode", "ro")
	params.Set("_query_only", "1")
	return open(path, params, true)
}

// OpenMemory opens a private in-memory database on a single connection.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open(DriverName, "file::memory:?cache=private")
	if err != nil {
		return nil, errors.Wrap(err, "open memory db")
	}
	conn.SetMaxOpenConns(1)
	return &DB{DB: conn, Path: ":memory:"}, nil
}

func open(path string, params url.Values, readOnly bool) (*DB, error) {
	dsn := "file:" + path + "?" + params.Encode()
	conn, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "ping %s", path)
	}
	return &DB{DB: conn, Path: path, ReadOnly: readOnly}, nil
}

// ExecScript executes a multi-statement script such as a DDL file.
func (d *DB) ExecScript(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := d.ExecContext(ctx, script); err != nil {
		return errors.Wrap(err, "exec script")
	}
	return nil
}

// QuoteIdent quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
