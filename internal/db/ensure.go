package db

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"sqlexam/internal/util"
)

// CreateDatabase creates a fresh database file at path holding the given DDL.
// An existing file at path is replaced.
func CreateDatabase(ctx context.Context, path string, ddl string) (*DB, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale %s", path)
	}
	exec, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := exec.ExecScript(ctx, ddl); err != nil {
		util.CloseWithErr(exec, "db exec")
		return nil, errors.Wrap(err, "apply ddl")
	}
	return exec, nil
}
