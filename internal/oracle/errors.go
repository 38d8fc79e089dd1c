package oracle

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"sqlexam/internal/synth"
)

// IsInterruptErr reports whether a query was stopped by its deadline.
func IsInterruptErr(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrInterrupt {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "interrupted")
}

// IsExhaustedErr reports whether synthesis gave up on an instance, which is
// recoverable by rebuilding with another seed.
func IsExhaustedErr(err error) bool {
	return stderrors.Is(err, synth.ErrUniquenessExhausted) || stderrors.Is(err, synth.ErrInsertExhausted)
}
