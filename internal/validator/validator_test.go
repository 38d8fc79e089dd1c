package validator

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		sql  string
		want StatementKind
	}{
		{"SELECT a FROM t WHERE b > 1", KindSelect},
		{"select count(*) from t", KindSelect},
		{"INSERT INTO t (a) VALUES (1)", KindWrite},
		{"UPDATE t SET a = 2", KindWrite},
		{"DELETE FROM t", KindWrite},
		{"DROP TABLE t", KindDDL},
		{"CREATE TABLE x (a INT)", KindDDL},
		{"BEGIN", KindTransaction},
		{"this is not sql", KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.sql); got != c.want {
			t.Fatalf("Classify(%q)=%v, want %v", c.sql, got, c.want)
		}
	}
}

func TestReadOnly(t *testing.T) {
	if err := ReadOnly("SELECT 1"); err != nil {
		t.Fatalf("select rejected: %v", err)
	}
	err := ReadOnly("DELETE FROM t")
	if !errors.Is(err, ErrNotReadOnly) {
		t.Fatalf("expected ErrNotReadOnly, got %v", err)
	}
}
