package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Signature is an order-insensitive fingerprint of a result set. Cell hashes
// are combined per row independently of column order; row hashes are
// combined independently of row order. Checksum XORs the row hashes and Sum
// adds them, so duplicated rows do not cancel out.
type Signature struct {
	Columns  int
	Count    int64
	Checksum uint64
	Sum      uint64
}

// Equal reports whether two signatures describe the same multiset of rows.
func (s Signature) Equal(other Signature) bool {
	return s.Columns == other.Columns && s.Count == other.Count && s.Checksum == other.Checksum && s.Sum == other.Sum
}

// SameShape reports whether column and row counts match.
func (s Signature) SameShape(other Signature) bool {
	return s.Columns == other.Columns && s.Count == other.Count
}

// QuerySignature runs query and fingerprints its result.
func (d *DB) QuerySignature(ctx context.Context, query string, roundScale int) (Signature, error) {
	rows, err := d.QueryContext(ctx, query)
	if err != nil {
		return Signature{}, errors.Wrap(err, "query")
	}
	defer rows.Close()
	return SignatureFromRows(rows, roundScale)
}

// SignatureFromRows drains rows into a Signature.
func SignatureFromRows(rows *sql.Rows, roundScale int) (Signature, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Signature{}, errors.Wrap(err, "columns")
	}
	values := make([]any, len(cols))
	scanArgs := make([]any, len(values))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	sig := Signature{Columns: len(cols)}
	buf := make([]byte, 0, 64)
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return Signature{}, errors.Wrap(err, "scan")
		}
		var cellXor, cellSum uint64
		for _, v := range values {
			buf = appendCell(buf[:0], v, roundScale)
			h := xxhash.Sum64(buf)
			cellXor ^= h
			cellSum += h
		}
		row := mixRow(cellXor, cellSum)
		sig.Count++
		sig.Checksum ^= row
		sig.Sum += row
	}
	if err := rows.Err(); err != nil {
		return Signature{}, errors.Wrap(err, "iterate")
	}
	return sig, nil
}

func mixRow(x, s uint64) uint64 {
	s ^= s >> 33
	s *= 0xff51afd7ed558ccd
	s ^= s >> 33
	return x ^ s
}

// appendCell renders a type-tagged cell value. Integers and reals stay
// distinct so that 1 and 1.0 never collide.
func appendCell(buf []byte, v any, roundScale int) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, "NULL"...)
	case int64:
		buf = append(buf, "i:"...)
		return strconv.AppendInt(buf, val, 10)
	case bool:
		if val {
			return append(buf, "i:1"...)
		}
		return append(buf, "i:0"...)
	case float64:
		buf = append(buf, "f:"...)
		return append(buf, normalizeFloat(val, roundScale)...)
	case string:
		buf = append(buf, "s:"...)
		return append(buf, val...)
	case []byte:
		buf = append(buf, "b:"...)
		return append(buf, val...)
	case time.Time:
		buf = append(buf, "t:"...)
		return val.UTC().AppendFormat(buf, time.RFC3339Nano)
	default:
		buf = append(buf, "?:"...)
		return fmt.Append(buf, val)
	}
}

func normalizeFloat(v float64, roundScale int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if roundScale <= 0 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return decimal.NewFromFloat(v).Round(int32(roundScale)).String()
}
