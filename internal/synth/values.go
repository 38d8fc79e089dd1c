package synth

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sqlexam/internal/schema"
	"sqlexam/internal/util"
)

const (
	// IntValueMax is the upper bound for integer column values.
	IntValueMax = 1_000_000
	// FloatValueMax is the upper bound for float column values before rounding.
	FloatValueMax = 1_000_000
	// FloatValueScale is the number of decimals kept for float values.
	FloatValueScale = 2
	// DateYearMin is the minimum year for date and datetime values.
	DateYearMin = 2020
	// DateYearMax is the maximum year for date and datetime values.
	DateYearMax = 2029
)

// valueGen produces column values from a seeded source.
type valueGen struct {
	rng         *rand.Rand
	hints       []any
	hintPercent int
	nullPercent int
}

// token returns an opaque 32-hex-digit token drawn from the seeded source.
func (g *valueGen) token() string {
	u, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		// rand.Rand.Read never fails.
		panic(err)
	}
	return hex.EncodeToString(u[:])
}

// random returns a value for a non-key column.
func (g *valueGen) random(col schema.Column) any {
	if !col.NotNull && util.Chance(g.rng, g.nullPercent) {
		return nil
	}
	if util.Chance(g.rng, g.hintPercent) {
		if hint, ok := g.hintFor(col.Type); ok {
			return hint
		}
	}
	return g.byType(col.Type)
}

func (g *valueGen) byType(class schema.ColumnType) any {
	switch class {
	case schema.TypeInt:
		return g.rng.Int63n(IntValueMax + 1)
	case schema.TypeFloat:
		v, _ := decimal.NewFromFloat(g.rng.Float64() * FloatValueMax).Round(FloatValueScale).Float64()
		return v
	case schema.TypeBool:
		return int64(util.Between(g.rng, 0, 1))
	case schema.TypeDate:
		return util.RandomDate(g.rng, DateYearMin, DateYearMax)
	case schema.TypeTime:
		return util.RandomClock(g.rng)
	case schema.TypeDatetime:
		return util.RandomDatetime(g.rng, DateYearMin, DateYearMax)
	default:
		return g.token()
	}
}

func (g *valueGen) hintFor(class schema.ColumnType) (any, bool) {
	var candidates []any
	for _, hint := range g.hints {
		if v, ok := coerceHint(hint, class); ok {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return util.Pick(g.rng, candidates), true
}

// coerceHint converts a literal mined from a query into a value that fits the
// column class, or reports that it does not fit.
func coerceHint(hint any, class schema.ColumnType) (any, bool) {
	switch class {
	case schema.TypeInt:
		switch v := hint.(type) {
		case int64:
			return v, true
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				return int64(v), true
			}
		}
	case schema.TypeFloat:
		switch v := hint.(type) {
		case int64:
			return float64(v), true
		case float64:
			return v, true
		}
	case schema.TypeBool:
		if v, ok := hint.(int64); ok && (v == 0 || v == 1) {
			return v, true
		}
	case schema.TypeDate:
		if v, ok := hint.(string); ok && parses(util.DateLayout, v) {
			return v, true
		}
	case schema.TypeTime:
		if v, ok := hint.(string); ok && parses(util.ClockLayout, v) {
			return v, true
		}
	case schema.TypeDatetime:
		if v, ok := hint.(string); ok && (parses(util.DatetimeLayout, v) || parses(util.DateLayout, v)) {
			return v, true
		}
	default:
		if v, ok := hint.(string); ok {
			return v, true
		}
	}
	return nil, false
}

func parses(layout, value string) bool {
	_, err := time.Parse(layout, value)
	return err == nil
}

func keyString(v any) string {
	switch val := v.(type) {
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
