// Package oracle estimates query equivalence by running both queries over
// many synthesized database instances and comparing their results.
package oracle

import (
	"time"

	"github.com/pkg/errors"

	"sqlexam/internal/db"
)

// ErrNoInstances reports an estimate where no trial produced a usable instance.
var ErrNoInstances = errors.New("no database instance could be synthesized")

// Outcome classifies one trial.
type Outcome string

const (
	OutcomeMatch    Outcome = "match"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeSkipped  Outcome = "skipped"
)

// Completed reports whether the outcome counts toward the ratio.
func (o Outcome) Completed() bool {
	return o != OutcomeSkipped && o != ""
}

// TrialOutcome is the result of running both queries on one instance.
type TrialOutcome struct {
	Trial   int
	Outcome Outcome
	Path    string
	// Reused reports an instance taken from the cache.
	Reused   bool
	Rebuilds int
	A        db.Signature
	B        db.Signature
	// ShapeMismatch marks a mismatch where column or row counts differ.
	ShapeMismatch bool
	Duration time.Duration
	// Err is the query or synthesis failure behind an error, timeout or
	// skipped outcome.
	Err error
}

// Estimate aggregates the trials of one comparison.
type Estimate struct {
	// Ratio is matches over completed trials.
	Ratio     float64
	Trials    int
	Completed int
	Counts    map[Outcome]int
	Outcomes  []TrialOutcome
	// Witness is the instance of the first completed trial that did not match.
	Witness string
}

// Equivalent reports whether every completed trial matched.
func (e Estimate) Equivalent() bool {
	return e.Completed > 0 && e.Counts[OutcomeMatch] == e.Completed
}

func summarize(outcomes []TrialOutcome) (Estimate, error) {
	est := Estimate{
		Trials:   len(outcomes),
		Counts:   make(map[Outcome]int),
		Outcomes: outcomes,
	}
	for _, out := range outcomes {
		est.Counts[out.Outcome]++
		if !out.Outcome.Completed() {
			continue
		}
		est.Completed++
		if out.Outcome != OutcomeMatch && est.Witness == "" {
			est.Witness = out.Path
		}
	}
	if est.Completed == 0 {
		return est, errors.Wrapf(ErrNoInstances, "%d trials skipped", len(outcomes))
	}
	est.Ratio = float64(est.Counts[OutcomeMatch]) / float64(est.Completed)
	return est, nil
}
