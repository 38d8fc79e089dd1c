package oracle

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"sqlexam/internal/canon"
	"sqlexam/internal/db"
	"sqlexam/internal/instance"
	"sqlexam/internal/schema"
	"sqlexam/internal/synth"
	"sqlexam/internal/telemetry"
	"sqlexam/internal/util"
	"sqlexam/internal/validator"
)

// Options configures a Differential tester.
type Options struct {
	// Seed is the base seed trial seeds derive from. Zero picks one from the clock.
	Seed             int64
	Workers          int
	StatementTimeout time.Duration
	// InstanceRetries bounds rebuilds of an instance whose synthesis was exhausted.
	InstanceRetries int
	UniqueAttempts  int
	// LiteralHints seeds synthesis with constants mined from both queries.
	LiteralHints bool
	HintPercent  int
	// NullPercent is passed to the synthesizer; nonzero values get their own
	// instance directory.
	NullPercent int
	RoundScale  int
}

// Differential compares two queries over synthesized instances.
type Differential struct {
	store   *instance.Store
	opts    Options
	metrics *telemetry.Metrics
}

// NewDifferential returns a tester that caches instances in store. A nil
// metrics disables instrumentation.
func NewDifferential(store *instance.Store, opts Options, metrics *telemetry.Metrics) *Differential {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.InstanceRetries < 0 {
		opts.InstanceRetries = 0
	}
	if metrics == nil {
		metrics = telemetry.New(false)
	}
	return &Differential{store: store, opts: opts, metrics: metrics}
}

// Store returns the instance cache.
func (d *Differential) Store() *instance.Store {
	return d.store
}

// Estimate runs trials independent trials and returns the fraction of
// completed ones where both queries produced the same result.
func (d *Differential) Estimate(ctx context.Context, s *schema.Schema, queryA, queryB string, trials, rows int) (Estimate, error) {
	if trials <= 0 {
		return Estimate{}, errors.Errorf("trials must be positive, got %d", trials)
	}
	if err := s.Validate(); err != nil {
		return Estimate{}, errors.Wrap(err, "estimate")
	}
	key, hints := d.cacheKey(s, queryA, queryB)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]TrialOutcome, trials)
	for i := range outcomes {
		outcomes[i] = TrialOutcome{Trial: i, Outcome: OutcomeSkipped}
	}
	pool := make(chan struct{}, d.opts.Workers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
	)
schedule:
	for trial := 0; trial < trials; trial++ {
		select {
		case pool <- struct{}{}:
		case <-runCtx.Done():
			break schedule
		}
		wg.Add(1)
		go func(trial int) {
			defer wg.Done()
			defer func() { <-pool }()
			out, err := d.runTrial(runCtx, s, key, hints, queryA, queryB, trial, rows)
			if err != nil {
				mu.Lock()
				if fatalErr == nil {
					fatalErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			outcomes[trial] = out
		}(trial)
	}
	wg.Wait()

	if fatalErr != nil {
		return Estimate{}, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	est, err := summarize(outcomes)
	if err != nil {
		return est, err
	}
	util.Debugf("estimate schema=%s trials=%d completed=%d ratio=%.4f", key, trials, est.Completed, est.Ratio)
	if est.Witness != "" {
		util.Highlightf("queries diverge on %s", est.Witness)
	}
	return est, nil
}

// CompareOnDatabase runs both queries once against an existing database file.
func (d *Differential) CompareOnDatabase(ctx context.Context, path string, queryA, queryB string) (TrialOutcome, error) {
	if _, err := os.Stat(path); err != nil {
		return TrialOutcome{}, errors.Wrap(err, "database")
	}
	start := time.Now()
	out, err := d.compare(ctx, path, queryA, queryB)
	if err != nil {
		return TrialOutcome{}, err
	}
	out.Path = path
	out.Duration = time.Since(start)
	return out, nil
}

// runTrial returns an error only for conditions that make further trials
// pointless, such as an unusable cache directory.
func (d *Differential) runTrial(ctx context.Context, s *schema.Schema, key string, hints []any, queryA, queryB string, trial, rows int) (TrialOutcome, error) {
	start := time.Now()
	path, reused, rebuilds, err := d.instanceFor(ctx, s, key, hints, trial, rows)
	if err != nil {
		if IsExhaustedErr(err) || ctx.Err() != nil {
			util.Warnf("trial %d skipped: %v", trial, err)
			d.observe(OutcomeSkipped, start)
			return TrialOutcome{Trial: trial, Outcome: OutcomeSkipped, Rebuilds: rebuilds, Err: err, Duration: time.Since(start)}, nil
		}
		return TrialOutcome{}, errors.Wrapf(err, "trial %d", trial)
	}
	out, err := d.compare(ctx, path, queryA, queryB)
	if err != nil {
		return TrialOutcome{}, errors.Wrapf(err, "trial %d", trial)
	}
	out.Trial = trial
	out.Path = path
	out.Reused = reused
	out.Rebuilds = rebuilds
	out.Duration = time.Since(start)
	d.observe(out.Outcome, start)
	return out, nil
}

func (d *Differential) observe(outcome Outcome, start time.Time) {
	d.metrics.Trials.With(string(outcome)).Inc()
	d.metrics.TrialSeconds.With(string(outcome)).Observe(time.Since(start).Seconds())
}

// instanceFor returns a cached instance or synthesizes one, rebuilding with a
// fresh seed when synthesis is exhausted.
func (d *Differential) instanceFor(ctx context.Context, s *schema.Schema, key string, hints []any, trial, rows int) (path string, reused bool, rebuilds int, err error) {
	for attempt := 0; attempt <= d.opts.InstanceRetries; attempt++ {
		seed := TrialSeed(d.opts.Seed, trial, attempt)
		path, reused, err = d.store.GetOrBuild(ctx, key, trial, func(ctx context.Context, tmpPath string) error {
			inst, err := synth.New(synth.Options{
				Seed:           seed,
				UniqueAttempts: d.opts.UniqueAttempts,
				Hints:          hints,
				HintPercent:    d.opts.HintPercent,
				NullPercent:    d.opts.NullPercent,
			}).Synthesize(ctx, s, tmpPath, rows)
			if err != nil {
				return err
			}
			total := 0
			for _, n := range inst.Stats.Rows {
				total += n
			}
			d.metrics.SynthRows.Add(float64(total))
			util.Debugf("built instance %s trial=%d seed=%d rows=%d placeholders=%d", key, trial, seed, total, inst.Stats.NullPlaceholders)
			return nil
		})
		if err == nil {
			if reused {
				d.metrics.Instances.With("reused").Inc()
			} else {
				d.metrics.Instances.With("built").Inc()
			}
			return path, reused, rebuilds, nil
		}
		d.metrics.Instances.With("failed").Inc()
		if !IsExhaustedErr(err) {
			return "", false, rebuilds, err
		}
		if discardErr := d.store.Discard(key, trial); discardErr != nil {
			return "", false, rebuilds, discardErr
		}
		if attempt < d.opts.InstanceRetries {
			rebuilds++
			d.metrics.Rebuilds.Inc()
			util.Infof("rebuilding instance %s trial=%d after %v", key, trial, err)
		}
	}
	return "", false, rebuilds, err
}

// compare runs both queries on the instance at path. Query failures become
// outcomes; an instance that cannot be opened is an error.
func (d *Differential) compare(ctx context.Context, path string, queryA, queryB string) (TrialOutcome, error) {
	for _, q := range []string{queryA, queryB} {
		if err := validator.ReadOnly(q); err != nil {
			return TrialOutcome{Outcome: OutcomeError, Err: err}, nil
		}
	}
	handle, err := db.OpenReadOnly(path)
	if err != nil {
		return TrialOutcome{}, err
	}
	defer util.CloseWithErr(handle, "trial db")

	var out TrialOutcome
	out.A, err = d.signature(ctx, handle, queryA)
	if err != nil {
		return failed(err), nil
	}
	out.B, err = d.signature(ctx, handle, queryB)
	if err != nil {
		return failed(err), nil
	}
	if out.A.Equal(out.B) {
		out.Outcome = OutcomeMatch
	} else {
		out.Outcome = OutcomeMismatch
		out.ShapeMismatch = !out.A.SameShape(out.B)
	}
	return out, nil
}

func (d *Differential) signature(ctx context.Context, handle *db.DB, query string) (db.Signature, error) {
	if d.opts.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.StatementTimeout)
		defer cancel()
	}
	sig, err := handle.QuerySignature(ctx, query, d.opts.RoundScale)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return sig, errors.Wrap(context.DeadlineExceeded, err.Error())
	}
	return sig, err
}

func failed(err error) TrialOutcome {
	if IsInterruptErr(err) {
		return TrialOutcome{Outcome: OutcomeTimeout, Err: err}
	}
	return TrialOutcome{Outcome: OutcomeError, Err: err}
}

// cacheKey names the instance directory. Hinted instances depend on the
// queries, so they live apart from the schema's plain instances.
func (d *Differential) cacheKey(s *schema.Schema, queryA, queryB string) (string, []any) {
	key := InstanceKey(s.ID(), d.opts.NullPercent)
	if !d.opts.LiteralHints || d.opts.HintPercent <= 0 {
		return key, nil
	}
	hints := mergeHints(canon.Literals(queryA), canon.Literals(queryB))
	if len(hints) == 0 {
		return key, nil
	}
	parts := make([]string, len(hints))
	for i, h := range hints {
		parts[i] = fmt.Sprintf("%T:%v", h, h)
	}
	digest := xxhash.Sum64String(strings.Join(parts, "\x00"))
	return fmt.Sprintf("%s-h%08x", key, uint32(digest)), hints
}

// InstanceKey names the instance directory of a schema synthesized with the
// given NULL percentage.
func InstanceKey(schemaID string, nullPercent int) string {
	if nullPercent <= 0 {
		return schemaID
	}
	return fmt.Sprintf("%s-n%d", schemaID, nullPercent)
}

func mergeHints(lists ...[]any) []any {
	seen := make(map[string]struct{})
	var out []any
	for _, list := range lists {
		for _, h := range list {
			k := fmt.Sprintf("%T:%v", h, h)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprintf("%T:%v", out[i], out[i]) < fmt.Sprintf("%T:%v", out[j], out[j])
	})
	return out
}

// TrialSeed derives the synthesis seed of a trial and rebuild attempt from
// the base seed. The result is never zero.
func TrialSeed(base int64, trial, attempt int) int64 {
	seed := int64(xxhash.Sum64String(fmt.Sprintf("%d/%d/%d", base, trial, attempt)) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed
}
