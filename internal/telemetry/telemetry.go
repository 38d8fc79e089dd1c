// Package telemetry exposes prometheus metrics for the oracle. A disabled
// Metrics hands out no-op instruments.
package telemetry

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlexam"

type Counter interface {
	Inc()
	Add(float64)
}

type Histogram interface {
	Observe(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type noopStat struct{}

func (noopStat) Inc()            {}
func (noopStat) Add(float64)     {}
func (noopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return noopStat{} }
func (noopHistogramVec) With(...string) Histogram { return noopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

// Metrics groups every instrument used by the oracle.
type Metrics struct {
	registry *prometheus.Registry

	// Trials counts differential trials by outcome.
	Trials CounterVec
	// TrialSeconds observes trial wall time by outcome.
	TrialSeconds HistogramVec
	// Instances counts instance cache lookups by result: built, reused, failed.
	Instances CounterVec
	// Rebuilds counts instances discarded and rebuilt after exhaustion.
	Rebuilds Counter
	// SynthRows counts rows written by the synthesizer.
	SynthRows Counter
	// Canon counts canonicalization results: ok, not_comparable, cached.
	Canon CounterVec
	// Verdicts counts Check verdicts by method and result.
	Verdicts CounterVec
}

// New returns Metrics backed by a private registry, or no-op instruments
// when disabled.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{
			Trials:       noopCounterVec{},
			TrialSeconds: noopHistogramVec{},
			Instances:    noopCounterVec{},
			Rebuilds:     noopStat{},
			SynthRows:    noopStat{},
			Canon:        noopCounterVec{},
			Verdicts:     noopCounterVec{},
		}
	}
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.Trials = m.counterVec("trials_total", "Differential trials by outcome.", "outcome")
	m.TrialSeconds = m.histogramVec("trial_seconds", "Differential trial duration.", prometheus.DefBuckets, "outcome")
	m.Instances = m.counterVec("instances_total", "Instance cache lookups by result.", "result")
	m.Rebuilds = m.counter("instance_rebuilds_total", "Instances rebuilt with a fresh seed after exhaustion.")
	m.SynthRows = m.counter("synth_rows_total", "Rows inserted by the synthesizer.")
	m.Canon = m.counterVec("canon_total", "Canonicalization results.", "result")
	m.Verdicts = m.counterVec("verdicts_total", "Equivalence verdicts by method and result.", "method", "result")
	return m
}

// Enabled reports whether the metrics are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the backing registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics, nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Summary renders counter values as sorted "name{labels} value" lines.
func (m *Metrics) Summary() ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			counter := metric.GetCounter()
			if counter == nil {
				continue
			}
			var labels []string
			for _, pair := range metric.GetLabel() {
				labels = append(labels, pair.GetName()+"="+pair.GetValue())
			}
			name := family.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, name+" "+formatValue(counter.GetValue()))
		}
	}
	sort.Strings(lines)
	return lines, nil
}

func (m *Metrics) counter(name, help string) Counter {
	ret := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	m.registry.MustRegister(ret)
	return ret
}

func (m *Metrics) counterVec(name, help string, labels ...string) CounterVec {
	ret := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

func (m *Metrics) histogramVec(name, help string, buckets []float64, labels ...string) HistogramVec {
	ret := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	m.registry.MustRegister(ret)
	return &prometheusHistogramVec{vec: ret}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
