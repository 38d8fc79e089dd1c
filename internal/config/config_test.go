package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := tmp.WriteString(""); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	cfg, err := Load(tmp.Name())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.CacheDir != "rand_dbs" {
		t.Fatalf("unexpected cache dir: %s", cfg.CacheDir)
	}
	if cfg.Trials != trialsDefault {
		t.Fatalf("unexpected trials: %d", cfg.Trials)
	}
	if cfg.Synth.UniqueAttempts != 5 {
		t.Fatalf("unexpected unique attempts: %d", cfg.Synth.UniqueAttempts)
	}
	if cfg.Synth.LiteralHints {
		t.Fatalf("literal hints should default to off")
	}
	if cfg.Signature.RoundScale != roundScaleDefault {
		t.Fatalf("unexpected round scale: %d", cfg.Signature.RoundScale)
	}
	if !cfg.Metrics.Enabled {
		t.Fatalf("metrics should default to on")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Workers != workersDefault {
		t.Fatalf("unexpected workers: %d", cfg.Workers)
	}
}

func TestLoadOverridesAndNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
cache_dir: "  /tmp/instances  "
trials: 7
rows_per_table: -1
workers: 0
instance_retries: -3
synth:
  literal_hints: true
  hint_percent: 250
  null_percent: -4
canon:
  rules: [" Qualify ", "", "simplify"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.CacheDir != "/tmp/instances" {
		t.Fatalf("unexpected cache dir: %q", cfg.CacheDir)
	}
	if cfg.Trials != 7 {
		t.Fatalf("unexpected trials: %d", cfg.Trials)
	}
	if cfg.RowsPerTable != rowsPerTableDefault {
		t.Fatalf("unexpected rows per table: %d", cfg.RowsPerTable)
	}
	if cfg.Workers != 1 {
		t.Fatalf("unexpected workers: %d", cfg.Workers)
	}
	if cfg.InstanceRetries != 0 {
		t.Fatalf("unexpected instance retries: %d", cfg.InstanceRetries)
	}
	if !cfg.Synth.LiteralHints || cfg.Synth.HintPercent != 100 {
		t.Fatalf("unexpected synth config: %+v", cfg.Synth)
	}
	if cfg.Synth.NullPercent != 0 {
		t.Fatalf("unexpected null percent: %d", cfg.Synth.NullPercent)
	}
	if len(cfg.Canon.Rules) != 2 || cfg.Canon.Rules[0] != "qualify" || cfg.Canon.Rules[1] != "simplify" {
		t.Fatalf("unexpected rules: %v", cfg.Canon.Rules)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("trials: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
