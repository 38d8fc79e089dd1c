package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures all runtime options for the equivalence oracle.
type Config struct {
	CacheDir           string          `yaml:"cache_dir"`
	Seed               int64           `yaml:"seed"`
	Trials             int             `yaml:"trials"`
	RowsPerTable       int             `yaml:"rows_per_table"`
	Workers            int             `yaml:"workers"`
	StatementTimeoutMs int             `yaml:"statement_timeout_ms"`
	InstanceRetries    int             `yaml:"instance_retries"`
	Synth              SynthConfig     `yaml:"synth"`
	Signature          SignatureConfig `yaml:"signature"`
	Canon              CanonConfig     `yaml:"canon"`
	Logging            Logging         `yaml:"logging"`
	Metrics            MetricsConfig   `yaml:"metrics"`
}

// SynthConfig controls random database synthesis.
type SynthConfig struct {
	// UniqueAttempts bounds value regeneration on a uniqueness collision.
	UniqueAttempts int `yaml:"unique_attempts"`
	// LiteralHints seeds non-key columns with constants mined from the queries.
	LiteralHints bool `yaml:"literal_hints"`
	HintPercent  int  `yaml:"hint_percent"`
	// NullPercent is the chance a nullable non-key column is left NULL.
	NullPercent int `yaml:"null_percent"`
}

// SignatureConfig controls signature rounding for comparisons.
type SignatureConfig struct {
	RoundScale int `yaml:"round_scale"`
}

// CanonConfig controls the canonicalization pipeline.
type CanonConfig struct {
	// Rules restricts the optimizer to a subset of the safe rules. Empty means all.
	Rules     []string `yaml:"rules"`
	CacheSize int      `yaml:"cache_size"`
}

// Logging controls stderr logging behavior.
type Logging struct {
	Verbose bool   `yaml:"verbose"`
	LogFile string `yaml:"log_file"`
}

// MetricsConfig toggles prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	trialsDefault             = 20
	rowsPerTableDefault       = 20
	workersDefault            = 4
	statementTimeoutMsDefault = 5000
	instanceRetriesDefault    = 2
	uniqueAttemptsDefault     = 5
	hintPercentDefault        = 20
	roundScaleDefault         = 6
	canonCacheSizeDefault     = 1024
	cacheDirDefault           = "rand_dbs"
)

// Load reads a YAML config file and applies defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

// Default returns the default configuration.
func Default() Config {
	return defaultConfig()
}

func normalizeConfig(cfg *Config) {
	cfg.CacheDir = strings.TrimSpace(cfg.CacheDir)
	if cfg.CacheDir == "" {
		cfg.CacheDir = cacheDirDefault
	}
	if cfg.Trials <= 0 {
		cfg.Trials = trialsDefault
	}
	if cfg.RowsPerTable <= 0 {
		cfg.RowsPerTable = rowsPerTableDefault
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StatementTimeoutMs <= 0 {
		cfg.StatementTimeoutMs = statementTimeoutMsDefault
	}
	if cfg.InstanceRetries < 0 {
		cfg.InstanceRetries = 0
	}
	if cfg.Synth.UniqueAttempts <= 0 {
		cfg.Synth.UniqueAttempts = uniqueAttemptsDefault
	}
	if cfg.Synth.HintPercent < 0 {
		cfg.Synth.HintPercent = 0
	}
	if cfg.Synth.HintPercent > 100 {
		cfg.Synth.HintPercent = 100
	}
	cfg.Synth.NullPercent = min(max(cfg.Synth.NullPercent, 0), 100)
	if cfg.Signature.RoundScale < 0 {
		cfg.Signature.RoundScale = 0
	}
	if cfg.Canon.CacheSize <= 0 {
		cfg.Canon.CacheSize = canonCacheSizeDefault
	}
	rules := cfg.Canon.Rules[:0]
	for _, rule := range cfg.Canon.Rules {
		rule = strings.ToLower(strings.TrimSpace(rule))
		if rule != "" {
			rules = append(rules, rule)
		}
	}
	cfg.Canon.Rules = rules
}

func defaultConfig() Config {
	return Config{
		CacheDir:           cacheDirDefault,
		Trials:             trialsDefault,
		RowsPerTable:       rowsPerTableDefault,
		Workers:            workersDefault,
		StatementTimeoutMs: statementTimeoutMsDefault,
		InstanceRetries:    instanceRetriesDefault,
		Synth: SynthConfig{
			UniqueAttempts: uniqueAttemptsDefault,
			HintPercent:    hintPercentDefault,
		},
		Signature: SignatureConfig{
			RoundScale: roundScaleDefault,
		},
		Canon: CanonConfig{
			CacheSize: canonCacheSizeDefault,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
