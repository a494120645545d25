package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/duskrun/duskrun/engine/emit"
	"github.com/duskrun/duskrun/engine/store"
)

// Option configures an ExecuteOptions before a run starts. Functional
// options keep Execute's call sites readable when only a handful of the
// many fields need overriding.
type Option func(*ExecuteOptions) error

// WithConfig overrides the run's rounds/retries/timeout policy.
func WithConfig(cfg RunConfig) Option {
	return func(o *ExecuteOptions) error {
		o.Config = &cfg
		return nil
	}
}

// WithBackoff overrides the retry backoff policy.
func WithBackoff(cfg BackoffConfig) Option {
	return func(o *ExecuteOptions) error {
		if cfg.Base <= 0 || cfg.Max <= 0 || cfg.Factor <= 1 {
			return fmt.Errorf("%w: backoff base/max must be positive and factor > 1", ErrInvariantViolation)
		}
		o.Backoff = &cfg
		return nil
	}
}

// WithConcurrency overrides the number of steps allowed to execute at once.
func WithConcurrency(n int) Option {
	return func(o *ExecuteOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrInvariantViolation, n)
		}
		o.Concurrency = n
		return nil
	}
}

// WithEmitter attaches an observability sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *ExecuteOptions) error {
		o.Emitter = e
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *ExecuteOptions) error {
		o.Metrics = m
		return nil
	}
}

// NewExecuteOptions builds an ExecuteOptions from required fields plus any
// number of functional options, applied in order.
func NewExecuteOptions(steps []Step, runID, ownerID string, workflow WorkflowTag, st store.ArtifactStore, opts ...Option) (ExecuteOptions, error) {
	out := ExecuteOptions{
		Steps:    steps,
		RunID:    runID,
		OwnerID:  ownerID,
		Workflow: workflow,
		Store:    st,
	}
	for _, opt := range opts {
		if err := opt(&out); err != nil {
			return ExecuteOptions{}, err
		}
	}
	return out, nil
}

// FileConfig is the on-disk shape for an engine run's tunables, loaded with
// LoadFileConfig. Fields mirror RunConfig, BackoffConfig and the driver's
// concurrency knob so operators can version a run's policy alongside the
// workflow definition instead of hardcoding it.
type FileConfig struct {
	Rounds      int    `yaml:"rounds"`
	Retries     int    `yaml:"retries"`
	TimeoutMs   int64  `yaml:"timeout_ms"`
	Concurrency int    `yaml:"concurrency"`
	Backoff     struct {
		BaseMs  int64   `yaml:"base_ms"`
		MaxMs   int64   `yaml:"max_ms"`
		Factor  float64 `yaml:"factor"`
		Jitter  float64 `yaml:"jitter"`
	} `yaml:"backoff"`
}

// LoadFileConfig reads and parses a YAML run-policy file. Zero-valued
// fields fall back to DefaultRunConfig/DefaultBackoff when applied via
// ToOptions.
func LoadFileConfig(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// ToOptions converts a FileConfig into functional Options, one per
// populated knob, leaving zero-valued fields to the engine's own defaults.
func (fc FileConfig) ToOptions() []Option {
	var opts []Option

	cfg := DefaultRunConfig
	changed := false
	if fc.Rounds > 0 {
		cfg.Rounds = fc.Rounds
		changed = true
	}
	if fc.Retries > 0 {
		cfg.Retries = fc.Retries
		changed = true
	}
	if fc.TimeoutMs > 0 {
		cfg.TimeoutMs = fc.TimeoutMs
		changed = true
	}
	if changed {
		opts = append(opts, WithConfig(cfg))
	}

	if fc.Concurrency > 0 {
		opts = append(opts, WithConcurrency(fc.Concurrency))
	}

	backoff := DefaultBackoff
	backoffChanged := false
	if fc.Backoff.BaseMs > 0 {
		backoff.Base = time.Duration(fc.Backoff.BaseMs) * time.Millisecond
		backoffChanged = true
	}
	if fc.Backoff.MaxMs > 0 {
		backoff.Max = time.Duration(fc.Backoff.MaxMs) * time.Millisecond
		backoffChanged = true
	}
	if fc.Backoff.Factor > 1 {
		backoff.Factor = fc.Backoff.Factor
		backoffChanged = true
	}
	if fc.Backoff.Jitter > 0 {
		backoff.Jitter = fc.Backoff.Jitter
		backoffChanged = true
	}
	if backoffChanged {
		opts = append(opts, WithBackoff(backoff))
	}

	return opts
}

// DefaultRegisterer is a small convenience so callers that don't care about
// a custom Prometheus registry can write engine.NewMetrics(engine.DefaultRegisterer()).
func DefaultRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}
