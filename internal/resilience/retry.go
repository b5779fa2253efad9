package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is the retry policy for one logical operation: how many times
// to try, how long to wait between tries and which errors are worth another
// try.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Each later wait is
	// Multiplier times the previous one, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each wait by up to ±fraction so that units
	// failing together do not retry together.
	JitterFraction float64

	// ShouldRetry overrides IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each wait with the number of the failed attempt.
	OnRetry func(attempt int, err error)
}

const (
	defaultAttempts   = 3
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultMultiplier = 2.0
	defaultJitter     = 0.25
)

// DefaultRetryConfig mirrors the ingest defaults: three attempts, waits of
// 1s then 2s with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    defaultAttempts,
		InitialBackoff: defaultBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		JitterFraction: defaultJitter,
	}
}

// FromSeconds builds a policy from the float-second knobs of the config
// file. Non-positive values keep the defaults.
func FromSeconds(attempts int, baseSeconds, maxSeconds float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if baseSeconds > 0 {
		cfg.InitialBackoff = time.Duration(baseSeconds * float64(time.Second))
	}
	if maxSeconds > 0 {
		cfg.MaxBackoff = time.Duration(maxSeconds * float64(time.Second))
	}
	return cfg
}

// ApplyDefaults fills the zero fields of cfg. A zero JitterFraction stays
// zero so tests can ask for exact waits.
func ApplyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaultMultiplier
	}
	cfg.JitterFraction = math.Max(0, math.Min(cfg.JitterFraction, 1))
	return cfg
}

// Backoff returns the wait after failed attempt number attempt (zero based):
// InitialBackoff * Multiplier^attempt, capped, then jittered.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	d := math.Min(
		float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(max(attempt, 0))),
		float64(cfg.MaxBackoff),
	)
	if cfg.JitterFraction > 0 {
		d += d * cfg.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// Sleep waits for d or until ctx is done, whichever comes first, and
// returns ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = ApplyDefaults(cfg)
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		last := attempt == cfg.MaxAttempts-1
		if last || ctx.Err() != nil || !retryable(err) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if Sleep(ctx, Backoff(attempt, cfg)) != nil {
			return err
		}
	}
	return err
}

// RetryLogger returns an OnRetry callback logging at Warn.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
