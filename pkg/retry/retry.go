package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Config controls the delay law applied between attempts. The delay for
// attempt k (0-based) is min(BaseDelay * ExponentialBase^k, MaxDelay),
// multiplied by a uniform sample from [JitterMin, JitterMax] when Jitter is
// enabled.
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	Jitter          bool          `yaml:"jitter"`
	JitterMin       float64       `yaml:"jitter_min"`
	JitterMax       float64       `yaml:"jitter_max"`
}

// ConnectionProfile is tuned for establishing connections to remote endpoints.
func ConnectionProfile() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		JitterMin:       0.5,
		JitterMax:       1.5,
	}
}

// OperationProfile is tuned for individual operations on an established
// connection.
func OperationProfile() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		JitterMin:       0.5,
		JitterMax:       1.5,
	}
}

// AggressiveProfile retries more often with a faster first delay. Used where
// work is cheap to repeat and latency matters more than load.
func AggressiveProfile() Config {
	return Config{
		MaxRetries:      5,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        120 * time.Second,
		ExponentialBase: 3.0,
		Jitter:          true,
		JitterMin:       0.5,
		JitterMax:       1.5,
	}
}

func (cfg *Config) Validate() error {
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if cfg.BaseDelay <= 0 {
		return errors.New("base delay must be > 0")
	}
	if cfg.MaxDelay <= 0 {
		return errors.New("max delay must be > 0")
	}
	if cfg.ExponentialBase <= 1 {
		return errors.New("exponential base must be > 1")
	}
	if cfg.Jitter && cfg.JitterMin >= cfg.JitterMax {
		return errors.New("jitter min must be < jitter max")
	}
	return nil
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable. The engine returns the wrapped error
// immediately without consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Engine drives retryable operations to success or surfaces the last error
// after MaxRetries+1 attempts.
type Engine struct {
	cfg Config

	// overridable in tests
	sleep func(context.Context, time.Duration) error
	randf func() float64
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid retry config")
	}

	return &Engine{
		cfg:   cfg,
		sleep: sleepContext,
		randf: rand.Float64,
	}, nil
}

// Do runs op until it succeeds or attempts are exhausted. Every error is
// retryable unless wrapped with Permanent. The error from the final attempt is
// returned unchanged.
func (e *Engine) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt >= e.cfg.MaxRetries {
			return lastErr
		}

		if err := e.sleep(ctx, e.jittered(e.Delay(attempt))); err != nil {
			return lastErr
		}
	}
}

// Delay returns the clamped exponential delay for attempt (0-based), before
// jitter is applied.
func (e *Engine) Delay(attempt int) time.Duration {
	d := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.ExponentialBase, float64(attempt))
	if max := float64(e.cfg.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

func (e *Engine) jittered(d time.Duration) time.Duration {
	if !e.cfg.Jitter {
		return d
	}
	mult := e.cfg.JitterMin + e.randf()*(e.cfg.JitterMax-e.cfg.JitterMin)
	return time.Duration(float64(d) * mult)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
