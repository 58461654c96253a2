package gate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Gate delays execution until a scheduling condition is met. Implementations
// are safe for concurrent use; a waiter blocked in WaitIfNeeded returns early
// when its context is cancelled.
type Gate interface {
	WaitIfNeeded(ctx context.Context) error
}

// Config holds the optional gates of one protocol pool. Gates are applied in
// a fixed order: daily first, then interval.
type Config struct {
	Daily    *DailyConfig    `yaml:"daily"`
	Interval *IntervalConfig `yaml:"interval"`
}

func (cfg *Config) Build() (Chain, error) {
	var chain Chain

	if cfg.Daily != nil {
		g, err := NewDaily(*cfg.Daily)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if cfg.Interval != nil {
		g, err := NewInterval(*cfg.Interval)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}

	return chain, nil
}

// Chain waits on each gate in order.
type Chain []Gate

func (c Chain) WaitIfNeeded(ctx context.Context) error {
	for _, g := range c {
		if err := g.WaitIfNeeded(ctx); err != nil {
			return err
		}
	}
	return nil
}

type DailyConfig struct {
	// TimeOfDay is the wall-clock threshold in "HH:MM" form.
	TimeOfDay string `yaml:"time_of_day"`
	Timezone  string `yaml:"timezone"`
	// SkipIfAlreadyRunToday lets callers pass for free for the rest of the
	// day once the gate has opened, instead of waiting for the next
	// occurrence on every call.
	SkipIfAlreadyRunToday bool `yaml:"startup_skip_if_already_today"`
}

// Daily blocks until the next wall-clock occurrence of a configured
// time-of-day. Crossing midnight and DST transitions are handled by the
// calendar, not by 24h arithmetic.
type Daily struct {
	hour, minute int
	loc          *time.Location
	skipSameDay  bool

	mtx      sync.Mutex
	lastPass time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewDaily(cfg DailyConfig) (*Daily, error) {
	t, err := time.Parse("15:04", cfg.TimeOfDay)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid time of day %q", cfg.TimeOfDay)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid timezone %q", cfg.Timezone)
		}
	}

	return &Daily{
		hour:        t.Hour(),
		minute:      t.Minute(),
		loc:         loc,
		skipSameDay: cfg.SkipIfAlreadyRunToday,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

func (g *Daily) WaitIfNeeded(ctx context.Context) error {
	g.mtx.Lock()
	now := g.now().In(g.loc)

	if g.skipSameDay && sameDate(g.lastPass, now) {
		g.mtx.Unlock()
		return nil
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), g.hour, g.minute, 0, 0, g.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	g.mtx.Unlock()

	if err := g.sleep(ctx, next.Sub(now)); err != nil {
		return err
	}

	g.mtx.Lock()
	g.lastPass = g.now().In(g.loc)
	g.mtx.Unlock()
	return nil
}

func sameDate(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

type IntervalConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Jitter adds a uniform random delay in [0, Jitter] on top of the
	// remaining interval.
	Jitter time.Duration `yaml:"jitter"`
}

// Interval enforces a minimum spacing between consecutive passes. The first
// pass is free.
type Interval struct {
	interval time.Duration
	jitter   time.Duration

	mtx  sync.Mutex
	last time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	randf func() float64
}

func NewInterval(cfg IntervalConfig) (*Interval, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if cfg.Jitter < 0 {
		return nil, errors.New("jitter must be >= 0")
	}

	return &Interval{
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		now:      time.Now,
		sleep:    sleepContext,
		randf:    rand.Float64,
	}, nil
}

func (g *Interval) WaitIfNeeded(ctx context.Context) error {
	g.mtx.Lock()
	now := g.now()

	if g.last.IsZero() {
		g.last = now
		g.mtx.Unlock()
		return nil
	}

	wait := g.interval - now.Sub(g.last)
	if wait > 0 && g.jitter > 0 {
		wait += time.Duration(g.randf() * float64(g.jitter))
	}
	g.mtx.Unlock()

	if wait > 0 {
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}

	g.mtx.Lock()
	if now := g.now(); now.After(g.last) {
		g.last = now
	}
	g.mtx.Unlock()
	return nil
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
