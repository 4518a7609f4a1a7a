// Package simulation runs registered behaviours on a fixed timestep.
package simulation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Behaviour is driven by the loop: Init once before the first tick, Update
// once per fixed tick and Quit once after the loop stops.
type Behaviour interface {
	Init()
	Update()
	Quit()
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(l *Loop) {
		l.now = now
		l.sleep = sleep
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// Loop accumulates elapsed wall time and runs one Update per tick of
// accumulated time. Elapsed time per iteration is capped at maxElapsed so a
// long pause does not trigger a burst of catch-up ticks.
type Loop struct {
	tick       time.Duration
	maxElapsed time.Duration

	mu         sync.Mutex
	behaviours []Behaviour

	accumulator time.Duration
	ticks       atomic.Uint64
	stopped     atomic.Bool
	done        chan struct{}

	now    func() time.Time
	sleep  func(time.Duration)
	logger *slog.Logger
}

// NewLoop creates a loop ticking every tick.
func NewLoop(tick, maxElapsed time.Duration, opts ...Option) *Loop {
	if maxElapsed < tick {
		maxElapsed = tick
	}
	l := &Loop{
		tick:       tick,
		maxElapsed: maxElapsed,
		done:       make(chan struct{}),
		now:        time.Now,
		sleep:      time.Sleep,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a behaviour. Behaviours update in registration order.
func (l *Loop) Register(b Behaviour) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.behaviours = append(l.behaviours, b)
}

func (l *Loop) snapshot() []Behaviour {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Behaviour(nil), l.behaviours...)
}

// Advance feeds elapsed time into the accumulator and runs the due ticks.
// It returns the number of ticks run. Run calls it once per iteration.
func (l *Loop) Advance(elapsed time.Duration) int {
	if elapsed > l.maxElapsed {
		elapsed = l.maxElapsed
	}
	if elapsed < 0 {
		elapsed = 0
	}
	l.accumulator += elapsed

	behaviours := l.snapshot()
	n := 0
	for l.accumulator >= l.tick {
		for _, b := range behaviours {
			b.Update()
		}
		l.accumulator -= l.tick
		l.ticks.Add(1)
		n++
	}
	return n
}

// Run blocks until Stop is called or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	behaviours := l.snapshot()
	for _, b := range behaviours {
		b.Init()
	}
	l.logger.Info("simulation loop started", "tick", l.tick, "behaviours", len(behaviours))

	last := l.now()
	for !l.stopped.Load() && ctx.Err() == nil {
		now := l.now()
		l.Advance(now.Sub(last))
		last = now
		l.sleep(time.Millisecond)
	}

	for _, b := range l.snapshot() {
		b.Quit()
	}
	l.logger.Info("simulation loop stopped", "ticks", l.ticks.Load())
}

// Stop asks the loop to exit at the top of its next iteration.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Ticks returns the number of ticks run so far.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}
