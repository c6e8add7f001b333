// Package simulation owns the timers that drive session ticks.
package simulation

import (
	"context"
	"sync"
	"time"
)

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

// Ticker abstracts time.Ticker so tests can drive loops by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(interval time.Duration) Ticker {
	return realTicker{t: time.NewTicker(interval)}
}

// DefaultMaxCatchUp bounds how many fixed steps run for a single late timer firing.
const DefaultMaxCatchUp = 4

// LoopOption customises loop construction.
type LoopOption func(*loopOptions)

type loopOptions struct {
	tickers    TickerFactory
	maxCatchUp int
}

// WithTickerFactory overrides the ticker implementation.
func WithTickerFactory(factory TickerFactory) LoopOption {
	return func(o *loopOptions) {
		if factory != nil {
			o.tickers = factory
		}
	}
}

// WithMaxCatchUp overrides how many steps a single firing may run to recover lost time.
func WithMaxCatchUp(steps int) LoopOption {
	return func(o *loopOptions) {
		if steps > 0 {
			o.maxCatchUp = steps
		}
	}
}

func buildOptions(opts []LoopOption) loopOptions {
	options := loopOptions{tickers: NewRealTicker, maxCatchUp: DefaultMaxCatchUp}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	tickers    TickerFactory
	maxCatchUp int

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	options := buildOptions(opts)
	return &Loop{
		step:       interval,
		stepFunc:   step,
		tickers:    options.tickers,
		maxCatchUp: options.maxCatchUp,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked. Starting a running
// loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	ticker := l.tickers(l.step)
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		var last time.Time
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C():
				//1.- The first firing always runs exactly one step.
				if last.IsZero() {
					last = now
					l.stepFunc(l.step)
					continue
				}
				//2.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step && steps < l.maxCatchUp {
					l.stepFunc(l.step)
					accumulator -= l.step
					steps++
				}
				//3.- Time beyond the catch-up budget is dropped rather than replayed.
				if accumulator >= l.step {
					accumulator = 0
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
