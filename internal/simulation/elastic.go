package simulation

import (
	"sync"
	"time"
)

// LoopState is the lifecycle of an ElasticLoop.
type LoopState uint8

const (
	LoopStopped LoopState = iota
	LoopRunning
)

func (s LoopState) String() string {
	if s == LoopRunning {
		return "running"
	}
	return "stopped"
}

// ElasticTickFunc runs one firing and reports whether any work remains.
type ElasticTickFunc func(now time.Time) (active bool)

// ElasticLoop is a timer that only runs while it has work. It moves to Running when Ensure is
// called and back to Stopped after a firing reports no remaining work.
type ElasticLoop struct {
	interval time.Duration
	tick     ElasticTickFunc
	tickers  TickerFactory

	mu      sync.Mutex
	state   LoopState
	wake    bool
	current *elasticRun
}

type elasticRun struct {
	stop chan struct{}
	done chan struct{}
}

// NewElasticLoop configures a loop that fires every interval while running.
func NewElasticLoop(interval time.Duration, tick ElasticTickFunc, opts ...LoopOption) *ElasticLoop {
	if interval <= 0 {
		interval = time.Second / 60
	}
	if tick == nil {
		tick = func(time.Time) bool { return false }
	}
	options := buildOptions(opts)
	return &ElasticLoop{interval: interval, tick: tick, tickers: options.tickers}
}

// State reports whether the loop currently owns a ticker.
func (l *ElasticLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ensure starts the loop when stopped. When already running it guarantees that the next idle
// check is skipped so work registered concurrently with a shutdown decision is not stranded.
func (l *ElasticLoop) Ensure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LoopRunning {
		l.wake = true
		return
	}
	run := &elasticRun{stop: make(chan struct{}), done: make(chan struct{})}
	l.current = run
	l.state = LoopRunning
	l.wake = false
	go l.run(run, l.tickers(l.interval))
}

// Shutdown stops a running loop and waits for its goroutine to exit.
func (l *ElasticLoop) Shutdown() {
	l.mu.Lock()
	run := l.current
	l.current = nil
	l.state = LoopStopped
	l.wake = false
	l.mu.Unlock()
	if run == nil {
		return
	}
	close(run.stop)
	<-run.done
}

func (l *ElasticLoop) run(run *elasticRun, ticker Ticker) {
	defer close(run.done)
	defer ticker.Stop()
	for {
		select {
		case <-run.stop:
			return
		case now := <-ticker.C():
			//1.- Clear the wake flag before the tick so only later Ensure calls count.
			l.mu.Lock()
			if l.current != run {
				l.mu.Unlock()
				return
			}
			l.wake = false
			l.mu.Unlock()

			if l.tick(now) {
				continue
			}

			//2.- Idle: stop unless new work arrived while the tick ran.
			l.mu.Lock()
			if l.current != run {
				l.mu.Unlock()
				return
			}
			if l.wake {
				l.wake = false
				l.mu.Unlock()
				continue
			}
			l.state = LoopStopped
			l.current = nil
			l.mu.Unlock()
			return
		}
	}
}
