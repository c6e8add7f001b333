package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed tick work durations.
type TickMetricsSnapshot struct {
	Samples  int
	Average  time.Duration
	Max      time.Duration
	Last     time.Duration
	Overruns int
	Sessions int
}

// AverageFPS derives the frames-per-second equivalent of the sampled tick duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for a session manager's timer. A tick whose work
// takes longer than the budget counts as an overrun.
type TickMonitor struct {
	budget time.Duration

	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns int
	sessions int
}

// NewTickMonitor constructs an empty monitor. A zero budget disables overrun tracking.
func NewTickMonitor(budget time.Duration) *TickMonitor {
	return &TickMonitor{budget: budget}
}

// Observe records the duration of a completed tick and how many sessions it stepped.
func (m *TickMonitor) Observe(duration time.Duration, sessions int) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	//1.- Aggregate for the running average.
	m.samples++
	m.total += duration
	//2.- Track the worst tick and budget overruns so operators can spot spikes.
	if duration > m.max {
		m.max = duration
	}
	if m.budget > 0 && duration > m.budget {
		m.overruns++
	}
	m.last = duration
	m.sessions = sessions
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	snapshot := TickMetricsSnapshot{
		Samples:  m.samples,
		Max:      m.max,
		Last:     m.last,
		Overruns: m.overruns,
		Sessions: m.sessions,
	}
	total := m.total
	m.mu.Unlock()

	if snapshot.Samples > 0 {
		snapshot.Average = total / time.Duration(snapshot.Samples)
	}
	return snapshot
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.overruns, m.sessions = 0, 0
	m.mu.Unlock()
}
