package input

import (
	"sync"
	"time"

	"paddlecourt/engine/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to player inputs.
type Config struct {
	// MaxAge rejects inputs captured longer ago than this.
	MaxAge time.Duration
	// MaxLead rejects inputs stamped further than this in the future.
	MaxLead time.Duration
	// Window and Limit bound how many inputs a player may submit per sliding window.
	Window time.Duration
	Limit  int
}

// DefaultConfig caps players at rate inputs per second and tolerates one second of lag.
func DefaultConfig(rate int) Config {
	return Config{
		MaxAge:  time.Second,
		MaxLead: 100 * time.Millisecond,
		Window:  time.Second,
		Limit:   rate,
	}
}

// DropReason enumerates why a frame was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonFuture      DropReason = "future"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame passed validation.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame captures the metadata required to validate a paddle update. A zero Seq or SentAt
// skips the corresponding check.
type Frame struct {
	PlayerID int64
	Seq      uint64
	SentAt   time.Time
}

type playerState struct {
	lastSeq  uint64
	accepted []time.Time
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	Future      uint64 `json:"future"`
	RateLimited uint64 `json:"rate_limited"`
}

// Total sums every reason.
func (d DropCounters) Total() uint64 {
	return d.Sequence + d.Stale + d.Future + d.RateLimited
}

// Metrics stores per-player drop counters for diagnostics.
type Metrics struct {
	mu       sync.RWMutex
	accepted uint64
	drops    map[int64]DropCounters
}

func newMetrics() *Metrics {
	return &Metrics{drops: make(map[int64]DropCounters)}
}

func (m *Metrics) accept() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.accepted++
	m.mu.Unlock()
}

// observe increments the counter for the supplied reason.
func (m *Metrics) observe(playerID int64, reason DropReason) {
	if m == nil || playerID <= 0 || reason == DropReasonNone {
		return
	}
	//1.- Lock while mutating the counters so concurrent updates stay consistent.
	m.mu.Lock()
	current := m.drops[playerID]
	switch reason {
	case DropReasonSequence:
		current.Sequence++
	case DropReasonStale:
		current.Stale++
	case DropReasonFuture:
		current.Future++
	case DropReasonRateLimited:
		current.RateLimited++
	}
	m.drops[playerID] = current
	m.mu.Unlock()
}

func (m *Metrics) snapshot() map[int64]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[int64]DropCounters, len(m.drops))
	for playerID, counters := range m.drops {
		clone[playerID] = counters
	}
	return clone
}

func (m *Metrics) forget(playerID int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.drops, playerID)
	m.mu.Unlock()
}

// Totals summarises accepted frames and the drops of every tracked player.
type Totals struct {
	Accepted uint64
	Dropped  DropCounters
}

func (m *Metrics) totals() Totals {
	if m == nil {
		return Totals{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Totals{Accepted: m.accepted}
	for _, c := range m.drops {
		out.Dropped.Sequence += c.Sequence
		out.Dropped.Stale += c.Stale
		out.Dropped.Future += c.Future
		out.Dropped.RateLimited += c.RateLimited
	}
	return out
}

// Gate validates sequencing, freshness, and throughput for inbound paddle inputs.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	players map[int64]*playerState
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a pre-built metrics container, enabling shared aggregation across gates.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Normalise negative values so they disable the corresponding checks.
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MaxLead < 0 {
		cfg.MaxLead = 0
	}
	if cfg.Window <= 0 || cfg.Limit <= 0 {
		cfg.Window, cfg.Limit = 0, 0
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: newMetrics(),
		players: make(map[int64]*playerState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness, and throughput guards to the frame. Accepted
// frames count against the player's window; rejected ones do not.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.PlayerID <= 0 {
		return decision
	}
	now := g.clock.Now()

	reject := func(reason DropReason) Decision {
		return Decision{Accepted: false, Reason: reason, Delay: decision.Delay}
	}

	if !frame.SentAt.IsZero() {
		//1.- Clock skew beyond the lead tolerance or lag beyond MaxAge invalidates the input.
		delay := now.Sub(frame.SentAt)
		if delay < 0 {
			if g.cfg.MaxLead > 0 && -delay > g.cfg.MaxLead {
				decision = reject(DropReasonFuture)
			}
			delay = 0
		} else if g.cfg.MaxAge > 0 && delay > g.cfg.MaxAge {
			decision.Delay = delay
			decision = reject(DropReasonStale)
		}
		decision.Delay = delay
	}

	if decision.Accepted {
		g.mu.Lock()
		state := g.players[frame.PlayerID]
		if state == nil {
			state = &playerState{}
			g.players[frame.PlayerID] = state
		}
		switch {
		case frame.Seq != 0 && frame.Seq <= state.lastSeq:
			decision = reject(DropReasonSequence)
		case !g.allow(state, now):
			decision = reject(DropReasonRateLimited)
		default:
			//2.- Promote the frame as the latest accepted input.
			if frame.Seq != 0 {
				state.lastSeq = frame.Seq
			}
		}
		g.mu.Unlock()
	}

	if decision.Accepted {
		g.metrics.accept()
		return decision
	}
	g.metrics.observe(frame.PlayerID, decision.Reason)
	g.logger.Debug("input dropped",
		logging.Int64("player_id", frame.PlayerID),
		logging.String("reason", decision.Reason.String()),
		logging.Duration("delay", decision.Delay),
	)
	return decision
}

// allow trims the sliding window and records now when the player is under the limit.
func (g *Gate) allow(state *playerState, now time.Time) bool {
	if g.cfg.Limit == 0 {
		return true
	}
	cutoff := now.Add(-g.cfg.Window)
	kept := state.accepted[:0]
	for _, at := range state.accepted {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	state.accepted = kept
	if len(state.accepted) >= g.cfg.Limit {
		return false
	}
	state.accepted = append(state.accepted, now)
	return true
}

// Forget clears cached sequencing and metrics for a disconnected player.
func (g *Gate) Forget(playerID int64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.players, playerID)
	g.mu.Unlock()
	g.metrics.forget(playerID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[int64]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}

// Totals reports aggregate accepted and dropped counts.
func (g *Gate) Totals() Totals {
	if g == nil {
		return Totals{}
	}
	return g.metrics.totals()
}
