package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paddlecourt/engine/internal/config"
	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/httpapi"
	"paddlecourt/engine/internal/input"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/match"
	"paddlecourt/engine/internal/matchmaking"
	"paddlecourt/engine/internal/protocol"
	"paddlecourt/engine/internal/quickplay"
	"paddlecourt/engine/internal/registry"
	"paddlecourt/engine/internal/transport"
)

// BrokerOption customises optional behaviour of the Broker.
type BrokerOption func(*Broker)

// WithSchedulerOptions appends options to the ranked scheduler construction.
func WithSchedulerOptions(opts ...match.Option) BrokerOption {
	return func(b *Broker) {
		b.schedulerOpts = append(b.schedulerOpts, opts...)
	}
}

// WithQuickplayOptions appends options to the casual manager construction.
func WithQuickplayOptions(opts ...quickplay.Option) BrokerOption {
	return func(b *Broker) {
		b.quickplayOpts = append(b.quickplayOpts, opts...)
	}
}

// WithBrokerClock overrides the time source used for uptime and input freshness.
func WithBrokerClock(clock func() time.Time) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// Broker owns the registry, both session managers and the matchmaking queues, and routes
// client messages between them.
type Broker struct {
	cfg *config.Config
	log *logging.Logger
	now func() time.Time

	registry  *registry.Registry
	stream    *events.Stream
	scheduler *match.Scheduler
	quickplay *quickplay.Manager
	queues    map[string]*matchmaking.Queue
	gate      *input.Gate
	acceptor  *transport.Acceptor

	wsAuthenticator websocketAuthenticator
	journal         *journalRunner

	schedulerOpts []match.Option
	quickplayOpts []quickplay.Option

	startedAt time.Time

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	startupErr error
	closeOnce  sync.Once
}

// NewBroker wires every engine component from the configuration.
func NewBroker(cfg *config.Config, logger *logging.Logger, opts ...BrokerOption) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
		queues: make(map[string]*matchmaking.Queue, 2),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.startedAt = b.now()
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.registry = registry.New(registry.WithLogger(logger.With(logging.String("component", "registry"))))
	b.stream = events.NewStream(events.Config{Retain: cfg.EventRetention})

	schedulerOpts := append([]match.Option{
		match.WithTickRate(cfg.TickRate),
		match.WithCountdown(cfg.Countdown),
		match.WithPublisher(b.stream),
		match.WithLogger(logger.With(logging.String("component", "scheduler"))),
	}, b.schedulerOpts...)
	scheduler, err := match.NewScheduler(b.registry, schedulerOpts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	b.scheduler = scheduler

	quickplayOpts := append([]quickplay.Option{
		quickplay.WithGracePeriod(cfg.GracePeriod),
		quickplay.WithPublisher(b.stream),
		quickplay.WithLogger(logger.With(logging.String("component", "quickplay"))),
	}, b.quickplayOpts...)
	manager, err := quickplay.NewManager(b.registry, quickplayOpts...)
	if err != nil {
		return nil, fmt.Errorf("quickplay: %w", err)
	}
	b.quickplay = manager

	//1.- Each queue hands its pairs to the manager that owns the mode.
	pairers := map[string]matchmaking.Pairer{
		protocol.ModeRanked: matchmaking.PairerFunc(func(left, right protocol.Player, announce func(int64)) (int64, error) {
			return b.scheduler.StartMatched(left, right, protocol.ModeRanked, announce)
		}),
		protocol.ModeCasual: matchmaking.PairerFunc(func(left, right protocol.Player, announce func(int64)) (int64, error) {
			return b.quickplay.StartMatched(left, right, protocol.ModeCasual, announce)
		}),
	}
	for mode, pairer := range pairers {
		queue, err := matchmaking.New(mode, pairer, b.registry,
			matchmaking.WithLogger(logger.With(logging.String("component", "matchmaking"), logging.String("mode", mode))),
		)
		if err != nil {
			return nil, fmt.Errorf("%s queue: %w", mode, err)
		}
		b.queues[mode] = queue
	}

	b.gate = input.NewGate(input.DefaultConfig(cfg.InputRate), logger.With(logging.String("component", "input")),
		input.WithClock(input.ClockFunc(func() time.Time { return b.now() })),
	)
	b.acceptor = transport.NewAcceptor(transport.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
	}, logger.With(logging.String("component", "transport")))

	if b.wsAuthenticator == nil {
		if cfg.AuthSecret != "" {
			authenticator, err := newTokenWebsocketAuthenticator(cfg.AuthSecret)
			if err != nil {
				return nil, fmt.Errorf("auth: %w", err)
			}
			b.wsAuthenticator = authenticator
		} else {
			logger.Warn("PONG_AUTH_SECRET unset; accepting anonymous players")
			b.wsAuthenticator = newAnonymousAuthenticator()
		}
	}
	return b, nil
}

// Start launches the scheduler loop and the lifecycle journal when one is configured.
func (b *Broker) Start() {
	b.scheduler.Start(b.ctx)
	if b.cfg.JournalDir == "" {
		return
	}
	runner, err := startJournal(b.ctx, b.cfg.JournalDir, b.stream, b.log)
	if err != nil {
		b.log.Error("journal unavailable", logging.Error(err), logging.String("dir", b.cfg.JournalDir))
		b.setStartupError(fmt.Errorf("journal: %w", err))
		return
	}
	b.journal = runner
}

// Close ends every session with a shutdown notice and drops all connections.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.scheduler.Stop()
		b.quickplay.Shutdown()
		//1.- Players outside any session learn about the shutdown before their sockets drop.
		if notified := b.registry.BroadcastAll(protocol.Error{Message: "server shutting down"}); notified > 0 {
			b.log.Info("shutdown notice sent", logging.Int("players", notified))
		}
		b.cancel()
		if b.journal != nil {
			b.journal.Wait()
		}
	})
}

func (b *Broker) setStartupError(err error) {
	b.mu.Lock()
	b.startupErr = err
	b.mu.Unlock()
}

// ClientCount reports registered player connections.
func (b *Broker) ClientCount() int { return b.registry.Count() }

// StartupError reports a degraded component detected while starting.
func (b *Broker) StartupError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startupErr
}

// Uptime reports how long the broker has been running.
func (b *Broker) Uptime() time.Duration { return b.now().Sub(b.startedAt) }

// ActiveSessions lists live session ids per mode.
func (b *Broker) ActiveSessions() map[string][]int64 {
	return map[string][]int64{
		protocol.ModeRanked: b.scheduler.Active(),
		protocol.ModeCasual: b.quickplay.Active(),
	}
}

// AbortSession ends a session in whichever manager owns its id range.
func (b *Broker) AbortSession(_ context.Context, sessionID int64, reason string) error {
	var err error
	if sessionID >= quickplay.QuickplayIDBase {
		err = b.quickplay.Abort(sessionID, reason)
	} else {
		err = b.scheduler.Abort(sessionID, reason)
	}
	if errors.Is(err, match.ErrSessionNotFound) || errors.Is(err, quickplay.ErrSessionNotFound) {
		return fmt.Errorf("%w: %v", httpapi.ErrSessionNotFound, err)
	}
	return err
}

// Metrics assembles the snapshot rendered by /metrics.
func (b *Broker) Metrics() httpapi.Metrics {
	m := httpapi.Metrics{
		Clients:   b.registry.Count(),
		Scheduler: b.scheduler.Stats(),
		Quickplay: b.quickplay.Stats(),
		Input:     b.gate.Totals(),
		Events:    b.stream.Stats(),
	}
	for _, mode := range []string{protocol.ModeRanked, protocol.ModeCasual} {
		m.Queues = append(m.Queues, b.queues[mode].Stats())
	}
	if b.journal != nil {
		stats := b.journal.Stats()
		m.Journal = &stats
	}
	return m
}

var (
	_ httpapi.ReadinessProvider = (*Broker)(nil)
	_ httpapi.Aborter           = (*Broker)(nil)
	_ httpapi.SessionLister     = (*Broker)(nil)
)
