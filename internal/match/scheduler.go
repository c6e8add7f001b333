package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/pong"
	"paddlecourt/engine/internal/protocol"
	"paddlecourt/engine/internal/simulation"
)

// MaxSessionID bounds the random id range used for ranked sessions. Ids at or above it belong
// to other managers.
const MaxSessionID int64 = 1_000_000

// DefaultCountdown is the number announced when both players are ready.
const DefaultCountdown = 3

// DefaultTickRate is the scheduler frequency in hertz.
const DefaultTickRate = 60

// Sender delivers a message to a player's live connection.
type Sender interface {
	Send(playerID int64, msg protocol.ServerMessage) error
}

// Publisher receives lifecycle notifications for external collaborators.
type Publisher interface {
	PublishSessionStarted(events.SessionStarted) (uint64, error)
	PublishSessionEnded(events.SessionEnded) (uint64, error)
}

// Stats summarises scheduler activity.
type Stats struct {
	Active      int
	Started     uint64
	Finished    uint64
	Ended       uint64
	Spectators  int
	TickMetrics simulation.TickMetricsSnapshot
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the court tuning used for new matches.
func WithConfig(cfg pong.Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithTickRate sets the loop frequency.
func WithTickRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.tickRate = hz
		}
	}
}

// WithCountdown sets the number announced when both players are ready.
func WithCountdown(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.countdown = n
		}
	}
}

// WithPublisher routes lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithLogger overrides the scheduler logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the time source used for countdowns and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSeed makes session ids and serves reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithLoopOptions forwards options to the underlying fixed-step loop.
func WithLoopOptions(opts ...simulation.LoopOption) Option {
	return func(s *Scheduler) { s.loopOpts = append(s.loopOpts, opts...) }
}

// Scheduler owns every ranked session and advances them on a single fixed-period loop.
type Scheduler struct {
	cfg       pong.Config
	tickRate  int
	countdown int
	sender    Sender
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
	loopOpts  []simulation.LoopOption
	loop      *simulation.Loop
	monitor   *simulation.TickMonitor
	frames    *frameHub

	mu       sync.RWMutex
	rng      *rand.Rand
	sessions map[int64]*Session
	seats    map[int64]int64
	started  uint64
	finished uint64
	ended    uint64
}

// NewScheduler constructs a scheduler that pushes messages through sender.
func NewScheduler(sender Sender, opts ...Option) (*Scheduler, error) {
	if sender == nil {
		return nil, errors.New("match: sender required")
	}
	s := &Scheduler{
		cfg:       pong.DefaultConfig(),
		tickRate:  DefaultTickRate,
		countdown: DefaultCountdown,
		sender:    sender,
		logger:    logging.L(),
		now:       time.Now,
		frames:    newFrameHub(),
		sessions:  make(map[int64]*Session),
		seats:     make(map[int64]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	s.loop = simulation.NewLoop(float64(s.tickRate), s.Tick, s.loopOpts...)
	s.monitor = simulation.NewTickMonitor(s.loop.StepDuration())
	return s, nil
}

// Start launches the tick loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop.Start(ctx)
}

// Stop halts the loop and ends every live session.
func (s *Scheduler) Stop() {
	s.loop.Stop()
	for _, sess := range s.snapshotSessions() {
		s.endSession(sess, protocol.ReasonShutdown, pong.SideNone)
	}
}

// StepDuration is the fixed delta applied to playing sessions each tick.
func (s *Scheduler) StepDuration() time.Duration { return s.loop.StepDuration() }

// StartSession seats two players in a new session and announces it. Identical ids start a local
// session.
func (s *Scheduler) StartSession(left, right protocol.Player, mode string) (int64, error) {
	return s.StartMatched(left, right, mode, nil)
}

// StartMatched is StartSession with a hook that runs once the session id is registered and
// before the session sends its first message.
func (s *Scheduler) StartMatched(left, right protocol.Player, mode string, announce func(sessionID int64)) (int64, error) {
	if left.ID <= 0 || right.ID <= 0 {
		return 0, ErrInvalidPlayer
	}
	if mode == "" {
		mode = protocol.ModeRanked
	}

	s.mu.Lock()
	for _, id := range []int64{left.ID, right.ID} {
		if existing, taken := s.seats[id]; taken {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: player %d in session %d", ErrAlreadySeated, id, existing)
		}
	}
	id := s.drawIDLocked()
	sess, err := newSession(id, mode, left, right, s.cfg, pong.NewRNG(s.rng.Uint64()), s.countdown, s.now)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.sessions[id] = sess
	s.seats[left.ID] = id
	s.seats[right.ID] = id
	s.started++
	s.mu.Unlock()

	s.logger.Info("session started",
		logging.Int64("session_id", id),
		logging.String("mode", mode),
		logging.Int64("left", left.ID),
		logging.Int64("right", right.ID),
		logging.Bool("local", sess.Local()),
	)
	if s.publisher != nil {
		if _, err := s.publisher.PublishSessionStarted(sess.startedEvent()); err != nil {
			s.logger.Warn("publish session started failed", logging.Int64("session_id", id), logging.Error(err))
		}
	}
	if announce != nil {
		announce(id)
	}
	//1.- A player unreachable at announcement ends the session like any other failed push.
	if failed, ok := s.deliver(sess.StartMessages()); !ok {
		s.endAfterFailure(sess, failed)
	}
	return id, nil
}

// StartLocal starts a two-controller session for one player.
func (s *Scheduler) StartLocal(player protocol.Player, mode string) (int64, error) {
	return s.StartSession(player, player, mode)
}

// SetReady records a ready flag for a seated player.
func (s *Scheduler) SetReady(playerID, sessionID int64, ready bool) error {
	sess, err := s.seatedSession(playerID, sessionID)
	if err != nil {
		return err
	}
	out, err := sess.SetReady(playerID, ready)
	if err != nil {
		return err
	}
	if failed, ok := s.deliver(out); !ok {
		s.endAfterFailure(sess, failed)
	}
	return nil
}

// SubmitInput buffers a single-controller input for the player's session.
func (s *Scheduler) SubmitInput(playerID int64, input pong.Input) error {
	sess, err := s.sessionFor(playerID)
	if err != nil {
		return err
	}
	return sess.SetInput(playerID, input)
}

// SubmitLocalInput buffers both controllers of a local session.
func (s *Scheduler) SubmitLocalInput(playerID int64, left, right pong.Input) error {
	sess, err := s.sessionFor(playerID)
	if err != nil {
		return err
	}
	return sess.SetLocalInput(playerID, left, right)
}

// Join re-sends the session introduction and lobby state to a seated player.
func (s *Scheduler) Join(playerID, sessionID int64) error {
	sess, err := s.seatedSession(playerID, sessionID)
	if err != nil {
		return err
	}
	out, err := sess.JoinMessages(playerID)
	if err != nil {
		return err
	}
	if failed, ok := s.deliver(out); !ok {
		s.endAfterFailure(sess, failed)
	}
	return nil
}

// Leave forfeits the player's session to the opponent.
func (s *Scheduler) Leave(playerID, sessionID int64) error {
	sess, err := s.seatedSession(playerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Local() {
		s.endSession(sess, protocol.ReasonAborted, pong.SideNone)
		return nil
	}
	side, _ := sess.SideOf(playerID)
	s.endSession(sess, protocol.ReasonForfeit, side.Opponent())
	return nil
}

// PlayerDisconnected ends the player's session, crediting the opponent.
func (s *Scheduler) PlayerDisconnected(playerID int64) {
	sess, err := s.sessionFor(playerID)
	if err != nil {
		return
	}
	if sess.Local() {
		s.endSession(sess, protocol.ReasonAborted, pong.SideNone)
		return
	}
	side, _ := sess.SideOf(playerID)
	s.endSession(sess, protocol.ReasonOpponentDisconnected, side.Opponent())
}

// Abort ends a session without a winner.
func (s *Scheduler) Abort(sessionID int64, reason string) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if reason == "" {
		reason = protocol.ReasonAborted
	}
	s.endSession(sess, reason, pong.SideNone)
	return nil
}

// Active returns the live session ids in ascending order.
func (s *Scheduler) Active() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionOf returns the session id seating playerID.
func (s *Scheduler) SessionOf(playerID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seats[playerID]
	return id, ok
}

// Snapshot returns a copy of a live session.
func (s *Scheduler) Snapshot(sessionID int64) (SessionSnapshot, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return sess.Snapshot(), nil
}

// SubscribeFrames streams spectator frames for a live session until ctx ends or the session
// retires, at which point the channel is closed.
func (s *Scheduler) SubscribeFrames(ctx context.Context, sessionID int64) (<-chan Frame, error) {
	s.mu.RLock()
	_, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return s.frames.subscribe(ctx, sessionID), nil
}

// Stats reports scheduler counters and tick timings.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		Active:   len(s.sessions),
		Started:  s.started,
		Finished: s.finished,
		Ended:    s.ended,
	}
	s.mu.RUnlock()
	stats.Spectators = s.frames.count()
	stats.TickMetrics = s.monitor.Snapshot()
	return stats
}

// Tick advances every live session once. The loop calls it with the fixed step; tests call it
// directly.
func (s *Scheduler) Tick(dt time.Duration) {
	began := time.Now()
	sessions := s.snapshotSessions()
	for _, sess := range sessions {
		s.stepSession(sess, dt)
	}
	s.monitor.Observe(time.Since(began), len(sessions))
}

func (s *Scheduler) stepSession(sess *Session, dt time.Duration) {
	defer func() {
		//1.- A fault in one session must not take down the tick for the others.
		if r := recover(); r != nil {
			s.logger.Error("session tick panicked",
				logging.Int64("session_id", sess.ID()),
				logging.Any("panic", r),
			)
			s.endSession(sess, protocol.ReasonAborted, pong.SideNone)
		}
	}()

	outcome := sess.step(dt)
	if outcome.frame != nil {
		s.frames.publish(*outcome.frame)
	}
	if outcome.finished {
		//1.- The result reaches every seat even when a state push on the final tick failed.
		s.deliverBestEffort(outcome.messages)
		s.retire(sess)
		return
	}
	if failed, ok := s.deliver(outcome.messages); !ok {
		s.endAfterFailure(sess, failed)
	}
}

// deliver sends messages in order and stops at the first failure, returning the unreachable
// player.
func (s *Scheduler) deliver(messages []Outbound) (int64, bool) {
	for _, out := range messages {
		if err := s.sender.Send(out.PlayerID, out.Message); err != nil {
			s.logger.Warn("state push failed",
				logging.Int64("player_id", out.PlayerID),
				logging.String("kind", out.Message.ServerKind()),
				logging.Error(err),
			)
			return out.PlayerID, false
		}
	}
	return 0, true
}

// deliverBestEffort attempts every message regardless of earlier failures.
func (s *Scheduler) deliverBestEffort(messages []Outbound) {
	for _, out := range messages {
		if err := s.sender.Send(out.PlayerID, out.Message); err != nil {
			s.logger.Debug("best effort push failed",
				logging.Int64("player_id", out.PlayerID),
				logging.String("kind", out.Message.ServerKind()),
				logging.Error(err),
			)
		}
	}
}

func (s *Scheduler) endAfterFailure(sess *Session, failedPlayer int64) {
	winner := pong.SideNone
	if !sess.Local() {
		side, _ := sess.SideOf(failedPlayer)
		winner = side.Opponent()
	}
	s.endSession(sess, protocol.ReasonDeliveryFailed, winner)
}

// endSession notifies both seats best effort and retires the session.
func (s *Scheduler) endSession(sess *Session, reason string, winner pong.Side) {
	out := sess.end(reason, winner)
	if out == nil {
		return
	}
	s.deliverBestEffort(out)
	s.retire(sess)
}

func (s *Scheduler) retire(sess *Session) {
	id := sess.ID()
	s.mu.Lock()
	if current, ok := s.sessions[id]; !ok || current != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	for _, playerID := range sess.Recipients() {
		if s.seats[playerID] == id {
			delete(s.seats, playerID)
		}
	}
	s.ended++
	event := sess.endedEvent()
	if event.Reason == protocol.ReasonWon {
		s.finished++
	}
	s.mu.Unlock()

	s.frames.closeSession(id)
	s.logger.Info("session ended",
		logging.Int64("session_id", id),
		logging.String("reason", event.Reason),
		logging.String("winner_side", event.WinnerSide),
		logging.Int("left_score", event.LeftScore),
		logging.Int("right_score", event.RightScore),
	)
	if s.publisher != nil {
		if _, err := s.publisher.PublishSessionEnded(event); err != nil {
			s.logger.Warn("publish session ended failed", logging.Int64("session_id", id), logging.Error(err))
		}
	}
}

func (s *Scheduler) drawIDLocked() int64 {
	//1.- Live sessions are far fewer than the id space so redraws terminate quickly.
	for {
		id := s.rng.Int63n(MaxSessionID-1) + 1
		if _, taken := s.sessions[id]; !taken {
			return id
		}
	}
}

func (s *Scheduler) snapshotSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Scheduler) sessionFor(playerID int64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seats[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: player %d has no session", ErrNotSeated, playerID)
	}
	return s.sessions[id], nil
}

func (s *Scheduler) seatedSession(playerID, sessionID int64) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if _, seated := sess.SideOf(playerID); !seated {
		return nil, fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, sessionID)
	}
	return sess, nil
}
