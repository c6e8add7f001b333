package quickplay

import (
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

// QuickplayIDBase is the first casual session id. Casual ids grow upward from it so they never
// collide with ranked ids.
const QuickplayIDBase int64 = 1_000_000

// DefaultGracePeriod is how long a session waits for a disconnected side to return.
const DefaultGracePeriod = 10 * time.Second

// DefaultTickInterval is the casual tick period.
const DefaultTickInterval = time.Second / 60

var (
	// ErrSessionNotFound is returned for unknown or ended casual sessions.
	ErrSessionNotFound = errors.New("quickplay session not found")
	// ErrNotSeated is returned when a player references a session they do not occupy.
	ErrNotSeated = errors.New("player is not seated in this quickplay session")
	// ErrInvalidPlayer rejects players without a usable id.
	ErrInvalidPlayer = errors.New("player id must be positive")
	// ErrNotLocal rejects two-controller input for a versus session.
	ErrNotLocal = errors.New("two-controller input requires a local session")
)

// Sender delivers a message to a player's live connection.
type Sender interface {
	Send(playerID int64, msg protocol.ServerMessage) error
}

// Publisher receives lifecycle notifications.
type Publisher interface {
	PublishSessionStarted(events.SessionStarted) (uint64, error)
	PublishSessionEnded(events.SessionEnded) (uint64, error)
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Stats summarises manager activity.
type Stats struct {
	Active      int
	Waiting     int
	Started     uint64
	Ended       uint64
	Loop        simulation.LoopState
	TickMetrics simulation.TickMetricsSnapshot
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithAfterFunc replaces the grace timer scheduler.
func WithAfterFunc(after AfterFunc) Option {
	return func(m *Manager) {
		if after != nil {
			m.after = after
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

func WithSeed(seed uint64) Option {
	return func(m *Manager) { m.rng = rand.New(rand.NewSource(seed)) }
}

// WithLoopOptions forwards options to the elastic loop.
func WithLoopOptions(opts ...simulation.LoopOption) Option {
	return func(m *Manager) { m.loopOpts = append(m.loopOpts, opts...) }
}

type session struct {
	id         int64
	mode       string
	game       *Game
	left       protocol.Player
	right      protocol.Player
	leftInput  pong.Input
	rightInput pong.Input
	leftOn     bool
	rightOn    bool
	leftAway   time.Time
	rightAway  time.Time
	lastTick   time.Time
	startedAt  time.Time
	grace      Timer
	graceGen   uint64
}

func (s *session) local() bool { return s.left.ID == s.right.ID }

func (s *session) recipients() []int64 {
	if s.local() {
		return []int64{s.left.ID}
	}
	return []int64{s.left.ID, s.right.ID}
}

func (s *session) side(playerID int64) (pong.Side, bool) {
	switch playerID {
	case s.left.ID:
		return pong.SideLeft, true
	case s.right.ID:
		return pong.SideRight, true
	default:
		return pong.SideNone, false
	}
}

func (s *session) online(playerID int64) bool {
	side, _ := s.side(playerID)
	if side == pong.SideRight {
		return s.rightOn
	}
	return s.leftOn
}

// setOnline flips the side's presence and records when it went away.
func (s *session) setOnline(playerID int64, online bool, now time.Time) {
	side, _ := s.side(playerID)
	if s.local() || side == pong.SideLeft {
		if s.leftOn && !online {
			s.leftAway = now
		}
		s.leftOn = online
	}
	if s.local() || side == pong.SideRight {
		if s.rightOn && !online {
			s.rightAway = now
		}
		s.rightOn = online
	}
}

// firstAway returns the absent side whose grace period runs out first.
func (s *session) firstAway() (pong.Side, time.Time, bool) {
	switch {
	case !s.leftOn && (s.rightOn || !s.rightAway.Before(s.leftAway)):
		return pong.SideLeft, s.leftAway, true
	case !s.rightOn:
		return pong.SideRight, s.rightAway, true
	default:
		return pong.SideNone, time.Time{}, false
	}
}

func (s *session) awaySince(side pong.Side) time.Time {
	if side == pong.SideRight {
		return s.rightAway
	}
	return s.leftAway
}

func (s *session) sideOnline(side pong.Side) bool {
	if side == pong.SideRight {
		return s.rightOn
	}
	return s.leftOn
}

func (s *session) paused() bool { return !s.leftOn || !s.rightOn }

type outbound struct {
	playerID  int64
	sessionID int64
	msg       protocol.ServerMessage
}

// Manager owns every casual session and ticks them on an elastic loop that runs only while
// sessions exist.
type Manager struct {
	cfg       Config
	sender    Sender
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
	after     AfterFunc
	grace     time.Duration
	interval  time.Duration
	loopOpts  []simulation.LoopOption
	loop      *simulation.ElasticLoop
	monitor   *simulation.TickMonitor

	mu       sync.Mutex
	rng      *rand.Rand
	nextID   int64
	sessions map[int64]*session
	seats    map[int64]int64
	started  uint64
	ended    uint64
}

// NewManager constructs a manager that pushes snapshots through sender.
func NewManager(sender Sender, opts ...Option) (*Manager, error) {
	if sender == nil {
		return nil, errors.New("quickplay: sender required")
	}
	m := &Manager{
		cfg:      DefaultConfig(),
		sender:   sender,
		logger:   logging.L(),
		now:      time.Now,
		after:    realAfterFunc,
		grace:    DefaultGracePeriod,
		interval: DefaultTickInterval,
		nextID:   QuickplayIDBase,
		sessions: make(map[int64]*session),
		seats:    make(map[int64]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	m.loop = simulation.NewElasticLoop(m.interval, m.Tick, m.loopOpts...)
	m.monitor = simulation.NewTickMonitor(m.interval)
	return m, nil
}

// Start creates a casual session. A player already seated elsewhere has that session ended with
// a replaced notice first.
func (m *Manager) Start(left, right protocol.Player, mode string) (int64, error) {
	return m.StartMatched(left, right, mode, nil)
}

// StartMatched is Start with a hook that runs after any replaced notices and before the new
// session introduces itself.
func (m *Manager) StartMatched(left, right protocol.Player, mode string, announce func(sessionID int64)) (int64, error) {
	if left.ID <= 0 || right.ID <= 0 {
		return 0, ErrInvalidPlayer
	}
	if mode == "" {
		mode = protocol.ModeCasual
	}

	m.mu.Lock()
	var notices, intros []outbound
	var replaced []*session
	//1.- Last writer wins: prior sessions of either player are force-ended.
	for _, playerID := range []int64{left.ID, right.ID} {
		if prior, ok := m.sessionForLocked(playerID); ok {
			notices = append(notices, m.endLocked(prior, protocol.ReasonReplaced, pong.SideNone)...)
			replaced = append(replaced, prior)
		}
	}
	now := m.now()
	id := m.nextID
	m.nextID++
	sess := &session{
		id:         id,
		mode:       mode,
		game:       NewGame(m.cfg, rand.New(rand.NewSource(m.rng.Uint64()))),
		left:       left,
		right:      right,
		leftOn:     true,
		rightOn:    true,
		lastTick:   now,
		startedAt:  now,
	}
	m.sessions[id] = sess
	m.seats[left.ID] = id
	m.seats[right.ID] = id
	m.started++
	for _, playerID := range sess.recipients() {
		intros = append(intros, outbound{playerID: playerID, sessionID: id, msg: introduction(sess, playerID)})
	}
	m.mu.Unlock()

	for _, prior := range replaced {
		m.publishEnded(prior, protocol.ReasonReplaced, pong.SideNone)
	}
	m.logger.Info("quickplay session started",
		logging.Int64("session_id", id),
		logging.Int64("left", left.ID),
		logging.Int64("right", right.ID),
		logging.Int("replaced", len(replaced)),
	)
	if m.publisher != nil {
		event := events.SessionStarted{
			SessionID: id,
			Mode:      mode,
			Left:      events.Participant{ID: left.ID, Name: left.Name},
			Right:     events.Participant{ID: right.ID, Name: right.Name},
			Local:     sess.local(),
			StartedAt: now,
		}
		if _, err := m.publisher.PublishSessionStarted(event); err != nil {
			m.logger.Warn("publish session started failed", logging.Int64("session_id", id), logging.Error(err))
		}
	}
	m.deliver(notices)
	if announce != nil {
		announce(id)
	}
	m.deliver(intros)
	m.loop.Ensure()
	return id, nil
}

// SubmitInput overwrites the player's buffered input.
func (m *Manager) SubmitInput(playerID int64, input pong.Input) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessionForLocked(playerID)
	if !ok {
		return fmt.Errorf("%w: player %d has no session", ErrNotSeated, playerID)
	}
	if side, _ := sess.side(playerID); side == pong.SideRight {
		sess.rightInput = input
	} else {
		sess.leftInput = input
	}
	return nil
}

// SubmitLocalInput overwrites both controllers of a local session.
func (m *Manager) SubmitLocalInput(playerID int64, left, right pong.Input) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessionForLocked(playerID)
	if !ok {
		return fmt.Errorf("%w: player %d has no session", ErrNotSeated, playerID)
	}
	if !sess.local() {
		return ErrNotLocal
	}
	sess.leftInput, sess.rightInput = left, right
	return nil
}

// Disconnected starts the grace period for the player's session. Play pauses until the side
// returns or the period expires.
func (m *Manager) Disconnected(playerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessionForLocked(playerID)
	if !ok || !sess.online(playerID) {
		return
	}
	sess.setOnline(playerID, false, m.now())
	//1.- A side leaving while the other is already away keeps the earlier deadline armed.
	if sess.grace != nil {
		return
	}
	m.armGraceLocked(sess)
	m.logger.Info("quickplay grace started",
		logging.Int64("session_id", sess.id),
		logging.Int64("player_id", playerID),
		logging.Duration("grace", m.grace),
	)
}

// Rejoin reattaches a returning player to their live session, cancelling the grace timer once
// both sides are back.
func (m *Manager) Rejoin(playerID, sessionID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if _, seated := sess.side(playerID); !seated {
		m.mu.Unlock()
		return fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, sessionID)
	}
	wasAway := !sess.online(playerID)
	sess.setOnline(playerID, true, m.now())
	//1.- The timer follows whichever side is still away, counted from its own departure.
	if wasAway && sess.grace != nil {
		m.armGraceLocked(sess)
		if !sess.paused() {
			sess.lastTick = m.now()
		}
	}
	out := []outbound{
		{playerID: playerID, sessionID: sessionID, msg: introduction(sess, playerID)},
		{playerID: playerID, sessionID: sessionID, msg: protocol.QuickplayState{SessionID: sessionID, Court: sess.game.Court()}},
	}
	m.mu.Unlock()
	m.deliver(out)
	m.loop.Ensure()
	return nil
}

// Leave forfeits the player's session to the opponent.
func (m *Manager) Leave(playerID, sessionID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	side, seated := sess.side(playerID)
	if !seated {
		m.mu.Unlock()
		return fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, sessionID)
	}
	reason, winner := protocol.ReasonForfeit, side.Opponent()
	if sess.local() {
		reason, winner = protocol.ReasonAborted, pong.SideNone
	}
	out := m.endLocked(sess, reason, winner)
	m.mu.Unlock()
	m.publishEnded(sess, reason, winner)
	m.deliverBestEffort(out)
	return nil
}

// Abort ends a session without a winner.
func (m *Manager) Abort(sessionID int64, reason string) error {
	if reason == "" {
		reason = protocol.ReasonAborted
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	out := m.endLocked(sess, reason, pong.SideNone)
	m.mu.Unlock()
	m.publishEnded(sess, reason, pong.SideNone)
	m.deliverBestEffort(out)
	return nil
}

// Shutdown stops the loop and ends every session.
func (m *Manager) Shutdown() {
	m.loop.Shutdown()
	m.mu.Lock()
	var out []outbound
	var ended []*session
	for _, sess := range m.sessions {
		out = append(out, m.endLocked(sess, protocol.ReasonShutdown, pong.SideNone)...)
		ended = append(ended, sess)
	}
	m.mu.Unlock()
	for _, sess := range ended {
		m.publishEnded(sess, protocol.ReasonShutdown, pong.SideNone)
	}
	m.deliverBestEffort(out)
}

// Tick advances every running session to now and pushes the flat snapshots. It reports whether
// sessions remain so the elastic loop can park itself.
func (m *Manager) Tick(now time.Time) bool {
	began := time.Now()
	m.mu.Lock()
	var out []outbound
	var finished []*session
	stepped := 0
	for _, sess := range m.sessions {
		if sess.paused() {
			continue
		}
		//1.- Wall-clock delta capped before it reaches the physics step.
		dt := now.Sub(sess.lastTick)
		sess.lastTick = now
		if dt > m.cfg.MaxStep {
			dt = m.cfg.MaxStep
		}
		sess.game.Update(dt, sess.leftInput, sess.rightInput)
		stepped++
		state := protocol.QuickplayState{SessionID: sess.id, Court: sess.game.Court()}
		for _, playerID := range sess.recipients() {
			out = append(out, outbound{playerID: playerID, sessionID: sess.id, msg: state})
		}
		if sess.game.Over() {
			finished = append(finished, sess)
		}
	}
	for _, sess := range finished {
		out = append(out, m.endLocked(sess, protocol.ReasonWon, sess.game.WinnerSide())...)
	}
	m.mu.Unlock()

	for _, sess := range finished {
		m.publishEnded(sess, protocol.ReasonWon, sess.game.WinnerSide())
	}
	m.deliver(out)
	m.monitor.Observe(time.Since(began), stepped)

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) > 0
}

// Active returns live session ids in ascending order.
func (m *Manager) Active() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionOf returns the session seating playerID.
func (m *Manager) SessionOf(playerID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.seats[playerID]
	return id, ok
}

// Snapshot returns the current court of a session.
func (m *Manager) Snapshot(sessionID int64) (protocol.Court, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return protocol.Court{}, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return sess.game.Court(), nil
}

// LoopState exposes whether the elastic loop is running.
func (m *Manager) LoopState() simulation.LoopState { return m.loop.State() }

// Stats reports manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	stats := Stats{Active: len(m.sessions), Started: m.started, Ended: m.ended}
	for _, sess := range m.sessions {
		if sess.paused() {
			stats.Waiting++
		}
	}
	m.mu.Unlock()
	stats.Loop = m.loop.State()
	stats.TickMetrics = m.monitor.Snapshot()
	return stats
}

// armGraceLocked replaces the session's timer with one for the earliest absent side. With both
// sides present it only cancels.
func (m *Manager) armGraceLocked(sess *session) {
	if sess.grace != nil {
		sess.grace.Stop()
		sess.grace = nil
	}
	sess.graceGen++
	side, since, away := sess.firstAway()
	if !away {
		return
	}
	gen, id := sess.graceGen, sess.id
	remaining := since.Add(m.grace).Sub(m.now())
	sess.grace = m.after(remaining, func() { m.expire(id, gen, side) })
}

func (m *Manager) expire(sessionID int64, gen uint64, loser pong.Side) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.graceGen != gen || !sess.paused() {
		m.mu.Unlock()
		return
	}
	//1.- The opponent wins when present or still inside its own later grace; a joint exit is dropped silently.
	var out []outbound
	winner := loser.Opponent()
	if sess.local() || !sess.sideOnline(winner) && !sess.awaySince(winner).After(sess.awaySince(loser)) {
		winner = pong.SideNone
	}
	ended := m.endLocked(sess, protocol.ReasonOpponentDisconnected, winner)
	if winner != pong.SideNone {
		for _, o := range ended {
			if sess.online(o.playerID) {
				out = append(out, o)
			}
		}
	}
	m.mu.Unlock()

	m.logger.Info("quickplay grace expired",
		logging.Int64("session_id", sessionID),
		logging.String("winner_side", winner.String()),
	)
	m.publishEnded(sess, protocol.ReasonOpponentDisconnected, winner)
	m.deliverBestEffort(out)
}

// endLocked removes sess and returns the match_ended notices for its occupants.
func (m *Manager) endLocked(sess *session, reason string, winner pong.Side) []outbound {
	if current, ok := m.sessions[sess.id]; !ok || current != sess {
		return nil
	}
	delete(m.sessions, sess.id)
	for _, playerID := range sess.recipients() {
		if m.seats[playerID] == sess.id {
			delete(m.seats, playerID)
		}
	}
	if sess.grace != nil {
		sess.grace.Stop()
		sess.grace = nil
	}
	sess.graceGen++
	m.ended++

	court := sess.game.Court()
	msg := protocol.MatchEnded{
		SessionID:  sess.id,
		WinnerSide: winner,
		FinalScore: protocol.Score{Left: court.LeftScore, Right: court.RightScore},
		Reason:     reason,
	}
	switch winner {
	case pong.SideLeft:
		msg.Winner = sess.left.Name
	case pong.SideRight:
		msg.Winner = sess.right.Name
	}
	out := make([]outbound, 0, 2)
	for _, playerID := range sess.recipients() {
		out = append(out, outbound{playerID: playerID, sessionID: sess.id, msg: msg})
	}
	return out
}

func (m *Manager) sessionForLocked(playerID int64) (*session, bool) {
	id, ok := m.seats[playerID]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[id]
	return sess, ok
}

// deliver pushes messages; a failed push counts as a disconnect of that side.
func (m *Manager) deliver(out []outbound) {
	for _, o := range out {
		if err := m.sender.Send(o.playerID, o.msg); err != nil {
			m.logger.Debug("quickplay push failed",
				logging.Int64("session_id", o.sessionID),
				logging.Int64("player_id", o.playerID),
				logging.Error(err),
			)
			m.disconnectFrom(o.playerID, o.sessionID)
		}
	}
}

func (m *Manager) disconnectFrom(playerID, sessionID int64) {
	m.mu.Lock()
	id, ok := m.seats[playerID]
	m.mu.Unlock()
	if ok && id == sessionID {
		m.Disconnected(playerID)
	}
}

func (m *Manager) deliverBestEffort(out []outbound) {
	for _, o := range out {
		_ = m.sender.Send(o.playerID, o.msg)
	}
}

func (m *Manager) publishEnded(sess *session, reason string, winner pong.Side) {
	court := sess.game.Court()
	m.logger.Info("quickplay session ended",
		logging.Int64("session_id", sess.id),
		logging.String("reason", reason),
		logging.Int("left_score", court.LeftScore),
		logging.Int("right_score", court.RightScore),
	)
	if m.publisher == nil {
		return
	}
	event := events.SessionEnded{
		SessionID:  sess.id,
		Mode:       sess.mode,
		Left:       events.Participant{ID: sess.left.ID, Name: sess.left.Name},
		Right:      events.Participant{ID: sess.right.ID, Name: sess.right.Name},
		Local:      sess.local(),
		WinnerSide: winner.String(),
		LeftScore:  court.LeftScore,
		RightScore: court.RightScore,
		Reason:     reason,
		StartedAt:  sess.startedAt,
		EndedAt:    m.now(),
	}
	switch winner {
	case pong.SideLeft:
		event.Winner = event.Left
	case pong.SideRight:
		event.Winner = event.Right
	}
	if _, err := m.publisher.PublishSessionEnded(event); err != nil {
		m.logger.Warn("publish session ended failed", logging.Int64("session_id", sess.id), logging.Error(err))
	}
}

func introduction(sess *session, playerID int64) protocol.MatchStarted {
	side, _ := sess.side(playerID)
	opponent := sess.right
	if side == pong.SideRight {
		opponent = sess.left
	}
	started := protocol.MatchStarted{SessionID: sess.id, Mode: sess.mode, Side: side, Opponent: opponent, Local: sess.local()}
	if sess.local() {
		started.Side = pong.SideNone
	}
	return started
}
