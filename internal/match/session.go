// Package match hosts ranked sessions: a lobby, countdown and play lifecycle wrapped around one
// authoritative pong match, and the scheduler that ticks every live session.
package match

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/pong"
	"paddlecourt/engine/internal/protocol"
)

var (
	// ErrNotSeated is returned when a player references a session they do not occupy.
	ErrNotSeated = errors.New("player is not seated in this session")
	// ErrAlreadySeated rejects starting a session for a player who already holds a seat.
	ErrAlreadySeated = errors.New("player already seated in a session")
	// ErrSessionNotFound is returned for unknown or retired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWrongLifecycle rejects operations that are not valid in the current lifecycle.
	ErrWrongLifecycle = errors.New("operation not allowed in current lifecycle")
	// ErrInvalidPlayer is returned when a player reference has no usable id.
	ErrInvalidPlayer = errors.New("player id must be positive")
)

// Lifecycle is the lobby state of a session.
type Lifecycle uint8

const (
	LifecycleWaitingReady Lifecycle = iota
	LifecycleCountdown
	LifecyclePlaying
	LifecycleFinished
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleWaitingReady:
		return "waiting_ready"
	case LifecycleCountdown:
		return "countdown"
	case LifecyclePlaying:
		return "playing"
	case LifecycleFinished:
		return "finished"
	default:
		return "unknown"
	}
}

func (l Lifecycle) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Outbound is a message addressed to one player.
type Outbound struct {
	PlayerID int64
	Message  protocol.ServerMessage
}

// Frame is the spectator view of a session after a tick.
type Frame struct {
	SessionID int64           `json:"sessionId"`
	Tick      uint64          `json:"tick"`
	Lifecycle string          `json:"lifecycle"`
	Left      protocol.Player `json:"left"`
	Right     protocol.Player `json:"right"`
	Match     pong.Snapshot   `json:"match"`
}

// SessionSnapshot is a read-only copy of a session for observers.
type SessionSnapshot struct {
	ID         int64           `json:"id"`
	Mode       string          `json:"mode"`
	Local      bool            `json:"local"`
	Lifecycle  string          `json:"lifecycle"`
	Left       protocol.Player `json:"left"`
	Right      protocol.Player `json:"right"`
	LeftReady  bool            `json:"leftReady"`
	RightReady bool            `json:"rightReady"`
	Countdown  int             `json:"countdown"`
	Tick       uint64          `json:"tick"`
	StartedAt  time.Time       `json:"startedAt"`
	Match      pong.Snapshot   `json:"match"`
}

type seat struct {
	player protocol.Player
	input  pong.Input
	ready  bool
}

// Session wraps one match with two seats and the ready/countdown lobby. All methods are safe for
// concurrent use; input writes and tick reads share the session lock.
type Session struct {
	mu sync.Mutex

	id        int64
	mode      string
	local     bool
	match     *pong.Match
	left      seat
	right     seat
	lifecycle Lifecycle
	countFrom int
	count     int
	nextCount time.Time
	tick      uint64
	startedAt time.Time
	endedAt   time.Time
	reason    string
	winner    pong.Side
	now       func() time.Time
}

func newSession(id int64, mode string, left, right protocol.Player, cfg pong.Config, rng *rand.Rand, countdown int, now func() time.Time) (*Session, error) {
	if left.ID <= 0 || right.ID <= 0 {
		return nil, ErrInvalidPlayer
	}
	game, err := pong.NewMatch(cfg, rng)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if countdown < 0 {
		countdown = 0
	}
	s := &Session{
		id:        id,
		mode:      mode,
		local:     left.ID == right.ID,
		match:     game,
		left:      seat{player: left},
		right:     seat{player: right},
		countFrom: countdown,
		startedAt: now(),
		now:       now,
	}
	//1.- Both controllers belong to one player in local mode, so there is no lobby.
	if s.local {
		s.lifecycle = LifecyclePlaying
	}
	return s, nil
}

func (s *Session) ID() int64 { return s.id }

func (s *Session) Mode() string { return s.mode }

// Local reports whether one player drives both paddles.
func (s *Session) Local() bool { return s.local }

func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Players returns the left and right seat occupants.
func (s *Session) Players() (protocol.Player, protocol.Player) {
	return s.left.player, s.right.player
}

// SideOf returns the seat held by playerID. Local sessions report the left side.
func (s *Session) SideOf(playerID int64) (pong.Side, bool) {
	switch playerID {
	case s.left.player.ID:
		return pong.SideLeft, true
	case s.right.player.ID:
		return pong.SideRight, true
	default:
		return pong.SideNone, false
	}
}

// Recipients lists the distinct player ids that receive session messages.
func (s *Session) Recipients() []int64 {
	if s.local {
		return []int64{s.left.player.ID}
	}
	return []int64{s.left.player.ID, s.right.player.ID}
}

func (s *Session) seatFor(side pong.Side) *seat {
	if side == pong.SideRight {
		return &s.right
	}
	return &s.left
}

// SetReady records a ready flag and returns the messages the change produces. Both flags
// raised moves the session into the countdown.
func (s *Session) SetReady(playerID int64, ready bool) ([]Outbound, error) {
	side, ok := s.SideOf(playerID)
	if !ok {
		return nil, fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != LifecycleWaitingReady {
		return nil, fmt.Errorf("%w: ready during %s", ErrWrongLifecycle, s.lifecycle)
	}
	target := s.seatFor(side)
	if target.ready == ready {
		return nil, nil
	}
	target.ready = ready

	out := s.broadcastLocked(s.readyStatusLocked())
	//1.- The countdown starts on the change that raises the second flag.
	if s.left.ready && s.right.ready {
		s.lifecycle = LifecycleCountdown
		s.count = s.countFrom
		s.nextCount = s.now().Add(time.Second)
		out = append(out, s.broadcastLocked(protocol.Countdown{SessionID: s.id, Count: s.count})...)
		if s.count <= 0 {
			s.lifecycle = LifecyclePlaying
		}
	}
	return out, nil
}

// SetInput overwrites the buffered input for the player's seat.
func (s *Session) SetInput(playerID int64, input pong.Input) error {
	side, ok := s.SideOf(playerID)
	if !ok {
		return fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleFinished {
		return fmt.Errorf("%w: input after finish", ErrWrongLifecycle)
	}
	s.seatFor(side).input = input
	return nil
}

// SetLocalInput overwrites both seats at once for a local session.
func (s *Session) SetLocalInput(playerID int64, left, right pong.Input) error {
	if !s.local {
		return fmt.Errorf("%w: two-controller input in a versus session", ErrWrongLifecycle)
	}
	if playerID != s.left.player.ID {
		return fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleFinished {
		return fmt.Errorf("%w: input after finish", ErrWrongLifecycle)
	}
	s.left.input = left
	s.right.input = right
	return nil
}

// stepOutcome is what one scheduler tick produced for a session.
type stepOutcome struct {
	messages []Outbound
	frame    *Frame
	finished bool
}

func (s *Session) step(dt time.Duration) stepOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out stepOutcome
	switch s.lifecycle {
	case LifecycleCountdown:
		//1.- Emit one number per elapsed second until zero opens play.
		now := s.now()
		for s.lifecycle == LifecycleCountdown && !now.Before(s.nextCount) {
			s.count--
			s.nextCount = s.nextCount.Add(time.Second)
			out.messages = append(out.messages, s.broadcastLocked(protocol.Countdown{SessionID: s.id, Count: s.count})...)
			if s.count <= 0 {
				s.lifecycle = LifecyclePlaying
			}
		}
	case LifecyclePlaying:
		//2.- Advance physics with the inputs buffered since the last tick.
		s.match.Advance(dt, s.left.input, s.right.input)
		s.tick++
		out.messages = append(out.messages, s.stateViewsLocked()...)
		frame := s.frameLocked()
		out.frame = &frame
		//3.- A match that left Running retires the session with a result.
		if status := s.match.Status(); status != pong.StatusRunning {
			out.messages = append(out.messages, s.finishLocked(protocol.ReasonWon, status.Winner())...)
			out.finished = true
		}
	}
	return out
}

// end terminates the session early. It returns nil when the session had already finished.
func (s *Session) end(reason string, winner pong.Side) []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleFinished {
		return nil
	}
	s.match.Abort()
	return s.finishLocked(reason, winner)
}

func (s *Session) finishLocked(reason string, winner pong.Side) []Outbound {
	s.lifecycle = LifecycleFinished
	s.reason = reason
	s.winner = winner
	s.endedAt = s.now()
	leftScore, rightScore := s.match.Scores()
	msg := protocol.MatchEnded{
		SessionID:  s.id,
		WinnerSide: winner,
		FinalScore: protocol.Score{Left: leftScore, Right: rightScore},
		Reason:     reason,
	}
	if winner != pong.SideNone {
		msg.Winner = s.seatFor(winner).player.Name
	}
	return s.broadcastLocked(msg)
}

// Finished reports whether the session reached its terminal lifecycle.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle == LifecycleFinished
}

// StartMessages announces the session to both seats.
func (s *Session) StartMessages() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outbound, 0, 4)
	for _, id := range s.Recipients() {
		out = append(out, s.introLocked(id)...)
	}
	return out
}

// JoinMessages re-sends the session introduction to a seated player.
func (s *Session) JoinMessages(playerID int64) ([]Outbound, error) {
	if _, ok := s.SideOf(playerID); !ok {
		return nil, fmt.Errorf("%w: player %d session %d", ErrNotSeated, playerID, s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleFinished {
		return nil, fmt.Errorf("%w: session %d finished", ErrWrongLifecycle, s.id)
	}
	return s.introLocked(playerID), nil
}

func (s *Session) introLocked(playerID int64) []Outbound {
	side, _ := s.SideOf(playerID)
	opponent := s.seatFor(side.Opponent()).player
	started := protocol.MatchStarted{SessionID: s.id, Mode: s.mode, Side: side, Opponent: opponent, Local: s.local}
	if s.local {
		started.Side = pong.SideNone
	}
	return []Outbound{
		{PlayerID: playerID, Message: started},
		{PlayerID: playerID, Message: s.readyStatusLocked()},
	}
}

func (s *Session) readyStatusLocked() protocol.ReadyStatus {
	return protocol.ReadyStatus{
		SessionID:  s.id,
		LeftReady:  s.left.ready,
		RightReady: s.right.ready,
		Lifecycle:  s.lifecycle.String(),
	}
}

func (s *Session) stateViewsLocked() []Outbound {
	snapshot := s.match.Snapshot()
	if s.local {
		return []Outbound{{PlayerID: s.left.player.ID, Message: protocol.State{
			SessionID: s.id,
			Tick:      s.tick,
			Side:      pong.SideNone,
			Lifecycle: s.lifecycle.String(),
			Match:     snapshot,
		}}}
	}
	//1.- Each view carries the opponent's latest input for the client UI.
	return []Outbound{
		{PlayerID: s.left.player.ID, Message: protocol.State{
			SessionID:     s.id,
			Tick:          s.tick,
			Side:          pong.SideLeft,
			Lifecycle:     s.lifecycle.String(),
			Match:         snapshot,
			OpponentInput: s.right.input,
		}},
		{PlayerID: s.right.player.ID, Message: protocol.State{
			SessionID:     s.id,
			Tick:          s.tick,
			Side:          pong.SideRight,
			Lifecycle:     s.lifecycle.String(),
			Match:         snapshot,
			OpponentInput: s.left.input,
		}},
	}
}

func (s *Session) broadcastLocked(msg protocol.ServerMessage) []Outbound {
	recipients := s.Recipients()
	out := make([]Outbound, 0, len(recipients))
	for _, id := range recipients {
		out = append(out, Outbound{PlayerID: id, Message: msg})
	}
	return out
}

func (s *Session) frameLocked() Frame {
	return Frame{
		SessionID: s.id,
		Tick:      s.tick,
		Lifecycle: s.lifecycle.String(),
		Left:      s.left.player,
		Right:     s.right.player,
		Match:     s.match.Snapshot(),
	}
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:         s.id,
		Mode:       s.mode,
		Local:      s.local,
		Lifecycle:  s.lifecycle.String(),
		Left:       s.left.player,
		Right:      s.right.player,
		LeftReady:  s.left.ready,
		RightReady: s.right.ready,
		Countdown:  s.count,
		Tick:       s.tick,
		StartedAt:  s.startedAt,
		Match:      s.match.Snapshot(),
	}
}

func participant(p protocol.Player) events.Participant {
	return events.Participant{ID: p.ID, Name: p.Name}
}

func (s *Session) startedEvent() events.SessionStarted {
	return events.SessionStarted{
		SessionID: s.id,
		Mode:      s.mode,
		Left:      participant(s.left.player),
		Right:     participant(s.right.player),
		Local:     s.local,
		StartedAt: s.startedAt,
	}
}

func (s *Session) endedEvent() events.SessionEnded {
	s.mu.Lock()
	defer s.mu.Unlock()
	leftScore, rightScore := s.match.Scores()
	event := events.SessionEnded{
		SessionID:  s.id,
		Mode:       s.mode,
		Left:       participant(s.left.player),
		Right:      participant(s.right.player),
		Local:      s.local,
		WinnerSide: s.winner.String(),
		LeftScore:  leftScore,
		RightScore: rightScore,
		Reason:     s.reason,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
	}
	if s.winner != pong.SideNone {
		event.Winner = participant(s.seatFor(s.winner).player)
	}
	return event
}
