// Package matchmaking pairs waiting players in strict arrival order.
package matchmaking

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
)

// ErrInvalidPlayer rejects entries without a usable id.
var ErrInvalidPlayer = errors.New("player id must be positive")

// Notifier delivers queue updates to players.
type Notifier interface {
	Send(playerID int64, msg protocol.ServerMessage) error
}

// Pairer starts a session for two matched players and returns its id. Implementations call
// announce with the session id once it is registered and before either player hears from the
// session itself.
type Pairer interface {
	Pair(left, right protocol.Player, announce func(sessionID int64)) (int64, error)
}

// PairerFunc adapts a function to Pairer.
type PairerFunc func(left, right protocol.Player, announce func(sessionID int64)) (int64, error)

func (f PairerFunc) Pair(left, right protocol.Player, announce func(sessionID int64)) (int64, error) {
	return f(left, right, announce)
}

// Entry is one waiting player.
type Entry struct {
	Player     protocol.Player
	EnqueuedAt time.Time
}

// Stats summarises queue occupancy and waiting times.
type Stats struct {
	Mode        string
	Waiting     int
	Paired      uint64
	Failed      uint64
	LongestWait time.Duration
	AverageWait time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger overrides the queue logger.
func WithLogger(logger *logging.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock injects the time source for enqueue timestamps.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// WithMatchIDs overrides the match id generator.
func WithMatchIDs(next func() string) Option {
	return func(q *Queue) {
		if next != nil {
			q.nextID = next
		}
	}
}

// Queue is a FIFO of players waiting for an opponent in one mode.
type Queue struct {
	mode     string
	pairer   Pairer
	notifier Notifier
	logger   *logging.Logger
	now      func() time.Time
	nextID   func() string

	mu        sync.Mutex
	entries   []Entry
	paired    uint64
	failed    uint64
	totalWait time.Duration
}

// New constructs a queue that hands pairs to pairer and notifies players through notifier.
func New(mode string, pairer Pairer, notifier Notifier, opts ...Option) (*Queue, error) {
	if pairer == nil || notifier == nil {
		return nil, errors.New("matchmaking: pairer and notifier required")
	}
	q := &Queue{
		mode:     mode,
		pairer:   pairer,
		notifier: notifier,
		logger:   logging.L(),
		now:      time.Now,
		nextID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Mode returns the session mode this queue feeds.
func (q *Queue) Mode() string { return q.mode }

type pair struct {
	left, right Entry
}

// Enqueue places player at the back of the queue, replacing an earlier entry for the same id,
// then pairs the two oldest entries while at least two are waiting.
func (q *Queue) Enqueue(player protocol.Player) error {
	if player.ID <= 0 {
		return ErrInvalidPlayer
	}
	q.mu.Lock()
	q.removeLocked(player.ID)
	q.entries = append(q.entries, Entry{Player: player, EnqueuedAt: q.now()})
	position := protocol.QueuePosition{Mode: q.mode, Position: len(q.entries), TotalInQueue: len(q.entries)}
	q.mu.Unlock()

	//1.- Tell the player where they stand before any pairing happens.
	if err := q.notifier.Send(player.ID, position); err != nil {
		q.logger.Debug("queue position undeliverable", logging.Int64("player_id", player.ID), logging.Error(err))
		q.Dequeue(player.ID)
		return nil
	}
	q.drain()
	return nil
}

// Dequeue removes the player's entry and renumbers everyone behind it.
func (q *Queue) Dequeue(playerID int64) bool {
	q.mu.Lock()
	removed := q.removeLocked(playerID)
	positions := q.positionsLocked()
	q.mu.Unlock()
	if removed {
		q.notifyPositions(positions)
	}
	return removed
}

// Position returns the 1-based position of playerID.
func (q *Queue) Position(playerID int64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.Player.ID == playerID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of waiting players.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats reports the queue size and wait times.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Mode: q.mode, Waiting: len(q.entries), Paired: q.paired, Failed: q.failed}
	if len(q.entries) > 0 {
		stats.LongestWait = q.now().Sub(q.entries[0].EnqueuedAt)
	}
	if q.paired > 0 {
		stats.AverageWait = q.totalWait / time.Duration(2*q.paired)
	}
	return stats
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.entries) < 2 {
			q.mu.Unlock()
			return
		}
		//1.- The two oldest entries always form the next pair.
		next := pair{left: q.entries[0], right: q.entries[1]}
		q.entries = append([]Entry(nil), q.entries[2:]...)
		now := q.now()
		q.totalWait += now.Sub(next.left.EnqueuedAt) + now.Sub(next.right.EnqueuedAt)
		positions := q.positionsLocked()
		q.mu.Unlock()

		q.start(next)
		q.notifyPositions(positions)
	}
}

func (q *Queue) start(p pair) {
	matchID := q.nextID()
	left, right := p.left.Player, p.right.Player
	announced := false
	announce := func(sessionID int64) {
		if announced {
			return
		}
		announced = true
		_ = q.notifier.Send(left.ID, protocol.Matched{MatchID: matchID, SessionID: sessionID, Mode: q.mode, Opponent: right})
		_ = q.notifier.Send(right.ID, protocol.Matched{MatchID: matchID, SessionID: sessionID, Mode: q.mode, Opponent: left})
	}
	sessionID, err := q.pairer.Pair(left, right, announce)
	if err != nil {
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.logger.Warn("pairing failed",
			logging.String("match_id", matchID),
			logging.Int64("left", left.ID),
			logging.Int64("right", right.ID),
			logging.Error(err),
		)
		message := protocol.Error{Message: fmt.Sprintf("could not start match: %v", err)}
		_ = q.notifier.Send(left.ID, message)
		_ = q.notifier.Send(right.ID, message)
		return
	}

	q.mu.Lock()
	q.paired++
	q.mu.Unlock()
	q.logger.Info("players matched",
		logging.String("match_id", matchID),
		logging.String("mode", q.mode),
		logging.Int64("session_id", sessionID),
		logging.Int64("left", left.ID),
		logging.Int64("right", right.ID),
	)
	announce(sessionID)
}

func (q *Queue) notifyPositions(positions []outboundPosition) {
	for len(positions) > 0 {
		pos := positions[0]
		positions = positions[1:]
		if err := q.notifier.Send(pos.playerID, pos.msg); err == nil {
			continue
		}
		//1.- An unreachable waiter leaves the queue and everyone still waiting is renumbered.
		q.mu.Lock()
		if q.removeLocked(pos.playerID) {
			positions = q.positionsLocked()
		}
		q.mu.Unlock()
	}
}

type outboundPosition struct {
	playerID int64
	msg      protocol.QueuePosition
}

func (q *Queue) positionsLocked() []outboundPosition {
	out := make([]outboundPosition, 0, len(q.entries))
	for i, entry := range q.entries {
		out = append(out, outboundPosition{
			playerID: entry.Player.ID,
			msg:      protocol.QueuePosition{Mode: q.mode, Position: i + 1, TotalInQueue: len(q.entries)},
		})
	}
	return out
}

func (q *Queue) removeLocked(playerID int64) bool {
	for i, entry := range q.entries {
		if entry.Player.ID == playerID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}
