// Package registry maps player ids to their live transport connection.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
)

var (
	// ErrNotConnected is returned when no live connection exists for a player.
	ErrNotConnected = errors.New("player not connected")
	// ErrDeliveryFailed wraps transport errors raised while sending.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Conn is the transport handle for one client.
type Conn interface {
	ID() string
	Send(msg protocol.ServerMessage) error
	Close() error
}

// Entry describes one registered connection.
type Entry struct {
	PlayerID    int64
	Name        string
	Conn        Conn
	ConnectedAt time.Time
}

// Option customises registry construction.
type Option func(*Registry)

// WithLogger overrides the registry logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for connection timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registry holds at most one connection per player id.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*Entry
	logger  *logging.Logger
	now     func() time.Time
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[int64]*Entry),
		logger:  logging.L(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register records conn as the live connection for playerID. A previous connection for the same
// id is superseded and closed.
func (r *Registry) Register(playerID int64, name string, conn Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	previous := r.entries[playerID]
	r.entries[playerID] = &Entry{PlayerID: playerID, Name: name, Conn: conn, ConnectedAt: r.now()}
	r.mu.Unlock()

	if previous != nil && previous.Conn != conn {
		r.logger.Info("connection superseded",
			logging.Int64("player_id", playerID),
			logging.String("previous_conn", previous.Conn.ID()),
			logging.String("conn", conn.ID()),
		)
		_ = previous.Conn.Close()
	}
}

// Unregister removes the entry for playerID when it still points at conn. It reports whether an
// entry was removed so stale close handlers cannot evict a newer connection.
func (r *Registry) Unregister(playerID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[playerID]
	if !ok || (conn != nil && entry.Conn != conn) {
		return false
	}
	delete(r.entries, playerID)
	return true
}

// Lookup returns a copy of the entry for playerID.
func (r *Registry) Lookup(playerID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[playerID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Connected reports whether a live connection exists for playerID.
func (r *Registry) Connected(playerID int64) bool {
	_, ok := r.Lookup(playerID)
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// PlayerIDs returns the registered ids in ascending order.
func (r *Registry) PlayerIDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Send delivers msg to playerID. A failed write removes the stale entry and closes it; the
// caller decides how the failure affects any session.
func (r *Registry) Send(playerID int64, msg protocol.ServerMessage) error {
	r.mu.RLock()
	entry, ok := r.entries[playerID]
	var conn Conn
	if ok {
		conn = entry.Conn
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, playerID)
	}

	if err := conn.Send(msg); err != nil {
		//1.- Only evict when the failing connection is still the registered one.
		if r.Unregister(playerID, conn) {
			_ = conn.Close()
		}
		r.logger.Debug("send failed",
			logging.Int64("player_id", playerID),
			logging.String("kind", msg.ServerKind()),
			logging.Error(err),
		)
		return fmt.Errorf("%w: player %d: %v", ErrDeliveryFailed, playerID, err)
	}
	return nil
}

// BroadcastAll sends msg to every registered connection, dropping peers that fail. It returns
// how many deliveries succeeded.
func (r *Registry) BroadcastAll(msg protocol.ServerMessage) int {
	delivered := 0
	for _, id := range r.PlayerIDs() {
		if err := r.Send(id, msg); err == nil {
			delivered++
		}
	}
	return delivered
}
