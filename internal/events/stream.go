// Package events carries session lifecycle notifications to the collaborators that persist
// results and advance tournaments.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind enumerates the lifecycle notifications carried by the stream.
type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
)

// Participant identifies one seat of a session.
type Participant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SessionStarted announces that a match began.
type SessionStarted struct {
	SessionID int64       `json:"sessionId"`
	Mode      string      `json:"mode"`
	Left      Participant `json:"left"`
	Right     Participant `json:"right"`
	Local     bool        `json:"local"`
	StartedAt time.Time   `json:"startedAt"`
}

// SessionEnded reports the outcome of a match that left the running state.
type SessionEnded struct {
	SessionID  int64       `json:"sessionId"`
	Mode       string      `json:"mode"`
	Left       Participant `json:"left"`
	Right      Participant `json:"right"`
	Local      bool        `json:"local"`
	WinnerSide string      `json:"winnerSide"`
	Winner     Participant `json:"winner"`
	LeftScore  int         `json:"leftScore"`
	RightScore int         `json:"rightScore"`
	Reason     string      `json:"reason"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    time.Time   `json:"endedAt"`
}

// Envelope carries one notification together with sequencing metadata.
type Envelope struct {
	Sequence    uint64          `json:"sequence"`
	Kind        Kind            `json:"kind"`
	PublishedAt time.Time       `json:"publishedAt"`
	Started     *SessionStarted `json:"started,omitempty"`
	Ended       *SessionEnded   `json:"ended,omitempty"`
}

// SessionID returns the session the notification refers to.
func (e *Envelope) SessionID() int64 {
	switch {
	case e == nil:
		return 0
	case e.Started != nil:
		return e.Started.SessionID
	case e.Ended != nil:
		return e.Ended.SessionID
	default:
		return 0
	}
}

// Clone duplicates the payloads so subscribers can mutate their copy safely.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Started != nil {
		started := *e.Started
		clone.Started = &started
	}
	if e.Ended != nil {
		ended := *e.Ended
		clone.Ended = &ended
	}
	return &clone
}

// Config controls the retention policy for the stream log and subscriber buffers.
type Config struct {
	Retain int
	Clock  func() time.Time
}

// Default retention keeps the last 512 events if no explicit value is provided.
const defaultRetention = 512

// Stream coordinates ordered event delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	now         func() time.Time
	logOrder    []uint64
	logPayloads map[uint64]*Envelope
	subscribers map[string]*subscriberState
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	done   chan struct{}
	once   sync.Once
}

// Stats summarises stream occupancy for metrics.
type Stats struct {
	Published   uint64
	Retained    int
	Subscribers int
	Active      int
}

// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
var ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Stream{
		retention:   retention,
		now:         clock,
		logPayloads: make(map[uint64]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches the logical subscriber to the stream and replays outstanding events.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	replay := s.collectReplayLocked(state)
	ch := make(chan *Envelope, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(state, replay)
	s.mu.Unlock()

	sub := &Subscription{id: subscriberID, stream: s, events: ch, done: make(chan struct{})}
	go func() {
		//1.- Replay any outstanding events immediately after subscription.
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case ch <- env:
			}
		}
	}()

	return sub, nil
}

// Events exposes the ordered delivery channel for the subscriber.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Done is closed once the subscription is closed. The events channel itself is never closed so
// late publishers cannot panic.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.stream.deactivateSubscriber(s.id, s.events)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	//1.- When a subscriber reconnects we must replay any sequence greater than lastAck.
	replay := state.pending[:0]
	for _, seq := range s.logOrder {
		if seq <= state.lastAck {
			continue
		}
		replay = append(replay, seq)
	}
	return append([]uint64(nil), replay...)
}

func (s *Stream) prepareDeliveriesLocked(state *subscriberState, sequences []uint64) []*Envelope {
	deliveries := make([]*Envelope, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

// PublishSessionStarted records that a session began.
func (s *Stream) PublishSessionStarted(event SessionStarted) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if event.SessionID <= 0 {
		return 0, fmt.Errorf("session id must be positive, got %d", event.SessionID)
	}
	return s.publishEnvelope(&Envelope{Kind: KindSessionStarted, Started: &event})
}

// PublishSessionEnded records the outcome of a finished session.
func (s *Stream) PublishSessionEnded(event SessionEnded) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if event.SessionID <= 0 {
		return 0, fmt.Errorf("session id must be positive, got %d", event.SessionID)
	}
	if event.Reason == "" {
		return 0, errors.New("session end reason required")
	}
	return s.publishEnvelope(&Envelope{Kind: KindSessionEnded, Ended: &event})
}

// Stats reports stream occupancy.
func (s *Stream) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Published: s.nextSeq, Retained: len(s.logOrder), Subscribers: len(s.subscribers)}
	for _, state := range s.subscribers {
		if state.active {
			stats.Active++
		}
	}
	return stats
}

func (s *Stream) publishEnvelope(envelope *Envelope) (uint64, error) {
	if envelope == nil {
		return 0, errors.New("envelope required")
	}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	envelope.PublishedAt = s.now()
	s.logPayloads[seq] = envelope
	s.logOrder = append(s.logOrder, seq)

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: envelope.Clone()})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		//1.- Deliver asynchronously to avoid blocking the publisher on slow subscribers.
		select {
		case item.ch <- item.payload:
		default:
		}
	}

	return seq, nil
}

type delivery struct {
	ch      chan<- *Envelope
	payload *Envelope
}

func (s *Stream) enforceRetentionLocked() {
	//1.- Determine the lowest acknowledgement across subscribers to retain necessary history.
	if len(s.logOrder) <= s.retention {
		return
	}
	minAck := s.nextSeq
	for _, state := range s.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := uint64(0)
	if len(s.logOrder) > s.retention {
		cutoff = s.logOrder[len(s.logOrder)-s.retention]
	}
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneBefore })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	expected := state.pending[0]
	if sequence != expected {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	s.enforceRetentionLocked()
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string, events <-chan *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	//1.- A newer subscription for the same id keeps the subscriber active.
	if !ok || (state.ch != nil && (<-chan *Envelope)(state.ch) != events) {
		return
	}
	state.active = false
	state.ch = nil
}
