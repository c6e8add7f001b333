package matchmaking

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
)

type recorder struct {
	mu          sync.Mutex
	sent        map[int64][]protocol.ServerMessage
	unreachable map[int64]bool
}

func newRecorder() *recorder {
	return &recorder{sent: map[int64][]protocol.ServerMessage{}, unreachable: map[int64]bool{}}
}

func (r *recorder) Send(playerID int64, msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unreachable[playerID] {
		return errors.New("gone")
	}
	r.sent[playerID] = append(r.sent[playerID], msg)
	return nil
}

func (r *recorder) of(playerID int64, kind string) []protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ServerMessage
	for _, msg := range r.sent[playerID] {
		if msg.ServerKind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

type pairLog struct {
	mu    sync.Mutex
	pairs [][2]int64
	next  int64
	err   error
}

func (p *pairLog) Pair(left, right protocol.Player, announce func(int64)) (int64, error) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return 0, p.err
	}
	p.pairs = append(p.pairs, [2]int64{left.ID, right.ID})
	p.next++
	id := p.next
	p.mu.Unlock()
	announce(id)
	return id, nil
}

func player(id int64) protocol.Player { return protocol.Player{ID: id, Name: fmt.Sprintf("p%d", id)} }

func newQueue(t *testing.T, pairer Pairer, notifier Notifier, opts ...Option) *Queue {
	t.Helper()
	ids := 0
	base := []Option{
		WithLogger(logging.NewTestLogger()),
		WithMatchIDs(func() string { ids++; return fmt.Sprintf("match-%d", ids) }),
	}
	q, err := New(protocol.ModeRanked, pairer, notifier, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestPairsStrictlyInArrivalOrder(t *testing.T) {
	rec := newRecorder()
	pairs := &pairLog{}
	q := newQueue(t, pairs, rec)

	for _, id := range []int64{1, 2, 3, 4} {
		if err := q.Enqueue(player(id)); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}
	if len(pairs.pairs) != 2 || pairs.pairs[0] != [2]int64{1, 2} || pairs.pairs[1] != [2]int64{3, 4} {
		t.Fatalf("expected (1,2) then (3,4), got %v", pairs.pairs)
	}

	//1.- Each side learns the other as opponent under the same match id.
	a := rec.of(1, protocol.KindMatched)[0].(protocol.Matched)
	b := rec.of(2, protocol.KindMatched)[0].(protocol.Matched)
	if a.Opponent.ID != 2 || b.Opponent.ID != 1 || a.MatchID != b.MatchID || a.SessionID != 1 || a.Mode != protocol.ModeRanked {
		t.Fatalf("unexpected matched messages: %+v %+v", a, b)
	}
	if c := rec.of(3, protocol.KindMatched)[0].(protocol.Matched); c.MatchID == a.MatchID || c.SessionID != 2 {
		t.Fatalf("expected a fresh match id for the second pair, got %+v", c)
	}

	//2.- Position notifications precede pairing.
	positions := rec.of(2, protocol.KindQueuePosition)
	if len(positions) != 1 {
		t.Fatalf("expected one position for player 2, got %d", len(positions))
	}
	if got := positions[0].(protocol.QueuePosition); got.Position != 2 || got.TotalInQueue != 2 {
		t.Fatalf("unexpected position: %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestReenqueueReplacesEarlierEntry(t *testing.T) {
	rec := newRecorder()
	q := newQueue(t, &pairLog{}, rec)

	_ = q.Enqueue(player(1))
	_ = q.Enqueue(player(1))
	if q.Len() != 1 {
		t.Fatalf("expected single entry, got %d", q.Len())
	}
	positions := rec.of(1, protocol.KindQueuePosition)
	if got := positions[len(positions)-1].(protocol.QueuePosition); got.Position != 1 || got.TotalInQueue != 1 {
		t.Fatalf("unexpected position after re-enqueue: %+v", got)
	}
	if pos, ok := q.Position(1); !ok || pos != 1 {
		t.Fatalf("expected position 1, got %d %v", pos, ok)
	}
}

func TestDequeueRemovesEntry(t *testing.T) {
	q := newQueue(t, &pairLog{}, newRecorder())
	_ = q.Enqueue(player(5))
	if !q.Dequeue(5) {
		t.Fatal("expected dequeue to remove entry")
	}
	if q.Dequeue(5) {
		t.Fatal("expected second dequeue to report nothing removed")
	}
	if err := q.Enqueue(protocol.Player{}); !errors.Is(err, ErrInvalidPlayer) {
		t.Fatalf("expected ErrInvalidPlayer, got %v", err)
	}
}

func TestRemainingEntriesAreRenumbered(t *testing.T) {
	rec := newRecorder()
	q := newQueue(t, &pairLog{}, rec)
	q.mu.Lock()
	for _, id := range []int64{1, 2, 3} {
		q.entries = append(q.entries, Entry{Player: player(id), EnqueuedAt: time.Unix(0, 0)})
	}
	q.mu.Unlock()

	if !q.Dequeue(1) {
		t.Fatal("expected dequeue")
	}
	for i, id := range []int64{2, 3} {
		positions := rec.of(id, protocol.KindQueuePosition)
		if len(positions) != 1 {
			t.Fatalf("player %d expected one renumbering, got %d", id, len(positions))
		}
		if got := positions[0].(protocol.QueuePosition); got.Position != i+1 || got.TotalInQueue != 2 {
			t.Fatalf("player %d unexpected position %+v", id, got)
		}
	}
}

func TestFailedPositionPushRenumbersTheRest(t *testing.T) {
	rec := newRecorder()
	q := newQueue(t, &pairLog{}, rec)
	q.mu.Lock()
	for _, id := range []int64{1, 2, 3, 4} {
		q.entries = append(q.entries, Entry{Player: player(id), EnqueuedAt: time.Unix(0, 0)})
	}
	q.mu.Unlock()
	rec.unreachable[2] = true

	if !q.Dequeue(1) {
		t.Fatal("expected dequeue")
	}
	if q.Len() != 2 {
		t.Fatalf("expected unreachable waiter dropped, %d waiting", q.Len())
	}
	//1.- The last notice each survivor received reflects the queue without the dropped waiter.
	for i, id := range []int64{3, 4} {
		positions := rec.of(id, protocol.KindQueuePosition)
		if len(positions) == 0 {
			t.Fatalf("player %d received no position", id)
		}
		if got := positions[len(positions)-1].(protocol.QueuePosition); got.Position != i+1 || got.TotalInQueue != 2 {
			t.Fatalf("player %d unexpected position %+v", id, got)
		}
		if pos, _ := q.Position(id); pos != i+1 {
			t.Fatalf("player %d queue position %d", id, pos)
		}
	}
}

func TestMatchedPrecedesSessionMessages(t *testing.T) {
	rec := newRecorder()
	pairer := PairerFunc(func(left, right protocol.Player, announce func(int64)) (int64, error) {
		announce(77)
		for _, p := range []protocol.Player{left, right} {
			_ = rec.Send(p.ID, protocol.MatchStarted{SessionID: 77, Mode: protocol.ModeRanked})
		}
		return 77, nil
	})
	q := newQueue(t, pairer, rec)
	_ = q.Enqueue(player(1))
	_ = q.Enqueue(player(2))

	for _, id := range []int64{1, 2} {
		var kinds []string
		for _, msg := range rec.sent[id] {
			if kind := msg.ServerKind(); kind == protocol.KindMatched || kind == protocol.KindMatchStarted {
				kinds = append(kinds, kind)
			}
		}
		if len(kinds) != 2 || kinds[0] != protocol.KindMatched || kinds[1] != protocol.KindMatchStarted {
			t.Fatalf("player %d unexpected order %v", id, kinds)
		}
		if got := rec.of(id, protocol.KindMatched)[0].(protocol.Matched); got.SessionID != 77 {
			t.Fatalf("player %d matched to session %d", id, got.SessionID)
		}
	}
}

func TestPairingFailureNotifiesBothPlayers(t *testing.T) {
	rec := newRecorder()
	q := newQueue(t, &pairLog{err: errors.New("already seated")}, rec)
	_ = q.Enqueue(player(1))
	_ = q.Enqueue(player(2))

	for _, id := range []int64{1, 2} {
		if len(rec.of(id, protocol.KindError)) != 1 {
			t.Fatalf("player %d expected an error message", id)
		}
		if len(rec.of(id, protocol.KindMatched)) != 0 {
			t.Fatalf("player %d must not be matched", id)
		}
	}
	if stats := q.Stats(); stats.Failed != 1 || stats.Paired != 0 || stats.Waiting != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestUnreachablePlayerLeavesQueue(t *testing.T) {
	rec := newRecorder()
	rec.unreachable[9] = true
	pairs := &pairLog{}
	q := newQueue(t, pairs, rec)
	_ = q.Enqueue(player(9))
	_ = q.Enqueue(player(1))
	if len(pairs.pairs) != 0 || q.Len() != 1 {
		t.Fatalf("expected unreachable player dropped, pairs=%v len=%d", pairs.pairs, q.Len())
	}
}

func TestStatsReportWaitTimes(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	q := newQueue(t, &pairLog{}, newRecorder(), WithClock(clock))

	_ = q.Enqueue(player(1))
	now = now.Add(5 * time.Second)
	if stats := q.Stats(); stats.Waiting != 1 || stats.LongestWait != 5*time.Second {
		t.Fatalf("unexpected waiting stats: %+v", stats)
	}
	_ = q.Enqueue(player(2))
	stats := q.Stats()
	if stats.Paired != 1 || stats.AverageWait != 2500*time.Millisecond || stats.LongestWait != 0 {
		t.Fatalf("unexpected paired stats: %+v", stats)
	}
}

func TestConcurrentEnqueuePairsEveryoneOnce(t *testing.T) {
	rec := newRecorder()
	pairs := &pairLog{}
	q, err := New(protocol.ModeCasual, pairs, rec, WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= 100; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = q.Enqueue(player(id))
		}(id)
	}
	wg.Wait()

	if len(pairs.pairs) != 50 || q.Len() != 0 {
		t.Fatalf("expected 50 pairs and an empty queue, got %d pairs and %d waiting", len(pairs.pairs), q.Len())
	}
	for id := int64(1); id <= 100; id++ {
		if got := len(rec.of(id, protocol.KindMatched)); got != 1 {
			t.Fatalf("player %d matched %d times", id, got)
		}
	}
}
