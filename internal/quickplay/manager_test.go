package quickplay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/pong"
	"paddlecourt/engine/internal/protocol"
	"paddlecourt/engine/internal/registry"
	"paddlecourt/engine/internal/registry/registrytest"
	"paddlecourt/engine/internal/simulation"
)

var (
	ada = protocol.Player{ID: 1, Name: "ada"}
	bob = protocol.Player{ID: 2, Name: "bob"}
	cy  = protocol.Player{ID: 3, Name: "cy"}
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type timers struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

func (ts *timers) after(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ts.pending = append(ts.pending, t)
	return t
}

// fire runs every timer that has not been stopped.
func (ts *timers) fire() int {
	ts.mu.Lock()
	due := ts.pending
	ts.pending = nil
	ts.mu.Unlock()
	fired := 0
	for _, t := range due {
		if !t.stopped {
			t.f()
			fired++
		}
	}
	return fired
}

func (ts *timers) live() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, t := range ts.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTicker struct{ ch chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type fixture struct {
	mgr    *Manager
	reg    *registry.Registry
	conns  map[int64]*registrytest.Conn
	timers *timers
	ticker *manualTicker
	stream *events.Stream
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(registry.WithLogger(logging.NewTestLogger())),
		conns:  make(map[int64]*registrytest.Conn),
		timers: &timers{},
		ticker: &manualTicker{ch: make(chan time.Time)},
		stream: events.NewStream(events.Config{}),
		now:    time.Unix(2_000, 0),
	}
	for _, p := range []protocol.Player{ada, bob, cy} {
		f.connect(p)
	}
	mgr, err := NewManager(f.reg,
		WithLogger(logging.NewTestLogger()),
		WithAfterFunc(f.timers.after),
		WithClock(func() time.Time { return f.now }),
		WithSeed(11),
		WithPublisher(f.stream),
		WithLoopOptions(simulation.WithTickerFactory(func(time.Duration) simulation.Ticker { return f.ticker })),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f.mgr = mgr
	t.Cleanup(mgr.Shutdown)
	return f
}

func (f *fixture) connect(p protocol.Player) {
	conn := registrytest.NewConn(p.Name)
	f.conns[p.ID] = conn
	f.reg.Register(p.ID, p.Name, conn)
}

func (f *fixture) tick(d time.Duration) bool {
	f.now = f.now.Add(d)
	return f.mgr.Tick(f.now)
}

func (f *fixture) ended(id int64) []protocol.MatchEnded {
	var out []protocol.MatchEnded
	for _, msg := range f.conns[id].OfKind(protocol.KindMatchEnded) {
		out = append(out, msg.(protocol.MatchEnded))
	}
	return out
}

func TestStartAnnouncesAndStartsLoop(t *testing.T) {
	f := newFixture(t)
	if f.mgr.LoopState() != simulation.LoopStopped {
		t.Fatal("expected loop stopped before any session")
	}
	id, err := f.mgr.Start(ada, bob, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != QuickplayIDBase {
		t.Fatalf("expected first id %d, got %d", QuickplayIDBase, id)
	}
	if f.mgr.LoopState() != simulation.LoopRunning {
		t.Fatal("expected loop running after first session")
	}
	msg, _ := f.conns[bob.ID].Last(protocol.KindMatchStarted)
	if got := msg.(protocol.MatchStarted); got.Side != pong.SideRight || got.Opponent != ada || got.Mode != protocol.ModeCasual {
		t.Fatalf("unexpected match_started: %+v", got)
	}

	next, _ := f.mgr.Start(cy, cy, "")
	if next != id+1 {
		t.Fatalf("expected monotonic ids, got %d after %d", next, id)
	}
}

func TestMatchedHookRunsBetweenReplacedNoticeAndIntroduction(t *testing.T) {
	f := newFixture(t)
	_, _ = f.mgr.Start(ada, bob, "")
	f.conns[ada.ID].Reset()

	var seen []string
	id, err := f.mgr.StartMatched(ada, cy, "", func(sessionID int64) {
		for _, msg := range f.conns[ada.ID].Messages() {
			seen = append(seen, msg.ServerKind())
		}
		if seated, _ := f.mgr.SessionOf(cy.ID); seated != sessionID {
			t.Errorf("hook ran before session %d was registered", sessionID)
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(seen) != 1 || seen[0] != protocol.KindMatchEnded {
		t.Fatalf("expected only the replaced notice before the hook, got %v", seen)
	}
	if msg, ok := f.conns[ada.ID].Last(protocol.KindMatchStarted); !ok || msg.(protocol.MatchStarted).SessionID != id {
		t.Fatalf("expected introduction for %d after the hook, got %+v", id, msg)
	}
}

func TestTickPushesCappedSnapshots(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")
	before, _ := f.mgr.Snapshot(id)

	//1.- A five second stall still advances the ball by at most one capped step.
	if !f.tick(5 * time.Second) {
		t.Fatal("expected sessions to remain active")
	}
	for _, p := range []int64{ada.ID, bob.ID} {
		msg, ok := f.conns[p].Last(protocol.KindQuickplayState)
		if !ok {
			t.Fatalf("player %d received no snapshot", p)
		}
		state := msg.(protocol.QuickplayState)
		if state.SessionID != id {
			t.Fatalf("unexpected session id %d", state.SessionID)
		}
		if moved := state.Court.BallX - before.BallX; moved > 10+1e-9 || moved < -10-1e-9 {
			t.Fatalf("ball moved %v in one tick", moved)
		}
	}
}

func TestStartReplacesPriorSession(t *testing.T) {
	f := newFixture(t)
	first, _ := f.mgr.Start(ada, bob, "")
	second, err := f.mgr.Start(ada, cy, "")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	for _, p := range []int64{ada.ID, bob.ID} {
		ended := f.ended(p)
		if len(ended) != 1 || ended[0].SessionID != first || ended[0].Reason != protocol.ReasonReplaced {
			t.Fatalf("player %d expected one replaced notice, got %+v", p, ended)
		}
	}
	if active := f.mgr.Active(); len(active) != 1 || active[0] != second {
		t.Fatalf("expected only the new session, got %v", active)
	}
	if _, seated := f.mgr.SessionOf(bob.ID); seated {
		t.Fatal("expected bob released")
	}
	if got, _ := f.mgr.SessionOf(ada.ID); got != second {
		t.Fatalf("expected ada in %d, got %d", second, got)
	}
}

func TestReconnectWithinGraceResumesUnchanged(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")
	f.tick(frame)
	f.tick(frame)
	before, _ := f.mgr.Snapshot(id)

	f.mgr.Disconnected(bob.ID)
	if f.timers.live() != 1 || f.timers.pending[0].d != DefaultGracePeriod {
		t.Fatal("expected one grace timer with the default period")
	}
	//1.- The court is frozen while a side is away.
	f.tick(frame)
	f.tick(frame)
	if during, _ := f.mgr.Snapshot(id); during != before {
		t.Fatalf("expected paused court, before=%+v during=%+v", before, during)
	}
	if stats := f.mgr.Stats(); stats.Waiting != 1 {
		t.Fatalf("expected one waiting session, got %+v", stats)
	}

	f.connect(bob)
	if err := f.mgr.Rejoin(bob.ID, id); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if f.timers.live() != 0 {
		t.Fatal("expected grace timer cancelled")
	}
	after, _ := f.mgr.Snapshot(id)
	if after != before {
		t.Fatalf("expected unchanged court after rejoin, before=%+v after=%+v", before, after)
	}
	msg, ok := f.conns[bob.ID].Last(protocol.KindQuickplayState)
	if !ok || msg.(protocol.QuickplayState).Court != before {
		t.Fatal("expected rejoining player to receive the current court")
	}
	if f.timers.fire() != 0 || len(f.ended(ada.ID)) != 0 {
		t.Fatal("cancelled grace must not end the session")
	}
}

func TestGraceExpiryNotifiesRemainingSideOnce(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")
	f.mgr.Disconnected(bob.ID)
	f.mgr.Disconnected(bob.ID)

	if fired := f.timers.fire(); fired != 1 {
		t.Fatalf("expected one timer, fired %d", fired)
	}
	ended := f.ended(ada.ID)
	if len(ended) != 1 {
		t.Fatalf("expected exactly one match_ended, got %d", len(ended))
	}
	if got := ended[0]; got.SessionID != id || got.Reason != protocol.ReasonOpponentDisconnected || got.Winner != "ada" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(f.ended(bob.ID)) != 0 {
		t.Fatal("disconnected side must not be notified")
	}
	if len(f.mgr.Active()) != 0 {
		t.Fatal("expected session torn down")
	}
	if got := f.stream.Stats().Published; got != 2 {
		t.Fatalf("expected start and end events, got %d", got)
	}
}

func TestBothSidesGoneTearsDownSilently(t *testing.T) {
	f := newFixture(t)
	f.mgr.Start(ada, bob, "")
	f.mgr.Disconnected(ada.ID)
	f.mgr.Disconnected(bob.ID)
	if f.timers.live() != 1 {
		t.Fatalf("expected a single grace timer, got %d", f.timers.live())
	}
	f.timers.fire()
	if len(f.ended(ada.ID))+len(f.ended(bob.ID)) != 0 {
		t.Fatal("expected silent teardown")
	}
	if len(f.mgr.Active()) != 0 {
		t.Fatal("expected session removed")
	}
}

func TestStaggeredDropsEachGetTheirOwnGrace(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")

	f.mgr.Disconnected(ada.ID)
	first := f.timers.pending[0]
	f.now = f.now.Add(9 * time.Second)
	f.mgr.Disconnected(bob.ID)
	if f.timers.live() != 1 {
		t.Fatalf("expected the earlier deadline to stay armed, got %d timers", f.timers.live())
	}

	//1.- Ada returning hands the timer over to bob, counted from bob's own departure.
	f.now = f.now.Add(500 * time.Millisecond)
	f.connect(ada)
	if err := f.mgr.Rejoin(ada.ID, id); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !first.stopped {
		t.Fatal("expected ada's timer cancelled once she returned")
	}
	if f.timers.live() != 1 {
		t.Fatalf("expected one timer for bob, got %d", f.timers.live())
	}
	if got, want := f.timers.pending[len(f.timers.pending)-1].d, DefaultGracePeriod-9500*time.Millisecond; got != want {
		t.Fatalf("expected bob's remaining grace %v, got %v", want, got)
	}
	if len(f.ended(ada.ID)) != 0 || len(f.mgr.Active()) != 1 {
		t.Fatal("bob must keep his session while his grace runs")
	}

	f.timers.fire()
	ended := f.ended(ada.ID)
	if len(ended) != 1 || ended[0].Winner != "ada" || ended[0].Reason != protocol.ReasonOpponentDisconnected {
		t.Fatalf("expected ada credited after bob's grace ran out, got %+v", ended)
	}
}

func TestEarlierLeaverForfeitsToLaterOne(t *testing.T) {
	f := newFixture(t)
	f.mgr.Start(ada, bob, "")
	sub, err := f.stream.Subscribe(context.Background(), "test", 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	f.mgr.Disconnected(ada.ID)
	f.now = f.now.Add(3 * time.Second)
	f.mgr.Disconnected(bob.ID)
	f.timers.fire()

	if len(f.mgr.Active()) != 0 {
		t.Fatal("expected session ended at ada's deadline")
	}
	if len(f.ended(ada.ID))+len(f.ended(bob.ID)) != 0 {
		t.Fatal("absent players must not be notified")
	}
	var ended *events.SessionEnded
	for ended == nil {
		select {
		case env := <-sub.Events():
			ended = env.Ended
		case <-time.After(time.Second):
			t.Fatal("expected a session_ended event")
		}
	}
	if ended.WinnerSide != pong.SideRight.String() {
		t.Fatalf("expected bob credited, got %+v", ended)
	}
}

func TestFailedPushStartsGrace(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")
	f.conns[bob.ID].Break()
	f.tick(frame)

	if active := f.mgr.Active(); len(active) != 1 || active[0] != id {
		t.Fatalf("expected session kept during grace, got %v", active)
	}
	if f.timers.live() != 1 {
		t.Fatal("expected grace timer after failed push")
	}
	if len(f.ended(ada.ID)) != 0 {
		t.Fatal("failed push must not end the session immediately")
	}
}

func TestLeaveInputAndErrors(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(ada, bob, "")
	if err := f.mgr.SubmitInput(cy.ID, pong.Input{Up: true}); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("expected ErrNotSeated, got %v", err)
	}
	if err := f.mgr.SubmitLocalInput(ada.ID, pong.Input{}, pong.Input{}); !errors.Is(err, ErrNotLocal) {
		t.Fatalf("expected ErrNotLocal, got %v", err)
	}
	if err := f.mgr.SubmitInput(ada.ID, pong.Input{Up: true}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.tick(frame)
	court, _ := f.mgr.Snapshot(id)
	if court.LeftPaddleY >= 200 {
		t.Fatalf("expected left paddle to rise, got %v", court.LeftPaddleY)
	}

	if err := f.mgr.Rejoin(cy.ID, id); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("expected ErrNotSeated on foreign rejoin, got %v", err)
	}
	if err := f.mgr.Leave(bob.ID, id); err != nil {
		t.Fatalf("leave: %v", err)
	}
	ended := f.ended(ada.ID)
	if len(ended) != 1 || ended[0].Reason != protocol.ReasonForfeit || ended[0].WinnerSide != pong.SideLeft {
		t.Fatalf("unexpected forfeit: %+v", ended)
	}
	if err := f.mgr.Leave(bob.ID, id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := f.mgr.Abort(id, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on abort, got %v", err)
	}
}

func TestLoopParksWhenSessionsEnd(t *testing.T) {
	f := newFixture(t)
	id, _ := f.mgr.Start(cy, cy, "")
	if err := f.mgr.SubmitLocalInput(cy.ID, pong.Input{Up: true}, pong.Input{Down: true}); err != nil {
		t.Fatalf("local input: %v", err)
	}
	if err := f.mgr.Abort(id, ""); err != nil {
		t.Fatalf("abort: %v", err)
	}

	//1.- The next firing finds no work and returns the loop to Stopped.
	f.ticker.ch <- f.now
	deadline := time.Now().Add(time.Second)
	for f.mgr.LoopState() != simulation.LoopStopped {
		if time.Now().After(deadline) {
			t.Fatal("loop did not park")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.mgr.Start(ada, bob, ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.mgr.LoopState() != simulation.LoopRunning {
		t.Fatal("expected loop to restart with new work")
	}
}
