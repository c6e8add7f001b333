package pong

import (
	"math"
	"testing"
	"time"

	"paddlecourt/engine/internal/geometry"
)

const tick = time.Second / 60

func newTestMatch(t *testing.T) *Match {
	t.Helper()
	m, err := NewMatch(DefaultConfig(), NewRNG(7))
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	return m
}

func placeBall(m *Match, x, y float64, dir geometry.Vector) {
	m.ball = Ball{Circle: geometry.NewCircle(geometry.Vec(x, y), m.cfg.BallRadius), Direction: dir}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-3 }

func TestNewMatchCentresPaddles(t *testing.T) {
	m := newTestMatch(t)
	snap := m.Snapshot()
	if snap.LeftPaddle.Pos.Y != 160 || snap.RightPaddle.Pos.Y != 160 {
		t.Fatalf("expected paddles centred at top=160, got %v / %v", snap.LeftPaddle.Pos.Y, snap.RightPaddle.Pos.Y)
	}
	if snap.RightPaddle.Pos.X != 790 {
		t.Fatalf("expected right paddle flush with the right wall, got x=%v", snap.RightPaddle.Pos.X)
	}
	if snap.Ball.Pos != geometry.Vec(400, 200) {
		t.Fatalf("expected ball at centre, got %+v", snap.Ball.Pos)
	}
	if snap.Status != StatusRunning {
		t.Fatalf("expected running, got %v", snap.Status)
	}
}

func TestNewMatchRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaddleHeight = cfg.ArenaHeight
	if _, err := NewMatch(cfg, NewRNG(1)); err == nil {
		t.Fatal("expected config error")
	}
}

func TestRightPaddleMovesThenClamps(t *testing.T) {
	m := newTestMatch(t)
	down := Input{Down: true}
	for i := 0; i < 24; i++ {
		m.Advance(tick, Input{}, down)
		placeBall(m, 400, 200, geometry.Vec(0, 0))
	}
	//1.- 400ms at 350 units/s moves the paddle 140 units from its 160 start.
	if got := m.right.Rect.Pos.Y; !near(got, 300) {
		t.Fatalf("expected right paddle top at 300, got %v", got)
	}
	for i := 0; i < 30; i++ {
		m.Advance(tick, Input{}, down)
		placeBall(m, 400, 200, geometry.Vec(0, 0))
	}
	//2.- The paddle bottom stops at the arena floor.
	if got := m.right.Rect.Pos.Y; got != 320 {
		t.Fatalf("expected clamp at 320, got %v", got)
	}
	if m.left.Rect.Pos.Y != 160 {
		t.Fatalf("left paddle should not move, got %v", m.left.Rect.Pos.Y)
	}
}

func TestAdvanceClampsLargeSteps(t *testing.T) {
	m := newTestMatch(t)
	placeBall(m, 400, 200, geometry.Vec(0, 0))
	m.Advance(time.Second, Input{Up: true}, Input{})
	want := 160 - 350.0/30
	if got := m.left.Rect.Pos.Y; !near(got, want) {
		t.Fatalf("expected step clamped to 1/30s (top %v), got %v", want, got)
	}
}

func TestAdvanceIgnoresNonPositiveSteps(t *testing.T) {
	m := newTestMatch(t)
	before := m.Snapshot()
	m.Advance(0, Input{Up: true}, Input{Down: true})
	m.Advance(-tick, Input{Up: true}, Input{Down: true})
	if m.Snapshot() != before {
		t.Fatal("expected no mutation for non-positive dt")
	}
}

func TestCentreHitReturnsFlat(t *testing.T) {
	m := newTestMatch(t)
	placeBall(m, 14, 200, geometry.Left)
	result := m.Advance(tick, Input{}, Input{})
	if result.Bounced != SideLeft {
		t.Fatalf("expected left bounce, got %v", result.Bounced)
	}
	if !near(m.ball.Direction.X, 1) || !near(m.ball.Direction.Y, 0) {
		t.Fatalf("expected flat return, got %+v", m.ball.Direction)
	}
	if m.left.Touches != 1 {
		t.Fatalf("expected one touch, got %d", m.left.Touches)
	}
}

func TestEdgeHitUsesMaxBounceAngle(t *testing.T) {
	m := newTestMatch(t)
	placeBall(m, 786, 240, geometry.Right)
	result := m.Advance(tick, Input{}, Input{})
	if result.Bounced != SideRight {
		t.Fatalf("expected right bounce, got %v", result.Bounced)
	}
	angle := m.cfg.MaxBounceAngle
	if !near(m.ball.Direction.X, -math.Cos(angle)) || !near(m.ball.Direction.Y, math.Sin(angle)) {
		t.Fatalf("expected max angle deflection, got %+v", m.ball.Direction)
	}
}

func TestWallReflectionRepositionsBall(t *testing.T) {
	m := newTestMatch(t)
	placeBall(m, 400, 6, geometry.Up)
	m.Advance(tick, Input{}, Input{})
	if !near(m.ball.Circle.Pos.Y, 9) || m.ball.Direction.Y <= 0 {
		t.Fatalf("expected mirrored position 9 moving down, got y=%v dir=%+v", m.ball.Circle.Pos.Y, m.ball.Direction)
	}

	placeBall(m, 400, 394, geometry.Down)
	m.Advance(tick, Input{}, Input{})
	if !near(m.ball.Circle.Pos.Y, 391) || m.ball.Direction.Y >= 0 {
		t.Fatalf("expected mirrored position 391 moving up, got y=%v dir=%+v", m.ball.Circle.Pos.Y, m.ball.Direction)
	}
}

func TestScoreRequiresWholeBallOutside(t *testing.T) {
	m := newTestMatch(t)
	placeBall(m, 4, 20, geometry.Left)
	if result := m.Advance(tick, Input{}, Input{}); result.Scorer != SideNone {
		t.Fatalf("ball still overlapping the court must not score, got %v", result.Scorer)
	}
	placeBall(m, -4, 20, geometry.Left)
	result := m.Advance(tick, Input{}, Input{})
	if result.Scorer != SideRight {
		t.Fatalf("expected right to score, got %v", result.Scorer)
	}
	if _, right := m.Scores(); right != 1 {
		t.Fatalf("expected right score 1, got %d", right)
	}
	if m.ball.Circle.Pos != geometry.Vec(400, 200) {
		t.Fatalf("expected serve from centre, got %+v", m.ball.Circle.Pos)
	}
}

func TestWinningScoreFinishesMatch(t *testing.T) {
	m := newTestMatch(t)
	m.leftScore = m.cfg.WinningScore - 1
	placeBall(m, 804, 20, geometry.Right)
	result := m.Advance(tick, Input{}, Input{})
	if !result.Finished || m.Status() != StatusLeftWins {
		t.Fatalf("expected left win, got %+v status=%v", result, m.Status())
	}
	frozen := m.Snapshot()
	m.Advance(tick, Input{Up: true}, Input{Down: true})
	if m.Snapshot() != frozen {
		t.Fatal("finished match must not mutate")
	}
	if m.Status().Winner() != SideLeft {
		t.Fatalf("expected left winner, got %v", m.Status().Winner())
	}
}

func TestAbortStopsSimulation(t *testing.T) {
	m := newTestMatch(t)
	m.Abort()
	if m.Status() != StatusAborted {
		t.Fatalf("expected aborted, got %v", m.Status())
	}
	before := m.Snapshot()
	m.Advance(tick, Input{Up: true}, Input{})
	if m.Snapshot() != before {
		t.Fatal("aborted match must not mutate")
	}
}

func TestSameSeedSameInputsIsDeterministic(t *testing.T) {
	a, _ := NewMatch(DefaultConfig(), NewRNG(99))
	b, _ := NewMatch(DefaultConfig(), NewRNG(99))
	for i := 0; i < 2000; i++ {
		left := Input{Up: i%7 == 0, Down: i%5 == 0}
		right := Input{Down: i%3 == 0}
		a.Advance(tick, left, right)
		b.Advance(tick, left, right)
	}
	if a.Snapshot() != b.Snapshot() {
		t.Fatalf("snapshots diverged: %+v vs %+v", a.Snapshot(), b.Snapshot())
	}
}

// TestInvariantsHoldUnderRandomPlay drives long rallies and checks the bounds, the
// monotonic counters, and that the ball keeps a constant speed through every bounce.
func TestInvariantsHoldUnderRandomPlay(t *testing.T) {
	rng := NewRNG(2024)
	for game := 0; game < 20; game++ {
		m, err := NewMatch(DefaultConfig(), NewRNG(uint64(game)))
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}
		cfg := m.Config()
		var lastLeft, lastRight, lastTouches int
		for step := 0; step < 5000 && m.Status() == StatusRunning; step++ {
			dt := time.Duration(rng.Int63n(int64(2 * cfg.MaxStep)))
			m.Advance(dt, Input{Up: rng.Intn(2) == 0, Down: rng.Intn(3) == 0}, Input{Up: rng.Intn(3) == 0, Down: rng.Intn(2) == 0})

			snap := m.Snapshot()
			for _, p := range []PaddleState{snap.LeftPaddle, snap.RightPaddle} {
				if p.Pos.Y < 0 || p.Pos.Y > cfg.ArenaHeight-cfg.PaddleHeight {
					t.Fatalf("paddle out of bounds: %+v", p)
				}
			}
			if snap.Ball.Pos.Y < cfg.BallRadius-1e-9 || snap.Ball.Pos.Y > cfg.ArenaHeight-cfg.BallRadius+1e-9 {
				t.Fatalf("ball escaped vertically: %+v", snap.Ball)
			}
			if speed := snap.Ball.Direction.Length(); math.Abs(speed-1) > 1e-9 {
				t.Fatalf("direction magnitude drifted to %v", speed)
			}
			touches := snap.LeftPaddle.Touches + snap.RightPaddle.Touches
			if snap.LeftScore < lastLeft || snap.RightScore < lastRight || touches < lastTouches {
				t.Fatalf("counters went backwards: %+v", snap)
			}
			lastLeft, lastRight, lastTouches = snap.LeftScore, snap.RightScore, touches
		}
	}
}
