// Package pong implements the authoritative ball-and-paddle simulation advanced by the session managers.
package pong

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"

	"paddlecourt/engine/internal/geometry"
)

// Side identifies one half of the court.
type Side uint8

const (
	SideNone Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "none"
	}
}

// MarshalText renders the side as its lowercase name.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Opponent returns the other side of the court.
func (s Side) Opponent() Side {
	switch s {
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	default:
		return SideNone
	}
}

// Status reports whether a match is still being simulated.
type Status uint8

const (
	StatusRunning Status = iota
	StatusAborted
	StatusLeftWins
	StatusRightWins
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusAborted:
		return "aborted"
	case StatusLeftWins:
		return "left_wins"
	case StatusRightWins:
		return "right_wins"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its snake case name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Winner returns the side credited with the win, if any.
func (s Status) Winner() Side {
	switch s {
	case StatusLeftWins:
		return SideLeft
	case StatusRightWins:
		return SideRight
	default:
		return SideNone
	}
}

// Input is the latest directional intent reported by one controller.
type Input struct {
	Up   bool `json:"up"`
	Down bool `json:"down"`
}

// Config holds the court dimensions and tuning shared by every match.
type Config struct {
	ArenaWidth     float64
	ArenaHeight    float64
	PaddleWidth    float64
	PaddleHeight   float64
	PaddleSpeed    float64
	BallRadius     float64
	BallSpeed      float64
	MaxBounceAngle float64
	ServeAngleMin  float64
	ServeAngleMax  float64
	WinningScore   int
	MaxStep        time.Duration
}

// DefaultConfig returns the standard court used by ranked sessions.
func DefaultConfig() Config {
	return Config{
		ArenaWidth:     800,
		ArenaHeight:    400,
		PaddleWidth:    10,
		PaddleHeight:   80,
		PaddleSpeed:    350,
		BallRadius:     5,
		BallSpeed:      300,
		MaxBounceAngle: 75 * math.Pi / 180,
		ServeAngleMin:  15 * math.Pi / 180,
		ServeAngleMax:  45 * math.Pi / 180,
		WinningScore:   5,
		MaxStep:        time.Second / 30,
	}
}

// ErrInvalidConfig is returned when the court cannot host a match.
var ErrInvalidConfig = errors.New("invalid match config")

// Validate checks that the court geometry is usable.
func (c Config) Validate() error {
	switch {
	case c.ArenaWidth <= 0 || c.ArenaHeight <= 0:
		return fmt.Errorf("%w: arena must have positive size", ErrInvalidConfig)
	case c.PaddleWidth <= 0 || c.PaddleHeight <= 0 || c.PaddleHeight >= c.ArenaHeight:
		return fmt.Errorf("%w: paddle must fit inside the arena", ErrInvalidConfig)
	case c.BallRadius <= 0 || 2*c.BallRadius >= c.ArenaHeight:
		return fmt.Errorf("%w: ball radius out of range", ErrInvalidConfig)
	case c.PaddleSpeed < 0 || c.BallSpeed <= 0:
		return fmt.Errorf("%w: speeds must be positive", ErrInvalidConfig)
	case c.WinningScore <= 0:
		return fmt.Errorf("%w: winning score must be positive", ErrInvalidConfig)
	case c.MaxStep <= 0:
		return fmt.Errorf("%w: max step must be positive", ErrInvalidConfig)
	case c.ServeAngleMin < 0 || c.ServeAngleMax < c.ServeAngleMin || c.ServeAngleMax >= math.Pi/2:
		return fmt.Errorf("%w: serve angles out of range", ErrInvalidConfig)
	}
	return nil
}

// Paddle is one player's bat and its rally statistics.
type Paddle struct {
	Rect    geometry.Rectangle
	Touches int
}

// Ball travels along Direction scaled by the configured ball speed.
type Ball struct {
	Circle    geometry.Circle
	Direction geometry.Vector
}

// StepResult summarises what happened during a single Advance call.
type StepResult struct {
	Scorer   Side
	Bounced  Side
	Finished bool
}

// Match is the authoritative state of one game. It is not safe for concurrent use; callers
// serialise access through their session lock.
type Match struct {
	cfg        Config
	rng        *rand.Rand
	left       Paddle
	right      Paddle
	ball       Ball
	leftScore  int
	rightScore int
	status     Status
}

// NewRNG returns a deterministic random source for serves.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// NewMatch creates a running match with paddles centred and a fresh serve.
func NewMatch(cfg Config, rng *rand.Rand) (*Match, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = NewRNG(uint64(time.Now().UnixNano()))
	}
	size := geometry.Vec(cfg.PaddleWidth, cfg.PaddleHeight)
	top := (cfg.ArenaHeight - cfg.PaddleHeight) / 2
	m := &Match{
		cfg:    cfg,
		rng:    rng,
		left:   Paddle{Rect: geometry.NewRectangle(geometry.Vec(0, top), size)},
		right:  Paddle{Rect: geometry.NewRectangle(geometry.Vec(cfg.ArenaWidth-cfg.PaddleWidth, top), size)},
		status: StatusRunning,
	}
	m.serve()
	return m, nil
}

// Config returns the tuning the match was created with.
func (m *Match) Config() Config { return m.cfg }

// Status returns the current match status.
func (m *Match) Status() Status { return m.status }

// Scores returns the left and right scores.
func (m *Match) Scores() (int, int) { return m.leftScore, m.rightScore }

// Abort stops a running match without crediting a winner.
func (m *Match) Abort() {
	if m.status == StatusRunning {
		m.status = StatusAborted
	}
}

// Advance integrates the match by dt using the controllers' latest inputs. The step is clamped
// to the configured ceiling before any movement so a stalled caller cannot tunnel the ball.
func (m *Match) Advance(dt time.Duration, left, right Input) StepResult {
	var result StepResult
	//1.- Finished or empty steps leave the state untouched.
	if m.status != StatusRunning || dt <= 0 {
		return result
	}
	if dt > m.cfg.MaxStep {
		dt = m.cfg.MaxStep
	}
	seconds := dt.Seconds()

	//2.- Paddles move first so the ball collides with their updated position.
	m.movePaddle(&m.left, left, seconds)
	m.movePaddle(&m.right, right, seconds)

	//3.- Integrate the ball and resolve paddle contacts, left first.
	m.ball.Circle.Pos = m.ball.Circle.Pos.Add(m.ball.Direction.Scale(m.cfg.BallSpeed * seconds))
	if m.bounceOff(&m.left, 1) {
		result.Bounced = SideLeft
	} else if m.bounceOff(&m.right, -1) {
		result.Bounced = SideRight
	}

	//4.- Mirror any wall overshoot back inside the court.
	m.reflectWalls()

	//5.- A point is scored only once the whole ball has left the court.
	switch {
	case m.ball.Circle.Right() < 0:
		result.Scorer = SideRight
		m.rightScore++
	case m.ball.Circle.Left() > m.cfg.ArenaWidth:
		result.Scorer = SideLeft
		m.leftScore++
	}
	if result.Scorer == SideNone {
		return result
	}

	//6.- Decide the match or put the ball back in play.
	switch {
	case m.leftScore >= m.cfg.WinningScore:
		m.status = StatusLeftWins
		result.Finished = true
	case m.rightScore >= m.cfg.WinningScore:
		m.status = StatusRightWins
		result.Finished = true
	default:
		m.serve()
	}
	return result
}

func (m *Match) movePaddle(p *Paddle, input Input, seconds float64) {
	if input.Up {
		p.Rect.Pos.Y -= m.cfg.PaddleSpeed * seconds
	}
	if input.Down {
		p.Rect.Pos.Y += m.cfg.PaddleSpeed * seconds
	}
	maxTop := m.cfg.ArenaHeight - m.cfg.PaddleHeight
	if p.Rect.Pos.Y < 0 {
		p.Rect.Pos.Y = 0
	} else if p.Rect.Pos.Y > maxTop {
		p.Rect.Pos.Y = maxTop
	}
}

// bounceOff reassigns the ball direction from where it struck the paddle: hits near the paddle
// ends leave at up to MaxBounceAngle, centre hits leave flat.
func (m *Match) bounceOff(p *Paddle, horizontal float64) bool {
	if !geometry.RectVsCircle(p.Rect, m.ball.Circle) {
		return false
	}
	contact := geometry.ClosestPoint(p.Rect, m.ball.Circle)
	offset := contact.Y - p.Rect.Center().Y
	normalized := offset / (m.cfg.PaddleHeight / 2)
	angle := normalized * m.cfg.MaxBounceAngle
	m.ball.Direction = geometry.Vec(math.Cos(angle)*horizontal, math.Sin(angle))
	p.Touches++
	return true
}

func (m *Match) reflectWalls() {
	c := &m.ball.Circle
	switch {
	case c.Top() < 0:
		c.Pos.Y = -c.Top() + c.Radius
		m.ball.Direction.Y = math.Abs(m.ball.Direction.Y)
	case c.Bottom() > m.cfg.ArenaHeight:
		c.Pos.Y = 2*m.cfg.ArenaHeight - c.Bottom() - c.Radius
		m.ball.Direction.Y = -math.Abs(m.ball.Direction.Y)
	}
}

// serve recentres the ball and launches it towards a random side at a random elevation.
func (m *Match) serve() {
	center := geometry.Vec(m.cfg.ArenaWidth/2, m.cfg.ArenaHeight/2)
	angle := m.cfg.ServeAngleMin + m.rng.Float64()*(m.cfg.ServeAngleMax-m.cfg.ServeAngleMin)
	if m.rng.Intn(2) == 0 {
		angle = -angle
	}
	horizontal := 1.0
	if m.rng.Intn(2) == 0 {
		horizontal = -1
	}
	m.ball = Ball{
		Circle:    geometry.NewCircle(center, m.cfg.BallRadius),
		Direction: geometry.Vec(math.Cos(angle)*horizontal, math.Sin(angle)),
	}
}
