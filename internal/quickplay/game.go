// Package quickplay runs casual sessions: arcade physics on a flat court snapshot, an elastic
// timer that only runs while sessions exist, and a reconnect grace period.
package quickplay

import (
	"math"
	"time"

	"golang.org/x/exp/rand"

	"paddlecourt/engine/internal/pong"
	"paddlecourt/engine/internal/protocol"
)

// Config tunes the casual court.
type Config struct {
	ArenaWidth   float64
	ArenaHeight  float64
	PaddleWidth  float64
	PaddleHeight float64
	BallSize     float64
	BallSpeed    float64
	PaddleSpeed  float64
	WinningScore int
	MaxStep      time.Duration
}

// DefaultConfig mirrors the ranked court dimensions.
func DefaultConfig() Config {
	return Config{
		ArenaWidth:   800,
		ArenaHeight:  400,
		PaddleWidth:  10,
		PaddleHeight: 80,
		BallSize:     10,
		BallSpeed:    300,
		PaddleSpeed:  350,
		WinningScore: 5,
		MaxStep:      time.Second / 30,
	}
}

// deflection scales the contact offset into vertical ball speed.
const deflection = 5

// Game is one casual match. Paddle positions are centre y coordinates.
type Game struct {
	cfg   Config
	rng   *rand.Rand
	court protocol.Court
}

// NewGame returns a game with centred paddles and a fresh serve.
func NewGame(cfg Config, rng *rand.Rand) *Game {
	if rng == nil {
		rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	g := &Game{cfg: cfg, rng: rng}
	g.court.LeftPaddleY = cfg.ArenaHeight / 2
	g.court.RightPaddleY = cfg.ArenaHeight / 2
	g.serve()
	return g
}

// Court returns a copy of the flat snapshot.
func (g *Game) Court() protocol.Court { return g.court }

// Over reports whether a side reached the winning score.
func (g *Game) Over() bool { return g.court.GameOver }

// WinnerSide returns the side that won, if any.
func (g *Game) WinnerSide() pong.Side {
	switch g.court.Winner {
	case "left":
		return pong.SideLeft
	case "right":
		return pong.SideRight
	default:
		return pong.SideNone
	}
}

// Update advances the game by dt. The step is capped before physics so a scheduling stall
// cannot carry the ball across the court.
func (g *Game) Update(dt time.Duration, left, right pong.Input) {
	c := &g.court
	if c.GameOver || dt <= 0 {
		return
	}
	if g.cfg.MaxStep > 0 && dt > g.cfg.MaxStep {
		dt = g.cfg.MaxStep
	}
	seconds := dt.Seconds()

	//1.- Move and clamp the paddle centres.
	half := g.cfg.PaddleHeight / 2
	c.LeftPaddleY = clamp(c.LeftPaddleY+direction(left)*g.cfg.PaddleSpeed*seconds, half, g.cfg.ArenaHeight-half)
	c.RightPaddleY = clamp(c.RightPaddleY+direction(right)*g.cfg.PaddleSpeed*seconds, half, g.cfg.ArenaHeight-half)

	//2.- Integrate the ball.
	c.BallX += c.BallVX * seconds
	c.BallY += c.BallVY * seconds

	//3.- Walls send the ball back toward the court.
	if c.BallY <= g.cfg.BallSize {
		c.BallVY = math.Abs(c.BallVY)
	} else if c.BallY >= g.cfg.ArenaHeight-g.cfg.BallSize {
		c.BallVY = -math.Abs(c.BallVY)
	}

	//4.- Paddle contact deflects by the offset from the paddle centre.
	reach := half + g.cfg.BallSize
	if c.BallX <= g.cfg.PaddleWidth+g.cfg.BallSize && math.Abs(c.BallY-c.LeftPaddleY) < reach {
		c.BallVX = math.Abs(c.BallVX)
		c.BallVY = (c.BallY - c.LeftPaddleY) * deflection
	}
	if c.BallX >= g.cfg.ArenaWidth-g.cfg.PaddleWidth-g.cfg.BallSize && math.Abs(c.BallY-c.RightPaddleY) < reach {
		c.BallVX = -math.Abs(c.BallVX)
		c.BallVY = (c.BallY - c.RightPaddleY) * deflection
	}

	//5.- Leaving the court scores for the other side.
	if c.BallX < 0 {
		c.RightScore++
		g.serve()
	} else if c.BallX > g.cfg.ArenaWidth {
		c.LeftScore++
		g.serve()
	}

	switch {
	case c.LeftScore >= g.cfg.WinningScore:
		c.GameOver = true
		c.Winner = pong.SideLeft.String()
	case c.RightScore >= g.cfg.WinningScore:
		c.GameOver = true
		c.Winner = pong.SideRight.String()
	}
}

func (g *Game) serve() {
	c := &g.court
	c.BallX = g.cfg.ArenaWidth / 2
	c.BallY = g.cfg.ArenaHeight / 2
	c.BallVX = g.cfg.BallSpeed
	if g.rng.Float64() < 0.5 {
		c.BallVX = -g.cfg.BallSpeed
	}
	c.BallVY = (g.rng.Float64() - 0.5) * g.cfg.BallSpeed * 0.5
}

func direction(in pong.Input) float64 {
	switch {
	case in.Up && !in.Down:
		return -1
	case in.Down && !in.Up:
		return 1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
