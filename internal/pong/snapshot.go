package pong

import "paddlecourt/engine/internal/geometry"

// PaddleState is the wire friendly view of a paddle.
type PaddleState struct {
	Pos     geometry.Point  `json:"pos"`
	Size    geometry.Vector `json:"size"`
	Touches int             `json:"touches"`
}

// BallState is the wire friendly view of the ball.
type BallState struct {
	Pos       geometry.Point  `json:"pos"`
	Radius    float64         `json:"radius"`
	Direction geometry.Vector `json:"direction"`
}

// Snapshot is an immutable copy of the match state.
type Snapshot struct {
	LeftPaddle  PaddleState `json:"leftPaddle"`
	RightPaddle PaddleState `json:"rightPaddle"`
	Ball        BallState   `json:"ball"`
	LeftScore   int         `json:"leftScore"`
	RightScore  int         `json:"rightScore"`
	Status      Status      `json:"status"`
}

// Snapshot copies the current match state.
func (m *Match) Snapshot() Snapshot {
	return Snapshot{
		LeftPaddle:  paddleState(m.left),
		RightPaddle: paddleState(m.right),
		Ball: BallState{
			Pos:       m.ball.Circle.Pos,
			Radius:    m.ball.Circle.Radius,
			Direction: m.ball.Direction,
		},
		LeftScore:  m.leftScore,
		RightScore: m.rightScore,
		Status:     m.status,
	}
}

func paddleState(p Paddle) PaddleState {
	return PaddleState{Pos: p.Rect.Pos, Size: p.Rect.Size, Touches: p.Touches}
}
