// Package protocol defines the messages exchanged with game clients. Each direction is a closed
// set: only the types declared here satisfy ClientMessage or ServerMessage.
package protocol

import "paddlecourt/engine/internal/pong"

// Client message kinds.
const (
	KindReady        = "ready"
	KindInput        = "input"
	KindJoinQueue    = "join_queue"
	KindLeaveQueue   = "leave_queue"
	KindJoinSession  = "join_session"
	KindLeaveSession = "leave_session"
	KindStartLocal   = "start_local"
	KindPing         = "ping"
)

// Server message kinds.
const (
	KindWelcome        = "welcome"
	KindReadyStatus    = "ready_status"
	KindCountdown      = "countdown"
	KindMatchStarted   = "match_started"
	KindState          = "state"
	KindQuickplayState = "quickplay_state"
	KindMatchEnded     = "match_ended"
	KindQueuePosition  = "queue_position"
	KindMatched        = "matched"
	KindError          = "error"
	KindPong           = "pong"
)

// Session modes select which manager hosts a match.
const (
	ModeRanked = "ranked"
	ModeCasual = "casual"
)

// ClientMessage is implemented by every message a client may send.
type ClientMessage interface {
	ClientKind() string
	isClientMessage()
}

// ServerMessage is implemented by every message the engine may send.
type ServerMessage interface {
	ServerKind() string
	isServerMessage()
}

// Player identifies a participant by the id and name received from the handshake.
type Player struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Controls is one controller's directional state in a local two-controller input.
type Controls struct {
	Up   *bool `json:"up" validate:"required"`
	Down *bool `json:"down" validate:"required"`
}

// Input returns the controls as a simulation input.
func (c *Controls) Input() pong.Input {
	if c == nil {
		return pong.Input{}
	}
	return pong.Input{Up: deref(c.Up), Down: deref(c.Down)}
}

type Ready struct {
	SessionID int64 `json:"sessionId" validate:"required,gt=0"`
	Ready     *bool `json:"ready" validate:"required"`
}

// Input carries either a single controller (up/down) or both controllers of a local session
// (left/right). Seq and SentAt are optional and feed the input gate.
type Input struct {
	Up     *bool     `json:"up,omitempty" validate:"required_without=Left"`
	Down   *bool     `json:"down,omitempty" validate:"required_without=Left"`
	Left   *Controls `json:"left,omitempty" validate:"required_with=Right"`
	Right  *Controls `json:"right,omitempty" validate:"required_with=Left"`
	Seq    uint64    `json:"seq,omitempty"`
	SentAt int64     `json:"sentAt,omitempty" validate:"gte=0"`
}

// Local reports whether the message drives both controllers.
func (i *Input) Local() bool { return i.Left != nil && i.Right != nil }

// Single returns the single-controller input.
func (i *Input) Single() pong.Input {
	return pong.Input{Up: deref(i.Up), Down: deref(i.Down)}
}

type JoinQueue struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=ranked casual"`
}

type LeaveQueue struct{}

type JoinSession struct {
	SessionID int64 `json:"sessionId" validate:"required,gt=0"`
}

type LeaveSession struct {
	SessionID int64 `json:"sessionId" validate:"required,gt=0"`
}

type StartLocal struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=ranked casual"`
}

type Ping struct {
	Nonce string `json:"nonce,omitempty" validate:"max=64"`
}

func (*Ready) ClientKind() string        { return KindReady }
func (*Input) ClientKind() string        { return KindInput }
func (*JoinQueue) ClientKind() string    { return KindJoinQueue }
func (*LeaveQueue) ClientKind() string   { return KindLeaveQueue }
func (*JoinSession) ClientKind() string  { return KindJoinSession }
func (*LeaveSession) ClientKind() string { return KindLeaveSession }
func (*StartLocal) ClientKind() string   { return KindStartLocal }
func (*Ping) ClientKind() string         { return KindPing }

func (*Ready) isClientMessage()        {}
func (*Input) isClientMessage()        {}
func (*JoinQueue) isClientMessage()    {}
func (*LeaveQueue) isClientMessage()   {}
func (*JoinSession) isClientMessage()  {}
func (*LeaveSession) isClientMessage() {}
func (*StartLocal) isClientMessage()   {}
func (*Ping) isClientMessage()         {}

// newClientMessage allocates the concrete message for a kind.
func newClientMessage(kind string) (ClientMessage, bool) {
	switch kind {
	case KindReady:
		return &Ready{}, true
	case KindInput:
		return &Input{}, true
	case KindJoinQueue:
		return &JoinQueue{}, true
	case KindLeaveQueue:
		return &LeaveQueue{}, true
	case KindJoinSession:
		return &JoinSession{}, true
	case KindLeaveSession:
		return &LeaveSession{}, true
	case KindStartLocal:
		return &StartLocal{}, true
	case KindPing:
		return &Ping{}, true
	default:
		return nil, false
	}
}

type Welcome struct {
	PlayerID int64  `json:"playerId"`
	Name     string `json:"name"`
}

type ReadyStatus struct {
	SessionID  int64  `json:"sessionId"`
	LeftReady  bool   `json:"leftReady"`
	RightReady bool   `json:"rightReady"`
	Lifecycle  string `json:"lifecycle"`
}

type Countdown struct {
	SessionID int64 `json:"sessionId"`
	Count     int   `json:"count"`
}

type MatchStarted struct {
	SessionID int64     `json:"sessionId"`
	Mode      string    `json:"mode"`
	Side      pong.Side `json:"side"`
	Opponent  Player    `json:"opponent"`
	Local     bool      `json:"local,omitempty"`
}

// State is one player's view of a ranked session after a tick.
type State struct {
	SessionID     int64         `json:"sessionId"`
	Tick          uint64        `json:"tick"`
	Side          pong.Side     `json:"side"`
	Lifecycle     string        `json:"lifecycle"`
	Match         pong.Snapshot `json:"match"`
	OpponentInput pong.Input    `json:"opponentInput"`
}

// Court is the flat snapshot streamed by casual sessions.
type Court struct {
	BallX        float64 `json:"ballX"`
	BallY        float64 `json:"ballY"`
	BallVX       float64 `json:"ballVX"`
	BallVY       float64 `json:"ballVY"`
	LeftPaddleY  float64 `json:"leftPaddleY"`
	RightPaddleY float64 `json:"rightPaddleY"`
	LeftScore    int     `json:"leftScore"`
	RightScore   int     `json:"rightScore"`
	GameOver     bool    `json:"gameOver"`
	Winner       string  `json:"winner,omitempty"`
}

type QuickplayState struct {
	SessionID int64 `json:"sessionId"`
	Court     Court `json:"court"`
}

// Score is a final or running scoreline.
type Score struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// End reasons reported in MatchEnded.
const (
	ReasonWon                  = "won"
	ReasonForfeit              = "forfeit"
	ReasonAborted              = "aborted"
	ReasonDeliveryFailed       = "delivery_failed"
	ReasonOpponentDisconnected = "opponent_disconnected"
	ReasonReplaced             = "replaced"
	ReasonShutdown             = "shutdown"
)

type MatchEnded struct {
	SessionID  int64     `json:"sessionId"`
	Winner     string    `json:"winner,omitempty"`
	WinnerSide pong.Side `json:"winnerSide"`
	FinalScore Score     `json:"finalScore"`
	Reason     string    `json:"reason"`
}

type QueuePosition struct {
	Mode         string `json:"mode"`
	Position     int    `json:"position"`
	TotalInQueue int    `json:"totalInQueue"`
}

type Matched struct {
	MatchID   string `json:"matchId"`
	SessionID int64  `json:"sessionId"`
	Mode      string `json:"mode"`
	Opponent  Player `json:"opponent"`
}

type Error struct {
	Message string `json:"message"`
}

type Pong struct {
	Nonce string `json:"nonce,omitempty"`
}

func (Welcome) ServerKind() string        { return KindWelcome }
func (ReadyStatus) ServerKind() string    { return KindReadyStatus }
func (Countdown) ServerKind() string      { return KindCountdown }
func (MatchStarted) ServerKind() string   { return KindMatchStarted }
func (State) ServerKind() string          { return KindState }
func (QuickplayState) ServerKind() string { return KindQuickplayState }
func (MatchEnded) ServerKind() string     { return KindMatchEnded }
func (QueuePosition) ServerKind() string  { return KindQueuePosition }
func (Matched) ServerKind() string        { return KindMatched }
func (Error) ServerKind() string          { return KindError }
func (Pong) ServerKind() string           { return KindPong }

func (Welcome) isServerMessage()        {}
func (ReadyStatus) isServerMessage()    {}
func (Countdown) isServerMessage()      {}
func (MatchStarted) isServerMessage()   {}
func (State) isServerMessage()          {}
func (QuickplayState) isServerMessage() {}
func (MatchEnded) isServerMessage()     {}
func (QueuePosition) isServerMessage()  {}
func (Matched) isServerMessage()        {}
func (Error) isServerMessage()          {}
func (Pong) isServerMessage()           {}

func deref(v *bool) bool { return v != nil && *v }
