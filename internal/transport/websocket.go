// Package transport adapts gorilla websocket connections to the registry's Conn contract.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a connection that has shut down.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the outbound queue cannot take another frame.
	ErrBufferFull = errors.New("outbound buffer full")
)

const (
	DefaultSendBuffer = 64
	DefaultWriteWait  = 5 * time.Second
)

// Config shapes the upgrade policy and per-connection pumps.
type Config struct {
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	WriteWait       time.Duration
	SendBuffer      int
}

func (c Config) normalised() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

// pongWait is how long a peer may stay silent before the read pump gives up.
func (c Config) pongWait() time.Duration { return 2 * c.PingInterval }

// Acceptor upgrades HTTP requests into framed connections.
type Acceptor struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewAcceptor builds an acceptor that negotiates the msgpack or json subprotocol.
func NewAcceptor(cfg Config, logger *logging.Logger) *Acceptor {
	cfg = cfg.normalised()
	if logger == nil {
		logger = logging.L()
	}
	a := &Acceptor{cfg: cfg, logger: logger}
	a.upgrader = websocket.Upgrader{
		Subprotocols: []string{protocol.MsgpackCodec{}.Name(), protocol.JSONCodec{}.Name()},
		CheckOrigin:  func(r *http.Request) bool { return checkOrigin(r, cfg.AllowedOrigins) },
	}
	return a
}

// checkOrigin allows same-origin requests and anything on the allow list. An empty list allows all.
func checkOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

// Upgrade completes the websocket handshake. The caller must Run the returned connection.
func (a *Acceptor) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	codec := protocol.CodecFor(ws.Subprotocol())
	conn := newConn(ws, codec, a.cfg, a.logger)
	conn.logger.Debug("websocket upgraded",
		logging.String("remote_addr", r.RemoteAddr),
		logging.String("codec", codec.Name()),
	)
	return conn, nil
}

// Conn is one client's websocket with a buffered write pump. A full buffer fails the send
// instead of blocking the caller.
type Conn struct {
	id     string
	ws     *websocket.Conn
	codec  protocol.Codec
	cfg    Config
	logger *logging.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, codec protocol.Codec, cfg Config, logger *logging.Logger) *Conn {
	cfg = cfg.normalised()
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		codec:  codec,
		cfg:    cfg,
		logger: logger.With(logging.String("conn_id", id)),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Codec reports the negotiated codec.
func (c *Conn) Codec() protocol.Codec { return c.codec }

// Done is closed once the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send encodes msg and queues it for the write pump.
func (c *Conn) Send(msg protocol.ServerMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.ServerKind(), err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close sends a close frame and tears the socket down. It is safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Run pumps frames until the peer goes away or ctx is cancelled. Decoded messages go to
// onMessage; frames that fail to decode go to onInvalid.
func (c *Conn) Run(ctx context.Context, onMessage func(protocol.ClientMessage), onInvalid func(error)) error {
	defer c.Close()

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	//1.- Every pong pushes the read deadline out by another wait window.
	if c.cfg.MaxPayloadBytes > 0 {
		c.ws.SetReadLimit(c.cfg.MaxPayloadBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		msg, err := c.codec.Decode(data)
		if err != nil {
			if onInvalid != nil {
				onInvalid(err)
			}
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(frameType, data); err != nil {
				c.logger.Debug("websocket write failed", logging.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("websocket ping failed", logging.Error(err))
				c.Close()
				return
			}
		}
	}
}
