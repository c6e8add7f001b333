package main

import (
	"errors"
	"fmt"
	"time"

	"paddlecourt/engine/internal/input"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
	"paddlecourt/engine/internal/quickplay"
	"paddlecourt/engine/internal/registry"
)

var (
	errNoSession      = errors.New("not in a session")
	errNoLobby        = errors.New("casual sessions start without a ready check")
	errAlreadyPlaying = errors.New("already playing")
)

// handleMessage routes one decoded client message. Failures are answered with an error message
// on the originating connection and leave all state untouched.
func (b *Broker) handleMessage(player protocol.Player, conn registry.Conn, msg protocol.ClientMessage) {
	if err := b.dispatch(player, conn, msg); err != nil {
		b.log.Debug("client message rejected",
			logging.Int64("player_id", player.ID),
			logging.String("type", msg.ClientKind()),
			logging.Error(err),
		)
		_ = conn.Send(protocol.Error{Message: err.Error()})
	}
}

func (b *Broker) dispatch(player protocol.Player, conn registry.Conn, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case *protocol.Ping:
		return conn.Send(protocol.Pong{Nonce: m.Nonce})
	case *protocol.Ready:
		if m.SessionID >= quickplay.QuickplayIDBase {
			return errNoLobby
		}
		return b.scheduler.SetReady(player.ID, m.SessionID, *m.Ready)
	case *protocol.Input:
		return b.submitInput(player, m)
	case *protocol.JoinQueue:
		mode := b.modeOrDefault(m.Mode)
		if err := b.checkFree(player.ID, mode); err != nil {
			return err
		}
		//1.- A player waits in at most one queue.
		for other, queue := range b.queues {
			if other != mode {
				queue.Dequeue(player.ID)
			}
		}
		return b.queues[mode].Enqueue(player)
	case *protocol.LeaveQueue:
		for _, queue := range b.queues {
			queue.Dequeue(player.ID)
		}
		return nil
	case *protocol.JoinSession:
		if m.SessionID >= quickplay.QuickplayIDBase {
			return b.quickplay.Rejoin(player.ID, m.SessionID)
		}
		return b.scheduler.Join(player.ID, m.SessionID)
	case *protocol.LeaveSession:
		if m.SessionID >= quickplay.QuickplayIDBase {
			return b.quickplay.Leave(player.ID, m.SessionID)
		}
		return b.scheduler.Leave(player.ID, m.SessionID)
	case *protocol.StartLocal:
		mode := b.modeOrDefault(m.Mode)
		if err := b.checkFree(player.ID, mode); err != nil {
			return err
		}
		for _, queue := range b.queues {
			queue.Dequeue(player.ID)
		}
		var err error
		if mode == protocol.ModeCasual {
			_, err = b.quickplay.Start(player, player, mode)
		} else {
			_, err = b.scheduler.StartLocal(player, mode)
		}
		return err
	default:
		return fmt.Errorf("unsupported message %q", msg.ClientKind())
	}
}

func (b *Broker) modeOrDefault(mode string) string {
	if mode == "" {
		mode = b.cfg.DefaultMode
	}
	if _, ok := b.queues[mode]; !ok {
		return protocol.ModeRanked
	}
	return mode
}

// checkFree rejects starting another match while the player holds a ranked seat. Casual play
// replaces an earlier casual session, so only ranked entry also checks the casual manager.
func (b *Broker) checkFree(playerID int64, mode string) error {
	if id, ok := b.scheduler.SessionOf(playerID); ok {
		return fmt.Errorf("%w: session %d", errAlreadyPlaying, id)
	}
	if mode == protocol.ModeRanked {
		if id, ok := b.quickplay.SessionOf(playerID); ok {
			return fmt.Errorf("%w: session %d", errAlreadyPlaying, id)
		}
	}
	return nil
}

func (b *Broker) submitInput(player protocol.Player, m *protocol.Input) error {
	frame := input.Frame{PlayerID: player.ID, Seq: m.Seq}
	if m.SentAt > 0 {
		frame.SentAt = time.UnixMilli(m.SentAt)
	}
	//1.- Gated inputs are dropped without a reply.
	if decision := b.gate.Evaluate(frame); !decision.Accepted {
		return nil
	}
	if _, ok := b.scheduler.SessionOf(player.ID); ok {
		if m.Local() {
			return b.scheduler.SubmitLocalInput(player.ID, m.Left.Input(), m.Right.Input())
		}
		return b.scheduler.SubmitInput(player.ID, m.Single())
	}
	if _, ok := b.quickplay.SessionOf(player.ID); ok {
		if m.Local() {
			return b.quickplay.SubmitLocalInput(player.ID, m.Left.Input(), m.Right.Input())
		}
		return b.quickplay.SubmitInput(player.ID, m.Single())
	}
	return errNoSession
}

// playerGone applies each component's disconnect policy once the player's last connection ends.
func (b *Broker) playerGone(playerID int64) {
	for _, queue := range b.queues {
		queue.Dequeue(playerID)
	}
	b.scheduler.PlayerDisconnected(playerID)
	b.quickplay.Disconnected(playerID)
	b.gate.Forget(playerID)
}
