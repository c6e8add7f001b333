package match

import (
	"context"
	"sync"
)

// frameHub fans spectator frames out per session. Each subscriber holds only the latest frame;
// a slow reader skips intermediate ticks instead of stalling the scheduler.
type frameHub struct {
	mu   sync.Mutex
	subs map[int64]map[*frameSub]struct{}
}

type frameSub struct {
	ch     chan Frame
	closed bool
}

func newFrameHub() *frameHub {
	return &frameHub{subs: make(map[int64]map[*frameSub]struct{})}
}

func (h *frameHub) subscribe(ctx context.Context, sessionID int64) <-chan Frame {
	sub := &frameSub{ch: make(chan Frame, 1)}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*frameSub]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.closeLocked(sub)
	}()
	return sub.ch
}

func (h *frameHub) publish(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[frame.SessionID] {
		//1.- Replace a stale pending frame with the newest one.
		select {
		case sub.ch <- frame:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- frame:
		default:
		}
	}
}

// closeSession ends every subscription watching sessionID.
func (h *frameHub) closeSession(sessionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		h.closeLocked(sub)
	}
	delete(h.subs, sessionID)
}

func (h *frameHub) closeLocked(sub *frameSub) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

func (h *frameHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, set := range h.subs {
		total += len(set)
	}
	return total
}
