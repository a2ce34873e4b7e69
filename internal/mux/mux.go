package mux

import (
	"log"
	"sync"

	"concierge/bridge/internal/types"
)

// Mux merges the two inbound transport streams of one session into a
// single ordered queue. Within a source, delivery order equals arrival
// order. When both sources have an event pending, the telephony control
// event is delivered first so a hangup is always observed promptly.
//
// The buffer is bounded: on overflow the oldest un-applied audio-delta
// event is shed and counted, never a control or tool-result event.
type Mux struct {
	sessionID string
	capacity  int

	mu      sync.Mutex
	cond    *sync.Cond
	control []types.Event
	general []types.Event
	closed  bool

	out  chan types.Event
	quit chan struct{}
	done chan struct{}
}

// New creates a session mux and starts its delivery loop.
func New(sessionID string, capacity int) *Mux {
	if capacity <= 0 {
		capacity = 256
	}
	m := &Mux{
		sessionID: sessionID,
		capacity:  capacity,
		out:       make(chan types.Event),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.deliver()
	return m
}

// Out is the single ordered stream consumed by the session loop.
func (m *Mux) Out() <-chan types.Event { return m.out }

// Push enqueues an event from either source. It never blocks the caller:
// under backpressure the oldest droppable event is shed instead.
func (m *Mux) Push(ev types.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if ev.Control() {
		m.control = append(m.control, ev)
	} else {
		if len(m.general) >= m.capacity {
			m.shedOldestLocked()
		}
		m.general = append(m.general, ev)
	}
	m.cond.Signal()
	m.mu.Unlock()
}

// DropDecodeError records a frame the transcoder rejected. Transient codec
// glitches are not fatal: the frame is logged, counted and discarded.
func (m *Mux) DropDecodeError(err error) {
	metricDecodeDrops.Inc()
	log.Printf("[mux] sid=%s dropping undecodable frame: %v", m.sessionID, err)
}

// Close tears the mux down. Anything still queued is discarded; callers
// drain the session's remaining events before closing on the normal path.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.quit)
	m.cond.Signal()
	m.mu.Unlock()
	<-m.done
}

// shedOldestLocked removes the oldest droppable queued event. Control and
// tool-result events are never candidates; if nothing is droppable the
// queue is allowed to exceed capacity rather than lose a required event.
func (m *Mux) shedOldestLocked() {
	for i, ev := range m.general {
		if ev.Droppable() {
			m.general = append(m.general[:i], m.general[i+1:]...)
			metricDroppedAudio.Inc()
			return
		}
	}
}

func (m *Mux) deliver() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.control) == 0 && len(m.general) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			close(m.out)
			return
		}
		var ev types.Event
		if len(m.control) > 0 {
			ev = m.control[0]
			m.control = m.control[1:]
		} else {
			ev = m.general[0]
			m.general = m.general[1:]
		}
		depth := len(m.control) + len(m.general)
		m.mu.Unlock()

		metricQueueDepth.Set(float64(depth))
		select {
		case m.out <- ev:
		case <-m.quit:
			close(m.out)
			return
		}
	}
}
