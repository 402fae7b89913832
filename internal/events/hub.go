// Package events fans out session activity to WebSocket subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
)

// Kind identifies an event payload.
type Kind string

const (
	KindTurn       Kind = "turn"
	KindState      Kind = "state"
	KindInvocation Kind = "invocation"
	KindArtifact   Kind = "artifact"
	KindIngested   Kind = "ingested"
	KindClosed     Kind = "closed"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is one message on a session stream.
type Event struct {
	Type        Kind                   `json:"type"`
	SessionID   string                 `json:"session_id"`
	At          time.Time              `json:"at"`
	Turn        *domain.Turn           `json:"turn,omitempty"`
	From        domain.PipelineState   `json:"from,omitempty"`
	To          domain.PipelineState   `json:"to,omitempty"`
	Invocation  *domain.ToolInvocation `json:"invocation,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Files       int                    `json:"files,omitempty"`
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// Hub tracks subscribers per session. Publishing never blocks: a subscriber
// whose queue is full is disconnected.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a listener for sessionID. The channel is closed when
// the returned cancel func runs, the subscriber falls behind, or the
// session is closed.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Event subscriber registered", "session_id", sessionID)
	return sub.ch, func() { h.remove(sessionID, sub) }
}

// Publish delivers e to every subscriber of e.SessionID.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	var slow []*subscriber
	h.mu.RLock()
	for sub := range h.subs[e.SessionID] {
		select {
		case sub.ch <- e:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("Dropping slow event subscriber", "session_id", e.SessionID)
		h.remove(e.SessionID, sub)
	}
}

// CloseSession disconnects every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		h.logger.Info("Event subscribers closed", "session_id", sessionID, "count", len(subs))
	}
}

// Subscribers returns the number of listeners on sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) remove(sessionID string, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[sessionID]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
	h.mu.Unlock()
	sub.close()
}
