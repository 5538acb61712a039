// Package status fans ConnectionStatus changes out to UI subscribers.
package status

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/domain"
	"github.com/eagleeye/liveview/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")

// Subscriber receives encoded messages. TrySend must not block; a
// subscriber that returns an error is dropped and closed.
type Subscriber interface {
	TrySend([]byte) error
	Close()
}

// Message is the wire form of one status line.
type Message struct {
	Type   string          `json:"type"`
	Stream domain.StreamID `json:"stream"`
	Status string          `json:"status"`
	Text   string          `json:"text"`
}

func newMessage(id domain.StreamID, st domain.ConnectionStatus) Message {
	return Message{
		Type:   "status",
		Stream: id,
		Status: st.Kind.String(),
		Text:   st.Text(),
	}
}

// FloorPlanMessage announces a new floor-plan version.
type FloorPlanMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

// Hub is a core.StatusObserver that keeps the latest status of every live
// stream and broadcasts changes.
type Hub struct {
	mu     sync.Mutex
	latest map[domain.StreamID]domain.ConnectionStatus
	plan   uint64
	subs   map[Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		latest: make(map[domain.StreamID]domain.ConnectionStatus),
		subs:   make(map[Subscriber]struct{}),
	}
}

func (h *Hub) Publish(id domain.StreamID, st domain.ConnectionStatus) {
	log.Info().
		Str("module", "status").
		Str("stream", string(id)).
		Str("status", st.String()).
		Msg("status changed")

	b, err := json.Marshal(newMessage(id, st))
	if err != nil {
		log.Error().Err(err).Str("module", "status").Msg("marshal status")
		return
	}

	h.mu.Lock()
	if st.Kind == domain.StatusClosed {
		delete(h.latest, id)
	} else {
		h.latest[id] = st
	}
	dropped := h.broadcastLocked(b)
	h.mu.Unlock()
	closeDropped(dropped)
}

// PublishFloorPlan broadcasts a new floor-plan version. Older or repeated
// versions are ignored.
func (h *Hub) PublishFloorPlan(version uint64) {
	b, err := json.Marshal(FloorPlanMessage{Type: "floorplan", Version: version})
	if err != nil {
		log.Error().Err(err).Str("module", "status").Msg("marshal floor plan")
		return
	}

	h.mu.Lock()
	if version <= h.plan {
		h.mu.Unlock()
		return
	}
	h.plan = version
	dropped := h.broadcastLocked(b)
	h.mu.Unlock()
	closeDropped(dropped)
	log.Debug().Str("module", "status").Uint64("version", version).Msg("floor plan announced")
}

func (h *Hub) broadcastLocked(b []byte) []Subscriber {
	var dropped []Subscriber
	for sub := range h.subs {
		if err := sub.TrySend(b); err != nil {
			delete(h.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	metrics.StatusSubscribers.Set(float64(len(h.subs)))
	return dropped
}

func closeDropped(subs []Subscriber) {
	for _, sub := range subs {
		log.Warn().Str("module", "status").Msg("dropping slow status subscriber")
		sub.Close()
	}
}

// Subscribe registers sub after sending it the current status of every
// live stream and the current floor-plan version.
func (h *Hub) Subscribe(sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := make([]any, 0, len(h.latest)+1)
	for _, m := range h.snapshotLocked() {
		msgs = append(msgs, m)
	}
	if h.plan > 0 {
		msgs = append(msgs, FloorPlanMessage{Type: "floorplan", Version: h.plan})
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := sub.TrySend(b); err != nil {
			return err
		}
	}
	h.subs[sub] = struct{}{}
	metrics.StatusSubscribers.Set(float64(len(h.subs)))
	return nil
}

func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	metrics.StatusSubscribers.Set(float64(len(h.subs)))
}

// Snapshot returns the latest status of every live stream, ordered by id.
func (h *Hub) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Message {
	ids := make([]domain.StreamID, 0, len(h.latest))
	for id := range h.latest {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, newMessage(id, h.latest[id]))
	}
	return out
}
