package sink

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// Manager owns one Relay per stream id. Relays outlive sessions so that
// attached writers keep receiving media across retries and reselection.
type Manager struct {
	ctx context.Context

	mu     sync.RWMutex
	relays map[domain.StreamID]*Relay
}

func NewManager(ctx context.Context) *Manager {
	return &Manager{
		ctx:    ctx,
		relays: make(map[domain.StreamID]*Relay),
	}
}

func (m *Manager) SinkFor(id domain.StreamID) core.DisplaySink {
	return m.relay(id)
}

func (m *Manager) relay(id domain.StreamID) *Relay {
	m.mu.RLock()
	r, ok := m.relays[id]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[id]; ok {
		return r
	}
	logger := log.With().
		Str("module", "sink").
		Str("stream", string(id)).
		Logger()
	r = NewRelay(m.ctx, id, logger)
	m.relays[id] = r
	return r
}

// Attach registers w for the kind media of stream id.
func (m *Manager) Attach(id domain.StreamID, name string, kind webrtc.RTPCodecType, w Writer) {
	m.relay(id).Attach(name, kind, w)
}

func (m *Manager) Detach(id domain.StreamID, name string) {
	if r, ok := m.lookup(id); ok {
		r.Detach(name)
	}
}

// SetMuted reports false when nothing is attached under name.
func (m *Manager) SetMuted(id domain.StreamID, name string, muted bool) bool {
	r, ok := m.lookup(id)
	return ok && r.SetMuted(name, muted)
}

// Codecs returns the codecs of the tracks bound for stream id.
func (m *Manager) Codecs(id domain.StreamID) map[webrtc.RTPCodecType]webrtc.RTPCodecCapability {
	if r, ok := m.lookup(id); ok {
		return r.Codecs()
	}
	return nil
}

func (m *Manager) lookup(id domain.StreamID) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[id]
	return r, ok
}

// Stats returns forwarding counters of stream id, if it ever had a sink.
func (m *Manager) Stats(id domain.StreamID) (Stats, bool) {
	r, ok := m.lookup(id)
	if !ok {
		return Stats{}, false
	}
	return r.Stats(), true
}
