package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// MapICEState maps the low-level ICE state to the simplified status.
func MapICEState(s webrtc.ICEConnectionState) domain.ConnectionStatus {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.Streaming()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		return domain.Disconnected()
	case webrtc.ICEConnectionStateFailed:
		return domain.Failed(reasonICEFailed)
	}
	return domain.Connecting()
}

const reasonICEFailed = "ice: connection failed"

// monitorHandler receives mapped events. Calls arrive without the monitor's
// lock held.
type monitorHandler interface {
	onConnectivity(webrtc.ICEConnectionState, domain.ConnectionStatus)
	onTrack(core.MediaTrack)
}

// ConnectionStateMonitor subscribes to a connection's connectivity and
// track signals and is the only writer of a stream's ConnectionStatus.
type ConnectionStateMonitor struct {
	id       domain.StreamID
	observer core.StatusObserver
	logger   zerolog.Logger

	mu        sync.Mutex
	status    domain.ConnectionStatus
	trackSeen bool
	announced bool
	detached  bool
	unsubs    []func()
}

func newMonitor(id domain.StreamID, observer core.StatusObserver, logger zerolog.Logger) *ConnectionStateMonitor {
	return &ConnectionStateMonitor{
		id:       id,
		observer: observer,
		logger:   logger,
		status:   domain.Connecting(),
	}
}

func (m *ConnectionStateMonitor) attach(pc core.PeerConnection, h monitorHandler) {
	unsubICE := pc.SubscribeConnectivity(func(s webrtc.ICEConnectionState) {
		m.mu.Lock()
		detached := m.detached
		m.mu.Unlock()
		if detached {
			return
		}
		m.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		h.onConnectivity(s, MapICEState(s))
	})
	unsubTrack := pc.SubscribeTrack(func(t core.MediaTrack) {
		m.mu.Lock()
		detached := m.detached
		m.mu.Unlock()
		if detached {
			return
		}
		m.logger.Info().
			Str("kind", t.Kind().String()).
			Str("track_id", t.ID()).
			Str("track_stream", t.StreamID()).
			Msg("track received")
		h.onTrack(t)
	})

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsubICE, unsubTrack)
	m.mu.Unlock()
}

// detach removes every listener. Events already in flight are dropped.
func (m *ConnectionStateMonitor) detach() {
	m.mu.Lock()
	m.detached = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// publish records st. Once a track has arrived, Connecting no longer
// overrides Streaming.
func (m *ConnectionStateMonitor) publish(st domain.ConnectionStatus) {
	m.mu.Lock()
	if m.trackSeen && st.Kind == domain.StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.setLocked(st)
	m.mu.Unlock()
}

// trackArrived forces Streaming and reports whether this was the first track.
func (m *ConnectionStateMonitor) trackArrived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := !m.trackSeen
	m.trackSeen = true
	m.setLocked(domain.Streaming())
	return first
}

// finish publishes a terminal status and ignores anything after it.
func (m *ConnectionStateMonitor) finish(st domain.ConnectionStatus) {
	m.mu.Lock()
	m.setLocked(st)
	m.detached = true
	m.mu.Unlock()
}

func (m *ConnectionStateMonitor) setLocked(st domain.ConnectionStatus) {
	if m.announced && (m.status == st || m.status.Kind == domain.StatusClosed) {
		return
	}
	m.announced = true
	m.status = st
	if m.observer != nil {
		m.observer.Publish(m.id, st)
	}
}

func (m *ConnectionStateMonitor) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
