// Package session negotiates one receive-only WebRTC connection per stream
// against the gateway's HTTP signaling endpoints.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
	"github.com/eagleeye/liveview/internal/metrics"
)

type Deps struct {
	Gateway  core.Gateway
	Peers    core.PeerFactory
	Sink     core.DisplaySink
	Observer core.StatusObserver
	// GatherTimeout, see OfferAnswerExchange.
	GatherTimeout time.Duration
}

// Session is the signaling state machine for one stream id. It owns
// exactly one peer connection and negotiates at most once.
type Session struct {
	id     domain.StreamID
	sid    string
	logger zerolog.Logger

	negotiator CodecNegotiator
	exchange   OfferAnswerExchange
	peers      core.PeerFactory
	sink       core.DisplaySink
	monitor    *ConnectionStateMonitor

	mu            sync.Mutex
	state         domain.State
	pc            core.PeerConnection
	pcClosed      bool
	codecs        []domain.CodecDescriptor
	lastErr       error
	answerApplied bool
	bound         int
	startedAt     time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

func New(id domain.StreamID, deps Deps) *Session {
	sid := uuid.NewString()
	logger := log.With().
		Str("module", "session").
		Str("stream", string(id)).
		Str("sid", sid).
		Logger()
	return &Session{
		id:         id,
		sid:        sid,
		logger:     logger,
		negotiator: CodecNegotiator{Gateway: deps.Gateway},
		exchange:   OfferAnswerExchange{Gateway: deps.Gateway, GatherTimeout: deps.GatherTimeout},
		peers:      deps.Peers,
		sink:       deps.Sink,
		monitor:    newMonitor(id, deps.Observer, logger),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() domain.StreamID { return s.id }

// SID is the unique id of this session instance.
func (s *Session) SID() string { return s.sid }

// Start creates the peer connection and runs the negotiation on its own
// goroutine. It never blocks on the network.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateIdle {
		return &core.StateError{Op: "start", State: s.state.String()}
	}

	metrics.SessionsStartedTotal.Inc()
	s.startedAt = time.Now()
	s.monitor.publish(domain.Connecting())

	pc, err := s.peers.NewPeerConnection(s.id)
	if err != nil {
		s.failLocked(&core.NetworkError{Op: "new peer connection", Err: err})
		close(s.done)
		return nil
	}
	s.pc = pc
	s.monitor.attach(pc, s)

	if err := s.advanceLocked(domain.StateFetchingCodecs); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	codecs, err := s.negotiator.FetchCodecs(ctx, s.id)
	if err != nil {
		s.fail(opFetchCodecs, err)
		return
	}

	err = s.whileOpen(opAddReceivers, func() error {
		s.codecs = codecs
		return addTransceivers(s.pc, codecs)
	})
	if err != nil {
		s.fail(opAddReceivers, err)
		return
	}
	s.logger.Info().Int("codecs", len(codecs)).Msg("receive transceivers added")

	if _, err := s.exchange.Negotiate(ctx, s.pc, s.id, s); err != nil {
		s.fail(opNegotiate, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.answerApplied = true
	s.logger.Info().Msg("answer applied")
	if s.monitor.Status().Kind == domain.StatusStreaming {
		_ = s.advanceLocked(domain.StateConnected)
	}
}

// Cancel closes the session from any state without waiting for in-flight
// network calls; their results are discarded. Calling it again is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = domain.StateClosed
	metrics.SessionStateTransitions.WithLabelValues(domain.StateClosed.String()).Inc()
	pc := s.teardownLocked()
	s.monitor.finish(domain.Closed())
	if prev == domain.StateIdle {
		close(s.done)
	}
	s.mu.Unlock()

	s.logger.Info().Str("from", prev.String()).Msg("session closed")
	s.closePeer(pc)
}

func (s *Session) fail(op string, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		state := s.state
		s.mu.Unlock()
		metrics.StaleResultsDiscarded.WithLabelValues(op).Inc()
		s.logger.Debug().Err(err).Str("op", op).Str("state", state.String()).Msg("discarding result of closed session")
		return
	}
	pc := s.failLocked(err)
	s.mu.Unlock()
	s.closePeer(pc)
}

// failLocked moves to Failed and returns the connection to close once the
// lock is released.
func (s *Session) failLocked(err error) core.PeerConnection {
	s.lastErr = err
	s.state = domain.StateFailed
	metrics.SessionStateTransitions.WithLabelValues(domain.StateFailed.String()).Inc()
	metrics.SessionFailuresTotal.WithLabelValues(core.Kind(err)).Inc()
	pc := s.teardownLocked()
	s.monitor.finish(domain.Failed(core.Reason(err)))
	s.logger.Warn().Err(err).Msg("session failed")
	return pc
}

// teardownLocked releases listeners, the sink binding and pending network
// calls.
func (s *Session) teardownLocked() core.PeerConnection {
	if s.cancel != nil {
		s.cancel()
	}
	s.monitor.detach()
	if s.bound > 0 && s.sink != nil {
		s.sink.Unbind()
	}
	s.bound = 0
	if s.pcClosed {
		return nil
	}
	s.pcClosed = true
	return s.pc
}

func (s *Session) closePeer(pc core.PeerConnection) {
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close error")
	}
}

func (s *Session) whileOpen(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return &core.StateError{Op: op, State: s.state.String()}
	}
	return fn()
}

func (s *Session) advanceLocked(to domain.State) error {
	if !s.state.CanTransition(to) {
		return &core.StateError{Op: "advance to " + to.String(), State: s.state.String()}
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("state")
	s.state = to
	metrics.SessionStateTransitions.WithLabelValues(to.String()).Inc()
	if to == domain.StateConnected {
		metrics.NegotiationDuration.Observe(time.Since(s.startedAt).Seconds())
		s.logger.Info().Dur("took", time.Since(s.startedAt)).Msg("connected")
	}
	return nil
}

func (s *Session) onConnectivity(ice webrtc.ICEConnectionState, st domain.ConnectionStatus) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if st.Kind == domain.StatusFailed {
		pc := s.failLocked(errICEFailed)
		s.mu.Unlock()
		s.closePeer(pc)
		return
	}
	s.monitor.publish(st)
	if st.Kind == domain.StatusStreaming && s.answerApplied && s.state < domain.StateConnected {
		_ = s.advanceLocked(domain.StateConnected)
	}
	s.mu.Unlock()
}

func (s *Session) onTrack(track core.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		s.logger.Debug().Str("track_id", track.ID()).Msg("track after close ignored")
		return
	}
	s.monitor.trackArrived()
	if s.state < domain.StateConnected {
		_ = s.advanceLocked(domain.StateConnected)
	}
	if s.sink == nil {
		return
	}
	if err := s.sink.Bind(track); err != nil {
		metrics.MediaErrorsTotal.Inc()
		s.logger.Warn().Err(err).Msg("bind track")
		return
	}
	s.bound++
	metrics.TracksBoundTotal.WithLabelValues(track.Kind().String()).Inc()
}

// Done is closed once the negotiation goroutine has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() domain.ConnectionStatus { return s.monitor.Status() }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot is a read-only view for APIs.
type Snapshot struct {
	Stream domain.StreamID         `json:"stream"`
	SID    string                  `json:"sid"`
	State  string                  `json:"state"`
	Status string                  `json:"status"`
	Text   string                  `json:"text"`
	Codecs []domain.CodecDescriptor `json:"codecs,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	st := s.monitor.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Stream: s.id,
		SID:    s.sid,
		State:  s.state.String(),
		Status: st.Kind.String(),
		Text:   st.Text(),
		Codecs: append([]domain.CodecDescriptor(nil), s.codecs...),
	}
	if s.lastErr != nil {
		snap.Error = core.Reason(s.lastErr)
	}
	return snap
}
