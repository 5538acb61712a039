package session

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/app/session/sessiontest"
	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

type harness struct {
	gw       *sessiontest.Gateway
	peers    *sessiontest.PeerFactory
	sink     *sessiontest.Sink
	observer *sessiontest.Observer
}

func newHarness(gw *sessiontest.Gateway) *harness {
	return &harness{
		gw:       gw,
		peers:    sessiontest.NewPeerFactory(),
		sink:     &sessiontest.Sink{},
		observer: sessiontest.NewObserver(),
	}
}

func (h *harness) session(id domain.StreamID) *Session {
	return New(id, Deps{
		Gateway:  h.gw,
		Peers:    h.peers,
		Sink:     h.sink,
		Observer: h.observer,
	})
}

func videoGateway(answerSDP string) *sessiontest.Gateway {
	return &sessiontest.Gateway{
		Codecs: []domain.CodecDescriptor{{Type: "video"}},
		Answer: base64.StdEncoding.EncodeToString([]byte(answerSDP)),
	}
}

func TestSession_NegotiatesAndConnects(t *testing.T) {
	const answerSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\na=sendrecv\r\n"
	h := newHarness(videoGateway(answerSDP))
	s := h.session("cam7")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	pc := h.peers.Last("cam7")
	transceivers, remote, closes, _ := pc.Snapshot()
	if len(transceivers) != 1 || transceivers[0] != webrtc.RTPCodecTypeVideo {
		t.Fatalf("transceivers = %v, want [video]", transceivers)
	}
	if h.gw.PostCount() != 1 {
		t.Fatalf("offers posted = %d, want 1", h.gw.PostCount())
	}
	if got, want := h.gw.Posts()[0], base64.StdEncoding.EncodeToString([]byte(sessiontest.OfferSDP)); got != want {
		t.Errorf("posted offer = %q, want %q", got, want)
	}
	if remote == nil || remote.Type != webrtc.SDPTypeAnswer || remote.SDP != answerSDP {
		t.Fatalf("remote description = %+v, want answer %q", remote, answerSDP)
	}
	if closes != 0 {
		t.Errorf("peer closed %d times before cancel", closes)
	}
	if got := s.State(); got != domain.StateOfferSent {
		t.Fatalf("State() = %s, want offer_sent until connectivity settles", got)
	}

	pc.EmitICE(webrtc.ICEConnectionStateChecking)
	if got := s.Status(); got.Kind != domain.StatusConnecting {
		t.Errorf("Status() = %s, want connecting", got)
	}
	pc.EmitICE(webrtc.ICEConnectionStateConnected)
	if got := s.State(); got != domain.StateConnected {
		t.Fatalf("State() = %s, want connected", got)
	}
	if got := s.Status(); got.Kind != domain.StatusStreaming {
		t.Errorf("Status() = %s, want streaming", got)
	}
	if got := s.Snapshot(); got.Text != "" || got.State != "connected" || len(got.Codecs) != 1 {
		t.Errorf("Snapshot() = %+v", got)
	}
}

func TestSession_FirstTrackConnectsAndBinds(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	pc := h.peers.Last("cam1")
	pc.EmitTrack(sessiontest.Track{TrackID: "video0", TrackKind: webrtc.RTPCodecTypeVideo})

	if got := s.State(); got != domain.StateConnected {
		t.Fatalf("State() = %s, want connected", got)
	}
	if got := s.Status(); got.Kind != domain.StatusStreaming {
		t.Fatalf("Status() = %s, want streaming", got)
	}
	if bound, _ := h.sink.State(); bound != 1 {
		t.Fatalf("sink bound = %d, want 1", bound)
	}

	// Connectivity still settling must not demote the status.
	pc.EmitICE(webrtc.ICEConnectionStateChecking)
	if got := s.Status(); got.Kind != domain.StatusStreaming {
		t.Errorf("Status() after checking = %s, want streaming", got)
	}

	s.Cancel()
	if bound, unbinds := h.sink.State(); bound != 0 || unbinds != 1 {
		t.Errorf("sink after cancel: bound=%d unbinds=%d, want 0/1", bound, unbinds)
	}
	pc.EmitTrack(sessiontest.Track{TrackID: "video1", TrackKind: webrtc.RTPCodecTypeVideo})
	if bound, _ := h.sink.State(); bound != 0 {
		t.Errorf("track bound after close")
	}
}

func TestSession_BindErrorIsNotFatal(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	h.sink.BindErr = &core.MediaError{TrackID: "video0", Err: errors.New("already bound")}
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	h.peers.Last("cam1").EmitTrack(sessiontest.Track{TrackID: "video0", TrackKind: webrtc.RTPCodecTypeVideo})
	if got := s.State(); got != domain.StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
}

func TestSession_Failures(t *testing.T) {
	tests := []struct {
		name       string
		gw         *sessiontest.Gateway
		wantReason string
		wantPosts  int
	}{
		{
			name: "gateway rejects offer",
			gw: &sessiontest.Gateway{
				Codecs:  []domain.CodecDescriptor{{Type: "video"}},
				PostErr: &core.ProtocolError{StatusCode: 500, Reason: "gateway busy"},
			},
			wantReason: "gateway busy",
			wantPosts:  1,
		},
		{
			name: "empty answer",
			gw: &sessiontest.Gateway{
				Codecs: []domain.CodecDescriptor{{Type: "video"}},
				Answer: "",
			},
			wantReason: "empty answer",
			wantPosts:  1,
		},
		{
			name: "malformed answer",
			gw: &sessiontest.Gateway{
				Codecs: []domain.CodecDescriptor{{Type: "video"}},
				Answer: "%%%not-base64",
			},
			wantReason: "malformed answer: illegal base64 data at input byte 0",
			wantPosts:  1,
		},
		{
			name: "codec fetch fails",
			gw: &sessiontest.Gateway{
				CodecErr: &core.NetworkError{Op: "fetch codecs", StatusCode: 404, Err: errors.New("unexpected status")},
			},
			wantReason: "fetch codecs: status 404: unexpected status",
		},
		{
			name: "unknown media type",
			gw: &sessiontest.Gateway{
				Codecs: []domain.CodecDescriptor{{Type: "hologram"}},
			},
			wantReason: `unsupported media type "hologram"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.gw)
			s := h.session("cam1")
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitDone(t, s)

			if got := s.State(); got != domain.StateFailed {
				t.Fatalf("State() = %s, want failed", got)
			}
			want := domain.Failed(tt.wantReason)
			if got := s.Status(); got != want {
				t.Errorf("Status() = %s, want %s", got, want)
			}
			if got := h.gw.PostCount(); got != tt.wantPosts {
				t.Errorf("posts = %d, want %d", got, tt.wantPosts)
			}
			pc := h.peers.Last("cam1")
			_, remote, closes, _ := pc.Snapshot()
			if remote != nil {
				t.Errorf("remote description applied on failure")
			}
			if closes != 1 {
				t.Errorf("peer closed %d times, want 1", closes)
			}
			if pc.Listeners() != 0 {
				t.Errorf("listeners left after failure: %d", pc.Listeners())
			}
		})
	}
}

func TestSession_PeerCreationFails(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	h.peers.Err = errBoom
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)
	if got := s.State(); got != domain.StateFailed {
		t.Fatalf("State() = %s, want failed", got)
	}
	s.Cancel()
	if got := s.State(); got != domain.StateClosed {
		t.Errorf("State() after cancel = %s, want closed", got)
	}
}

func TestSession_CancelDuringCodecFetchDiscardsResult(t *testing.T) {
	gw := videoGateway("v=0\r\n")
	gw.CodecGate = make(chan struct{})
	h := newHarness(gw)
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Cancel()
	if got := s.State(); got != domain.StateClosed {
		t.Fatalf("State() = %s, want closed immediately", got)
	}
	close(gw.CodecGate)
	waitDone(t, s)

	transceivers, remote, _, mutated := h.peers.Last("cam1").Snapshot()
	if len(transceivers) != 0 {
		t.Errorf("transceivers added after close: %v", transceivers)
	}
	if remote != nil || mutated {
		t.Errorf("closed connection mutated")
	}
	if gw.PostCount() != 0 {
		t.Errorf("offer posted after close")
	}
	if got := s.State(); got != domain.StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestSession_CancelDuringOfferDiscardsAnswer(t *testing.T) {
	for _, late := range []struct {
		name string
		err  error
	}{
		{"late success", nil},
		{"late failure", &core.ProtocolError{StatusCode: 500, Reason: "gateway busy"}},
	} {
		t.Run(late.name, func(t *testing.T) {
			gw := videoGateway("v=0\r\n")
			gw.PostErr = late.err
			gw.PostGate = make(chan struct{})
			h := newHarness(gw)
			s := h.session("cam1")
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitFor(t, "offer post", func() bool { return gw.PostCount() == 1 })
			if got := s.State(); got != domain.StateOfferSent {
				t.Fatalf("State() = %s, want offer_sent", got)
			}

			s.Cancel()
			close(gw.PostGate)
			waitDone(t, s)

			_, remote, closes, mutated := h.peers.Last("cam1").Snapshot()
			if remote != nil || mutated {
				t.Errorf("answer applied to closed connection")
			}
			if closes != 1 {
				t.Errorf("peer closed %d times, want 1", closes)
			}
			if got := s.State(); got != domain.StateClosed {
				t.Errorf("State() = %s, want closed", got)
			}
			if got := s.Status(); got.Kind != domain.StatusClosed {
				t.Errorf("Status() = %s, want closed", got)
			}
			if s.Err() != nil {
				t.Errorf("Err() = %v, want nil for a discarded result", s.Err())
			}
		})
	}
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	s.Cancel()
	first := s.Snapshot()
	s.Cancel()
	second := s.Snapshot()

	if first.State != second.State || first.Status != second.Status || first.Text != second.Text {
		t.Errorf("second cancel changed state: %+v -> %+v", first, second)
	}
	if _, _, closes, _ := h.peers.Last("cam1").Snapshot(); closes != 1 {
		t.Errorf("peer closed %d times, want 1", closes)
	}
	closed := 0
	for _, st := range h.observer.Of("cam1") {
		if st.Kind == domain.StatusClosed {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("closed published %d times, want 1", closed)
	}
}

func TestSession_CancelBeforeStart(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	s := h.session("cam1")
	s.Cancel()
	waitDone(t, s)

	err := s.Start(context.Background())
	var se *core.StateError
	if !errors.As(err, &se) {
		t.Fatalf("Start() after cancel error = %v, want StateError", err)
	}
	if h.peers.Last("cam1") != nil {
		t.Errorf("peer connection created for closed session")
	}
}

func TestSession_StartTwice(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := s.Start(context.Background())
	var se *core.StateError
	if !errors.As(err, &se) {
		t.Fatalf("second Start() error = %v, want StateError", err)
	}
	waitDone(t, s)
	if h.gw.PostCount() != 1 {
		t.Errorf("offers posted = %d, want exactly 1", h.gw.PostCount())
	}
}

func TestSession_ConnectedNeverGoesBack(t *testing.T) {
	h := newHarness(videoGateway("v=0\r\n"))
	s := h.session("cam1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)
	pc := h.peers.Last("cam1")
	pc.EmitTrack(sessiontest.Track{TrackID: "video0", TrackKind: webrtc.RTPCodecTypeVideo})
	pc.EmitICE(webrtc.ICEConnectionStateConnected)

	pc.EmitICE(webrtc.ICEConnectionStateDisconnected)
	if got := s.State(); got != domain.StateConnected {
		t.Fatalf("State() after disconnected = %s, want connected", got)
	}
	if got := s.Status(); got.Kind != domain.StatusDisconnected {
		t.Errorf("Status() = %s, want disconnected", got)
	}

	pc.EmitICE(webrtc.ICEConnectionStateFailed)
	if got := s.State(); got != domain.StateFailed {
		t.Fatalf("State() after ice failed = %s, want failed", got)
	}
	if got := s.Status(); got != domain.Failed(reasonICEFailed) {
		t.Errorf("Status() = %s, want %s", got, domain.Failed(reasonICEFailed))
	}
	if _, unbinds := h.sink.State(); unbinds != 1 {
		t.Errorf("sink unbinds = %d, want 1", unbinds)
	}
}

func TestMapICEState(t *testing.T) {
	tests := []struct {
		in   webrtc.ICEConnectionState
		want domain.StatusKind
	}{
		{webrtc.ICEConnectionStateNew, domain.StatusConnecting},
		{webrtc.ICEConnectionStateChecking, domain.StatusConnecting},
		{webrtc.ICEConnectionStateConnected, domain.StatusStreaming},
		{webrtc.ICEConnectionStateCompleted, domain.StatusStreaming},
		{webrtc.ICEConnectionStateDisconnected, domain.StatusDisconnected},
		{webrtc.ICEConnectionStateFailed, domain.StatusFailed},
		{webrtc.ICEConnectionStateClosed, domain.StatusDisconnected},
	}
	for _, tt := range tests {
		if got := MapICEState(tt.in); got.Kind != tt.want {
			t.Errorf("MapICEState(%s) = %s, want %s", tt.in, got.Kind, tt.want)
		}
	}
}
