package app

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/app/session"
	"github.com/eagleeye/liveview/internal/app/session/sessiontest"
	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// testFactory builds sessions backed by fakes and remembers every one.
type testFactory struct {
	peers    *sessiontest.PeerFactory
	observer *sessiontest.Observer

	mu       sync.Mutex
	gateways map[domain.StreamID]*sessiontest.Gateway
	built    map[domain.StreamID][]*session.Session
}

func newTestFactory() *testFactory {
	return &testFactory{
		peers:    sessiontest.NewPeerFactory(),
		observer: sessiontest.NewObserver(),
		gateways: make(map[domain.StreamID]*sessiontest.Gateway),
		built:    make(map[domain.StreamID][]*session.Session),
	}
}

func (f *testFactory) gateway(id domain.StreamID) *sessiontest.Gateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	gw, ok := f.gateways[id]
	if !ok {
		gw = &sessiontest.Gateway{
			Codecs: []domain.CodecDescriptor{{Type: "video"}},
			Answer: base64.StdEncoding.EncodeToString([]byte("v=0\r\n")),
		}
		f.gateways[id] = gw
	}
	return gw
}

func (f *testFactory) build(id domain.StreamID) *session.Session {
	s := session.New(id, session.Deps{
		Gateway:  f.gateway(id),
		Peers:    f.peers,
		Sink:     &sessiontest.Sink{},
		Observer: f.observer,
	})
	f.mu.Lock()
	f.built[id] = append(f.built[id], s)
	f.mu.Unlock()
	return s
}

func (f *testFactory) sessions(id domain.StreamID) []*session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*session.Session(nil), f.built[id]...)
}

func waitSession(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not finish", s.ID())
	}
}

func TestRegistry_ConcurrentSelectionIsUnique(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(context.Background(), f.build)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.SetSelection([]domain.StreamID{"cam1", "cam2"})
		}()
	}
	wg.Wait()

	for _, id := range []domain.StreamID{"cam1", "cam2"} {
		if n := len(f.sessions(id)); n != 1 {
			t.Errorf("sessions built for %s = %d, want 1", id, n)
		}
	}
	if got := r.Selection(); !slices.Equal(got, []domain.StreamID{"cam1", "cam2"}) {
		t.Errorf("Selection() = %v", got)
	}
}

func TestRegistry_ReselectKeepsSession(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(context.Background(), f.build)
	defer r.Close()

	r.SetSelection([]domain.StreamID{"cam1"})
	first, _ := r.Get("cam1")
	added, removed := r.SetSelection([]domain.StreamID{"cam1", ""})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("SetSelection() = %v, %v, want no change", added, removed)
	}
	if second, _ := r.Get("cam1"); second != first {
		t.Errorf("active session was replaced")
	}
}

func TestRegistry_SwitchDiscardsPendingAnswer(t *testing.T) {
	f := newTestFactory()
	gw1 := f.gateway("cam1")
	gw1.PostGate = make(chan struct{})
	r := NewRegistry(context.Background(), f.build)
	defer r.Close()

	r.SetSelection([]domain.StreamID{"cam1"})
	deadline := time.Now().Add(2 * time.Second)
	for gw1.PostCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cam1 offer was never posted")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// cam1 must be closed before cam2 makes its first gateway request.
	cam1AtFetch := make(chan domain.State, 1)
	f.gateway("cam2").OnFetchCodecs = func(domain.StreamID) {
		cam1AtFetch <- f.sessions("cam1")[0].State()
	}

	added, removed := r.SetSelection([]domain.StreamID{"cam2"})
	if !slices.Equal(added, []domain.StreamID{"cam2"}) || !slices.Equal(removed, []domain.StreamID{"cam1"}) {
		t.Fatalf("SetSelection() = %v, %v", added, removed)
	}
	cam1 := f.sessions("cam1")[0]
	if got := cam1.State(); got != domain.StateClosed {
		t.Fatalf("cam1 State() = %s, want closed", got)
	}
	select {
	case got := <-cam1AtFetch:
		if got != domain.StateClosed {
			t.Fatalf("cam1 State() when cam2 fetched codecs = %s, want closed", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cam2 never fetched codecs")
	}

	close(gw1.PostGate)
	waitSession(t, cam1)
	if _, remote, _, mutated := f.peers.Last("cam1").Snapshot(); remote != nil || mutated {
		t.Errorf("late cam1 answer was applied")
	}
	if got := cam1.State(); got != domain.StateClosed {
		t.Errorf("cam1 State() after late answer = %s, want closed", got)
	}

	cam2, ok := r.Get("cam2")
	if !ok {
		t.Fatal("cam2 not active")
	}
	waitSession(t, cam2)
	f.peers.Last("cam2").EmitICE(webrtc.ICEConnectionStateConnected)
	if got := cam2.State(); got != domain.StateConnected {
		t.Errorf("cam2 State() = %s, want connected", got)
	}
	if _, ok := r.Get("cam1"); ok {
		t.Errorf("cam1 still registered")
	}
}

func TestRegistry_Retry(t *testing.T) {
	f := newTestFactory()
	f.gateway("cam1").CodecErr = &core.NetworkError{Op: "fetch codecs", StatusCode: 404, Err: errors.New("unexpected status")}
	r := NewRegistry(context.Background(), f.build)
	defer r.Close()

	if err := r.Retry("cam1"); !errors.Is(err, ErrNotSelected) {
		t.Fatalf("Retry() unselected error = %v, want ErrNotSelected", err)
	}

	r.SetSelection([]domain.StreamID{"cam1", "cam2"})
	failed, _ := r.Get("cam1")
	waitSession(t, failed)
	if got := failed.State(); got != domain.StateFailed {
		t.Fatalf("cam1 State() = %s, want failed", got)
	}
	ok2, _ := r.Get("cam2")
	waitSession(t, ok2)
	if err := r.Retry("cam2"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry() healthy error = %v, want ErrNotFailed", err)
	}

	f.gateway("cam1").CodecErr = nil
	if err := r.Retry("cam1"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	fresh, _ := r.Get("cam1")
	if fresh == failed {
		t.Fatal("Retry() kept the failed session")
	}
	if got := failed.State(); got != domain.StateClosed {
		t.Errorf("old session State() = %s, want closed", got)
	}
	waitSession(t, fresh)
	if got := fresh.State(); got != domain.StateOfferSent {
		t.Errorf("retried State() = %s, want offer_sent", got)
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(context.Background(), f.build)
	r.SetSelection([]domain.StreamID{"cam1", "cam2"})
	r.Close()

	for _, id := range []domain.StreamID{"cam1", "cam2"} {
		s := f.sessions(id)[0]
		if got := s.State(); got != domain.StateClosed {
			t.Errorf("%s State() = %s, want closed", id, got)
		}
	}
	if added, _ := r.SetSelection([]domain.StreamID{"cam3"}); added != nil {
		t.Errorf("selection accepted after close: %v", added)
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after close = %v", got)
	}
}
