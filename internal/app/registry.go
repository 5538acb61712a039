package app

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/app/session"
	"github.com/eagleeye/liveview/internal/domain"
	"github.com/eagleeye/liveview/internal/metrics"
)

var (
	ErrNotSelected = errors.New("stream is not selected")
	ErrNotFailed   = errors.New("session has not failed")
)

// SessionFactory builds an unstarted session for id.
type SessionFactory func(id domain.StreamID) *session.Session

// Registry holds at most one signaling session per stream id. All
// mutations of the map happen under mu, so concurrent selections cannot
// create duplicates.
type Registry struct {
	ctx        context.Context
	newSession SessionFactory

	mu       sync.Mutex
	sessions map[domain.StreamID]*session.Session
	closed   bool
}

func NewRegistry(ctx context.Context, factory SessionFactory) *Registry {
	return &Registry{
		ctx:        ctx,
		newSession: factory,
		sessions:   make(map[domain.StreamID]*session.Session),
	}
}

// SetSelection makes ids the set of active streams. Sessions for ids that
// are no longer wanted are cancelled before any new session starts;
// already active ids are left untouched.
func (r *Registry) SetSelection(ids []domain.StreamID) (added, removed []domain.StreamID) {
	want := make(map[domain.StreamID]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil
	}

	for id, s := range r.sessions {
		if _, ok := want[id]; ok {
			continue
		}
		s.Cancel()
		delete(r.sessions, id)
		removed = append(removed, id)
	}

	for id := range want {
		if _, ok := r.sessions[id]; ok {
			continue
		}
		r.startLocked(id)
		added = append(added, id)
	}

	slices.Sort(added)
	slices.Sort(removed)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	log.Info().
		Str("module", "app.registry").
		Strs("added", toStrings(added)).
		Strs("removed", toStrings(removed)).
		Int("active", len(r.sessions)).
		Msg("selection changed")
	return added, removed
}

// Retry replaces a failed session for id with a fresh one.
func (r *Registry) Retry(id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotSelected
	}
	if s.State() != domain.StateFailed {
		return ErrNotFailed
	}
	s.Cancel()
	r.startLocked(id)
	log.Info().Str("module", "app.registry").Str("stream", string(id)).Msg("retrying session")
	return nil
}

func (r *Registry) startLocked(id domain.StreamID) {
	s := r.newSession(id)
	r.sessions[id] = s
	if err := s.Start(r.ctx); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("stream", string(id)).Msg("start session")
	}
}

func (r *Registry) Get(id domain.StreamID) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Selection returns the active stream ids in order.
func (r *Registry) Selection() []domain.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StreamID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Snapshot() []session.Snapshot {
	r.mu.Lock()
	list := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]session.Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b session.Snapshot) int {
		switch {
		case a.Stream < b.Stream:
			return -1
		case a.Stream > b.Stream:
			return 1
		}
		return 0
	})
	return out
}

// Close cancels every session. Later selections are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.Cancel()
		delete(r.sessions, id)
	}
	r.closed = true
	metrics.ActiveSessions.Set(0)
	log.Info().Str("module", "app.registry").Msg("registry closed")
}

func toStrings(ids []domain.StreamID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
