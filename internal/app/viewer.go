package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/app/floorplan"
	"github.com/eagleeye/liveview/internal/app/session"
	"github.com/eagleeye/liveview/internal/app/sink"
	"github.com/eagleeye/liveview/internal/app/status"
	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// NewSessionFactory builds sessions that share one gateway, connection
// factory and status observer, each with the display sink of its stream.
func NewSessionFactory(gw core.Gateway, peers core.PeerFactory, sinks core.SinkFactory, observer core.StatusObserver, gatherTimeout time.Duration) SessionFactory {
	return func(id domain.StreamID) *session.Session {
		return session.New(id, session.Deps{
			Gateway:       gw,
			Peers:         peers,
			Sink:          sinks.SinkFor(id),
			Observer:      observer,
			GatherTimeout: gatherTimeout,
		})
	}
}

// Viewer ties the registry to the selection sources of the UI and hands
// received media on to watching browsers.
type Viewer struct {
	Registry  *Registry
	Status    *status.Hub
	Sinks     *sink.Manager
	FloorPlan *floorplan.Cache
	Watchers  core.WatchFactory

	mu     sync.Mutex
	object string

	wmu      sync.Mutex
	watchers map[watchKey]core.WatchConnection
}

// StreamView is a session snapshot plus its media counters.
type StreamView struct {
	session.Snapshot
	Media *sink.Stats `json:"media,omitempty"`
}

// SetStreams replaces the selection with ids.
func (v *Viewer) SetStreams(ids []domain.StreamID) []StreamView {
	v.mu.Lock()
	v.object = ""
	v.Registry.SetSelection(ids)
	v.mu.Unlock()
	return v.Streams()
}

// SelectObject shows the cameras of a tracked object. Selecting the object
// that is already shown clears the selection. It reports whether the
// object is now selected.
func (v *Viewer) SelectObject(object string, cameras []domain.StreamID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if object == v.object {
		v.object = ""
		v.Registry.SetSelection(nil)
		log.Info().Str("module", "viewer").Str("object", object).Msg("object deselected")
		return false
	}
	v.object = object
	v.Registry.SetSelection(cameras)
	log.Info().Str("module", "viewer").Str("object", object).Int("cameras", len(cameras)).Msg("object selected")
	return true
}

func (v *Viewer) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.object = ""
	v.Registry.SetSelection(nil)
}

// SelectedObject returns the object whose cameras are shown, if any.
func (v *Viewer) SelectedObject() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.object
}

func (v *Viewer) Streams() []StreamView {
	snaps := v.Registry.Snapshot()
	out := make([]StreamView, 0, len(snaps))
	for _, s := range snaps {
		sv := StreamView{Snapshot: s}
		if v.Sinks != nil {
			if st, ok := v.Sinks.Stats(s.Stream); ok {
				sv.Media = &st
			}
		}
		out = append(out, sv)
	}
	return out
}

func (v *Viewer) Retry(id domain.StreamID) error {
	return v.Registry.Retry(id)
}

// FollowFloorPlan announces every floor-plan version on the status hub
// until ctx is done.
func (v *Viewer) FollowFloorPlan(ctx context.Context) {
	updates, cancel := v.FloorPlan.Subscribe()
	defer cancel()
	if img, ok := v.FloorPlan.Current(); ok {
		v.Status.PublishFloorPlan(img.Version)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case img := <-updates:
			v.Status.PublishFloorPlan(img.Version)
		}
	}
}

func (v *Viewer) Close() {
	v.Registry.Close()
	v.closeWatchers()
}
