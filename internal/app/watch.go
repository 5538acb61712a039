package app

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
	"github.com/eagleeye/liveview/internal/metrics"
)

var (
	ErrNotLive     = errors.New("stream has no media yet")
	ErrNotWatching = errors.New("client is not watching this stream")
)

type watchKey struct {
	stream domain.StreamID
	client string
}

// Watch answers a browser's offer with one outbound track per kind the
// stream currently receives and attaches those tracks to the stream's
// sink. A client watching the same stream again replaces its previous
// connection.
func (v *Viewer) Watch(ctx context.Context, id domain.StreamID, client string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if _, ok := v.Registry.Get(id); !ok {
		return nil, ErrNotSelected
	}
	codecs := v.Sinks.Codecs(id)
	if len(codecs) == 0 {
		return nil, ErrNotLive
	}

	conn, err := v.Watchers.NewWatchConnection(id, client)
	if err != nil {
		return nil, err
	}
	writers := make(map[webrtc.RTPCodecType]core.RTPWriter, len(codecs))
	for _, kind := range slices.Sorted(maps.Keys(codecs)) {
		w, err := conn.AddLocalTrack(codecs[kind], kind)
		if err != nil {
			conn.Close()
			return nil, err
		}
		writers[kind] = w
	}
	answer, err := conn.Answer(ctx, offer)
	if err != nil {
		conn.Close()
		return nil, err
	}

	key := watchKey{stream: id, client: client}
	v.wmu.Lock()
	if v.watchers == nil {
		v.watchers = make(map[watchKey]core.WatchConnection)
	}
	old := v.watchers[key]
	v.watchers[key] = conn
	v.Sinks.Detach(id, client)
	for kind, w := range writers {
		v.Sinks.Attach(id, client, kind, w)
	}
	metrics.ActiveWatchers.Set(float64(len(v.watchers)))
	v.wmu.Unlock()

	if old != nil {
		old.Close()
	}
	conn.OnClosed(func() { v.dropWatcher(key, conn) })

	log.Info().
		Str("module", "viewer").
		Str("stream", string(id)).
		Str("client", client).
		Int("tracks", len(writers)).
		Msg("watcher attached")
	return answer, nil
}

// Unwatch closes the client's connection for stream id.
func (v *Viewer) Unwatch(id domain.StreamID, client string) error {
	key := watchKey{stream: id, client: client}
	v.wmu.Lock()
	conn, ok := v.watchers[key]
	v.wmu.Unlock()
	if !ok {
		return ErrNotWatching
	}
	v.dropWatcher(key, conn)
	return nil
}

// SetMuted pauses or resumes forwarding to the client without closing its
// connection.
func (v *Viewer) SetMuted(id domain.StreamID, client string, muted bool) error {
	v.wmu.Lock()
	_, ok := v.watchers[watchKey{stream: id, client: client}]
	v.wmu.Unlock()
	if !ok || !v.Sinks.SetMuted(id, client, muted) {
		return ErrNotWatching
	}
	log.Info().
		Str("module", "viewer").
		Str("stream", string(id)).
		Str("client", client).
		Bool("muted", muted).
		Msg("watcher muted")
	return nil
}

// dropWatcher detaches conn only while it is still the client's current
// connection.
func (v *Viewer) dropWatcher(key watchKey, conn core.WatchConnection) {
	v.wmu.Lock()
	if cur, ok := v.watchers[key]; ok && cur == conn {
		delete(v.watchers, key)
		v.Sinks.Detach(key.stream, key.client)
		log.Info().Str("module", "viewer").Str("stream", string(key.stream)).Str("client", key.client).Msg("watcher detached")
	}
	metrics.ActiveWatchers.Set(float64(len(v.watchers)))
	v.wmu.Unlock()
	conn.Close()
}

func (v *Viewer) closeWatchers() {
	v.wmu.Lock()
	conns := v.watchers
	v.watchers = nil
	for key := range conns {
		v.Sinks.Detach(key.stream, key.client)
	}
	metrics.ActiveWatchers.Set(0)
	v.wmu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
