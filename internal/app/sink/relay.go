package sink

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
	"github.com/eagleeye/liveview/internal/metrics"
)

var ErrKindBound = errors.New("a track of this kind is already bound")

type source struct {
	track  core.MediaTrack
	codec  webrtc.RTPCodecCapability
	cancel context.CancelFunc
}

// Relay is the display sink of one stream. Each bound track is read on its
// own goroutine and forwarded to the writers attached for its kind.
type Relay struct {
	id     domain.StreamID
	ctx    context.Context
	logger zerolog.Logger

	mu        sync.RWMutex
	sources   map[webrtc.RTPCodecType]*source
	outTracks map[webrtc.RTPCodecType]map[string]*OutTrack

	packets    atomic.Uint64
	bytes      atomic.Uint64
	lastPacket atomic.Int64
}

func NewRelay(ctx context.Context, id domain.StreamID, logger zerolog.Logger) *Relay {
	return &Relay{
		id:        id,
		ctx:       ctx,
		logger:    logger,
		sources:   make(map[webrtc.RTPCodecType]*source),
		outTracks: make(map[webrtc.RTPCodecType]map[string]*OutTrack),
	}
}

// Bind starts forwarding track. Only one track per kind may be bound.
func (r *Relay) Bind(track core.MediaTrack) error {
	kind := track.Kind()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[kind]; ok {
		return &core.MediaError{TrackID: track.ID(), Err: ErrKindBound}
	}
	ctx, cancel := context.WithCancel(r.ctx)
	src := &source{track: track, codec: track.Codec().RTPCodecCapability, cancel: cancel}
	r.sources[kind] = src

	r.logger.Info().
		Str("kind", kind.String()).
		Str("track_id", track.ID()).
		Str("codec", src.codec.MimeType).
		Msg("track bound")
	go r.loop(ctx, kind, src)
	return nil
}

// Unbind stops every source. Attached writers stay attached for the next
// binding.
func (r *Relay) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, src := range r.sources {
		src.cancel()
		delete(r.sources, kind)
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, kind webrtc.RTPCodecType, src *source) {
	defer r.dropSource(kind, src)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Str("kind", kind.String()).Msg("relay ctx done")
			return
		default:
		}
		pkt, _, err := src.track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("kind", kind.String()).Msg("relay read RTP error, stopping")
			}
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(len(pkt.Payload)))
		r.lastPacket.Store(time.Now().UnixNano())
		metrics.SinkPacketsTotal.Inc()
		metrics.SinkBytesTotal.Add(float64(len(pkt.Payload)))
		r.forward(kind, pkt)
	}
}

func (r *Relay) dropSource(kind webrtc.RTPCodecType, src *source) {
	src.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sources[kind] == src {
		delete(r.sources, kind)
	}
}

func (r *Relay) forward(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks[kind])
	r.mu.RUnlock()

	var dirty []string
	for name, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, name)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.W.WriteRTP(pkt); err != nil {
				r.logger.Error().
					Err(err).
					Str("writer", name).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(kind, dirty)
	}
}

func (r *Relay) cleanupDeleted(kind webrtc.RTPCodecType, dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dirty {
		if ot, ok := r.outTracks[kind][name]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks[kind], name)
		}
	}
}

// Attach registers w under name for packets of kind, replacing any writer
// of the same name and kind.
func (r *Relay) Attach(name string, kind webrtc.RTPCodecType, w Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.outTracks[kind]
	if !ok {
		byName = make(map[string]*OutTrack)
		r.outTracks[kind] = byName
	}
	if old, ok := byName[name]; ok {
		old.MarkDelete()
	}
	byName[name] = NewOutTrack(w)
}

// Detach removes every writer registered under name.
func (r *Relay) Detach(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byName := range r.outTracks {
		if ot, ok := byName[name]; ok {
			ot.MarkDelete()
			delete(byName, name)
		}
	}
}

// SetMuted pauses or resumes delivery to the writers registered under name.
// It reports whether any writer is registered under name.
func (r *Relay) SetMuted(name string, muted bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := false
	for _, byName := range r.outTracks {
		ot, ok := byName[name]
		if !ok {
			continue
		}
		found = true
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
	return found
}

// Codecs returns the codec of every kind currently bound.
func (r *Relay) Codecs() map[webrtc.RTPCodecType]webrtc.RTPCodecCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[webrtc.RTPCodecType]webrtc.RTPCodecCapability, len(r.sources))
	for kind, src := range r.sources {
		out[kind] = src.codec
	}
	return out
}

type Stats struct {
	Kinds      []string  `json:"kinds"`
	Writers    int       `json:"writers"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	LastPacket time.Time `json:"last_packet,omitzero"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	st := Stats{Kinds: make([]string, 0, len(r.sources))}
	for kind := range r.sources {
		st.Kinds = append(st.Kinds, kind.String())
	}
	for _, byName := range r.outTracks {
		st.Writers += len(byName)
	}
	r.mu.RUnlock()
	slices.Sort(st.Kinds)

	st.Packets = r.packets.Load()
	st.Bytes = r.bytes.Load()
	if ns := r.lastPacket.Load(); ns != 0 {
		st.LastPacket = time.Unix(0, ns)
	}
	return st
}
