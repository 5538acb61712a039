package sink

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// Writer consumes forwarded RTP. *webrtc.TrackLocalStaticRTP satisfies it.
type Writer interface {
	WriteRTP(*rtp.Packet) error
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is one attached consumer of a stream's media of a single kind.
type OutTrack struct {
	W     Writer
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(w Writer) *OutTrack {
	return &OutTrack{W: w}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
