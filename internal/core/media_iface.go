package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/domain"
)

// MediaTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type MediaTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConnection is the capability set a signaling session needs from the
// underlying connection. Listeners are registered explicitly and removed
// with the returned function.
type PeerConnection interface {
	// AddTransceiver adds one receive-only transceiver of kind.
	AddTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	// LocalDescription returns the current local SDP, candidates included
	// once GatheringComplete has fired.
	LocalDescription() *webrtc.SessionDescription
	GatheringComplete() <-chan struct{}
	SetRemoteDescription(webrtc.SessionDescription) error

	SubscribeTrack(func(MediaTrack)) (unsubscribe func())
	SubscribeConnectivity(func(webrtc.ICEConnectionState)) (unsubscribe func())

	// Close stops all underlying media resources. Safe to call twice.
	Close() error
}

type PeerFactory interface {
	NewPeerConnection(id domain.StreamID) (PeerConnection, error)
}

// DisplaySink receives the inbound tracks of one stream.
type DisplaySink interface {
	Bind(MediaTrack) error
	Unbind()
}

type SinkFactory interface {
	SinkFor(id domain.StreamID) DisplaySink
}

// RTPWriter consumes forwarded packets. *webrtc.TrackLocalStaticRTP
// satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// WatchConnection sends the media of one stream to a browser. The browser
// offers; this side answers.
type WatchConnection interface {
	// AddLocalTrack adds one outbound track carrying codec.
	AddLocalTrack(codec webrtc.RTPCodecCapability, kind webrtc.RTPCodecType) (RTPWriter, error)
	// Answer applies the browser's offer and returns the answer once
	// candidate gathering has finished.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnClosed registers fn to run once when the connection fails or is
	// closed. fn runs immediately if that already happened.
	OnClosed(fn func())
	Close() error
}

type WatchFactory interface {
	NewWatchConnection(id domain.StreamID, client string) (WatchConnection, error)
}
