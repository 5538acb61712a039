package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// WebRTCConnection adapts *webrtc.PeerConnection to core.PeerConnection.
// pion allows one handler per event, so listeners are fanned out here.
type WebRTCConnection struct {
	pc *webrtc.PeerConnection
	id domain.StreamID

	mu       sync.Mutex
	nextID   int
	onTrack  map[int]func(core.MediaTrack)
	onICE    map[int]func(webrtc.ICEConnectionState)
	gathered <-chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, id domain.StreamID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:      pc,
		id:      id,
		onTrack: make(map[int]func(core.MediaTrack)),
		onICE:   make(map[int]func(webrtc.ICEConnectionState)),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("stream", string(id)).Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fns := make([]func(webrtc.ICEConnectionState), 0, len(c.onICE))
		for _, fn := range c.onICE {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("stream", string(id)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		c.mu.Lock()
		fns := make([]func(core.MediaTrack), 0, len(c.onTrack))
		for _, fn := range c.onTrack {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(track)
		}
	})

	return c, nil
}

func (c *WebRTCConnection) AddTransceiver(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(d); err != nil {
		return err
	}
	c.mu.Lock()
	c.gathered = gathered
	c.mu.Unlock()
	return nil
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

// GatheringComplete fires once candidate gathering for the local
// description has finished.
func (c *WebRTCConnection) GatheringComplete() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gathered == nil {
		c.gathered = webrtc.GatheringCompletePromise(c.pc)
	}
	return c.gathered
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) SubscribeTrack(fn func(core.MediaTrack)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onTrack[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onTrack, id)
		c.mu.Unlock()
	}
}

func (c *WebRTCConnection) SubscribeConnectivity(fn func(webrtc.ICEConnectionState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onICE[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onICE, id)
		c.mu.Unlock()
	}
}

func (c *WebRTCConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		clear(c.onTrack)
		clear(c.onICE)
		c.mu.Unlock()

		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			log.Error().Err(c.closeErr).Str("module", "webrtc").Str("stream", string(c.id)).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("stream", string(c.id)).Msg("closed")
		}
	})
	return c.closeErr
}
