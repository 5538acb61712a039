package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// WatchConnection is the send-only leg from this service to one browser.
type WatchConnection struct {
	pc     *webrtc.PeerConnection
	id     domain.StreamID
	logger zerolog.Logger

	mu       sync.Mutex
	onClosed func()
	ended    bool

	closing atomic.Bool
}

func NewWatchConnection(api *webrtc.API, cfg webrtc.Configuration, id domain.StreamID, client string) (*WatchConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WatchConnection{
		pc: pc,
		id: id,
		logger: log.With().
			Str("module", "webrtc").
			Str("stream", string(id)).
			Str("client", client).
			Logger(),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("pc_state", s.String()).Msg("watch connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.end()
		}
	})
	return c, nil
}

func (f *Factory) NewWatchConnection(id domain.StreamID, client string) (core.WatchConnection, error) {
	return NewWatchConnection(f.api, f.cfg, id, client)
}

// AddLocalTrack attaches a local static RTP track to the PeerConnection.
func (c *WatchConnection) AddLocalTrack(codec webrtc.RTPCodecCapability, kind webrtc.RTPCodecType) (core.RTPWriter, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, kind.String(), "liveview-"+string(c.id))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for the interceptors to process it.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return track, nil
}

func (c *WatchConnection) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

func (c *WatchConnection) OnClosed(fn func()) {
	c.mu.Lock()
	if !c.ended {
		c.onClosed = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *WatchConnection) end() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	fn := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close may be reached again from the OnClosed callback while closing.
func (c *WatchConnection) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("watch connection closed")
	}
	c.end()
	return err
}
