package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

type Options struct {
	STUNURLs []string
	// PLIInterval is how often a keyframe is requested from the gateway.
	// Zero keeps the interceptor default.
	PLIInterval time.Duration
	PortMin     uint16
	PortMax     uint16
}

func DefaultWebRTCConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: stun,
			},
		},
	}
}

// Factory creates receive-only peer connections sharing one API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	var pliOpts []intervalpli.GeneratorOption
	if opts.PLIInterval > 0 {
		pliOpts = append(pliOpts, intervalpli.GeneratorInterval(opts.PLIInterval))
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor(pliOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	se := webrtc.SettingEngine{}
	if opts.PortMin > 0 && opts.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: DefaultWebRTCConfig(opts.STUNURLs)}, nil
}

func (f *Factory) NewPeerConnection(id domain.StreamID) (core.PeerConnection, error) {
	return NewWebRTCConnection(f.api, f.cfg, id)
}
