package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

// CodecNegotiator asks the gateway which media a stream carries.
type CodecNegotiator struct {
	Gateway core.Gateway
}

func (n CodecNegotiator) FetchCodecs(ctx context.Context, id domain.StreamID) ([]domain.CodecDescriptor, error) {
	codecs, err := n.Gateway.FetchCodecs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		return nil, &core.ProtocolError{Reason: "no codecs for stream " + string(id)}
	}
	for _, c := range codecs {
		if kindOf(c) == 0 {
			return nil, &core.ProtocolError{Reason: fmt.Sprintf("unsupported media type %q", c.Type)}
		}
	}
	return codecs, nil
}

// addTransceivers adds one receive-only transceiver per descriptor.
func addTransceivers(pc core.PeerConnection, codecs []domain.CodecDescriptor) error {
	for _, c := range codecs {
		if err := pc.AddTransceiver(kindOf(c)); err != nil {
			return fmt.Errorf("add %s transceiver: %w", c.Type, err)
		}
	}
	return nil
}

func kindOf(c domain.CodecDescriptor) webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(c.Type)
}
