package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

const (
	opCreateOffer  = "create offer"
	opSendOffer    = "send offer"
	opApplyAnswer  = "apply answer"
	opAddReceivers = "add transceivers"
	opFetchCodecs  = "fetch codecs"
	opNegotiate    = "negotiate"
)

// guard runs fn only while the owning session is still open, and
// atomically with respect to cancellation.
type guard interface {
	whileOpen(op string, fn func() error) error
	// advanceLocked must only be called from inside whileOpen.
	advanceLocked(to domain.State) error
}

// OfferAnswerExchange creates the local offer, posts it to the gateway and
// applies the returned answer.
type OfferAnswerExchange struct {
	Gateway core.Gateway
	// GatherTimeout bounds the wait for ICE gathering before the offer is
	// sent. Zero sends without waiting.
	GatherTimeout time.Duration
}

func (x OfferAnswerExchange) Negotiate(ctx context.Context, pc core.PeerConnection, id domain.StreamID, g guard) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	err := g.whileOpen(opCreateOffer, func() error {
		offer, err := pc.CreateOffer()
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return nil
	})
	if err != nil {
		return none, err
	}

	if err := x.waitGathering(ctx, pc); err != nil {
		return none, err
	}

	var encoded string
	err = g.whileOpen(opSendOffer, func() error {
		local := pc.LocalDescription()
		if local == nil {
			return &core.ProtocolError{Reason: "no local description"}
		}
		encoded = base64.StdEncoding.EncodeToString([]byte(local.SDP))
		return g.advanceLocked(domain.StateOfferSent)
	})
	if err != nil {
		return none, err
	}

	body, err := x.Gateway.PostOffer(ctx, id, encoded)
	if err != nil {
		return none, err
	}
	answer, err := decodeAnswer(body)
	if err != nil {
		return none, err
	}

	err = g.whileOpen(opApplyAnswer, func() error {
		if err := pc.SetRemoteDescription(answer); err != nil {
			return &core.ProtocolError{Reason: "rejected answer: " + err.Error()}
		}
		return nil
	})
	if err != nil {
		return none, err
	}
	return answer, nil
}

func (x OfferAnswerExchange) waitGathering(ctx context.Context, pc core.PeerConnection) error {
	if x.GatherTimeout <= 0 {
		return nil
	}
	timer := time.NewTimer(x.GatherTimeout)
	defer timer.Stop()
	select {
	case <-pc.GatheringComplete():
	case <-timer.C:
		// send what has been gathered so far
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func decodeAnswer(body string) (webrtc.SessionDescription, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return webrtc.SessionDescription{}, &core.ProtocolError{Reason: "empty answer"}
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return webrtc.SessionDescription{}, &core.ProtocolError{Reason: "malformed answer: " + err.Error()}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(raw)}, nil
}
