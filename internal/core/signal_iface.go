package core

import (
	"context"

	"github.com/eagleeye/liveview/internal/domain"
)

// Gateway is the HTTP signaling side of the streaming gateway.
type Gateway interface {
	// FetchCodecs returns the codec list the gateway offers for id.
	FetchCodecs(ctx context.Context, id domain.StreamID) ([]domain.CodecDescriptor, error)
	// PostOffer transmits a base64 offer and returns the raw response body,
	// which on success is the base64 answer.
	PostOffer(ctx context.Context, id domain.StreamID, encodedOffer string) (string, error)
}

// StatusObserver is told about every status change of a stream.
// Publish must not block.
type StatusObserver interface {
	Publish(id domain.StreamID, st domain.ConnectionStatus)
}
