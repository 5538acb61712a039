// Package domain contains stream entities without logic, just meta-data
package domain

// StreamID identifies a camera/object stream on the gateway.
type StreamID string

// CodecDescriptor is one entry of the gateway's codec list.
// The gateway encodes the media type under "Type".
type CodecDescriptor struct {
	Type string `json:"Type"`
}

// State is the negotiation state of a signaling session.
type State int

const (
	StateIdle State = iota
	StateFetchingCodecs
	StateOfferSent
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingCodecs:
		return "fetching_codecs"
	case StateOfferSent:
		return "offer_sent"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further negotiation happens in s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// CanTransition reports whether s -> to is allowed.
// Forward steps are monotonic; Failed is reachable from any non-terminal
// state and Closed from anything but Closed.
func (s State) CanTransition(to State) bool {
	switch to {
	case StateClosed:
		return s != StateClosed
	case StateFailed:
		return !s.Terminal()
	case StateIdle:
		return false
	}
	return !s.Terminal() && to > s
}
