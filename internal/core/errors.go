package core

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport failure or a non-2xx codec fetch.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a rejected or malformed offer/answer exchange.
// Reason carries the gateway's diagnostic text.
type ProtocolError struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("protocol error (status %d): %s", e.StatusCode, e.Reason)
	}
	return "protocol error: " + e.Reason
}

// StateError is an operation attempted against a closed session.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: session is %s", e.Op, e.State)
}

// MediaError is an unexpected inbound-media condition. It is reported
// but never fails a session.
type MediaError struct {
	TrackID string
	Err     error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media track %s: %v", e.TrackID, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Reason renders err as the human-readable text of a Failed status.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if pe.Reason != "" {
			return pe.Reason
		}
		return http.StatusText(pe.StatusCode)
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Error()
	}
	return err.Error()
}

// Kind names the error class for metrics labels.
func Kind(err error) string {
	var (
		ne *NetworkError
		pe *ProtocolError
		se *StateError
		me *MediaError
	)
	switch {
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &se):
		return "state"
	case errors.As(err, &me):
		return "media"
	}
	return "other"
}
