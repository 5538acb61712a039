package domain

// StatusKind is the simplified connectivity status shown to viewers.
type StatusKind int

const (
	StatusConnecting StatusKind = iota
	StatusStreaming
	StatusDisconnected
	StatusFailed
	StatusClosed
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionStatus is a StatusKind plus the failure reason, if any.
type ConnectionStatus struct {
	Kind   StatusKind
	Reason string
}

func Connecting() ConnectionStatus   { return ConnectionStatus{Kind: StatusConnecting} }
func Streaming() ConnectionStatus    { return ConnectionStatus{Kind: StatusStreaming} }
func Disconnected() ConnectionStatus { return ConnectionStatus{Kind: StatusDisconnected} }
func Closed() ConnectionStatus       { return ConnectionStatus{Kind: StatusClosed} }

func Failed(reason string) ConnectionStatus {
	return ConnectionStatus{Kind: StatusFailed, Reason: reason}
}

func (s ConnectionStatus) String() string {
	if s.Kind == StatusFailed {
		return "failed(" + s.Reason + ")"
	}
	return s.Kind.String()
}

// Text is what the status line under a video renders.
// A quietly streaming video shows nothing.
func (s ConnectionStatus) Text() string {
	switch s.Kind {
	case StatusConnecting:
		return "Connecting..."
	case StatusStreaming:
		return ""
	case StatusFailed:
		return s.Reason
	}
	return s.Kind.String()
}
