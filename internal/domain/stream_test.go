package domain

import "testing"

func TestStateCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateFetchingCodecs, true},
		{StateFetchingCodecs, StateOfferSent, true},
		{StateOfferSent, StateConnected, true},
		{StateConnected, StateFetchingCodecs, false},
		{StateConnected, StateOfferSent, false},
		{StateConnected, StateFailed, true},
		{StateConnected, StateClosed, true},
		{StateFailed, StateClosed, true},
		{StateFailed, StateConnected, false},
		{StateClosed, StateClosed, false},
		{StateClosed, StateFailed, false},
		{StateOfferSent, StateIdle, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConnectionStatusText(t *testing.T) {
	if got := Streaming().Text(); got != "" {
		t.Errorf("Streaming().Text() = %q, want empty", got)
	}
	if got := Failed("gateway busy").Text(); got != "gateway busy" {
		t.Errorf("Failed().Text() = %q, want %q", got, "gateway busy")
	}
	if got := Connecting().Text(); got != "Connecting..." {
		t.Errorf("Connecting().Text() = %q", got)
	}
	if got := Failed("x").String(); got != "failed(x)" {
		t.Errorf("Failed().String() = %q", got)
	}
}
