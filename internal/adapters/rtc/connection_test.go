package rtc

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestWebRTCConnection_RecvOnlyOffer(t *testing.T) {
	f, err := NewFactory(Options{PLIInterval: time.Second})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	pc, err := f.NewPeerConnection("cam1")
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	defer pc.Close()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if err := pc.AddTransceiver(kind); err != nil {
			t.Fatalf("AddTransceiver(%s) error = %v", kind, err)
		}
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("offer type = %s", offer.Type)
	}
	if n := strings.Count(offer.SDP, "a=recvonly"); n != 2 {
		t.Errorf("recvonly sections = %d, want 2\n%s", n, offer.SDP)
	}
	for _, media := range []string{"m=video", "m=audio"} {
		if !strings.Contains(offer.SDP, media) {
			t.Errorf("offer has no %s section", media)
		}
	}
}

func TestWebRTCConnection_CloseTwiceAndUnsubscribe(t *testing.T) {
	f, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	pc, err := f.NewPeerConnection("cam1")
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	c := pc.(*WebRTCConnection)

	unsub := c.SubscribeConnectivity(func(webrtc.ICEConnectionState) {})
	c.SubscribeConnectivity(func(webrtc.ICEConnectionState) {})
	unsub()
	c.mu.Lock()
	n := len(c.onICE)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("listeners after unsubscribe = %d, want 1", n)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	c.mu.Lock()
	n = len(c.onICE)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("listeners after close = %d, want 0", n)
	}
}
