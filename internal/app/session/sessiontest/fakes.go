// Package sessiontest provides in-memory fakes of the connection, gateway,
// sink and status observer used by signaling sessions, and of the
// outbound connections that carry media on to browsers.
package sessiontest

import (
	"context"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/eagleeye/liveview/internal/core"
	"github.com/eagleeye/liveview/internal/domain"
)

const OfferSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\na=recvonly\r\n"

// Peer is a core.PeerConnection that records every call.
type Peer struct {
	mu                sync.Mutex
	transceivers      []webrtc.RTPCodecType
	local             *webrtc.SessionDescription
	remote            *webrtc.SessionDescription
	closeCalls        int
	mutatedAfterClose bool
	SetRemoteErr      error

	nextID    int
	trackSubs map[int]func(core.MediaTrack)
	iceSubs   map[int]func(webrtc.ICEConnectionState)
	gathered  chan struct{}
}

func NewPeer() *Peer {
	g := make(chan struct{})
	close(g)
	return &Peer{
		trackSubs: make(map[int]func(core.MediaTrack)),
		iceSubs:   make(map[int]func(webrtc.ICEConnectionState)),
		gathered:  g,
	}
}

func (p *Peer) AddTransceiver(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalls > 0 {
		p.mutatedAfterClose = true
	}
	p.transceivers = append(p.transceivers, kind)
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: OfferSDP}, nil
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalls > 0 {
		p.mutatedAfterClose = true
	}
	p.local = &d
	return nil
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) GatheringComplete() <-chan struct{} { return p.gathered }

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalls > 0 {
		p.mutatedAfterClose = true
	}
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	p.remote = &d
	return nil
}

func (p *Peer) SubscribeTrack(fn func(core.MediaTrack)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.trackSubs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.trackSubs, id)
		p.mu.Unlock()
	}
}

func (p *Peer) SubscribeConnectivity(fn func(webrtc.ICEConnectionState)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.iceSubs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.iceSubs, id)
		p.mu.Unlock()
	}
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

// EmitICE delivers s to every connectivity listener.
func (p *Peer) EmitICE(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	subs := make([]func(webrtc.ICEConnectionState), 0, len(p.iceSubs))
	for _, fn := range p.iceSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// EmitTrack delivers t to every track listener.
func (p *Peer) EmitTrack(t core.MediaTrack) {
	p.mu.Lock()
	subs := make([]func(core.MediaTrack), 0, len(p.trackSubs))
	for _, fn := range p.trackSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

// Snapshot reports what was applied to the connection. Mutated is set when
// anything was changed after Close.
func (p *Peer) Snapshot() (transceivers []webrtc.RTPCodecType, remote *webrtc.SessionDescription, closes int, mutated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), p.transceivers...), p.remote, p.closeCalls, p.mutatedAfterClose
}

// Listeners counts registered listeners.
func (p *Peer) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trackSubs) + len(p.iceSubs)
}

type PeerFactory struct {
	mu    sync.Mutex
	peers map[domain.StreamID][]*Peer
	Err   error
}

func NewPeerFactory() *PeerFactory {
	return &PeerFactory{peers: make(map[domain.StreamID][]*Peer)}
}

func (f *PeerFactory) NewPeerConnection(id domain.StreamID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := NewPeer()
	f.peers[id] = append(f.peers[id], p)
	return p, nil
}

// Last returns the most recent connection created for id.
func (f *PeerFactory) Last(id domain.StreamID) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.peers[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// Gateway answers from fixed values. A non-nil gate delays the result
// until closed, ignoring cancellation, so that late responses can be tested.
type Gateway struct {
	Codecs    []domain.CodecDescriptor
	CodecErr  error
	CodecGate chan struct{}
	// OnFetchCodecs runs as FetchCodecs is entered.
	OnFetchCodecs func(domain.StreamID)

	Answer   string
	PostErr  error
	PostGate chan struct{}

	mu    sync.Mutex
	posts []string
}

func (g *Gateway) FetchCodecs(ctx context.Context, id domain.StreamID) ([]domain.CodecDescriptor, error) {
	if g.OnFetchCodecs != nil {
		g.OnFetchCodecs(id)
	}
	if g.CodecGate != nil {
		<-g.CodecGate
	}
	return g.Codecs, g.CodecErr
}

func (g *Gateway) PostOffer(ctx context.Context, id domain.StreamID, encoded string) (string, error) {
	g.mu.Lock()
	g.posts = append(g.posts, encoded)
	g.mu.Unlock()
	if g.PostGate != nil {
		<-g.PostGate
	}
	return g.Answer, g.PostErr
}

// Posts returns the encoded offers received so far.
func (g *Gateway) Posts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.posts...)
}

func (g *Gateway) PostCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.posts)
}

// Sink records bindings.
type Sink struct {
	mu      sync.Mutex
	bound   []string
	unbinds int
	BindErr error
}

func (s *Sink) Bind(t core.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BindErr != nil {
		return s.BindErr
	}
	s.bound = append(s.bound, t.ID())
	return nil
}

func (s *Sink) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = nil
	s.unbinds++
}

// State returns the number of bound tracks and Unbind calls.
func (s *Sink) State() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound), s.unbinds
}

type Observer struct {
	mu      sync.Mutex
	history map[domain.StreamID][]domain.ConnectionStatus
}

func NewObserver() *Observer {
	return &Observer{history: make(map[domain.StreamID][]domain.ConnectionStatus)}
}

func (o *Observer) Publish(id domain.StreamID, st domain.ConnectionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history[id] = append(o.history[id], st)
}

// Of returns every status published for id.
func (o *Observer) Of(id domain.StreamID) []domain.ConnectionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ConnectionStatus(nil), o.history[id]...)
}

// Track is a MediaTrack that ends at once unless Packets is set, in which
// case it delivers Packets until the channel is closed.
type Track struct {
	TrackID   string
	TrackKind webrtc.RTPCodecType
	Packets   chan *rtp.Packet
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return "gateway" }
func (t Track) Kind() webrtc.RTPCodecType { return t.TrackKind }

func (t Track) Codec() webrtc.RTPCodecParameters {
	if t.TrackKind == webrtc.RTPCodecTypeAudio {
		return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}}
}

func (t Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if t.Packets == nil {
		return nil, nil, io.EOF
	}
	p, ok := <-t.Packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

const AnswerSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\na=sendonly\r\n"

// TrackWriter records the packets written to one outbound track.
type TrackWriter struct {
	Codec webrtc.RTPCodecCapability
	Kind  webrtc.RTPCodecType

	mu   sync.Mutex
	seqs []uint16
}

func (w *TrackWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

// Written returns the sequence numbers received so far.
func (w *TrackWriter) Written() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.seqs...)
}

// WatchConn is a core.WatchConnection that answers with AnswerSDP.
type WatchConn struct {
	AnswerErr error

	mu       sync.Mutex
	writers  []*TrackWriter
	offer    *webrtc.SessionDescription
	onClosed func()
	closed   bool
}

func (c *WatchConn) AddLocalTrack(codec webrtc.RTPCodecCapability, kind webrtc.RTPCodecType) (core.RTPWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &TrackWriter{Codec: codec, Kind: kind}
	c.writers = append(c.writers, w)
	return w, nil
}

func (c *WatchConn) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offer = &offer
	if c.AnswerErr != nil {
		return nil, c.AnswerErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AnswerSDP}, nil
}

func (c *WatchConn) OnClosed(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClosed = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Drop simulates the browser going away.
func (c *WatchConn) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *WatchConn) Close() error {
	c.Drop()
	return nil
}

func (c *WatchConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writers returns the outbound tracks in the order they were added.
func (c *WatchConn) Writers() []*TrackWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*TrackWriter(nil), c.writers...)
}

// WatchFactory records every connection it creates.
type WatchFactory struct {
	AnswerErr error

	mu    sync.Mutex
	conns []*WatchConn
}

func (f *WatchFactory) NewWatchConnection(id domain.StreamID, client string) (core.WatchConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &WatchConn{AnswerErr: f.AnswerErr}
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns the connections created so far.
func (f *WatchFactory) Conns() []*WatchConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*WatchConn(nil), f.conns...)
}

