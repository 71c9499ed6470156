package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/webrtcpeer"
)

var errFakeState = errors.New("fake pc: invalid signaling state")

// fakePC is a scripted peer connection implementing the signaling state
// machine of RTCPeerConnection closely enough for negotiation tests.
type fakePC struct {
	id int

	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	seq        int
	rollbacks  int
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	recvOnly   []webrtc.RTPCodecType
	senders    []*fakeSender
	dcs        []*fakeDC
	closed     bool
	stats      webrtc.StatsReport

	// offerGate, when set, blocks CreateOffer until it is closed.
	offerGate chan struct{}

	onCandidate   func(*webrtc.ICECandidate)
	onNegotiation func()
	onConnState   func(webrtc.PeerConnectionState)
	onICEState    func(webrtc.ICEConnectionState)
	onDataChannel func(webrtcpeer.DataChannel)
	onTrack       func(*webrtc.TrackRemote)
}

func (pc *fakePC) sdpLocked(kind string) string {
	pc.seq++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=fake %d %d IN IP4 0.0.0.0\r\ns=%s\r\n", pc.id, pc.seq, kind)
	for _, kind := range pc.recvOnly {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n", kind.String())
	}
	for _, tr := range pc.tracks {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\n", tr.Kind().String())
	}
	if len(pc.dcs) > 0 {
		b.WriteString("m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n")
	}
	return b.String()
}

func (pc *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	gate := pc.offerGate
	pc.mu.Unlock()
	if gate != nil {
		<-gate
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, errors.New("fake pc: closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: pc.sdpLocked("offer")}, nil
}

func (pc *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errFakeState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: pc.sdpLocked("answer")}, nil
}

func (pc *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && pc.state == webrtc.SignalingStateStable:
		pc.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && pc.state == webrtc.SignalingStateHaveRemoteOffer:
		pc.state = webrtc.SignalingStateStable
	case desc.Type == webrtc.SDPTypeRollback && pc.state == webrtc.SignalingStateHaveLocalOffer:
		pc.state = webrtc.SignalingStateStable
		pc.rollbacks++
		return nil
	default:
		return fmt.Errorf("%w: set local %s in %s", errFakeState, desc.Type, pc.state)
	}
	d := desc
	pc.local = &d
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && pc.state == webrtc.SignalingStateStable:
		pc.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && pc.state == webrtc.SignalingStateHaveLocalOffer:
		pc.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", errFakeState, desc.Type, pc.state)
	}
	d := desc
	pc.remote = &d
	return nil
}

func (pc *fakePC) LocalDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local
}

func (pc *fakePC) RemoteDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return errors.New("fake pc: no remote description")
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *fakePC) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *fakePC) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (pc *fakePC) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (pc *fakePC) AddTrack(track webrtc.TrackLocal) (webrtcpeer.Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	sender := &fakeSender{kind: track.Kind()}
	pc.senders = append(pc.senders, sender)
	return sender, nil
}

func (pc *fakePC) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.recvOnly = append(pc.recvOnly, kind)
	return nil
}

func (pc *fakePC) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (webrtcpeer.DataChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	dc := &fakeDC{label: label, state: webrtc.DataChannelStateConnecting}
	pc.dcs = append(pc.dcs, dc)
	return dc, nil
}

func (pc *fakePC) GetStats() webrtc.StatsReport {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stats
}

func (pc *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	pc.mu.Lock()
	pc.onCandidate = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnNegotiationNeeded(f func()) {
	pc.mu.Lock()
	pc.onNegotiation = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	pc.onConnState = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	pc.mu.Lock()
	pc.onICEState = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnDataChannel(f func(webrtcpeer.DataChannel)) {
	pc.mu.Lock()
	pc.onDataChannel = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnTrack(f func(*webrtc.TrackRemote)) {
	pc.mu.Lock()
	pc.onTrack = f
	pc.mu.Unlock()
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePC) fireNegotiationNeeded() {
	pc.mu.Lock()
	f := pc.onNegotiation
	pc.mu.Unlock()
	f()
}

func (pc *fakePC) fireConnectionState(state webrtc.PeerConnectionState) {
	pc.mu.Lock()
	f := pc.onConnState
	pc.mu.Unlock()
	f(state)
}

func (pc *fakePC) fireICEState(state webrtc.ICEConnectionState) {
	pc.mu.Lock()
	f := pc.onICEState
	pc.mu.Unlock()
	f(state)
}

func (pc *fakePC) fireDataChannel(dc webrtcpeer.DataChannel) {
	pc.mu.Lock()
	f := pc.onDataChannel
	pc.mu.Unlock()
	f(dc)
}

func (pc *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.candidates...)
}

func (pc *fakePC) trackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.tracks)
}

func (pc *fakePC) recvOnlyCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.recvOnly)
}

func (pc *fakePC) rollbackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rollbacks
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) dataChannel(i int) *fakeDC {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if i >= len(pc.dcs) {
		return nil
	}
	return pc.dcs[i]
}

type fakeSender struct {
	kind webrtc.RTPCodecType

	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSender) last() (webrtc.TrackLocal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replaced) == 0 {
		return nil, false
	}
	return s.replaced[len(s.replaced)-1], true
}

type fakeDC struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDC) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("fake dc: not open")
	}
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDC) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *fakeDC) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *fakeDC) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

func (d *fakeDC) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDC) receive(text string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	f(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
}

func (d *fakeDC) sentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// fakeFactory hands out fakePCs and remembers them in creation order.
type fakeFactory struct {
	mu    sync.Mutex
	pcs   []*fakePC
	setup func(*fakePC)
}

func (f *fakeFactory) New() (webrtcpeer.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{id: len(f.pcs) + 1, state: webrtc.SignalingStateStable}
	if f.setup != nil {
		f.setup(pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

// fakeSignaling records outbound messages and lets tests inject inbound
// frames as if they came from the relay.
type fakeSignaling struct {
	mu        sync.Mutex
	sent      []signaling.Message
	onMessage func([]byte)
	connects  int
	flushes   int
	closes    int
	// peer, when set, receives every outbound message in order.
	peer *pipe
}

func (f *fakeSignaling) Send(m signaling.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	p := f.peer
	f.mu.Unlock()
	if p != nil {
		p.push(m)
	}
	return nil
}

func (f *fakeSignaling) OnMessage(cb func([]byte)) {
	f.mu.Lock()
	f.onMessage = cb
	f.mu.Unlock()
}

func (f *fakeSignaling) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) Flush(context.Context) error {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) deliver(t *testing.T, m signaling.Message) {
	t.Helper()
	data, err := signaling.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.Kind, err)
	}
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	cb(data)
}

func (f *fakeSignaling) messages() []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signaling.Message(nil), f.sent...)
}

func (f *fakeSignaling) count(kind signaling.Kind) int {
	n := 0
	for _, m := range f.messages() {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// pipe delivers encoded messages to a receiving callback in order on its own
// goroutine, optionally with a per-message delay.
type pipe struct {
	mu     sync.Mutex
	queue  []signaling.Message
	signal chan struct{}
	done   chan struct{}
	delay  func() time.Duration
	to     *fakeSignaling
}

func newPipe(to *fakeSignaling, delay func() time.Duration) *pipe {
	p := &pipe{signal: make(chan struct{}, 1), done: make(chan struct{}), delay: delay, to: to}
	go p.run()
	return p
}

func (p *pipe) push(m signaling.Message) {
	p.mu.Lock()
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pipe) run() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.signal:
				continue
			case <-p.done:
				return
			}
		}
		m := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if p.delay != nil {
			time.Sleep(p.delay())
		}
		data, err := signaling.Encode(m)
		if err != nil {
			continue
		}
		p.to.mu.Lock()
		cb := p.to.onMessage
		p.to.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func (p *pipe) close() { close(p.done) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
