package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// DataChannel is the subset of *webrtc.DataChannel a session uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Sender is the subset of *webrtc.RTPSender used to mute and unmute a local
// track without renegotiating.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the peer-connection primitive the negotiation engine
// drives. *Peer implements it over pion; tests substitute a scripted fake.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	AddReceiveOnly(kind webrtc.RTPCodecType) error
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error)
	GetStats() webrtc.StatsReport

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnDataChannel(f func(DataChannel))
	OnTrack(f func(*webrtc.TrackRemote))

	Close() error
}

// Factory creates a fresh PeerConnection. A session calls it once at start
// and once per restart.
type Factory func() (PeerConnection, error)

// NewFactory returns a Factory building pion PeerConnections from api.
func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer) Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return func() (PeerConnection, error) {
		return NewPeer(api, iceServers)
	}
}

// Peer adapts *webrtc.PeerConnection to PeerConnection.
type Peer struct {
	pc *webrtc.PeerConnection
}

func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &Peer{pc: pc}, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

func (p *Peer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *Peer) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP must be drained for interceptors (NACK, reports) to make progress.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// AddReceiveOnly adds a recvonly transceiver so offers carry a section for
// kind without a local track. A later AddTrack of the same kind reuses it.
func (p *Peer) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *Peer) CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *Peer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *Peer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *Peer) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *Peer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *Peer) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *Peer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
