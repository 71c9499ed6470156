package session

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/webrtcpeer"
)

// peer is one peer-connection instance and everything scoped to it. A
// restart discards the whole struct, which resets the track guard, the ICE
// queue and the negotiation flags in one step.
type peer struct {
	gen uint64
	pc  webrtcpeer.PeerConnection
	ops *opChain
	// closed is read from the op chain and pion callback goroutines.
	closed atomic.Bool

	// Owned by the event loop.
	dc          webrtcpeer.DataChannel
	senders     map[webrtc.RTPCodecType]webrtcpeer.Sender
	tracksAdded bool
	// makingOffer and ignoringOffer are never both set; an offer ignored
	// while our own is in flight is recorded in ignoreAfterOffer and promoted
	// once the in-flight offer settles.
	makingOffer      bool
	ignoringOffer    bool
	ignoreAfterOffer bool
	// remoteSet is the loop's view of whether a remote description has been
	// applied; candidates arriving before then are queued.
	remoteSet bool
	iceQueue  []webrtc.ICECandidateInit
	// appliedOffers holds the SDP of every remote offer taken on this pc.
	appliedOffers map[string]bool
	// acceptedRemoteOffer gates the host's negotiation-needed handling.
	acceptedRemoteOffer bool
	connected           bool
}

// createPeer builds a fresh peer connection and makes it current.
func (s *Session) createPeer() error {
	pc, err := s.factory()
	if err != nil {
		return err
	}
	s.gen++
	p := &peer{
		gen:           s.gen,
		pc:            pc,
		ops:           &opChain{},
		senders:       make(map[webrtc.RTPCodecType]webrtcpeer.Sender),
		appliedOffers: make(map[string]bool),
	}
	s.peer = p
	s.updateSnapshot(func(snap *snapshot) {
		snap.generation = p.gen
		snap.negotiation = NegotiationState{SignalingState: webrtc.SignalingStateStable}
		snap.connState = webrtc.PeerConnectionStateNew
		snap.iceState = webrtc.ICEConnectionStateNew
	})
	s.bindPeerCallbacks(p)

	if !s.polite {
		dc, err := pc.CreateDataChannel(webrtcpeer.ChatDataChannelLabel, s.cfg.DataChannel)
		if err != nil {
			s.logger.Warn("create chat datachannel failed", "generation", p.gen, "err", err)
		} else {
			s.bindDataChannel(p, dc)
		}
	}
	s.addLocalTracksOnce(p)
	if s.polite && !p.tracksAdded {
		s.addReceiveOnly(p)
	}
	s.logger.Info("peer connection created", "generation", p.gen)
	return nil
}

// postFor posts f to the loop, dropping it if p is no longer current by the
// time it runs.
func (s *Session) postFor(p *peer, f func()) {
	s.post(func() {
		if s.peer != p {
			return
		}
		f()
	})
}

func (s *Session) bindPeerCallbacks(p *peer) {
	pc := p.pc
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.closed.Load() {
			return
		}
		s.sendSignal(signaling.ICECandidate(c.ToJSON()))
	})
	pc.OnNegotiationNeeded(func() {
		s.postFor(p, func() { s.handleNegotiationNeeded(p) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.postFor(p, func() { s.handleConnectionState(p, state) })
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.postFor(p, func() { s.handleICEConnectionState(p, state) })
	})
	pc.OnDataChannel(func(dc webrtcpeer.DataChannel) {
		s.postFor(p, func() {
			if err := webrtcpeer.ValidateChatDataChannel(dc); err != nil {
				s.logger.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
				_ = dc.Close()
				return
			}
			if p.dc != nil && p.dc != dc {
				_ = p.dc.Close()
			}
			s.bindDataChannel(p, dc)
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		s.postFor(p, func() {
			s.logger.Info("remote track", "kind", track.Kind().String(), "track_id", track.ID())
			if s.hooks.OnRemoteTrack != nil {
				s.hooks.OnRemoteTrack(track)
			}
		})
	})
}

// addLocalTracksOnce adds the attached stream's tracks to p. Without media it
// is a no-op until AttachMedia supplies a stream.
func (s *Session) addLocalTracksOnce(p *peer) {
	if p.tracksAdded || s.stream == nil {
		return
	}
	tracks := s.stream.Tracks()
	if len(tracks) == 0 {
		return
	}
	p.tracksAdded = true
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			s.logger.Warn("add track failed", "kind", track.Kind().String(), "generation", p.gen, "err", err)
			continue
		}
		p.senders[track.Kind()] = sender
	}
	s.applyTrackToggles(p)
}

// addReceiveOnly gives a guest without media audio and video sections to
// offer, so the host can answer and later send its own tracks.
func (s *Session) addReceiveOnly(p *peer) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := p.pc.AddReceiveOnly(kind); err != nil {
			s.logger.Warn("add recvonly transceiver failed", "kind", kind.String(), "generation", p.gen, "err", err)
		}
	}
}

// applyTrackToggles mutes a disabled track by detaching it from its sender,
// which needs no renegotiation.
func (s *Session) applyTrackToggles(p *peer) {
	if s.stream == nil {
		return
	}
	toggle := func(kind webrtc.RTPCodecType, track webrtc.TrackLocal, enabled bool) {
		sender := p.senders[kind]
		if sender == nil || track == nil {
			return
		}
		var next webrtc.TrackLocal
		if enabled {
			next = track
		}
		if err := sender.ReplaceTrack(next); err != nil {
			s.logger.Warn("toggle track failed", "kind", kind.String(), "enabled", enabled, "err", err)
		}
	}
	toggle(webrtc.RTPCodecTypeAudio, s.stream.Audio, s.micEnabled)
	toggle(webrtc.RTPCodecTypeVideo, s.stream.Video, s.cameraEnabled)
}

func (s *Session) bindDataChannel(p *peer, dc webrtcpeer.DataChannel) {
	p.dc = dc
	dc.OnOpen(func() {
		s.postFor(p, func() {
			s.logger.Info("chat datachannel open", "generation", p.gen)
		})
	})
	dc.OnClose(func() {
		s.postFor(p, func() {
			if p.dc == dc {
				p.dc = nil
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if !s.limiter.Allow(len(msg.Data)) {
			s.metrics.Inc(metrics.DataDroppedRateLimited)
			return
		}
		text := string(msg.Data)
		s.postFor(p, func() {
			s.metrics.Inc(metrics.DataReceived)
			if s.onData != nil {
				s.onData(text)
			}
		})
	})
}

func (s *Session) sendData(text string) {
	p := s.peer
	if p == nil || p.dc == nil || p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.metrics.Inc(metrics.DataDroppedNotOpen)
		s.logger.Warn("chat datachannel not open; dropping message", "bytes", len(text))
		return
	}
	if err := p.dc.SendText(text); err != nil {
		s.metrics.Inc(metrics.DataDroppedNotOpen)
		s.logger.Warn("chat send failed", "err", err)
		return
	}
	s.metrics.Inc(metrics.DataSent)
}

// closePeer discards p. Pending ops on its chain are dropped and late pion
// callbacks are filtered by postFor.
func (s *Session) closePeer(p *peer, async bool) {
	p.closed.Store(true)
	p.ops.close()
	p.iceQueue = nil
	dc := p.dc
	p.dc = nil
	closeAll := func() {
		if dc != nil {
			_ = dc.Close()
		}
		if err := p.pc.Close(); err != nil {
			s.logger.Debug("peer connection close", "generation", p.gen, "err", err)
		}
	}
	if async {
		go closeAll()
		return
	}
	closeAll()
}

// opChain serializes operations on one peer connection, in the order they
// were enqueued, off the event loop. Like a browser's operations chain, it
// lets other events interleave while an offer or answer is being built.
type opChain struct {
	mu      sync.Mutex
	ops     []func()
	running bool
	closed  bool
}

func (c *opChain) enqueue(op func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ops = append(c.ops, op)
	if !c.running {
		c.running = true
		go c.run()
	}
}

func (c *opChain) run() {
	for {
		c.mu.Lock()
		if c.closed || len(c.ops) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		op := c.ops[0]
		c.ops[0] = nil
		c.ops = c.ops[1:]
		c.mu.Unlock()
		op()
	}
}

func (c *opChain) close() {
	c.mu.Lock()
	c.closed = true
	c.ops = nil
	c.mu.Unlock()
}
