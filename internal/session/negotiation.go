package session

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
)

// NegotiationState is the perfect-negotiation view of the current peer
// connection.
type NegotiationState struct {
	SignalingState webrtc.SignalingState
	MakingOffer    bool
	IgnoringOffer  bool
}

// loopHandler receives routed signaling messages on the event loop.
type loopHandler struct {
	s *Session
}

func (h loopHandler) HandleJoin(userName string)                   { h.s.handleJoin(userName) }
func (h loopHandler) HandleOffer(desc webrtc.SessionDescription)   { h.s.handleOffer(desc) }
func (h loopHandler) HandleAnswer(desc webrtc.SessionDescription)  { h.s.handleAnswer(desc) }
func (h loopHandler) HandleICECandidate(c webrtc.ICECandidateInit) { h.s.handleICECandidate(c) }
func (h loopHandler) HandleLeave()                                 { h.s.handleLeave() }

func (s *Session) publishNegotiation(p *peer) {
	state := NegotiationState{
		SignalingState: p.pc.SignalingState(),
		MakingOffer:    p.makingOffer,
		IgnoringOffer:  p.ignoringOffer,
	}
	s.updateSnapshot(func(snap *snapshot) { snap.negotiation = state })
}

func (s *Session) negotiationFailed(p *peer, step string, err error) {
	s.metrics.Inc(metrics.NegotiationFailed)
	s.logger.Warn("negotiation step failed", "step", step, "generation", p.gen, "err", err)
}

// renegotiate creates and sends a local offer. It only starts from a stable
// signaling state with no offer already in flight.
func (s *Session) renegotiate(p *peer, reason string) {
	if p.makingOffer {
		s.logger.Debug("offer already in flight", "reason", reason)
		return
	}
	if state := p.pc.SignalingState(); state != webrtc.SignalingStateStable {
		s.logger.Debug("not renegotiating outside stable state", "reason", reason, "signaling_state", state.String())
		return
	}
	p.makingOffer = true
	p.ignoringOffer = false
	p.ignoreAfterOffer = false
	s.publishNegotiation(p)

	p.ops.enqueue(func() {
		err := s.makeOffer(p, reason)
		s.postFor(p, func() {
			p.makingOffer = false
			if p.ignoreAfterOffer {
				p.ignoringOffer = true
				p.ignoreAfterOffer = false
			}
			if err != nil {
				s.negotiationFailed(p, "offer creation", err)
			}
			s.publishNegotiation(p)
		})
	})
}

// makeOffer runs on p's op chain.
func (s *Session) makeOffer(p *peer, reason string) error {
	if p.closed.Load() {
		return nil
	}
	// A remote offer may have been applied while this op waited.
	if state := p.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if local := p.pc.LocalDescription(); local != nil {
		offer = *local
	}
	s.sendSignal(signaling.Offer(offer))
	s.metrics.Inc(metrics.OfferSent)
	s.logger.Info("offer sent", "generation", p.gen, "reason", reason)
	return nil
}

func (s *Session) handleOffer(desc webrtc.SessionDescription) {
	p := s.peer
	if p == nil {
		s.logger.Debug("offer before start dropped")
		return
	}
	s.metrics.Inc(metrics.OfferReceived)

	// Offers carry a fresh session version, so an identical SDP is a resend.
	if p.appliedOffers[desc.SDP] {
		s.metrics.Inc(metrics.OfferDuplicate)
		p.ops.enqueue(func() { s.resendAnswer(p, desc) })
		return
	}

	collision := p.makingOffer || p.pc.SignalingState() != webrtc.SignalingStateStable
	if collision && !s.polite {
		if p.makingOffer {
			p.ignoreAfterOffer = true
		} else {
			p.ignoringOffer = true
		}
		s.metrics.Inc(metrics.OfferIgnoredCollision)
		s.logger.Info("ignoring colliding offer", "generation", p.gen, "making_offer", p.makingOffer)
		s.publishNegotiation(p)
		return
	}
	p.ignoringOffer = false
	p.ignoreAfterOffer = false
	p.appliedOffers[desc.SDP] = true
	s.publishNegotiation(p)

	p.ops.enqueue(func() {
		rolledBack, err := s.applyRemoteOffer(p, desc)
		s.postFor(p, func() { s.remoteOfferApplied(p, desc, rolledBack, err) })
	})
}

// resendAnswer runs on p's op chain. It repeats the answer to offer if that
// exchange is still the current one.
func (s *Session) resendAnswer(p *peer, offer webrtc.SessionDescription) {
	if p.closed.Load() || p.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	remote, local := p.pc.RemoteDescription(), p.pc.LocalDescription()
	if remote == nil || local == nil || remote.SDP != offer.SDP || local.Type != webrtc.SDPTypeAnswer {
		return
	}
	s.sendSignal(signaling.Answer(*local))
	s.logger.Debug("repeated answer for resent offer", "generation", p.gen)
}

// applyRemoteOffer runs on p's op chain. A pending local offer is rolled
// back first; only the polite side can reach this with one pending.
func (s *Session) applyRemoteOffer(p *peer, desc webrtc.SessionDescription) (bool, error) {
	if p.closed.Load() {
		return false, nil
	}
	rolledBack := false
	if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return false, fmt.Errorf("rollback local offer: %w", err)
		}
		rolledBack = true
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return rolledBack, fmt.Errorf("set remote offer: %w", err)
	}
	return rolledBack, nil
}

func (s *Session) remoteOfferApplied(p *peer, offer webrtc.SessionDescription, rolledBack bool, err error) {
	if rolledBack {
		s.metrics.Inc(metrics.OfferRolledBack)
		s.logger.Info("rolled back local offer for remote offer", "generation", p.gen)
	}
	if err != nil {
		s.negotiationFailed(p, "offer application", err)
		s.publishNegotiation(p)
		return
	}
	p.acceptedRemoteOffer = true
	s.drainICEQueue(p)
	s.publishNegotiation(p)

	p.ops.enqueue(func() {
		err := s.makeAnswer(p)
		s.postFor(p, func() {
			s.publishNegotiation(p)
			if err != nil {
				s.negotiationFailed(p, "answer creation", err)
				return
			}
			if s.hostNeedsRenegotiation(p, offer.SDP) {
				s.renegotiate(p, "remote offer lacked local sections")
			}
		})
	})
}

// makeAnswer runs on p's op chain.
func (s *Session) makeAnswer(p *peer) error {
	if p.closed.Load() {
		return nil
	}
	if p.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return nil
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if local := p.pc.LocalDescription(); local != nil {
		answer = *local
	}
	s.sendSignal(signaling.Answer(answer))
	s.metrics.Inc(metrics.AnswerSent)
	s.logger.Info("answer sent", "generation", p.gen)
	return nil
}

// hostNeedsRenegotiation reports whether the host holds a chat channel or
// tracks the guest's offer had no section for. The answerer cannot add
// sections, so the host offers once it has accepted an offer.
func (s *Session) hostNeedsRenegotiation(p *peer, offerSDP string) bool {
	if s.polite {
		return false
	}
	if p.dc != nil && !hasMediaSection(offerSDP, "application") {
		return true
	}
	for kind := range p.senders {
		if !hasMediaSection(offerSDP, kind.String()) {
			return true
		}
	}
	return false
}

func hasMediaSection(sdp, media string) bool {
	prefix := "m=" + media + " "
	return strings.HasPrefix(sdp, prefix) || strings.Contains(sdp, "\n"+prefix)
}

func (s *Session) handleAnswer(desc webrtc.SessionDescription) {
	p := s.peer
	if p == nil {
		s.logger.Debug("answer before start dropped")
		return
	}
	s.metrics.Inc(metrics.AnswerReceived)

	p.ops.enqueue(func() {
		if p.closed.Load() {
			return
		}
		if state := p.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
			s.metrics.Inc(metrics.AnswerDroppedWrongState)
			s.logger.Info("dropping answer", "signaling_state", state.String(), "generation", p.gen)
			return
		}
		err := p.pc.SetRemoteDescription(desc)
		s.postFor(p, func() {
			if err != nil {
				s.negotiationFailed(p, "answer application", fmt.Errorf("set remote answer: %w", err))
			} else {
				s.drainICEQueue(p)
			}
			s.publishNegotiation(p)
		})
	})
}

func (s *Session) handleICECandidate(c webrtc.ICECandidateInit) {
	p := s.peer
	if p == nil {
		s.logger.Debug("candidate before start dropped")
		return
	}
	if !p.remoteSet {
		p.iceQueue = append(p.iceQueue, c)
		s.metrics.Inc(metrics.CandidateQueued)
		return
	}
	s.applyCandidate(p, c)
}

// drainICEQueue marks the remote description as set and applies queued
// candidates in arrival order. Later candidates are chained behind them.
func (s *Session) drainICEQueue(p *peer) {
	p.remoteSet = true
	queued := p.iceQueue
	p.iceQueue = nil
	for _, c := range queued {
		s.applyCandidate(p, c)
	}
}

func (s *Session) applyCandidate(p *peer, c webrtc.ICECandidateInit) {
	p.ops.enqueue(func() {
		if p.closed.Load() {
			return
		}
		if err := p.pc.AddICECandidate(c); err != nil {
			s.metrics.Inc(metrics.CandidateFailed)
			s.postFor(p, func() {
				// Candidates for an offer we ignored are expected to fail.
				if p.ignoringOffer || p.ignoreAfterOffer {
					return
				}
				s.logger.Warn("add ice candidate failed", "generation", p.gen, "err", err)
			})
			return
		}
		s.metrics.Inc(metrics.CandidateApplied)
	})
}

func (s *Session) handleJoin(userName string) {
	s.logger.Info("peer joined", "peer_user_name", userName)
	if s.hooks.OnPeerJoined != nil {
		s.hooks.OnPeerJoined(userName)
	}
	p := s.peer
	if !s.polite || p == nil || p.makingOffer {
		return
	}
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.renegotiate(p, "peer joined")
		return
	}

	// The pending offer may have gone out before the host was listening.
	// Resending it is safe: a host that already applied it repeats its answer.
	local := p.pc.LocalDescription()
	if local == nil || local.Type != webrtc.SDPTypeOffer {
		return
	}
	s.sendSignal(signaling.Offer(*local))
	s.metrics.Inc(metrics.OfferResent)
	s.logger.Info("resent pending offer", "generation", p.gen)
}

func (s *Session) handleLeave() {
	s.logger.Info("peer left")
	if s.hooks.OnRemoteLeave != nil {
		s.hooks.OnRemoteLeave()
	}
}

func (s *Session) handleNegotiationNeeded(p *peer) {
	if !s.polite && !p.acceptedRemoteOffer {
		s.logger.Debug("host deferring negotiation until the guest offers", "generation", p.gen)
		return
	}
	s.renegotiate(p, "negotiation needed")
}
