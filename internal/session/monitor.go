package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/webrtcpeer"
)

func (s *Session) handleConnectionState(p *peer, state webrtc.PeerConnectionState) {
	s.updateSnapshot(func(snap *snapshot) { snap.connState = state })
	s.logger.Info("peer connection state", "state", state.String(), "generation", p.gen)
	if s.hooks.OnConnectionStateChange != nil {
		s.hooks.OnConnectionStateChange(state)
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markConnected(p)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.markUnhealthy(p, "connection "+state.String())
	default:
		s.leaveConnected(p)
	}
}

func (s *Session) handleICEConnectionState(p *peer, state webrtc.ICEConnectionState) {
	s.updateSnapshot(func(snap *snapshot) { snap.iceState = state })
	s.logger.Debug("ice connection state", "state", state.String(), "generation", p.gen)
	if s.hooks.OnICEConnectionStateChange != nil {
		s.hooks.OnICEConnectionStateChange(state)
	}

	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		s.markUnhealthy(p, "ice "+state.String())
	}
}

func (s *Session) markConnected(p *peer) {
	if p.connected {
		return
	}
	p.connected = true
	// A disconnect that recovered on its own needs no restart.
	if s.restartTimer != nil && !s.restartRequested {
		s.restartTimer.Stop()
		s.restartTimer = nil
		s.logger.Info("connection recovered; restart cancelled", "generation", p.gen)
	}
	s.updateSnapshot(func(snap *snapshot) { snap.reconnecting = false })
	s.setLifecycle(LifecycleConnected)
	s.metrics.Inc(metrics.ConnectionConnected)
	s.startStats(p)
}

func (s *Session) markUnhealthy(p *peer, reason string) {
	s.leaveConnected(p)
	s.scheduleRestart(reason)
}

func (s *Session) leaveConnected(p *peer) {
	if !p.connected {
		return
	}
	p.connected = false
	s.stopStats()
}

// scheduleRestart arms the restart timer unless one is already pending.
func (s *Session) scheduleRestart(reason string) {
	if s.restartTimer != nil {
		s.logger.Debug("restart already scheduled", "reason", reason)
		return
	}
	s.updateSnapshot(func(snap *snapshot) { snap.reconnecting = true })
	s.setLifecycle(LifecycleReconnecting)
	s.logger.Info("scheduling peer connection restart", "reason", reason, "delay", s.cfg.RestartDelay)
	s.restartTimer = s.clk.AfterFunc(s.cfg.RestartDelay, func() {
		s.post(s.restart)
	})
}

// restart replaces the current peer connection with a fresh one. The guest
// offers on the new connection; the host announces itself again so the guest
// does.
func (s *Session) restart() {
	s.restartTimer = nil
	s.restartRequested = false
	s.stopStats()
	if old := s.peer; old != nil {
		s.closePeer(old, true)
		s.peer = nil
	}
	s.metrics.Inc(metrics.ConnectionRestart)

	if err := s.createPeer(); err != nil {
		s.logger.Error("recreate peer connection failed", "err", err)
		s.scheduleRestart("recreate failed")
		return
	}
	s.setLifecycle(LifecycleConnectionEstablishing)
	if s.polite {
		s.renegotiate(s.peer, "restart")
		return
	}
	s.sendSignal(signaling.Join(s.cfg.UserName))
}

func (s *Session) startStats(p *peer) {
	if s.statsTimer != nil {
		return
	}
	s.scheduleStats(p)
}

func (s *Session) scheduleStats(p *peer) {
	seq := s.statsSeq
	s.statsTimer = s.clk.AfterFunc(s.cfg.StatsInterval, func() {
		s.postFor(p, func() {
			if s.statsSeq != seq {
				return
			}
			s.sampleStats(p)
		})
	})
}

func (s *Session) sampleStats(p *peer) {
	if !p.connected {
		return
	}
	stats := webrtcpeer.CollectStats(p.pc.GetStats(), s.clk.Now())
	s.updateSnapshot(func(snap *snapshot) {
		snap.stats = stats
		snap.haveStats = true
	})
	s.metrics.Inc(metrics.StatsSampled)
	if s.hooks.OnStats != nil {
		s.hooks.OnStats(stats)
	}
	s.scheduleStats(p)
}

func (s *Session) stopStats() {
	s.statsSeq++
	if s.statsTimer != nil {
		s.statsTimer.Stop()
		s.statsTimer = nil
	}
}
