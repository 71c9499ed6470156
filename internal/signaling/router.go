package signaling

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
)

// Handler receives negotiation-relevant messages. Heartbeats never reach it.
type Handler interface {
	HandleJoin(userName string)
	HandleOffer(desc webrtc.SessionDescription)
	HandleAnswer(desc webrtc.SessionDescription)
	HandleICECandidate(candidate webrtc.ICECandidateInit)
	HandleLeave()
}

// Sender is the outbound side of the signaling channel.
type Sender interface {
	Send(m Message) error
}

// Router classifies inbound frames and delegates them to a Handler.
type Router struct {
	sender  Sender
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	lastPong atomic.Int64
}

func NewRouter(sender Sender, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sender: sender, clk: clock.OrReal(clk), logger: logger, metrics: m}
}

// Dispatch parses one frame. Pings are answered with a pong, pongs only
// refresh liveness, and unparseable frames are dropped.
func (r *Router) Dispatch(data []byte, h Handler) {
	msg, err := Parse(data)
	if err != nil {
		r.metrics.Inc(metrics.SignalingParseFailed)
		r.logger.Warn("dropping signaling message", "err", err, "bytes", len(data))
		return
	}

	switch msg.Kind {
	case KindPing:
		if r.sender != nil {
			if err := r.sender.Send(Pong()); err != nil {
				r.logger.Debug("pong not sent", "err", err)
			}
		}
	case KindPong:
		r.lastPong.Store(r.clk.Now().UnixNano())
	case KindJoin:
		h.HandleJoin(msg.UserName)
	case KindOffer:
		h.HandleOffer(msg.SDP)
	case KindAnswer:
		h.HandleAnswer(msg.SDP)
	case KindICECandidate:
		h.HandleICECandidate(msg.Candidate)
	case KindLeave:
		h.HandleLeave()
	}
}

// LastPong reports when the relay last answered a heartbeat; zero if never.
func (r *Router) LastPong() time.Time {
	ns := r.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
