package ratelimit

import "github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"

// DataLimiter bounds inbound data channel traffic from the remote peer by
// message count and by bytes. A zero rate disables that dimension.
type DataLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

type DataLimiterConfig struct {
	MessagesPerSecond int
	BytesPerSecond    int
}

func (c DataLimiterConfig) Enabled() bool {
	return c.MessagesPerSecond > 0 || c.BytesPerSecond > 0
}

func NewDataLimiter(clk clock.Clock, cfg DataLimiterConfig) *DataLimiter {
	l := &DataLimiter{}
	if cfg.MessagesPerSecond > 0 {
		// Allow a burst of one second's worth of messages.
		l.messages = NewTokenBucket(clk, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))
	}
	if cfg.BytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clk, int64(cfg.BytesPerSecond), int64(cfg.BytesPerSecond))
	}
	return l
}

// Allow reports whether a message of n bytes may be delivered. A nil
// limiter allows everything.
func (l *DataLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(n)) {
		if l.messages != nil {
			l.messages.refund(1)
		}
		return false
	}
	return true
}
