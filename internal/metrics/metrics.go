package metrics

import "sync"

// Event names recorded by the peer session. They surface on /metrics as the
// `event` label.
const (
	OfferSent               = "offer_sent"
	OfferReceived           = "offer_received"
	OfferIgnoredCollision   = "offer_ignored_collision"
	OfferRolledBack         = "offer_rolled_back"
	OfferDuplicate          = "offer_duplicate"
	OfferResent             = "offer_resent"
	AnswerSent              = "answer_sent"
	AnswerReceived          = "answer_received"
	AnswerDroppedWrongState = "answer_dropped_wrong_state"
	NegotiationFailed       = "negotiation_failed"
	CandidateQueued         = "candidate_queued"
	CandidateApplied        = "candidate_applied"
	CandidateFailed         = "candidate_failed"
	ConnectionRestart       = "connection_restart"
	ConnectionConnected     = "connection_connected"
	StatsSampled            = "stats_sampled"

	SignalingConnected   = "signaling_connected"
	SignalingReconnect   = "signaling_reconnect_scheduled"
	SignalingSent        = "signaling_sent"
	SignalingBuffered    = "signaling_buffered"
	SignalingReceived    = "signaling_received"
	SignalingParseFailed = "signaling_parse_failed"
	SignalingPingSent    = "signaling_ping_sent"

	DataSent               = "data_sent"
	DataReceived           = "data_received"
	DataDroppedNotOpen     = "data_dropped_not_open"
	DataDroppedRateLimited = "data_dropped_rate_limited"

	MediaTierFailed = "media_tier_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// All methods are safe on a nil receiver so components can run without
// metrics wired in.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
