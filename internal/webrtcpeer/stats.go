package webrtcpeer

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Stats is the latest connection sample. Only the most recent one is kept.
type Stats struct {
	BytesReceived uint64        `json:"bytesReceived"`
	BytesSent     uint64        `json:"bytesSent"`
	PacketsLost   int64         `json:"packetsLost"`
	RoundTripTime time.Duration `json:"roundTripTime"`
	SampledAt     time.Time     `json:"sampledAt"`
}

// CollectStats reduces a pion stats report to a Stats sample.
//
// Byte counters come from the transport; when a report carries no transport
// entry (e.g. before DTLS completes) the data channel counters are summed
// instead. RTT is taken from the nominated, succeeded candidate pair.
func CollectStats(report webrtc.StatsReport, at time.Time) Stats {
	out := Stats{SampledAt: at}

	var (
		haveTransport bool
		dcSent        uint64
		dcReceived    uint64
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.TransportStats:
			haveTransport = true
			out.BytesSent += st.BytesSent
			out.BytesReceived += st.BytesReceived
		case webrtc.DataChannelStats:
			dcSent += st.BytesSent
			dcReceived += st.BytesReceived
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost += int64(st.PacketsLost)
		}
	}
	if !haveTransport {
		out.BytesSent = dcSent
		out.BytesReceived = dcReceived
	}
	return out
}
