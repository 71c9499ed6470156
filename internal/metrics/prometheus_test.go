package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(OfferSent)
	m.Add(CandidateQueued, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_peer_session_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_peer_session_events_total{event="candidate_queued"} 2`) {
		t.Fatalf("missing candidate_queued counter: %s", body)
	}
	if !strings.Contains(body, `aero_peer_session_events_total{event="offer_sent"} 1`) {
		t.Fatalf("missing offer_sent counter: %s", body)
	}
	// Ensure label escaping matches Prometheus text format rules.
	if !strings.Contains(body, `aero_peer_session_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestMetrics_NilSafeAndSnapshotIsCopy(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.Inc(DataSent)
	if got := nilMetrics.Get(DataSent); got != 0 {
		t.Fatalf("nil Get=%d, want 0", got)
	}

	m := New()
	m.Inc(DataSent)
	snap := m.Snapshot()
	snap[DataSent] = 100
	if got := m.Get(DataSent); got != 1 {
		t.Fatalf("Get=%d after mutating snapshot, want 1", got)
	}
}
