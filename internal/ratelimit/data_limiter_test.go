package ratelimit

import (
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
)

func TestDataLimiter(t *testing.T) {
	tests := []struct {
		name  string
		cfg   DataLimiterConfig
		sizes []int
		want  []bool
	}{
		{
			name:  "disabled",
			cfg:   DataLimiterConfig{},
			sizes: []int{1 << 20, 1 << 20, 1 << 20},
			want:  []bool{true, true, true},
		},
		{
			name:  "message count",
			cfg:   DataLimiterConfig{MessagesPerSecond: 2},
			sizes: []int{10, 10, 10},
			want:  []bool{true, true, false},
		},
		{
			name:  "byte budget",
			cfg:   DataLimiterConfig{BytesPerSecond: 100},
			sizes: []int{60, 60, 40},
			want:  []bool{true, false, true},
		},
		{
			// The oversized message must not burn a message token.
			name:  "byte rejection refunds the message token",
			cfg:   DataLimiterConfig{MessagesPerSecond: 2, BytesPerSecond: 100},
			sizes: []int{500, 10, 10, 10},
			want:  []bool{false, true, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewDataLimiter(clock.NewFake(time.Unix(0, 0)), tt.cfg)
			for i, n := range tt.sizes {
				if got := l.Allow(n); got != tt.want[i] {
					t.Fatalf("message %d (%d bytes): Allow=%v, want %v", i, n, got, tt.want[i])
				}
			}
		})
	}
}

func TestDataLimiter_Refills(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := NewDataLimiter(clk, DataLimiterConfig{MessagesPerSecond: 1})

	if !l.Allow(1) {
		t.Fatalf("expected first message")
	}
	if l.Allow(1) {
		t.Fatalf("expected second message to be limited")
	}
	clk.Advance(time.Second)
	if !l.Allow(1) {
		t.Fatalf("expected refill after one second")
	}
}

func TestDataLimiter_NilAllowsEverything(t *testing.T) {
	var l *DataLimiter
	if !l.Allow(1 << 30) {
		t.Fatalf("nil limiter rejected a message")
	}
}
