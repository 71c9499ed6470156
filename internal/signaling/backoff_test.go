package signaling

import (
	"testing"
	"time"
)

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	for _, jitter := range []struct {
		name string
		fn   func(n time.Duration) time.Duration
	}{
		{name: "none", fn: func(time.Duration) time.Duration { return 0 }},
		{name: "max", fn: func(n time.Duration) time.Duration { return n }},
		{name: "random"},
	} {
		t.Run(jitter.name, func(t *testing.T) {
			b := Backoff{Base: 100 * time.Millisecond, Max: 3 * time.Second, Jitter: jitter.fn}
			var prev time.Duration
			for i := 0; i < 50; i++ {
				d := b.Next()
				if d < prev {
					t.Fatalf("attempt %d: delay %v < previous %v", i, d, prev)
				}
				if d > b.Max {
					t.Fatalf("attempt %d: delay %v exceeds max %v", i, d, b.Max)
				}
				prev = d
			}
			if prev != b.Max {
				t.Fatalf("final delay=%v, want max %v", prev, b.Max)
			}
		})
	}
}

func TestBackoff_ExponentialWithoutJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: func(time.Duration) time.Duration { return 0 }}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_ResetReturnsToBase(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: func(time.Duration) time.Duration { return 0 }}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after Reset got %v, want base", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	var b Backoff
	b.Jitter = func(time.Duration) time.Duration { return 0 }
	if got := b.Next(); got != DefaultBackoffBase {
		t.Fatalf("got %v, want %v", got, DefaultBackoffBase)
	}
	for i := 0; i < 100; i++ {
		if d := b.Next(); d > DefaultBackoffMax {
			t.Fatalf("delay %v exceeds default max", d)
		}
	}
}
