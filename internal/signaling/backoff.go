package signaling

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff yields reconnect delays that grow exponentially from Base with up
// to 20% random jitter, never exceed Max, and never decrease until Reset.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n]. Defaults to math/rand/v2.
	Jitter func(n time.Duration) time.Duration

	attempt int
	prev    time.Duration
}

func (b *Backoff) Next() time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffMax
	}
	if ceiling < base {
		ceiling = base
	}

	d := ceiling
	// Stop shifting once it would exceed the ceiling (and before it can overflow).
	if b.attempt < 32 && base<<b.attempt < ceiling {
		d = base << b.attempt
		d += b.jitter(d / 5)
		if d > ceiling {
			d = ceiling
		}
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	b.attempt++
	return d
}

// Reset returns the schedule to Base after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}

func (b *Backoff) jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(n)
	}
	return time.Duration(rand.Int64N(int64(n) + 1))
}
