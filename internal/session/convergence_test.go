package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
)

type pairSide struct {
	s   *Session
	sig *fakeSignaling
	pcs *fakeFactory
	m   *metrics.Metrics
}

func newPairSide(t *testing.T, role config.Role) *pairSide {
	t.Helper()
	side := &pairSide{sig: &fakeSignaling{}, pcs: &fakeFactory{}, m: metrics.New()}
	s, err := New(Config{Role: role, RoomID: "room-1", UserName: string(role)}, Options{
		NewPeerConnection: side.pcs.New,
		Signaling:         side.sig,
		Clock:             clock.NewFake(time.Unix(0, 0)),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           side.m,
	})
	if err != nil {
		t.Fatalf("New %s: %v", role, err)
	}
	t.Cleanup(s.Destroy)
	side.s = s
	return side
}

// TestSession_PerfectNegotiationConverges drives a host and a guest through
// randomly interleaved renegotiations and re-joins, with random delivery
// latency, and checks both always end stable on the same description pair.
func TestSession_PerfectNegotiationConverges(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7919))
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			host := newPairSide(t, config.RoleHost)
			guest := newPairSide(t, config.RoleGuest)

			delay := func() time.Duration { return time.Duration(rand.IntN(300)) * time.Microsecond }
			toGuest := newPipe(guest.sig, delay)
			toHost := newPipe(host.sig, delay)
			t.Cleanup(toGuest.close)
			t.Cleanup(toHost.close)
			host.sig.peer = toGuest
			guest.sig.peer = toHost

			var bothFlags atomic.Bool
			stopWatch := make(chan struct{})
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				for {
					select {
					case <-stopWatch:
						return
					default:
					}
					for _, side := range []*pairSide{host, guest} {
						if n := side.s.Negotiation(); n.MakingOffer && n.IgnoringOffer {
							bothFlags.Store(true)
						}
					}
					time.Sleep(50 * time.Microsecond)
				}
			}()

			for _, side := range []*pairSide{host, guest} {
				if err := side.s.Start(context.Background()); err != nil {
					t.Fatalf("Start: %v", err)
				}
			}

			steps := 5 + rng.IntN(10)
			for i := 0; i < steps; i++ {
				switch rng.IntN(3) {
				case 0:
					host.pcs.pc(0).fireNegotiationNeeded()
				case 1:
					guest.pcs.pc(0).fireNegotiationNeeded()
				case 2:
					guest.sig.deliver(t, signaling.Join("host"))
				}
				time.Sleep(time.Duration(rng.IntN(500)) * time.Microsecond)
			}

			hostPC, guestPC := host.pcs.pc(0), guest.pcs.pc(0)
			converged := func() bool {
				if hostPC.SignalingState() != webrtc.SignalingStateStable || guestPC.SignalingState() != webrtc.SignalingStateStable {
					return false
				}
				if host.s.Negotiation().MakingOffer || guest.s.Negotiation().MakingOffer {
					return false
				}
				hl, hr := hostPC.LocalDescription(), hostPC.RemoteDescription()
				gl, gr := guestPC.LocalDescription(), guestPC.RemoteDescription()
				if hl == nil || hr == nil || gl == nil || gr == nil {
					return false
				}
				return hl.SDP == gr.SDP && gl.SDP == hr.SDP
			}
			waitFor(t, "convergence", func() bool {
				if !converged() {
					return false
				}
				// Stay converged across a quiet period with nothing in flight.
				time.Sleep(20 * time.Millisecond)
				return converged()
			})

			close(stopWatch)
			<-watchDone
			if bothFlags.Load() {
				t.Fatalf("seed %d: MakingOffer and IgnoringOffer observed together", seed)
			}
			if got := host.m.Get(metrics.NegotiationFailed) + guest.m.Get(metrics.NegotiationFailed); got != 0 {
				t.Fatalf("seed %d: negotiation failures=%d", seed, got)
			}
			if got := host.m.Get(metrics.OfferRolledBack); got != 0 {
				t.Fatalf("seed %d: host rolled back %d offers", seed, got)
			}
		})
	}
}
