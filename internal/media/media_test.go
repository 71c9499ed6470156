package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
)

type scriptedDevices struct {
	errs  []error
	calls []Constraints
}

func (d *scriptedDevices) Open(_ context.Context, c Constraints) (*Stream, error) {
	d.calls = append(d.calls, c)
	i := len(d.calls) - 1
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	return NewStream("", nil, nil, nil), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestDeviceClassForGOOS(t *testing.T) {
	for goos, want := range map[string]DeviceClass{
		"android": DeviceClassMobile,
		"ios":     DeviceClassMobile,
		"linux":   DeviceClassDesktop,
		"darwin":  DeviceClassDesktop,
		"windows": DeviceClassDesktop,
	} {
		if got := deviceClassForGOOS(goos); got != want {
			t.Fatalf("deviceClassForGOOS(%q)=%q, want %q", goos, got, want)
		}
	}
}

func TestLadder(t *testing.T) {
	desktop := Ladder(DeviceClassDesktop)
	mobile := Ladder(DeviceClassMobile)
	if len(desktop) != 3 || len(mobile) != 3 {
		t.Fatalf("ladder lengths=%d/%d, want 3/3", len(desktop), len(mobile))
	}
	if got := desktop[0].Constraints.Video; got != (VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}) {
		t.Fatalf("desktop optimized=%+v", got)
	}
	if got := mobile[0].Constraints.Video; got != (VideoConstraints{Width: 640, Height: 480, FrameRate: 24}) {
		t.Fatalf("mobile optimized=%+v", got)
	}
	if !desktop[0].Constraints.Audio.EchoCancellation {
		t.Fatalf("optimized tier must request echo cancellation")
	}
	if got := desktop[2].Constraints; got != (Constraints{}) {
		t.Fatalf("minimal tier must be unconstrained, got %+v", got)
	}
}

func TestAcquire_FirstSuccessStopsLadder(t *testing.T) {
	devices := &scriptedDevices{errs: []error{ErrOverconstrained}}
	m := metrics.New()

	stream, err := Acquire(context.Background(), devices, DeviceClassDesktop, AcquireOptions{Logger: quietLogger(), Metrics: m})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stream.Tier != TierReduced {
		t.Fatalf("Tier=%q, want %q", stream.Tier, TierReduced)
	}
	if len(devices.calls) != 2 {
		t.Fatalf("Open called %d times, want 2", len(devices.calls))
	}
	if stream.ID == "" {
		t.Fatalf("expected generated stream id")
	}
	if got := m.Get(metrics.MediaTierFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MediaTierFailed, got)
	}
}

func TestAcquire_ExhaustedLadder(t *testing.T) {
	cases := []struct {
		name     string
		last     error
		wantHint string
	}{
		{name: "permission", last: ErrPermissionDenied, wantHint: "allow camera"},
		{name: "insecure", last: ErrInsecureContext, wantHint: "HTTPS"},
		{name: "in use", last: ErrDeviceInUse, wantHint: "close other applications"},
		{name: "not found", last: ErrDeviceNotFound, wantHint: "connect a camera"},
		{name: "other", last: errors.New("driver crashed"), wantHint: "not blocked"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			devices := &scriptedDevices{errs: []error{ErrOverconstrained, ErrOverconstrained, tc.last}}
			_, err := Acquire(context.Background(), devices, DeviceClassMobile, AcquireOptions{Logger: quietLogger()})
			if !errors.Is(err, ErrMediaUnavailable) {
				t.Fatalf("err=%v, want ErrMediaUnavailable", err)
			}
			if !errors.Is(err, tc.last) {
				t.Fatalf("err=%v does not unwrap to %v", err, tc.last)
			}
			var ue *UnavailableError
			if !errors.As(err, &ue) {
				t.Fatalf("err=%T, want *UnavailableError", err)
			}
			if !strings.Contains(ue.Hint, tc.wantHint) {
				t.Fatalf("Hint=%q, want substring %q", ue.Hint, tc.wantHint)
			}
			if len(devices.calls) != 3 {
				t.Fatalf("Open called %d times, want 3 (no retries beyond the ladder)", len(devices.calls))
			}
		})
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, &scriptedDevices{}, DeviceClassDesktop, AcquireOptions{Logger: quietLogger()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestStaticDevices(t *testing.T) {
	caps := Capabilities{Camera: true, Microphone: true, MaxWidth: 640, MaxHeight: 480, MaxFrameRate: 30}

	t.Run("falls back to a tier the camera supports", func(t *testing.T) {
		d := &StaticDevices{Caps: caps}
		stream, err := Acquire(context.Background(), d, DeviceClassDesktop, AcquireOptions{Logger: quietLogger()})
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		t.Cleanup(stream.Stop)
		if stream.Tier != TierReduced {
			t.Fatalf("Tier=%q, want %q", stream.Tier, TierReduced)
		}
		tracks := stream.Tracks()
		if len(tracks) != 2 {
			t.Fatalf("tracks=%d, want 2", len(tracks))
		}
		if tracks[0].StreamID() != stream.ID || tracks[1].StreamID() != stream.ID {
			t.Fatalf("tracks not grouped under stream id %q", stream.ID)
		}
	})

	t.Run("busy until stopped", func(t *testing.T) {
		d := &StaticDevices{Caps: caps}
		first, err := d.Open(context.Background(), Constraints{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := d.Open(context.Background(), Constraints{}); !errors.Is(err, ErrDeviceInUse) {
			t.Fatalf("second Open err=%v, want ErrDeviceInUse", err)
		}
		first.Stop()
		first.Stop()
		second, err := d.Open(context.Background(), Constraints{})
		if err != nil {
			t.Fatalf("Open after Stop: %v", err)
		}
		second.Stop()
	})

	t.Run("permission denied is reported on every tier", func(t *testing.T) {
		d := &StaticDevices{Caps: Capabilities{Camera: true, Microphone: true, Err: ErrPermissionDenied}}
		_, err := Acquire(context.Background(), d, DeviceClassDesktop, AcquireOptions{Logger: quietLogger()})
		if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, ErrMediaUnavailable) {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("no camera", func(t *testing.T) {
		d := &StaticDevices{Caps: Capabilities{Microphone: true}}
		_, err := Acquire(context.Background(), d, DeviceClassDesktop, AcquireOptions{Logger: quietLogger()})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("err=%v, want ErrDeviceNotFound", err)
		}
	})
}

func TestStream_NilSafe(t *testing.T) {
	var s *Stream
	s.Stop()
	if s.Tracks() != nil {
		t.Fatalf("nil stream has tracks")
	}
}
