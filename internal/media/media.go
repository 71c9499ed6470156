// Package media acquires local capture tracks using a tiered constraint
// ladder: class-optimized, then reduced, then "any camera and microphone".
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
)

type DeviceClass string

const (
	DeviceClassDesktop DeviceClass = "desktop"
	DeviceClassMobile  DeviceClass = "mobile"
)

// DetectDeviceClass guesses the class from the build target.
func DetectDeviceClass() DeviceClass {
	return deviceClassForGOOS(runtime.GOOS)
}

func deviceClassForGOOS(goos string) DeviceClass {
	switch goos {
	case "android", "ios":
		return DeviceClassMobile
	default:
		return DeviceClassDesktop
	}
}

// VideoConstraints with zero fields accept any camera.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

type Tier struct {
	Name        string
	Constraints Constraints
}

const (
	TierOptimized = "optimized"
	TierReduced   = "reduced"
	TierMinimal   = "minimal"
)

// Ladder returns the tiers tried by Acquire, in order.
func Ladder(class DeviceClass) []Tier {
	voice := AudioConstraints{EchoCancellation: true, NoiseSuppression: true}
	optimized := VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}
	reduced := VideoConstraints{Width: 640, Height: 360, FrameRate: 15}
	if class == DeviceClassMobile {
		optimized = VideoConstraints{Width: 640, Height: 480, FrameRate: 24}
		reduced = VideoConstraints{Width: 320, Height: 240, FrameRate: 15}
	}
	return []Tier{
		{Name: TierOptimized, Constraints: Constraints{Video: optimized, Audio: voice}},
		{Name: TierReduced, Constraints: Constraints{Video: reduced, Audio: voice}},
		{Name: TierMinimal},
	}
}

// Devices opens capture tracks satisfying a set of constraints.
type Devices interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is an acquired set of local tracks. Stop releases the underlying
// devices and is safe to call more than once.
type Stream struct {
	ID    string
	Tier  string
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	stop     func()
	stopOnce sync.Once
}

// NewStream wraps tracks opened by a Devices implementation. stop may be nil.
func NewStream(id string, audio, video webrtc.TrackLocal, stop func()) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{ID: id, Audio: audio, Video: video, stop: stop}
}

// Tracks returns the non-nil tracks, audio first.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	var out []webrtc.TrackLocal
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

type AcquireOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Acquire walks the ladder for class and returns the first stream a tier
// yields. When every tier fails the returned error is an *UnavailableError
// whose hint is derived from the last failure.
func Acquire(ctx context.Context, devices Devices, class DeviceClass, opts AcquireOptions) (*Stream, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if devices == nil {
		return nil, newUnavailableError(ErrDeviceNotFound)
	}

	var lastErr error
	for _, tier := range Ladder(class) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := devices.Open(ctx, tier.Constraints)
		if err == nil {
			stream.Tier = tier.Name
			logger.Info("media acquired", "tier", tier.Name, "stream_id", stream.ID, "device_class", class)
			return stream, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		opts.Metrics.Inc(metrics.MediaTierFailed)
		logger.Warn("media tier failed", "tier", tier.Name, "device_class", class, "err", err)
	}
	return nil, newUnavailableError(lastErr)
}

var ErrMediaUnavailable = errors.New("media unavailable")

// Failure causes a Devices implementation may report. Acquire maps them to
// remediation hints.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInsecureContext  = errors.New("capture requires a secure context")
	ErrDeviceInUse      = errors.New("device in use")
	ErrDeviceNotFound   = errors.New("no capture device found")
	ErrOverconstrained  = errors.New("constraints cannot be satisfied")
)

// UnavailableError reports that no tier of the ladder succeeded. It matches
// ErrMediaUnavailable and unwraps to the last device error.
type UnavailableError struct {
	Hint  string
	Cause error
}

func newUnavailableError(cause error) *UnavailableError {
	return &UnavailableError{Hint: remediationHint(cause), Cause: cause}
}

func (e *UnavailableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v: %s", ErrMediaUnavailable, e.Hint)
	}
	return fmt.Sprintf("%v: %v (%s)", ErrMediaUnavailable, e.Cause, e.Hint)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrMediaUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

func remediationHint(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "allow camera and microphone access, then try again"
	case errors.Is(err, ErrInsecureContext):
		return "camera and microphone access requires HTTPS"
	case errors.Is(err, ErrDeviceInUse):
		return "close other applications using the camera or microphone"
	case errors.Is(err, ErrDeviceNotFound):
		return "connect a camera and microphone"
	default:
		return "check that a camera and microphone are connected and not blocked"
	}
}
