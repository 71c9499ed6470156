package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
)

// opusSilence is a single 20ms Opus frame decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// Capabilities describe a virtual capture device set.
type Capabilities struct {
	Camera     bool
	Microphone bool
	// Max* bound the video constraints the camera can satisfy.
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
	// Err, when set, is returned by every Open call (e.g. ErrPermissionDenied).
	Err error
}

// StaticDevices is a virtual capture provider producing pion sample tracks
// (Opus audio, VP8 video). When GenerateSilence is set the audio track is fed
// Opus silence so the remote side observes a live RTP stream.
type StaticDevices struct {
	Caps            Capabilities
	GenerateSilence bool
	Clock           clock.Clock

	mu    sync.Mutex
	inUse bool
}

func (d *StaticDevices) Open(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Caps.Err != nil {
		return nil, d.Caps.Err
	}
	if !d.Caps.Camera || !d.Caps.Microphone {
		return nil, ErrDeviceNotFound
	}
	if !d.satisfies(c.Video) {
		return nil, fmt.Errorf("%w: %dx%d@%d exceeds %dx%d@%d", ErrOverconstrained,
			c.Video.Width, c.Video.Height, c.Video.FrameRate,
			d.Caps.MaxWidth, d.Caps.MaxHeight, d.Caps.MaxFrameRate)
	}

	d.mu.Lock()
	if d.inUse {
		d.mu.Unlock()
		return nil, ErrDeviceInUse
	}
	d.inUse = true
	d.mu.Unlock()

	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	stopFeed := func() {}
	if d.GenerateSilence {
		stopFeed = feedSilence(clock.OrReal(d.Clock), audio)
	}
	return NewStream(streamID, audio, video, func() {
		stopFeed()
		d.release()
	}), nil
}

func (d *StaticDevices) satisfies(v VideoConstraints) bool {
	if v.Width > 0 && v.Width > d.Caps.MaxWidth {
		return false
	}
	if v.Height > 0 && v.Height > d.Caps.MaxHeight {
		return false
	}
	if v.FrameRate > 0 && v.FrameRate > d.Caps.MaxFrameRate {
		return false
	}
	return true
}

func (d *StaticDevices) release() {
	d.mu.Lock()
	d.inUse = false
	d.mu.Unlock()
}

func feedSilence(clk clock.Clock, track *webrtc.TrackLocalStaticSample) func() {
	ticker := clk.NewTicker(opusFrameDuration)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				// Errors only mean no peer is bound yet.
				_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
