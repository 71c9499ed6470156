package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
)

// virtualCapabilities describe the built-in capture devices. They satisfy
// every tier of both ladders.
var virtualCapabilities = media.Capabilities{
	Camera:       true,
	Microphone:   true,
	MaxWidth:     1280,
	MaxHeight:    720,
	MaxFrameRate: 30,
}

// acquireLocalMedia walks the constraint ladder with no deadline of its own;
// only ctx (the shutdown signal) stops it. An exhausted ladder yields a nil
// stream and the session runs receive-only.
func acquireLocalMedia(ctx context.Context, devices media.Devices, class media.DeviceClass, logger *slog.Logger, m *metrics.Metrics) (*media.Stream, error) {
	stream, err := media.Acquire(ctx, devices, class, media.AcquireOptions{Logger: logger, Metrics: m})
	if err == nil {
		return stream, nil
	}
	var unavailable *media.UnavailableError
	if errors.As(err, &unavailable) {
		logger.Warn("continuing without local media", "err", err, "hint", unavailable.Hint)
		return nil, nil
	}
	return nil, err
}
