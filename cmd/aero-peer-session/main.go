package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-peer-session",
		"mode", cfg.Mode,
		"role", cfg.Role,
		"room_id", cfg.RoomID,
		"user_name", cfg.UserName,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"auth_mode", cfg.AuthMode,
		"link_profile", cfg.LinkProfile,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"restart_delay", cfg.RestartDelay,
		"stats_interval", cfg.StatsInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"turn_tcp_fallback", cfg.TURNTCPFallback,
		"debug_listen_addr", cfg.DebugListenAddr,
	)
	logStartupWarnings(logger, cfg)

	iceServers, err := peerConnectionICEServers(cfg)
	if err != nil {
		logger.Error("failed to prepare ice servers", "err", err)
		os.Exit(2)
	}

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.APIOptions{Logger: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	creds, err := auth.NewTokenSource(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}
	endpoint, err := cfg.SignalingEndpoint()
	if err != nil {
		logger.Error("invalid signaling endpoint", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	client, err := signaling.NewClient(signaling.ClientConfig{
		Endpoint:          endpoint,
		UserName:          cfg.UserName,
		Credentials:       creds,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Backoff: signaling.Backoff{
			Base: cfg.ReconnectBaseDelay,
			Max:  cfg.ReconnectMaxDelay,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to configure signaling client", "err", err)
		os.Exit(2)
	}

	out := newConsole(os.Stdout)
	sess, err := session.New(session.ConfigFromAppConfig(cfg), session.Options{
		NewPeerConnection: webrtcpeer.NewFactory(api, iceServers),
		Signaling:         client,
		Logger:            logger,
		Metrics:           m,
		Hooks: session.Hooks{
			OnLifecycleChange: func(l session.Lifecycle) {
				out.printf("* %s", l)
			},
			OnPeerJoined: func(userName string) {
				out.printf("* %s joined", userName)
			},
			OnRemoteLeave: func() {
				out.printf("* peer left")
			},
			OnRemoteTrack: func(track *webrtc.TrackRemote) {
				logger.Info("remote track", "kind", track.Kind().String(), "track_id", track.ID(), "stream_id", track.StreamID())
			},
		},
	})
	if err != nil {
		logger.Error("failed to create session", "err", err)
		os.Exit(2)
	}
	sess.OnData(func(text string) {
		out.printf("< %s", text)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := acquireLocalMedia(ctx, &media.StaticDevices{
		Caps:            virtualCapabilities,
		GenerateSilence: true,
	}, mediaDeviceClass(cfg.DeviceClass), logger, m)
	if err != nil {
		logger.Error("media acquisition aborted", "err", err)
		sess.Destroy()
		os.Exit(1)
	}
	if stream != nil {
		if err := sess.AttachMedia(stream); err != nil {
			logger.Error("failed to attach media", "err", err)
			sess.Destroy()
			os.Exit(1)
		}
	}

	// Signaling lifetime is owned by Destroy so the Leave announcement can
	// still be flushed after ctx is cancelled.
	if err := sess.Start(context.Background()); err != nil {
		logger.Error("failed to start session", "err", err)
		sess.Destroy()
		os.Exit(1)
	}

	var (
		srv   *httpserver.Server
		errCh = make(chan error, 1)
	)
	if cfg.DebugListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.DebugListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			sess.Destroy()
			os.Exit(1)
		}
		commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Options{
			Metrics: m,
			Status:  func() httpserver.SessionStatus { return sessionStatus(sess, client, cfg) },
		})
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	go forwardChat(os.Stdin, sess, out, logger)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-sess.Done():
		logger.Info("session ended")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug http server exited", "err", err)
			exitCode = 1
		}
		srv = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("debug http server shutdown failed", "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug http server exited after shutdown", "err", err)
			exitCode = 1
		}
	}

	destroyed := make(chan struct{})
	go func() {
		sess.Destroy()
		close(destroyed)
	}()
	select {
	case <-destroyed:
	case <-shutdownCtx.Done():
		logger.Error("session teardown timed out")
		exitCode = 1
	}
	if exitCode != 0 {
		cancel()
		stop()
		os.Exit(exitCode)
	}
}

func mediaDeviceClass(class config.DeviceClass) media.DeviceClass {
	switch class {
	case config.DeviceClassDesktop:
		return media.DeviceClassDesktop
	case config.DeviceClassMobile:
		return media.DeviceClassMobile
	default:
		return media.DetectDeviceClass()
	}
}

func sessionStatus(sess *session.Session, client *signaling.Client, cfg config.Config) httpserver.SessionStatus {
	sigState := client.State()
	st := httpserver.SessionStatus{
		SessionID:          sess.ID(),
		Role:               string(cfg.Role),
		Lifecycle:          sess.Lifecycle().String(),
		Signaling:          sigState.String(),
		SignalingConnected: sigState == signaling.StateConnected,
		ConnectionState:    sess.ConnectionState().String(),
		ICEConnectionState: sess.ICEConnectionState().String(),
		Reconnecting:       sess.Reconnecting(),
		Generation:         sess.Generation(),
	}
	if pong := sess.LastPong(); !pong.IsZero() {
		st.LastPong = &pong
	}
	if stats, ok := sess.Stats(); ok {
		st.Stats = &stats
	}
	return st
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
