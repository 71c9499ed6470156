package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: SIGNALING_AUTH_MODE=none while --mode=prod (the relay sees no credential)",
			"warning_code", "auth_mode_none_in_prod",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if strings.EqualFold(safeURLScheme(cfg.SignalingURL), "ws") && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: signaling URL uses ws:// while --mode=prod (SDP and credentials travel unencrypted)",
			"warning_code", "signaling_plaintext_in_prod",
			"signaling_host", safeURLHost(cfg.SignalingURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && cfg.JWTTTL > time.Hour {
		logger.Warn("startup security warning: SIGNALING_JWT_TTL is very large (a leaked credential stays valid longer)",
			"warning_code", "jwt_ttl_large",
			"jwt_ttl", cfg.JWTTTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > 24*60*60 {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds one day",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured (only host candidates; peers behind NAT will not connect)",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	} else if cfg.TURNTCPFallback && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN_TCP_FALLBACK is set but no TURN server is configured",
			"warning_code", "turn_tcp_fallback_without_turn",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.InboundDataMessagesPerSecond <= 0 && cfg.InboundDataBytesPerSecond <= 0 {
		logger.Warn("startup security warning: inbound chat rate limit is unset (unlimited) while --mode=prod",
			"warning_code", "inbound_rate_limit_unlimited_in_prod",
			"inbound_data_messages_per_second", cfg.InboundDataMessagesPerSecond,
			"inbound_data_bytes_per_second", cfg.InboundDataBytesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.DebugListenAddr != "" && !isLoopbackListenAddr(cfg.DebugListenAddr) {
		logger.Warn("startup security warning: debug HTTP server listens on a non-loopback address (exposes session stats)",
			"warning_code", "debug_listen_addr_public",
			"debug_listen_addr", cfg.DebugListenAddr,
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		if iceServerHasTURNURL(server) {
			return true
		}
	}
	return false
}

func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}

func safeURLScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}
