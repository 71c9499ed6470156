package main

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/turnrest"
)

// peerConnectionICEServers returns the ICE server list handed to every
// PeerConnection.
//
// TURN servers configured without credentials receive ephemeral TURN REST
// credentials when a shared secret is set. pion rejects TURN servers without
// complete credentials, so any that remain bare are dropped. The TCP
// fallback variants are derived last so they inherit the credentials.
func peerConnectionICEServers(cfg config.Config) ([]webrtc.ICEServer, error) {
	servers := cfg.ICEServers
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
		creds, err := gen.GenerateRandom()
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
		servers = turnrest.Apply(servers, creds)
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
			continue
		}
		if strings.TrimSpace(server.Username) == "" {
			continue
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}

	if cfg.TURNTCPFallback {
		out = config.WithTURNTCPFallback(out)
	}
	return out, nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		if config.IsTURNURL(raw) {
			return true
		}
	}
	return false
}
