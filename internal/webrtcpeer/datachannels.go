package webrtcpeer

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
)

// ChatDataChannelLabel is the label of the text channel the host opens for
// chat-style messages.
const ChatDataChannelLabel = "chat"

// ChatDataChannelInit returns the channel options for the chat channel:
// ordered, with reliability bounded by either a retransmit count or a packet
// lifetime (never both).
func ChatDataChannelInit(cfg config.Config) *webrtc.DataChannelInit {
	ordered := true
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if cfg.DataChannelMaxPacketLifeTime > 0 {
		ms := cfg.DataChannelMaxPacketLifeTime / time.Millisecond
		if ms > 0xFFFF {
			ms = 0xFFFF
		}
		lifetime := uint16(ms)
		init.MaxPacketLifeTime = &lifetime
		return init
	}
	if cfg.DataChannelMaxRetransmits != nil {
		retransmits := *cfg.DataChannelMaxRetransmits
		init.MaxRetransmits = &retransmits
	}
	return init
}

// ValidateChatDataChannel checks a channel opened by the remote peer.
func ValidateChatDataChannel(dc DataChannel) error {
	if dc.Label() != ChatDataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", ChatDataChannelLabel, dc.Label())
	}
	return nil
}
