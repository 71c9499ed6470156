package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode            = "AERO_PEER_SESSION_MODE"
	envVarLogFormat       = "AERO_PEER_SESSION_LOG_FORMAT"
	envVarLogLevel        = "AERO_PEER_SESSION_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_PEER_SESSION_SHUTDOWN_TIMEOUT"
	envVarDebugListenAddr = "AERO_PEER_SESSION_DEBUG_LISTEN_ADDR"

	// Session identity.
	envVarSignalingURL = "SIGNALING_URL"
	envVarRoomID       = "ROOM_ID"
	envVarUserName     = "USER_NAME"
	envVarRole         = "ROLE"
	envVarDeviceClass  = "DEVICE_CLASS"

	// Signaling credential.
	envVarAuthMode  = "SIGNALING_AUTH_MODE"
	envVarAuthToken = "SIGNALING_TOKEN"
	envVarJWTSecret = "SIGNALING_JWT_SECRET"
	envVarJWTTTL    = "SIGNALING_JWT_TTL"

	// Signaling liveness and reconnect.
	envVarLinkProfile        = "SIGNALING_LINK_PROFILE"
	envVarHeartbeatInterval  = "SIGNALING_HEARTBEAT_INTERVAL"
	envVarReconnectBaseDelay = "SIGNALING_RECONNECT_BASE_DELAY"
	envVarReconnectMaxDelay  = "SIGNALING_RECONNECT_MAX_DELAY"

	// Peer connection monitoring.
	envVarRestartDelay  = "PEER_RESTART_DELAY"
	envVarStatsInterval = "PEER_STATS_INTERVAL"

	// Data channel.
	envVarDataChannelMaxRetransmits    = "DATACHANNEL_MAX_RETRANSMITS"
	envVarDataChannelMaxPacketLifeTime = "DATACHANNEL_MAX_PACKET_LIFETIME"
	envVarInboundDataMessagesPerSecond = "INBOUND_DATA_MESSAGES_PER_SECOND"
	envVarInboundDataBytesPerSecond    = "INBOUND_DATA_BYTES_PER_SECOND"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNTCPFallback        = "TURN_TCP_FALLBACK"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRole            = RoleGuest
	DefaultUserName        = "anonymous"
	DefaultAuthMode        = AuthModeNone
	DefaultJWTTTL          = 10 * time.Minute

	DefaultLinkProfile                  = LinkProfileStandard
	DefaultHeartbeatInterval            = 25 * time.Second
	DefaultConstrainedHeartbeatInterval = 45 * time.Second
	DefaultReconnectBaseDelay           = 1 * time.Second
	DefaultReconnectMaxDelay            = 30 * time.Second

	DefaultRestartDelay  = 2 * time.Second
	DefaultStatsInterval = 5 * time.Second

	DefaultDataChannelMaxRetransmits = 3

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Each session
// may consume several UDP ports and exhausting the range shows up as
// connectivity failures that are hard to diagnose.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
	AuthModeJWT   AuthMode = "jwt"
)

// LinkProfile selects heartbeat defaults. Constrained links (metered mobile
// data, aggressive NAT keepalive budgets) ping less often.
type LinkProfile string

const (
	LinkProfileStandard    LinkProfile = "standard"
	LinkProfileConstrained LinkProfile = "constrained"
)

type DeviceClass string

const (
	DeviceClassAuto    DeviceClass = "auto"
	DeviceClassDesktop DeviceClass = "desktop"
	DeviceClassMobile  DeviceClass = "mobile"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	// DebugListenAddr enables the local health/metrics HTTP server when
	// non-empty.
	DebugListenAddr string

	SignalingURL string
	RoomID       string
	UserName     string
	Role         Role
	DeviceClass  DeviceClass

	AuthMode  AuthMode
	AuthToken string
	JWTSecret string
	JWTTTL    time.Duration

	LinkProfile        LinkProfile
	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	RestartDelay  time.Duration
	StatsInterval time.Duration

	// Exactly one of these bounds the chat channel's reliability. A nil
	// DataChannelMaxRetransmits with a zero lifetime means fully reliable.
	DataChannelMaxRetransmits    *uint16
	DataChannelMaxPacketLifeTime time.Duration

	// A value <= 0 disables the corresponding inbound limit.
	InboundDataMessagesPerSecond int
	InboundDataBytesPerSecond    int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
	// TURNTCPFallback adds a transport=tcp variant for each TURN URL so
	// networks that block UDP can still relay.
	TURNTCPFallback bool

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	// WebRTCUDPListenIP restricts which local interface ICE binds to.
	// 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// SignalingEndpoint returns the room-scoped signaling URL: the configured
// base with the room ID appended as a path segment.
func (c Config) SignalingEndpoint() (string, error) {
	return BuildSignalingEndpoint(c.SignalingURL, c.RoomID)
}

// BuildSignalingEndpoint joins base and roomID into a ws:// or wss:// URL.
func BuildSignalingEndpoint(base, roomID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", base, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling url %q (expected ws:// or wss://)", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid signaling url %q (missing host)", base)
	}
	if u.User != nil {
		return "", fmt.Errorf("invalid signaling url %q (must not include credentials)", base)
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", fmt.Errorf("room id must not be empty")
	}
	return u.JoinPath(url.PathEscape(roomID)).String(), nil
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	debugListenAddr := envOrDefault(lookup, envVarDebugListenAddr, "")
	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	roomID := envOrDefault(lookup, envVarRoomID, "")
	userName := envOrDefault(lookup, envVarUserName, DefaultUserName)
	roleStr := envOrDefault(lookup, envVarRole, string(DefaultRole))
	deviceClassStr := envOrDefault(lookup, envVarDeviceClass, string(DeviceClassAuto))

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	authToken := envOrDefault(lookup, envVarAuthToken, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnTCPFallback, err := envBoolOrDefault(lookup, envVarTURNTCPFallback, false)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	jwtTTL, err := envDurationOrDefault(lookup, envVarJWTTTL, DefaultJWTTTL)
	if err != nil {
		return Config{}, err
	}

	linkProfileStr := envOrDefault(lookup, envVarLinkProfile, string(DefaultLinkProfile))
	// The heartbeat default depends on the link profile, so only track the
	// explicit value here and resolve after flag parsing.
	envHeartbeat, envHeartbeatOK := lookup(envVarHeartbeatInterval)
	envHeartbeatSet := envHeartbeatOK && strings.TrimSpace(envHeartbeat) != ""
	heartbeatInterval := DefaultHeartbeatInterval
	if envHeartbeatSet {
		d, err := time.ParseDuration(strings.TrimSpace(envHeartbeat))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarHeartbeatInterval, envHeartbeat, err)
		}
		heartbeatInterval = d
	}
	reconnectBaseDelay, err := envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxDelay, err := envDurationOrDefault(lookup, envVarReconnectMaxDelay, DefaultReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}
	restartDelay, err := envDurationOrDefault(lookup, envVarRestartDelay, DefaultRestartDelay)
	if err != nil {
		return Config{}, err
	}
	statsInterval, err := envDurationOrDefault(lookup, envVarStatsInterval, DefaultStatsInterval)
	if err != nil {
		return Config{}, err
	}

	envRetransmits, envRetransmitsOK := lookup(envVarDataChannelMaxRetransmits)
	envRetransmitsSet := envRetransmitsOK && strings.TrimSpace(envRetransmits) != ""
	dcMaxRetransmits, err := envIntOrDefault(lookup, envVarDataChannelMaxRetransmits, DefaultDataChannelMaxRetransmits)
	if err != nil {
		return Config{}, err
	}
	dcMaxPacketLifeTime, err := envDurationOrDefault(lookup, envVarDataChannelMaxPacketLifeTime, 0)
	if err != nil {
		return Config{}, err
	}
	inboundMessagesPerSecond, err := envIntOrDefault(lookup, envVarInboundDataMessagesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	inboundBytesPerSecond, err := envIntOrDefault(lookup, envVarInboundDataBytesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-peer-session", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&debugListenAddr, "debug-listen-addr", debugListenAddr, "Listen address for /healthz, /metrics and /stats (empty = disabled; env "+envVarDebugListenAddr+")")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay base URL, ws:// or wss:// (env "+envVarSignalingURL+")")
	fs.StringVar(&roomID, "room", roomID, "Room identifier (env "+envVarRoomID+")")
	fs.StringVar(&userName, "user-name", userName, "Display name announced on join (env "+envVarUserName+")")
	fs.StringVar(&roleStr, "role", roleStr, "Session role: host or guest (env "+envVarRole+")")
	fs.StringVar(&deviceClassStr, "device-class", deviceClassStr, "Media device class: auto, desktop or mobile (env "+envVarDeviceClass+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling credential: none, token or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&authToken, "auth-token", authToken, "Static signaling token (env "+envVarAuthToken+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret used to mint signaling tokens (env "+envVarJWTSecret+")")
	fs.DurationVar(&jwtTTL, "jwt-ttl", jwtTTL, "Lifetime of minted signaling tokens (env "+envVarJWTTTL+")")

	fs.StringVar(&linkProfileStr, "link-profile", linkProfileStr, "Heartbeat profile: standard or constrained (env "+envVarLinkProfile+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Signaling heartbeat interval (default depends on --link-profile; env "+envVarHeartbeatInterval+")")
	fs.DurationVar(&reconnectBaseDelay, "reconnect-base-delay", reconnectBaseDelay, "Initial signaling reconnect delay (env "+envVarReconnectBaseDelay+")")
	fs.DurationVar(&reconnectMaxDelay, "reconnect-max-delay", reconnectMaxDelay, "Signaling reconnect delay ceiling (env "+envVarReconnectMaxDelay+")")
	fs.DurationVar(&restartDelay, "restart-delay", restartDelay, "Delay before rebuilding a failed peer connection (env "+envVarRestartDelay+")")
	fs.DurationVar(&statsInterval, "stats-interval", statsInterval, "Connection statistics sampling interval (env "+envVarStatsInterval+")")

	fs.IntVar(&dcMaxRetransmits, "datachannel-max-retransmits", dcMaxRetransmits, "Chat channel retransmit bound; -1 = unbounded (env "+envVarDataChannelMaxRetransmits+")")
	fs.DurationVar(&dcMaxPacketLifeTime, "datachannel-max-packet-lifetime", dcMaxPacketLifeTime, "Chat channel packet lifetime bound; replaces the retransmit bound (env "+envVarDataChannelMaxPacketLifeTime+")")
	fs.IntVar(&inboundMessagesPerSecond, "inbound-data-messages-per-second", inboundMessagesPerSecond, "Inbound chat messages/sec (0 = unlimited; env "+envVarInboundDataMessagesPerSecond+")")
	fs.IntVar(&inboundBytesPerSecond, "inbound-data-bytes-per-second", inboundBytesPerSecond, "Inbound chat bytes/sec (0 = unlimited; env "+envVarInboundDataBytesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.BoolVar(&turnTCPFallback, "turn-tcp-fallback", turnTCPFallback, "Also offer TURN over TCP for every TURN URL ("+envVarTURNTCPFallback+")")

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	role, err := parseRole(roleStr)
	if err != nil {
		return Config{}, err
	}
	deviceClass, err := parseDeviceClass(deviceClassStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	linkProfile, err := parseLinkProfile(linkProfileStr)
	if err != nil {
		return Config{}, err
	}
	if !envHeartbeatSet && !setFlags["heartbeat-interval"] {
		heartbeatInterval = defaultHeartbeatForProfile(linkProfile)
	}

	if strings.TrimSpace(signalingURL) == "" {
		return Config{}, fmt.Errorf("%s/--signaling-url must be set", envVarSignalingURL)
	}
	if strings.TrimSpace(roomID) == "" {
		return Config{}, fmt.Errorf("%s/--room must be set", envVarRoomID)
	}
	if _, err := BuildSignalingEndpoint(signalingURL, roomID); err != nil {
		return Config{}, fmt.Errorf("%s/--signaling-url: %w", envVarSignalingURL, err)
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return Config{}, fmt.Errorf("%s/--user-name must not be empty", envVarUserName)
	}

	if authMode == AuthModeToken && strings.TrimSpace(authToken) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAuthToken, envVarAuthMode, AuthModeToken)
	}
	if authMode == AuthModeJWT {
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
		if jwtTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--jwt-ttl must be > 0", envVarJWTTTL)
		}
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if reconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-base-delay must be > 0", envVarReconnectBaseDelay)
	}
	if reconnectMaxDelay < reconnectBaseDelay {
		return Config{}, fmt.Errorf("%s/--reconnect-max-delay must be >= %s/--reconnect-base-delay", envVarReconnectMaxDelay, envVarReconnectBaseDelay)
	}
	if restartDelay < 0 {
		return Config{}, fmt.Errorf("%s/--restart-delay must be >= 0", envVarRestartDelay)
	}
	if statsInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--stats-interval must be > 0", envVarStatsInterval)
	}

	if dcMaxPacketLifeTime < 0 {
		return Config{}, fmt.Errorf("%s/--datachannel-max-packet-lifetime must be >= 0", envVarDataChannelMaxPacketLifeTime)
	}
	if dcMaxPacketLifeTime > 0 && (envRetransmitsSet || setFlags["datachannel-max-retransmits"]) && dcMaxRetransmits >= 0 {
		return Config{}, fmt.Errorf("%s and %s are mutually exclusive", envVarDataChannelMaxRetransmits, envVarDataChannelMaxPacketLifeTime)
	}
	if dcMaxPacketLifeTime > time.Duration(^uint16(0))*time.Millisecond {
		return Config{}, fmt.Errorf("%s/--datachannel-max-packet-lifetime must be <= %dms", envVarDataChannelMaxPacketLifeTime, ^uint16(0))
	}
	if dcMaxRetransmits > int(^uint16(0)) {
		return Config{}, fmt.Errorf("%s/--datachannel-max-retransmits must be <= %d", envVarDataChannelMaxRetransmits, ^uint16(0))
	}
	var dcRetransmits *uint16
	if dcMaxPacketLifeTime == 0 && dcMaxRetransmits >= 0 {
		v := uint16(dcMaxRetransmits)
		dcRetransmits = &v
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	cfg := Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		DebugListenAddr: strings.TrimSpace(debugListenAddr),

		SignalingURL: strings.TrimSpace(signalingURL),
		RoomID:       strings.TrimSpace(roomID),
		UserName:     userName,
		Role:         role,
		DeviceClass:  deviceClass,

		AuthMode:  authMode,
		AuthToken: strings.TrimSpace(authToken),
		JWTSecret: jwtSecret,
		JWTTTL:    jwtTTL,

		LinkProfile:        linkProfile,
		HeartbeatInterval:  heartbeatInterval,
		ReconnectBaseDelay: reconnectBaseDelay,
		ReconnectMaxDelay:  reconnectMaxDelay,
		RestartDelay:       restartDelay,
		StatsInterval:      statsInterval,

		DataChannelMaxRetransmits:    dcRetransmits,
		DataChannelMaxPacketLifeTime: dcMaxPacketLifeTime,
		InboundDataMessagesPerSecond: inboundMessagesPerSecond,
		InboundDataBytesPerSecond:    inboundBytesPerSecond,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
		TURNTCPFallback: turnTCPFallback,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		if cfg.TURNTCPFallback {
			iceServers = WithTURNTCPFallback(iceServers)
		}
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func defaultHeartbeatForProfile(p LinkProfile) time.Duration {
	if p == LinkProfileConstrained {
		return DefaultConstrainedHeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleHost):
		return RoleHost, nil
	case string(RoleGuest):
		return RoleGuest, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarRole, raw, RoleHost, RoleGuest)
	}
}

func parseDeviceClass(raw string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DeviceClassAuto), "":
		return DeviceClassAuto, nil
	case string(DeviceClassDesktop):
		return DeviceClassDesktop, nil
	case string(DeviceClassMobile):
		return DeviceClassMobile, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected auto, desktop or mobile)", envVarDeviceClass, raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeToken):
		return AuthModeToken, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeToken, AuthModeJWT)
	}
}

func parseLinkProfile(raw string) (LinkProfile, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LinkProfileStandard):
		return LinkProfileStandard, nil
	case string(LinkProfileConstrained):
		return LinkProfileConstrained, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarLinkProfile, raw, LinkProfileStandard, LinkProfileConstrained)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
