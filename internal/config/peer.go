package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerServerURL        = "AERO_MESH_SERVER_URL"
	envVarPeerRoomID           = "AERO_MESH_ROOM_ID"
	envVarPeerUserID           = "AERO_MESH_USER_ID"
	envVarPeerUserName         = "AERO_MESH_USER_NAME"
	envVarPeerTrickle          = "AERO_MESH_TRICKLE"
	envVarPeerICEFromServer    = "AERO_MESH_ICE_FROM_SERVER"
	envVarPeerHandshakeTimeout = "AERO_MESH_HANDSHAKE_TIMEOUT"
	envVarPeerReconnect        = "AERO_MESH_RECONNECT"
	envVarPeerReconnectInitial = "AERO_MESH_RECONNECT_INITIAL_BACKOFF"
	envVarPeerReconnectMax     = "AERO_MESH_RECONNECT_MAX_BACKOFF"
	envVarPeerVideoFile        = "AERO_MESH_VIDEO_IVF"
	envVarPeerAudioFile        = "AERO_MESH_AUDIO_OGG"
	envVarPeerLogFormat        = "AERO_MESH_PEER_LOG_FORMAT"
	envVarPeerLogLevel         = "AERO_MESH_PEER_LOG_LEVEL"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultPeerServerURL        = "ws://localhost:3001/ws"
	DefaultReconnectInitial     = 500 * time.Millisecond
	DefaultReconnectMax         = 30 * time.Second
	DefaultWebRTCUDPListenIP    = "0.0.0.0"
	recommendedUDPPortRangeSize = 16
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

// ReconnectConfig controls signaling reconnection. Disabled by default: a
// dropped signaling connection is reported to the caller and not retried.
type ReconnectConfig struct {
	Enabled        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PeerOptions holds raw command-line values. Empty strings mean "not set" and
// fall back to the environment, then to defaults.
type PeerOptions struct {
	ServerURL string
	RoomID    string
	UserID    string
	UserName  string

	ICEServersJSON string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
	ICEFromServer  string

	Trickle          string
	HandshakeTimeout string
	Reconnect        string

	UDPPortMin             string
	UDPPortMax             string
	NAT1To1IPs             string
	NAT1To1IPCandidateType string
	UDPListenIP            string

	VideoFile string
	AudioFile string

	LogFormat string
	LogLevel  string
}

// PeerConfig configures a headless mesh participant.
type PeerConfig struct {
	ServerURL string
	RoomID    string
	UserID    string
	UserName  string

	ICEServers    []webrtc.ICEServer
	// ICEFromServer replaces ICEServers with the signaling server's
	// GET /webrtc/ice response (TURN REST credentials).
	ICEFromServer bool

	Trickle          bool
	// HandshakeTimeout closes peers that have not connected in time. Zero
	// disables the deadline.
	HandshakeTimeout time.Duration
	Reconnect        ReconnectConfig

	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	WebRTCUDPListenIP            net.IP

	VideoFile string
	AudioFile string

	LogFormat LogFormat
	LogLevel  slog.Level
}

// HTTPBaseURL maps the signaling websocket URL to the server's HTTP origin.
func (c PeerConfig) HTTPBaseURL() string {
	return HTTPBaseURL(c.ServerURL)
}

// HTTPBaseURL maps a ws:// or wss:// signaling URL to its HTTP origin. It
// returns "" for an unparsable URL.
func HTTPBaseURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	return u.Scheme + "://" + u.Host
}

// PeerServerURL resolves the signaling URL alone (flag > env > default), for
// commands that do not join a room.
func PeerServerURL(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return strings.TrimSpace(envOrDefault(os.LookupEnv, envVarPeerServerURL, DefaultPeerServerURL))
}

// LoadPeer resolves options with flag > env > default precedence.
func LoadPeer(opts PeerOptions) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, opts)
}

func loadPeer(lookup func(string) (string, bool), opts PeerOptions) (PeerConfig, error) {
	pick := func(flagValue, envKey, fallback string) string {
		if strings.TrimSpace(flagValue) != "" {
			return strings.TrimSpace(flagValue)
		}
		return strings.TrimSpace(envOrDefault(lookup, envKey, fallback))
	}

	cfg := PeerConfig{
		ServerURL: pick(opts.ServerURL, envVarPeerServerURL, DefaultPeerServerURL),
		RoomID:    pick(opts.RoomID, envVarPeerRoomID, ""),
		UserID:    pick(opts.UserID, envVarPeerUserID, ""),
		UserName:  pick(opts.UserName, envVarPeerUserName, ""),
		VideoFile: pick(opts.VideoFile, envVarPeerVideoFile, ""),
		AudioFile: pick(opts.AudioFile, envVarPeerAudioFile, ""),
		Reconnect: ReconnectConfig{
			InitialBackoff: DefaultReconnectInitial,
			MaxBackoff:     DefaultReconnectMax,
		},
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q: %w", envVarPeerServerURL, cfg.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q (expected ws:// or wss://)", envVarPeerServerURL, cfg.ServerURL)
	}
	if u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q (missing host)", envVarPeerServerURL, cfg.ServerURL)
	}
	if cfg.RoomID == "" {
		return PeerConfig{}, fmt.Errorf("%s/--room must be set", envVarPeerRoomID)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}

	if cfg.Trickle, err = parseBoolOption(pick(opts.Trickle, envVarPeerTrickle, "false"), envVarPeerTrickle, "--trickle"); err != nil {
		return PeerConfig{}, err
	}
	if cfg.ICEFromServer, err = parseBoolOption(pick(opts.ICEFromServer, envVarPeerICEFromServer, "false"), envVarPeerICEFromServer, "--ice-from-server"); err != nil {
		return PeerConfig{}, err
	}
	if cfg.Reconnect.Enabled, err = parseBoolOption(pick(opts.Reconnect, envVarPeerReconnect, "false"), envVarPeerReconnect, "--reconnect"); err != nil {
		return PeerConfig{}, err
	}

	if raw := pick(opts.HandshakeTimeout, envVarPeerHandshakeTimeout, "0s"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s/--handshake-timeout %q: %w", envVarPeerHandshakeTimeout, raw, err)
		}
		if d < 0 {
			return PeerConfig{}, fmt.Errorf("%s/--handshake-timeout must be >= 0 (0 = disabled)", envVarPeerHandshakeTimeout)
		}
		cfg.HandshakeTimeout = d
	}
	if cfg.Reconnect.InitialBackoff, err = envDurationOrDefault(lookup, envVarPeerReconnectInitial, DefaultReconnectInitial); err != nil {
		return PeerConfig{}, err
	}
	if cfg.Reconnect.MaxBackoff, err = envDurationOrDefault(lookup, envVarPeerReconnectMax, DefaultReconnectMax); err != nil {
		return PeerConfig{}, err
	}
	if cfg.Reconnect.InitialBackoff <= 0 || cfg.Reconnect.MaxBackoff < cfg.Reconnect.InitialBackoff {
		return PeerConfig{}, fmt.Errorf("%s must be > 0 and <= %s", envVarPeerReconnectInitial, envVarPeerReconnectMax)
	}

	iceServers, err := ICESources{
		JSON:           pick(opts.ICEServersJSON, envICEServersJSON, ""),
		STUNURLs:       pick(opts.STUNURLs, envStunURLs, ""),
		TURNURLs:       pick(opts.TURNURLs, envTurnURLs, ""),
		TURNUsername:   pick(opts.TURNUsername, envTurnUsername, ""),
		TURNCredential: pick(opts.TURNCredential, envTurnCredential, ""),
	}.Resolve(TURNCredentialsStatic)
	if err != nil {
		return PeerConfig{}, err
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultPeerSTUNURLs...)}}
	}
	cfg.ICEServers = iceServers

	portMin := pick(opts.UDPPortMin, envVarWebRTCUDPPortMin, "")
	portMax := pick(opts.UDPPortMax, envVarWebRTCUDPPortMax, "")
	if portMin != "" || portMax != "" {
		if portMin == "" || portMax == "" {
			return PeerConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		lo, err := parsePortString(portMin)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		hi, err := parsePortString(portMax)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return PeerConfig{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", lo, hi)
		}
		if size := int(hi) - int(lo) + 1; size < recommendedUDPPortRangeSize {
			return PeerConfig{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedUDPPortRangeSize)
		}
		cfg.WebRTCUDPPortRange = &UDPPortRange{Min: lo, Max: hi}
	}

	listenIPStr := pick(opts.UDPListenIP, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	cfg.WebRTCUDPListenIP = net.ParseIP(listenIPStr)
	if cfg.WebRTCUDPListenIP == nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, listenIPStr)
	}

	if raw := pick(opts.NAT1To1IPs, envVarWebRTCNAT1To1IPs, ""); raw != "" {
		ips, err := parseIPList(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", envVarWebRTCNAT1To1IPs, raw, err)
		}
		cfg.WebRTCNAT1To1IPs = ips
	}
	candidateType := pick(opts.NAT1To1IPCandidateType, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	switch NAT1To1IPCandidateType(strings.ToLower(candidateType)) {
	case NAT1To1CandidateTypeHost:
		cfg.WebRTCNAT1To1IPCandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeSrflx:
		cfg.WebRTCNAT1To1IPCandidateType = NAT1To1CandidateTypeSrflx
	default:
		return PeerConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, candidateType)
	}

	if cfg.LogFormat, err = parseLogFormat(pick(opts.LogFormat, envVarPeerLogFormat, string(LogFormatText))); err != nil {
		return PeerConfig{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(pick(opts.LogLevel, envVarPeerLogLevel, "info")); err != nil {
		return PeerConfig{}, err
	}

	return cfg, nil
}

// NewPeerLogger builds the participant's slog logger. Output goes to stderr.
func NewPeerLogger(cfg PeerConfig) (*slog.Logger, error) {
	return newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
}

func parseBoolOption(raw, envKey, flagName string) (bool, error) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s/%s %q: %w", envKey, flagName, raw, err)
	}
	return v, nil
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be 1-65535")
	}
	return uint16(n), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, part := range splitCommaSeparated(s) {
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", part)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no IPs provided")
	}
	return out, nil
}
