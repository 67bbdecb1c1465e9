package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultPeerSTUNURLs are used by mesh participants when no ICE servers are
// configured.
var DefaultPeerSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// TURNCredentialMode says where TURN usernames and credentials come from.
type TURNCredentialMode int

const (
	// TURNCredentialsStatic requires every TURN entry to carry its own
	// username and credential.
	TURNCredentialsStatic TURNCredentialMode = iota
	// TURNCredentialsMinted lets TURN entries omit them; the signaling server
	// signs fresh ones into each GET /webrtc/ice response.
	TURNCredentialsMinted
)

// ICESources are the raw ICE settings accepted by both binaries. JSON wins
// over the STUN/TURN convenience values.
type ICESources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

func iceSourcesFromEnv(lookup func(string) (string, bool)) ICESources {
	return ICESources{
		JSON:           envOrDefault(lookup, envICEServersJSON, ""),
		STUNURLs:       envOrDefault(lookup, envStunURLs, ""),
		TURNURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TURNUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TURNCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

// Resolve validates the sources and returns the ICE server list. Nothing
// configured yields a nil list.
func (s ICESources) Resolve(mode TURNCredentialMode) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := DecodeICEServers([]byte(raw), mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(s.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server, mode); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		if IceServerHasTURNURL(server) {
			return nil, fmt.Errorf("%s: turn urls belong in %s", envStunURLs, envTurnURLs)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(s.TURNURLs); len(turn) > 0 {
		server := webrtc.ICEServer{
			URLs:     turn,
			Username: strings.TrimSpace(s.TURNUsername),
		}
		if cred := strings.TrimSpace(s.TURNCredential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server, mode); err != nil {
			return nil, fmt.Errorf("%s (with %s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// iceServerEntry is one element of the browser RTCIceServer array. "urls"
// may be a string or an array of strings.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*u = many
	return nil
}

// DecodeICEServers parses a JSON RTCIceServer array as served on
// GET /webrtc/ice and accepted in AERO_ICE_SERVERS_JSON.
func DecodeICEServers(raw []byte, mode TURNCredentialMode) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server, mode); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// IceServerHasTURNURL reports whether any of the server URLs uses a turn:/turns:
// scheme.
func IceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), ":")
		if scheme == "turn" || scheme == "turns" {
			return true
		}
	}
	return false
}

func checkICEServer(server webrtc.ICEServer, mode TURNCredentialMode) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		scheme, rest, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), ":")
		switch {
		case !ok || rest == "":
			return fmt.Errorf("malformed url %q", raw)
		case scheme != "stun" && scheme != "stuns" && scheme != "turn" && scheme != "turns":
			return fmt.Errorf("unsupported url scheme: %q", raw)
		}
	}

	if mode == TURNCredentialsMinted || !IceServerHasTURNURL(server) {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
