// Package turnrest issues coturn-compatible ephemeral TURN credentials (the
// "TURN REST API" scheme) for mesh participants.
//
//	username   = <unix_expiry>:<prefix>:<participant_or_random_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// coturn validates them with `use-auth-secret` and the same shared secret.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Credentials are one issued username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issuer signs TURN usernames with the shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

func NewIssuer(cfg Config) (*Issuer, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, errors.New("turnrest: TTL must be at least one second")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

// FromConfig builds an Issuer from the server's TURN REST settings. It
// returns nil, nil when TURN REST is disabled.
func FromConfig(cfg config.TurnRESTConfig) (*Issuer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return NewIssuer(Config{
		SharedSecret:   cfg.SharedSecret,
		TTL:            time.Duration(cfg.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.UsernamePrefix,
	})
}

// Issue signs credentials bound to id, which must not contain ':'. An empty
// id draws a random one.
func (i *Issuer) Issue(id string) (Credentials, error) {
	if id == "" {
		id = i.newID()
	}
	if strings.Contains(id, ":") {
		return Credentials{}, fmt.Errorf("turnrest: id %q must not contain ':'", id)
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers with c set on every TURN entry. STUN
// entries pass through unchanged; an empty input is returned as is.
func Apply(servers []webrtc.ICEServer, c Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for idx, server := range servers {
		out[idx] = server
		if config.IceServerHasTURNURL(server) {
			out[idx].Username = c.Username
			out[idx].Credential = c.Credential
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
