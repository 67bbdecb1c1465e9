package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
)

func fixedIssuer(t *testing.T, now time.Time, ttl time.Duration) *Issuer {
	t.Helper()
	i, err := NewIssuer(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return now },
		NewID:          func() string { return "random" },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return i
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIssue_DeterministicWithFixedTime(t *testing.T) {
	i := fixedIssuer(t, time.Unix(1_700_000_000, 0), time.Hour)

	creds, err := i.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wantUsername := "1700003600:aero:alice"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("Expires=%d, want %d", creds.Expires.Unix(), 1_700_003_600)
	}
	if want := expectedCredential(t, []byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssue_RandomIDWhenEmpty(t *testing.T) {
	i := fixedIssuer(t, time.Unix(0, 0), time.Minute)
	creds, err := i.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.Username != "60:aero:random" {
		t.Fatalf("Username=%q, want 60:aero:random", creds.Username)
	}
}

func TestIssue_DefaultIDHasNoColon(t *testing.T) {
	i, err := NewIssuer(Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	creds, err := i.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if parts := strings.Split(creds.Username, ":"); len(parts) != 3 || len(parts[2]) != 32 {
		t.Fatalf("Username=%q, want expiry:prefix:32-hex-id", creds.Username)
	}
}

func TestIssue_RejectsColonInID(t *testing.T) {
	i := fixedIssuer(t, time.Unix(0, 0), time.Minute)
	if _, err := i.Issue("a:b"); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing secret", Config{TTL: time.Hour, UsernamePrefix: "p"}},
		{"short ttl", Config{SharedSecret: "s", TTL: time.Millisecond, UsernamePrefix: "p"}},
		{"missing prefix", Config{SharedSecret: "s", TTL: time.Hour}},
		{"colon prefix", Config{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"}},
	}
	for _, tc := range cases {
		if _, err := NewIssuer(tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestFromConfig(t *testing.T) {
	i, err := FromConfig(config.TurnRESTConfig{})
	if err != nil || i != nil {
		t.Fatalf("disabled config=(%v, %v), want (nil, nil)", i, err)
	}

	i, err = FromConfig(config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "aero"})
	if err != nil || i == nil {
		t.Fatalf("FromConfig: (%v, %v)", i, err)
	}
	if i.ttl != time.Minute {
		t.Fatalf("ttl=%v, want 1m", i.ttl)
	}
}

func TestApply_OnlyTURNEntries(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "old", Credential: "old"},
	}
	creds := Credentials{Username: "u", Credential: "c"}

	out := Apply(servers, creds)
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry modified: %+v", out[0])
	}
	for _, s := range out[1:] {
		if s.Username != "u" || s.Credential != "c" {
			t.Fatalf("turn entry=%+v, want issued credentials", s)
		}
	}
	if servers[2].Username != "old" {
		t.Fatalf("input slice mutated")
	}

	empty := []webrtc.ICEServer{}
	if got := Apply(empty, creds); got == nil {
		t.Fatalf("empty slice became nil")
	}
}
