package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecodeICEServers(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp", " turns:turn.example.com:5349 "], "username": "user", "credential": "pass"}
	]`

	servers, err := DecodeICEServers([]byte(raw), TURNCredentialsStatic)
	if err != nil {
		t.Fatalf("DecodeICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len(servers)=%d, want 2", len(servers))
	}
	if got, want := servers[0].URLs, []string{"stun:stun.example.com:3478"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stun urls=%v, want %v", got, want)
	}
	if got, want := servers[1].URLs, []string{"turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("turn urls=%v, want %v", got, want)
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("turn creds=%q/%#v, want user/pass", servers[1].Username, servers[1].Credential)
	}
	if servers[0].Credential != nil {
		t.Fatalf("stun credential=%#v, want nil", servers[0].Credential)
	}
}

func TestDecodeICEServers_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		mode TURNCredentialMode
		want string
	}{
		{name: "not json", raw: `[`, want: "unexpected end"},
		{name: "urls wrong type", raw: `[{"urls": 3}]`, want: "urls must be"},
		{name: "missing urls", raw: `[{}]`, want: "iceServers[0]: missing urls"},
		{name: "bad scheme", raw: `[{"urls": "http://example.com"}]`, want: "unsupported url scheme"},
		{name: "no host", raw: `[{"urls": "stun:"}]`, want: "malformed url"},
		{name: "turn without username", raw: `[{"urls": "turn:t.example.com"}]`, want: "require username"},
		{name: "turn without credential", raw: `[{"urls": "turn:t.example.com", "username": "u"}]`, want: "require credential"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeICEServers([]byte(tc.raw), tc.mode)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestDecodeICEServers_MintedTURNCredentials(t *testing.T) {
	t.Parallel()

	servers, err := DecodeICEServers([]byte(`[{"urls": ["turn:turn.example.com:3478"]}]`), TURNCredentialsMinted)
	if err != nil {
		t.Fatalf("DecodeICEServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("servers=%#v, want one TURN entry without creds", servers)
	}
}

func TestICESourcesResolve(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		servers, err := ICESources{}.Resolve(TURNCredentialsStatic)
		if err != nil || servers != nil {
			t.Fatalf("servers=%v err=%v, want nil/nil", servers, err)
		}
	})

	t.Run("json wins", func(t *testing.T) {
		servers, err := ICESources{
			JSON:     `[{"urls": "stun:json.example.com"}]`,
			STUNURLs: "stun:convenience.example.com",
		}.Resolve(TURNCredentialsStatic)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
			t.Fatalf("servers=%v, want the JSON entry only", servers)
		}
	})

	t.Run("json error names env var", func(t *testing.T) {
		_, err := ICESources{JSON: `[`}.Resolve(TURNCredentialsStatic)
		if err == nil || !strings.Contains(err.Error(), envICEServersJSON) {
			t.Fatalf("err=%v, want mention of %s", err, envICEServersJSON)
		}
	})

	t.Run("convenience values", func(t *testing.T) {
		servers, err := ICESources{
			STUNURLs:       "stun:a.example.com, stun:b.example.com",
			TURNURLs:       "turn:t.example.com:3478?transport=udp",
			TURNUsername:   "user",
			TURNCredential: "pass",
		}.Resolve(TURNCredentialsStatic)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("len(servers)=%d, want 2", len(servers))
		}
		if got, want := servers[0].URLs, []string{"stun:a.example.com", "stun:b.example.com"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("stun urls=%v, want %v", got, want)
		}
		if servers[1].Username != "user" || servers[1].Credential != "pass" {
			t.Fatalf("turn creds=%q/%#v", servers[1].Username, servers[1].Credential)
		}
	})

	t.Run("turn without creds", func(t *testing.T) {
		src := ICESources{TURNURLs: "turn:t.example.com"}
		if _, err := src.Resolve(TURNCredentialsStatic); err == nil || !strings.Contains(err.Error(), envTurnUsername) {
			t.Fatalf("err=%v, want mention of %s", err, envTurnUsername)
		}
		servers, err := src.Resolve(TURNCredentialsMinted)
		if err != nil || len(servers) != 1 {
			t.Fatalf("servers=%v err=%v, want one minted TURN entry", servers, err)
		}
	})

	t.Run("turn url in stun list", func(t *testing.T) {
		_, err := ICESources{STUNURLs: "turn:t.example.com"}.Resolve(TURNCredentialsMinted)
		if err == nil || !strings.Contains(err.Error(), envTurnURLs) {
			t.Fatalf("err=%v, want mention of %s", err, envTurnURLs)
		}
	})
}

func TestIceServerHasTURNURL(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"stun:stun.example.com":  false,
		"stuns:stun.example.com": false,
		"TURN:turn.example.com":  true,
		" turns:t.example.com":   true,
		"turnx:t.example.com":    false,
	}
	for raw, want := range cases {
		server := webrtc.ICEServer{URLs: []string{raw}}
		if got := IceServerHasTURNURL(server); got != want {
			t.Fatalf("IceServerHasTURNURL(%q)=%v, want %v", raw, got, want)
		}
	}
}
