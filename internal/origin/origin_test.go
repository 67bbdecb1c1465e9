package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in         string
		normalized string
		host       string
		ok         bool
	}{
		{in: "HTTPS://Example.COM:443", normalized: "https://example.com", host: "example.com", ok: true},
		{in: "http://localhost:3000/", normalized: "http://localhost:3000", host: "localhost:3000", ok: true},
		{in: "http://[::1]:3000", normalized: "http://[::1]:3000", host: "[::1]:3000", ok: true},
		{in: "null", normalized: "null", host: "", ok: true},
		{in: "ftp://example.com", ok: false},
		{in: "https://example.com/path", ok: false},
		{in: "https://example.com/?q=1", ok: false},
		{in: "https://user@example.com", ok: false},
		{in: "https://example.com:0", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		normalized, host, ok := NormalizeHeader(tc.in)
		if ok != tc.ok {
			t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if normalized != tc.normalized || host != tc.host {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q), want (%q,%q)", tc.in, normalized, host, tc.normalized, tc.host)
		}
	}
}

func TestParseAllowed(t *testing.T) {
	cases := map[string]string{
		"*":                          "*",
		"null":                       "null",
		"http://LOCALHOST:3000":      "http://localhost:3000",
		"https://*.Vercel.app":       "https://*.vercel.app",
		"https://*.example.com:8443": "https://*.example.com:8443",
	}
	for in, want := range cases {
		got, ok := ParseAllowed(in)
		if !ok || got != want {
			t.Fatalf("ParseAllowed(%q)=(%q,%v), want (%q,true)", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "example.com", "https://*.", "ws://*.example.com"} {
		if got, ok := ParseAllowed(bad); ok {
			t.Fatalf("ParseAllowed(%q)=%q, want rejection", bad, got)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	t.Run("default is same host:port only", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same-host to be allowed")
		}
		if !IsAllowed(normalized, host, "app.example.com:443", nil) {
			t.Fatalf("expected default port to be equivalent")
		}
		if IsAllowed(normalized, host, "app.example.com:8443", nil) {
			t.Fatalf("expected different port to be rejected")
		}
	})

	t.Run("explicit and star", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("http://localhost:3000")
		if !IsAllowed(normalized, host, "signal.example.com", []string{"http://localhost:3000"}) {
			t.Fatalf("expected explicit origin to be allowed")
		}
		if IsAllowed(normalized, host, "signal.example.com", []string{"http://127.0.0.1:3000"}) {
			t.Fatalf("expected non-matching origin to be rejected")
		}
		if !IsAllowed(normalized, host, "signal.example.com", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("wildcard subdomain", func(t *testing.T) {
		allowed := []string{"https://*.vercel.app"}
		for _, o := range []string{"https://my-app-git-main.vercel.app", "https://a.b.vercel.app"} {
			normalized, host, _ := NormalizeHeader(o)
			if !IsAllowed(normalized, host, "signal.example.com", allowed) {
				t.Fatalf("expected %q to match wildcard", o)
			}
		}
		for _, o := range []string{"https://vercel.app", "http://x.vercel.app", "https://evilvercel.app", "https://x.vercel.app:8443"} {
			normalized, host, _ := NormalizeHeader(o)
			if IsAllowed(normalized, host, "signal.example.com", allowed) {
				t.Fatalf("expected %q to be rejected", o)
			}
		}
	})
}

func TestCheckRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://signal.example.com/ws", nil)
	if _, ok := CheckRequest(r, nil); !ok {
		t.Fatalf("expected request without Origin to be allowed")
	}

	r.Header.Set("Origin", "https://evil.example")
	if _, ok := CheckRequest(r, []string{"http://localhost:3000"}); ok {
		t.Fatalf("expected disallowed origin to be rejected")
	}

	r.Header.Set("Origin", "http://localhost:3000")
	got, ok := CheckRequest(r, []string{"http://localhost:3000"})
	if !ok || got != "http://localhost:3000" {
		t.Fatalf("CheckRequest=(%q,%v), want (%q,true)", got, ok, "http://localhost:3000")
	}
}
