package relay

import (
	"strings"
	"testing"
	"time"
)

func TestSecureURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://ns.broker.example/ep", "https://ns.broker.example/ep"},
		{"ws://ns.broker.example/ep", "wss://ns.broker.example/ep"},
		{"wss://ns.broker.example/ep", "wss://ns.broker.example/ep"},
		{"https://ns.broker.example/ep", "https://ns.broker.example/ep"},
		{"ns.broker.example/ep", "https://ns.broker.example/ep"},
	}
	for _, c := range cases {
		if got := SecureURL(c.in); got != c.want {
			t.Errorf("SecureURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSignedAccessTokenShape(t *testing.T) {
	tok := SignedAccessToken("ws://ns.broker.example/tunnel", "root", "secret", time.Hour)
	if !strings.HasPrefix(tok, "SharedAccessSignature sr=") {
		t.Fatalf("unexpected token prefix: %s", tok)
	}
	for _, part := range []string{"&sig=", "&se=", "&skn=root"} {
		if !strings.Contains(tok, part) {
			t.Errorf("token missing %q: %s", part, tok)
		}
	}
	// signature covers the upgraded scheme, so http and https inputs agree
	// once the expiry window matches; at minimum the resource must be wss.
	if !strings.Contains(tok, "wss%3A%2F%2F") {
		t.Errorf("token resource not upgraded to wss: %s", tok)
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := Config{Namespace: "ns.broker.example", Path: "tunnel", Action: ActionListen}
	u, err := cfg.BrokerURL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(u, "wss://ns.broker.example/") {
		t.Errorf("expected wss scheme and namespace host, got %s", u)
	}
	if !strings.Contains(u, "rt-action=listen") {
		t.Errorf("expected listen action in query, got %s", u)
	}

	if _, err := (Config{Path: "tunnel"}).BrokerURL(); err == nil {
		t.Error("expected error for missing namespace")
	}
}
