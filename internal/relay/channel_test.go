package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBroker upgrades incoming connections and echoes binary messages.
type fakeBroker struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	tokens   []string
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokens = append(f.tokens, r.Header.Get("ServiceBusAuthorization"))
	f.mu.Unlock()
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, p); err != nil {
			return
		}
	}
}

func dialTestBroker(t *testing.T) (*Channel, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	srv := httptest.NewServer(broker)
	t.Cleanup(srv.Close)
	addr := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := Config{KeyName: "root", Key: "secret"}.withDefaults()
	ch, err := dial(context.Background(), addr, SignedAccessToken(addr, cfg.KeyName, cfg.Key, cfg.TokenTTL), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ch, broker
}

func TestChannelEchoRoundtrip(t *testing.T) {
	ch, broker := dialTestBroker(t)
	got := make(chan []byte, 1)
	ch.OnMessage(func(p []byte) { got <- p })
	ch.Start()

	payload := []byte("hello through the relay")
	if err := ch.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case p := <-got:
		if string(p) != string(payload) {
			t.Errorf("echo mismatch: %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.tokens) != 1 || !strings.HasPrefix(broker.tokens[0], "SharedAccessSignature ") {
		t.Errorf("broker did not receive a signed token: %v", broker.tokens)
	}
}

func TestChannelSendAfterClose(t *testing.T) {
	ch, _ := dialTestBroker(t)
	ch.Start()
	if err := ch.Close("done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Send([]byte("late")); err != ErrChannelClosed {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	if err := ch.Ping(); err != ErrChannelClosed {
		t.Errorf("expected ErrChannelClosed from ping, got %v", err)
	}
	// double close is a no-op
	if err := ch.Close("again"); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestChannelCloseNotifiesHandler(t *testing.T) {
	ch, _ := dialTestBroker(t)
	closed := make(chan int, 1)
	ch.OnClose(func(code int, _ string) { closed <- code })
	ch.Start()
	_ = ch.Close("shutting down")
	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("expected normal closure code, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}
}

func TestParseControl(t *testing.T) {
	cmd, err := ParseControl(EncodeAccept(AcceptCommand{Address: "wss://ns/$rt/s1", ID: "abc"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd == nil || cmd.Address != "wss://ns/$rt/s1" || cmd.ID != "abc" {
		t.Errorf("bad accept command: %+v", cmd)
	}

	if cmd, err := ParseControl([]byte(`{"renew":true}`)); err != nil || cmd != nil {
		t.Errorf("unknown control should be skipped, got %+v %v", cmd, err)
	}
	if _, err := ParseControl([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := ParseControl([]byte(`{"accept":{}}`)); err == nil {
		t.Error("expected error for accept without address")
	}
}
