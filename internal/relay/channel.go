package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/relaytun/internal/obs"
)

// Action selects the rendezvous role announced to the broker.
type Action string

const (
	ActionConnect Action = "connect"
	ActionListen  Action = "listen"
)

// ErrChannelClosed is returned by Send and Ping once the channel has left the
// open state for any reason.
var ErrChannelClosed = errors.New("relay: channel closed")

// Config identifies one broker endpoint plus the credentials to reach it.
// Namespace must resolve to the broker's domain; Path is the logical endpoint
// name registered there.
type Config struct {
	Namespace string
	Path      string
	KeyName   string
	Key       string
	Action    Action

	ConnectTimeout time.Duration // dial + handshake budget
	WriteTimeout   time.Duration // per-message send budget
	TokenTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	return c
}

// BrokerURL builds the rendezvous URL for this config. The scheme is always
// upgraded to wss before the token is generated (see SecureURL).
func (c Config) BrokerURL() (string, error) {
	if c.Namespace == "" || c.Path == "" {
		return "", errors.New("relay: namespace and path are required")
	}
	u := url.URL{Scheme: "wss", Host: c.Namespace, Path: "/$rt/" + c.Path}
	q := u.Query()
	q.Set("rt-action", string(c.Action))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel is a duplex message-oriented stream to the broker. Data flows as
// whole binary messages; broker control traffic arrives as text messages.
// Handlers must be registered before Start.
type Channel struct {
	conn *websocket.Conn

	writeMu      sync.Mutex // gorilla permits one concurrent writer
	writeTimeout time.Duration

	mu     sync.Mutex
	open   bool
	closed chan struct{}

	onMessage func(p []byte)
	onControl func(p []byte)
	onClose   func(code int, reason string)
}

// Dial authenticates to the broker named by cfg and returns an open Channel.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	target, err := cfg.BrokerURL()
	if err != nil {
		return nil, err
	}
	token := SignedAccessToken(target, cfg.KeyName, cfg.Key, cfg.TokenTTL)
	return dial(ctx, target, token, cfg)
}

// DialAddress opens a session channel at an explicit broker address, as
// handed out by an AcceptCommand. The same credentials sign the new address.
func DialAddress(ctx context.Context, address string, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	token := SignedAccessToken(address, cfg.KeyName, cfg.Key, cfg.TokenTTL)
	return dial(ctx, address, token, cfg)
}

func dial(ctx context.Context, target, token string, cfg Config) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	hdr := http.Header{}
	hdr.Set("ServiceBusAuthorization", token)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, target, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay connect %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay connect %s: %w", target, err)
	}
	ch := &Channel{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		open:         true,
		closed:       make(chan struct{}),
	}
	return ch, nil
}

// OnMessage registers the handler for binary data messages.
func (ch *Channel) OnMessage(fn func(p []byte)) { ch.onMessage = fn }

// OnControl registers the handler for text control messages.
func (ch *Channel) OnControl(fn func(p []byte)) { ch.onControl = fn }

// OnClose registers the handler invoked once when the read pump ends.
func (ch *Channel) OnClose(fn func(code int, reason string)) { ch.onClose = fn }

// Start launches the read pump. Call after handlers are registered.
func (ch *Channel) Start() {
	go ch.readPump()
}

func (ch *Channel) readPump() {
	defer close(ch.closed)
	for {
		mt, p, err := ch.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			ch.markClosed()
			_ = ch.conn.Close()
			if ch.onClose != nil {
				ch.onClose(code, reason)
			}
			return
		}
		obs.RelayMessagesTotal.WithLabelValues("in").Inc()
		obs.RelayBytesTotal.WithLabelValues("in").Add(float64(len(p)))
		switch mt {
		case websocket.BinaryMessage:
			if ch.onMessage != nil {
				ch.onMessage(p)
			}
		case websocket.TextMessage:
			if ch.onControl != nil {
				ch.onControl(p)
			}
		}
	}
}

// IsOpen reports whether the channel can still send.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

func (ch *Channel) markClosed() {
	ch.mu.Lock()
	ch.open = false
	ch.mu.Unlock()
}

// Send writes one binary data message. Message size is unbounded here; any
// chunking happens above the channel.
func (ch *Channel) Send(p []byte) error {
	if !ch.IsOpen() {
		return ErrChannelClosed
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout))
	if err := ch.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		ch.markClosed()
		return fmt.Errorf("relay send: %w", err)
	}
	obs.RelayMessagesTotal.WithLabelValues("out").Inc()
	obs.RelayBytesTotal.WithLabelValues("out").Add(float64(len(p)))
	return nil
}

// Ping sends a liveness probe.
func (ch *Channel) Ping() error {
	if !ch.IsOpen() {
		return ErrChannelClosed
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.writeTimeout)); err != nil {
		ch.markClosed()
		return fmt.Errorf("relay ping: %w", err)
	}
	return nil
}

// Close performs a graceful close with a normal status and the given reason.
// Closing an already-closed channel is a no-op.
func (ch *Channel) Close(reason string) error {
	return ch.closeWith(websocket.CloseNormalClosure, reason)
}

// CloseWithError signals an abnormal termination to the peer.
func (ch *Channel) CloseWithError(reason string) error {
	return ch.closeWith(websocket.CloseInternalServerErr, reason)
}

func (ch *Channel) closeWith(code int, reason string) error {
	ch.mu.Lock()
	if !ch.open {
		ch.mu.Unlock()
		return nil
	}
	ch.open = false
	ch.mu.Unlock()
	ch.writeMu.Lock()
	deadline := time.Now().Add(ch.writeTimeout)
	_ = ch.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ch.writeMu.Unlock()
	// give the peer a moment to echo the close before tearing down the conn
	select {
	case <-ch.closed:
	case <-time.After(time.Second):
	}
	return ch.conn.Close()
}
