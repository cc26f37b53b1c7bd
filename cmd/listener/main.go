package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/relaytun/internal/bridge"
	"github.com/matst80/relaytun/internal/obs"
	"github.com/matst80/relaytun/internal/ratelimit"
	"github.com/matst80/relaytun/internal/relay"
	"github.com/matst80/relaytun/internal/session"
	"github.com/matst80/relaytun/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("listener.start", obs.Fields{"mode": cfg.Mode, "namespace": cfg.Namespace, "path": cfg.Path, "target": fmt.Sprintf("%s:%d", cfg.TargetHost, cfg.TargetPort), "ops": cfg.OpsAddr})

	meta, err := session.NewMetaStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("listener.meta", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer meta.Close()
	reg := session.NewRegistry(meta)
	limiter := ratelimit.NewLimiter(0, cfg.RequestRate, 0, cfg.RateBurst)
	translator := bridge.NewTranslator(cfg.TargetHost, cfg.TargetPort, bridge.DefaultClosePolicy, cfg.RequestTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the listener retries only at startup; once up, readiness comes from the
	// broker's own channel signals
	ctrl, err := relay.ConnectWithBackoff(ctx, relayConfig(relay.ActionListen), retryConfig())
	if err != nil {
		obs.Error("listener.connect", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	controlDown := make(chan struct{})
	ctrl.OnControl(func(p []byte) { handleControl(ctx, p, reg, limiter, translator) })
	ctrl.OnClose(func(code int, reason string) {
		obs.Error("listener.control_closed", obs.Fields{"code": code, "reason": reason})
		close(controlDown)
	})
	ctrl.Start()

	go startOpsServer(cfg.OpsAddr, reg)
	go session.NewMonitor(reg, cfg.HeartbeatInterval, cfg.IdleTimeout).Run(ctx)

	obs.Info("listener.ready", obs.Fields{})
	exitCode := 0
	select {
	case <-ctx.Done():
		obs.Info("listener.shutdown.signal", obs.Fields{})
	case <-controlDown:
		// the broker ended our registration; sessions in flight still drain
		exitCode = 1
	}
	_ = ctrl.Close("server shutting down")
	reg.CloseAll("server shutting down")
	waitForDrain(reg, cfg.GracePeriod)
	obs.Info("listener.shutdown.complete", obs.Fields{})
	os.Exit(exitCode)
}

func waitForDrain(reg *session.Registry, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// handleControl reacts to broker commands on the listen channel. An accept
// command carries the rendezvous address of a freshly paired sender.
func handleControl(ctx context.Context, p []byte, reg *session.Registry, limiter *ratelimit.Limiter, translator *bridge.Translator) {
	cmd, err := relay.ParseControl(p)
	if err != nil {
		obs.Error("control.parse", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("control_parse").Inc()
		return
	}
	if cmd == nil {
		return // broker chatter we do not consume
	}
	go acceptSession(ctx, cmd, reg, limiter, translator)
}

// acceptSession dials the rendezvous address and runs one tunnel session
// over it. The session id comes from the broker when provided so both sides
// log the same identity.
func acceptSession(ctx context.Context, cmd *relay.AcceptCommand, reg *session.Registry, limiter *ratelimit.Limiter, translator *bridge.Translator) {
	id := cmd.ID
	if id == "" {
		id = session.NewID()
	}
	sess := session.New(id, session.RoleListener)
	if err := reg.Register(sess); err != nil {
		obs.Error("session.register", obs.Fields{"id": id, "err": err.Error()})
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	sess.SetCancel(cancel)
	sess.MarkConnecting()

	ch, err := relay.DialAddress(sctx, cmd.Address, relayConfig(relay.ActionListen))
	if err != nil {
		obs.Error("session.rendezvous", obs.Fields{"id": id, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("rendezvous").Inc()
		_ = sess.Close("rendezvous failed")
		return
	}
	sess.BindChannel(ch)
	obs.Debug("session.accepted", obs.Fields{"id": id})

	if cfg.Mode == "raw" {
		runRawSession(sctx, sess)
		return
	}
	runHTTPSession(sess, limiter, translator)
}

// runRawSession bridges the session channel to a fresh TCP connection
// against the target, byte-for-byte.
func runRawSession(ctx context.Context, sess *session.Session) {
	target := fmt.Sprintf("%s:%d", cfg.TargetHost, cfg.TargetPort)
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		obs.Error("session.target_dial", obs.Fields{"id": sess.ID, "target": target, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("target_dial").Inc()
		_ = sess.CloseWithError("target unreachable")
		return
	}
	sess.BindLocal(conn)
	bridge.NewForwarder(sess, bridge.ForwarderConfig{
		ChunkThreshold: cfg.ChunkThreshold,
		IdleTimeout:    cfg.IdleTimeout,
	}).Run(ctx)
}

// runHTTPSession serves framed requests: each relay message is one request,
// each reply one message. The translator's close policy decides whether the
// session survives the response.
func runHTTPSession(sess *session.Session, limiter *ratelimit.Limiter, translator *bridge.Translator) {
	ch := sess.Channel()
	ch.OnMessage(func(raw []byte) {
		sess.Touch()
		if !limiter.AllowRequest() {
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_ = ch.Send([]byte("HTTP/1.1 429 Too Many Requests\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		resp, decision := translator.Handle(raw, "")
		if err := ch.Send(resp); err != nil {
			obs.Error("session.respond", obs.Fields{"id": sess.ID, "err": err.Error()})
			_ = sess.CloseWithError("relay send failed")
			return
		}
		sess.Touch()
		switch decision {
		case bridge.CloseNow:
			_ = sess.Close("asset served")
		case bridge.CloseAfterDelay:
			// short grace so the response flushes before the channel drops
			time.AfterFunc(bridge.CloseDelay, func() { _ = sess.Close("asset served") })
		}
	})
	ch.OnClose(func(code int, reason string) {
		obs.Debug("session.relay_closed", obs.Fields{"id": sess.ID, "code": code, "reason": reason})
		_ = sess.Close(reason)
	})
	ch.Start()
	sess.MarkOpen()
	sess.StartIdleTimer(cfg.IdleTimeout, func() { _ = sess.Close("idle timeout") })
}

func relayConfig(action relay.Action) relay.Config {
	return relay.Config{
		Namespace:      cfg.Namespace,
		Path:           cfg.Path,
		KeyName:        cfg.KeyName,
		Key:            cfg.Key,
		Action:         action,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
}

func retryConfig() relay.RetryConfig {
	return relay.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   1.5,
		MaxDelay:     cfg.RetryMaxDelay,
	}
}

// startOpsServer serves prometheus metrics, liveness and the status page.
func startOpsServer(addr string, reg *session.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		st := reg.Snapshot()
		_ = web.Render(w, "status", map[string]any{
			"Role":    "listener",
			"Active":  st.Active,
			"Total":   st.Total,
			"Evicted": st.Evicted,
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("ops.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
