package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/relaytun/internal/bridge"
	"github.com/matst80/relaytun/internal/httpx"
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
	obs.Info("sender.start", obs.Fields{"listen": cfg.ListenAddr, "mode": cfg.Mode, "namespace": cfg.Namespace, "path": cfg.Path, "ops": cfg.OpsAddr})

	meta, err := session.NewMetaStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("sender.meta", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer meta.Close()
	reg := session.NewRegistry(meta)
	limiter := ratelimit.NewLimiter(cfg.AcceptRate, cfg.RequestRate, cfg.PerOriginRate, cfg.RateBurst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("sender.listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	defer ln.Close()

	go startOpsServer(cfg.OpsAddr, reg)
	go session.NewMonitor(reg, cfg.HeartbeatInterval, cfg.IdleTimeout).Run(ctx)
	go pruneLimiter(ctx, reg, limiter)
	go acceptLocal(ctx, ln, reg, limiter)

	obs.Info("sender.ready", obs.Fields{})
	<-ctx.Done()
	obs.Info("sender.shutdown.signal", obs.Fields{})
	_ = ln.Close()
	reg.CloseAll("server shutting down")
	waitForDrain(reg, cfg.GracePeriod)
	obs.Info("sender.shutdown.complete", obs.Fields{})
}

// pruneLimiter periodically drops per-origin rate state for peers with no
// live session, keeping the bucket map bounded by the active set.
func pruneLimiter(ctx context.Context, reg *session.Registry, limiter *ratelimit.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			limiter.Cleanup(reg.Origins())
		}
	}
}

func waitForDrain(reg *session.Registry, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func acceptLocal(ctx context.Context, ln net.Listener, reg *session.Registry, limiter *ratelimit.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.local.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		origin := remoteIP(c)
		if !limiter.AllowAccept(origin) {
			obs.Error("accept.local.ratelimited", obs.Fields{"origin": origin})
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_ = c.Close()
			continue
		}
		go handleLocalConn(ctx, c, reg, limiter)
	}
}

func remoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}

// handleLocalConn owns one accepted socket end to end: it opens a dedicated
// relay channel with backoff, then bridges in the configured mode until
// either side ends.
func handleLocalConn(ctx context.Context, c net.Conn, reg *session.Registry, limiter *ratelimit.Limiter) {
	sess := session.New(session.NewID(), session.RoleSender)
	sess.BindLocal(c)
	if err := reg.Register(sess); err != nil {
		obs.Error("session.register", obs.Fields{"id": sess.ID, "err": err.Error()})
		_ = c.Close()
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	sess.SetCancel(cancel)
	sess.MarkConnecting()

	ch, err := relay.ConnectWithBackoff(sctx, relayConfig(), retryConfig())
	if err != nil {
		// permanent failure for this session only; the caller re-initiates
		obs.Error("session.connect", obs.Fields{"id": sess.ID, "err": err.Error()})
		if cfg.Mode == "http" {
			_, _ = c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nBad Gateway"))
		}
		_ = sess.Close("relay unreachable")
		return
	}
	sess.BindChannel(ch)
	obs.Debug("session.connected", obs.Fields{"id": sess.ID, "origin": remoteIP(c)})

	if cfg.Mode == "raw" {
		bridge.NewForwarder(sess, bridge.ForwarderConfig{
			ChunkThreshold: cfg.ChunkThreshold,
			IdleTimeout:    cfg.IdleTimeout,
		}).Run(sctx)
		return
	}
	runHTTPSession(sctx, sess, limiter)
}

// runHTTPSession frames local traffic: one complete request per relay
// message out, one complete response per message back. The socket stays open
// across requests until the listener's close policy or an error ends it.
func runHTTPSession(ctx context.Context, sess *session.Session, limiter *ratelimit.Limiter) {
	local := sess.Local()
	origin := remoteIP(local)
	ch := sess.Channel()
	responses := make(chan []byte, 4)
	ch.OnMessage(func(p []byte) {
		sess.Touch()
		select {
		case responses <- p:
		case <-ctx.Done():
		}
	})
	ch.OnClose(func(code int, reason string) {
		obs.Debug("session.relay_closed", obs.Fields{"id": sess.ID, "code": code, "reason": reason})
		_ = sess.Close(reason)
	})
	ch.Start()
	sess.MarkOpen()
	sess.StartIdleTimer(cfg.IdleTimeout, func() { _ = sess.Close("idle timeout") })

	br := bufio.NewReader(local)
	for {
		raw, err := httpx.ReadRequest(br, cfg.MaxHeaderSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obs.Error("session.local_read", obs.Fields{"id": sess.ID, "err": err.Error()})
			}
			_ = sess.Close("local closed")
			return
		}
		if !limiter.AllowRequest() {
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_, _ = local.Write([]byte("HTTP/1.1 429 Too Many Requests\r\nContent-Length: 0\r\n\r\n"))
			continue
		}
		sess.Touch()
		// the listener only sees relay messages, so the peer address must
		// travel inside the request itself
		raw = httpx.AugmentForwarded(raw, origin)
		if err := ch.Send(raw); err != nil {
			obs.Error("session.relay_send", obs.Fields{"id": sess.ID, "err": err.Error()})
			_ = sess.CloseWithError("relay send failed")
			return
		}
		select {
		case resp := <-responses:
			if !writeChunked(local, resp) {
				_ = sess.CloseWithError("local write failed")
				return
			}
			sess.Touch()
		case <-time.After(cfg.RequestTimeout):
			obs.Error("session.response_timeout", obs.Fields{"id": sess.ID})
			obs.ErrorsTotal.WithLabelValues("response_timeout").Inc()
			_, _ = local.Write([]byte("HTTP/1.1 504 Gateway Timeout\r\nContent-Type: text/plain\r\nContent-Length: 15\r\n\r\nGateway Timeout"))
			_ = sess.CloseWithError("response timeout")
			return
		case <-ctx.Done():
			_ = sess.Close("server shutting down")
			return
		}
	}
}

// writeChunked delivers a relay message to the local socket in ordered
// chunks; blocking writes provide the backpressure.
func writeChunked(local net.Conn, p []byte) bool {
	for _, chunk := range bridge.SplitChunks(p, cfg.ChunkThreshold, 0) {
		if _, err := local.Write(chunk); err != nil {
			obs.Error("session.local_write", obs.Fields{"err": err.Error()})
			return false
		}
	}
	return true
}

func relayConfig() relay.Config {
	return relay.Config{
		Namespace:      cfg.Namespace,
		Path:           cfg.Path,
		KeyName:        cfg.KeyName,
		Key:            cfg.Key,
		Action:         relay.ActionConnect,
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
			"Role":    "sender",
			"Active":  st.Active,
			"Total":   st.Total,
			"Evicted": st.Evicted,
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("ops.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
