package bridge

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/matst80/relaytun/internal/httpx"
	"github.com/matst80/relaytun/internal/obs"
)

// Translator turns raw request bytes from a relay message into an HTTPS call
// against the fixed target and folds the full response back into a single
// relay message. One message in, one message out; no streaming.
type Translator struct {
	targetHost string
	targetPort int
	policy     ClosePolicy
	client     *http.Client
}

// NewTranslator builds a translator for targetHost:targetPort.
//
// Certificate validation toward the target is relaxed on purpose: the target
// sits on a private network and commonly runs a self-signed certificate.
// This is a trust-boundary decision for that deployment shape, not a default
// to copy elsewhere.
func NewTranslator(targetHost string, targetPort int, policy ClosePolicy, timeout time.Duration) *Translator {
	if policy == nil {
		policy = DefaultClosePolicy
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Translator{
		targetHost: targetHost,
		targetPort: targetPort,
		policy:     policy,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			// redirects belong to the browser behind the sender, not to us
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle processes one relay message and returns the synthesized response
// message plus the close decision for the session. clientIP is the original
// peer address as seen by the sender; it feeds the forwarding headers when
// the request carries no proxy headers of its own.
func (t *Translator) Handle(raw []byte, clientIP string) (respMsg []byte, decision CloseDecision) {
	frame, fallback := httpx.ParseFrame(raw)
	if fallback {
		// documented fallback: malformed input becomes GET / instead of an
		// error, trading correctness on bad input for session liveness
		obs.Error("frame.parse.fallback", obs.Fields{"bytes": len(raw)})
		obs.ErrorsTotal.WithLabelValues("frame_fallback").Inc()
	}
	t.rewriteHeaders(frame, clientIP)

	resp, err := t.forward(frame)
	if err != nil {
		obs.Error("frame.forward", obs.Fields{"method": frame.Method, "path": frame.Path, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("target_unreachable").Inc()
		return synthesizeError(http.StatusBadGateway, "Bad Gateway"), KeepOpen
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.Error("frame.body", obs.Fields{"path": frame.Path, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("target_body").Inc()
		return synthesizeError(http.StatusBadGateway, "Bad Gateway"), KeepOpen
	}
	obs.Debug("frame.response", obs.Fields{"path": frame.Path, "status": resp.StatusCode, "bytes": len(body)})
	return synthesizeResponse(resp, body), t.policy(resp.Header.Get("Content-Type"), frame.Path)
}

// rewriteHeaders applies the forwarding rewrites: Host forced to the target,
// X-Real-IP / X-Forwarded-For derived from incoming proxy headers or the
// local peer, X-Forwarded-Proto and X-Forwarded-Host describing the original
// edge. Replaced headers never end up duplicated; everything else passes
// through verbatim.
func (t *Translator) rewriteHeaders(f *httpx.Frame, clientIP string) {
	realIP := f.Get("X-Real-IP")
	if realIP == "" {
		realIP = firstForwarded(f.Get("X-Forwarded-For"))
	}
	if realIP == "" {
		realIP = clientIP
	}
	if realIP == "" {
		realIP = "127.0.0.1"
	}
	// request-side connection management stops at the relay hop, same as on
	// the response side
	f.Del("Connection")
	f.Del("Keep-Alive")
	f.Del("Proxy-Connection")
	f.Del("Transfer-Encoding")
	originalHost := f.Get("Host")
	f.Set("Host", t.targetHost)
	f.Set("X-Real-IP", realIP)
	f.Set("X-Forwarded-For", realIP)
	f.Set("X-Forwarded-Proto", "https")
	if originalHost != "" {
		f.Set("X-Forwarded-Host", originalHost)
	}
}

func firstForwarded(v string) string {
	if v == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(v, ",")[0])
}

func (t *Translator) forward(f *httpx.Frame) (*http.Response, error) {
	url := fmt.Sprintf("https://%s:%d%s", t.targetHost, t.targetPort, f.Path)
	var body io.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}
	req, err := http.NewRequest(f.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build target request: %w", err)
	}
	for _, h := range f.Headers {
		switch strings.ToLower(h.Name) {
		case "host":
			req.Host = h.Value
		case "content-length":
			// recomputed from the body
		default:
			req.Header.Set(h.Name, h.Value)
		}
	}
	return t.client.Do(req)
}

// synthesizeResponse flattens status line, headers and full body into one
// relay message. Hop-by-hop fields are dropped: the relay carries whole
// messages, so connection management and transfer encoding do not survive
// the hop.
func synthesizeResponse(resp *http.Response, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		switch strings.ToLower(name) {
		case "connection", "transfer-encoding", "content-length":
			// content-length is recomputed below from the flattened body
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	return buf.Bytes()
}

func synthesizeError(code int, text string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", code, http.StatusText(code), len(text), text)
	return buf.Bytes()
}
