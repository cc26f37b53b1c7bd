package bridge

import (
	"path"
	"strings"
	"time"
)

// CloseDecision is what to do with the session after a response is sent.
type CloseDecision int

const (
	KeepOpen CloseDecision = iota
	CloseNow
	CloseAfterDelay
)

// CloseDelay is how long CloseAfterDelay waits so the final write can flush.
const CloseDelay = 100 * time.Millisecond

// ClosePolicy maps a response content type and request path to a close
// decision. It exists to bound relay-channel usage under bursts of small
// static-asset fetches; it is deliberately not HTTP keep-alive semantics.
type ClosePolicy func(contentType, reqPath string) CloseDecision

// coreScripts are bundle names whose sessions stay open: the page will fetch
// more right after them, so tearing down the channel would just force an
// immediate reconnect.
var coreScripts = []string{"main", "runtime", "polyfills", "vendor", "app"}

// DefaultClosePolicy closes the session shortly after serving CSS and
// non-core JavaScript assets and keeps it open for core bundles and all
// other content.
func DefaultClosePolicy(contentType, reqPath string) CloseDecision {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "javascript"):
		if isCoreScript(reqPath) {
			return KeepOpen
		}
		return CloseAfterDelay
	case strings.Contains(ct, "text/css"):
		return CloseAfterDelay
	}
	return KeepOpen
}

func isCoreScript(reqPath string) bool {
	base := path.Base(reqPath)
	if i := strings.IndexByte(base, '?'); i != -1 {
		base = base[:i]
	}
	for _, name := range coreScripts {
		if strings.HasPrefix(base, name) {
			return true
		}
	}
	return false
}
