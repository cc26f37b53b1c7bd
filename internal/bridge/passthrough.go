package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/relaytun/internal/obs"
	"github.com/matst80/relaytun/internal/relay"
	"github.com/matst80/relaytun/internal/session"
)

const (
	// DefaultChunkThreshold is the relay message size above which delivery
	// to the local socket is split into ordered chunks.
	DefaultChunkThreshold = 512 * 1024
	localReadBuffer       = 32 * 1024
)

// SplitChunks returns p as ordered chunks. Messages at or below threshold
// pass through whole; larger ones are cut into chunkSize pieces. Chunk
// boundaries carry no meaning beyond logging granularity; only total byte
// order matters.
func SplitChunks(p []byte, threshold, chunkSize int) [][]byte {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	if chunkSize <= 0 {
		chunkSize = threshold / 2
	}
	if len(p) <= threshold {
		return [][]byte{p}
	}
	chunks := make([][]byte, 0, (len(p)+chunkSize-1)/chunkSize)
	for len(p) > 0 {
		n := chunkSize
		if n > len(p) {
			n = len(p)
		}
		chunks = append(chunks, p[:n])
		p = p[n:]
	}
	return chunks
}

// writeQueue is the session's ordered pendingWrites queue. One consumer
// drains it a chunk at a time; a blocked socket simply parks the consumer,
// preserving order. Close(discard) decides whether queued chunks still drain
// (graceful close) or are dropped (abnormal close).
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
}

func newWriteQueue() *writeQueue {
	q := &writeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *writeQueue) push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.chunks = append(q.chunks, p)
	obs.PendingChunks.Inc()
	q.cond.Signal()
	return true
}

// pop blocks until a chunk is available or the queue is closed and drained.
func (q *writeQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.chunks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		return nil, false
	}
	p := q.chunks[0]
	q.chunks = q.chunks[1:]
	obs.PendingChunks.Dec()
	return p, true
}

func (q *writeQueue) close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && len(q.chunks) == 0 {
		return
	}
	q.closed = true
	if discard {
		obs.PendingChunks.Sub(float64(len(q.chunks)))
		q.chunks = nil
	}
	q.cond.Broadcast()
}

// ForwarderConfig tunes a passthrough session.
type ForwarderConfig struct {
	ChunkThreshold int
	ChunkSize      int
	IdleTimeout    time.Duration // local inactivity before the relay side closes
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = c.ChunkThreshold / 2
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return c
}

// Forwarder moves raw bytes between one local socket and one relay channel,
// both directions, with no interpretation of the payload. Local reads become
// one relay message each; relay messages are chunked onto the session's
// write queue and drained strictly in order.
type Forwarder struct {
	sess  *session.Session
	local net.Conn
	ch    *relay.Channel
	cfg   ForwarderConfig
	queue *writeQueue

	closeOnce sync.Once
}

// NewForwarder wires a forwarder over an established session. The session
// must already have its local conn and channel bound.
func NewForwarder(sess *session.Session, cfg ForwarderConfig) *Forwarder {
	return &Forwarder{
		sess:  sess,
		local: sess.Local(),
		ch:    sess.Channel(),
		cfg:   cfg.withDefaults(),
		queue: newWriteQueue(),
	}
}

// Run pumps both directions until either side ends, then returns with the
// session closed and removed. Blocks the calling goroutine.
func (f *Forwarder) Run(ctx context.Context) {
	f.ch.OnMessage(f.handleRelayMessage)
	f.ch.OnClose(f.handleRelayClose)
	f.ch.Start()
	f.sess.MarkOpen()
	f.sess.StartIdleTimer(f.cfg.IdleTimeout, func() {
		obs.Info("session.idle", obs.Fields{"id": f.sess.ID})
		f.endSession(true, "idle timeout")
	})

	done := make(chan struct{})
	go func() {
		f.drainLoop()
		close(done)
	}()
	f.localReadLoop()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// localReadLoop forwards each local read as one relay message, no length
// cap: message sizing is the channel's concern.
func (f *Forwarder) localReadLoop() {
	buf := make([]byte, localReadBuffer)
	for {
		n, err := f.local.Read(buf)
		if n > 0 {
			f.sess.Touch()
			msg := make([]byte, n)
			copy(msg, buf[:n])
			if serr := f.ch.Send(msg); serr != nil {
				obs.Error("passthrough.send", obs.Fields{"id": f.sess.ID, "err": serr.Error()})
				f.endSession(true, "relay send failed")
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.endSession(false, "local eof")
			} else {
				obs.Error("passthrough.local_read", obs.Fields{"id": f.sess.ID, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("local_read").Inc()
				f.endSessionWithError("local read error")
			}
			return
		}
	}
}

func (f *Forwarder) handleRelayMessage(p []byte) {
	f.sess.Touch()
	for i, chunk := range SplitChunks(p, f.cfg.ChunkThreshold, f.cfg.ChunkSize) {
		if !f.queue.push(chunk) {
			return
		}
		if i > 0 {
			obs.Debug("passthrough.chunk", obs.Fields{"id": f.sess.ID, "index": i, "bytes": len(chunk)})
		}
	}
}

// handleRelayClose applies the close policy: a normal closure lets queued
// writes flush before the local socket ends; anything else discards the
// queue and destroys the session immediately.
func (f *Forwarder) handleRelayClose(code int, reason string) {
	if code == websocket.CloseNormalClosure {
		f.sess.BeginClose()
		f.queue.close(false)
		return
	}
	obs.Error("passthrough.relay_close", obs.Fields{"id": f.sess.ID, "code": code, "reason": reason})
	f.endSession(true, reason)
}

// drainLoop is the only writer to the local socket: chunks leave the queue
// one at a time, so a blocked write suspends the drain without reordering.
func (f *Forwarder) drainLoop() {
	for {
		p, ok := f.queue.pop()
		if !ok {
			f.finishClose()
			return
		}
		if _, err := f.local.Write(p); err != nil {
			obs.Error("passthrough.local_write", obs.Fields{"id": f.sess.ID, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("local_write").Inc()
			f.endSessionWithError("local write error")
			return
		}
		f.sess.Touch()
	}
}

// finishClose runs after a graceful drain: in-flight writes are already
// flushed, so the local socket can end cleanly.
func (f *Forwarder) finishClose() {
	f.closeOnce.Do(func() {
		f.sess.BeginClose()
		_ = f.sess.Close("relay closed")
	})
}

func (f *Forwarder) endSession(discard bool, reason string) {
	f.closeOnce.Do(func() {
		f.queue.close(discard)
		_ = f.sess.Close(reason)
	})
}

func (f *Forwarder) endSessionWithError(reason string) {
	f.closeOnce.Do(func() {
		f.queue.close(true)
		_ = f.sess.CloseWithError(reason)
	})
}
