/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package stats holds the per-session byte counters and the process-wide
// registry of live sessions, surfaced through the STAT/INFO admin commands.
// The counting conn wrapper is a trimmed adaptation of the teacher's
// ioutils/iowrapper package: the same "wrap an io.Reader/io.Writer with a
// hook function called on every operation" shape, collapsed from a
// generic intercept-anything wrapper down to one that only ever counts
// bytes. The registry backing store is internal/registry.Map.
package stats

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/udsrelay/tunnel/internal/registry"
)

var (
	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "udstunnel",
		Name:      "sessions_total",
		Help:      "Total number of tunnel sessions opened.",
	})
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "udstunnel",
		Name:      "sessions_active",
		Help:      "Number of tunnel sessions currently proxying.",
	})
	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "udstunnel",
		Name:      "bytes_total",
		Help:      "Total bytes forwarded, labeled by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(sessionsTotal, sessionsActive, bytesTotal)
}

// Counter is one session's byte counters and lifetime timestamps. The zero
// value is not usable; build one with NewCounter.
type Counter struct {
	sent  uint64
	recv  uint64
	start time.Time
	end   atomic.Value // time.Time, zero until the session ends
	src   string
	dst   string
}

// NewCounter starts a Counter for a session between src and dst.
func NewCounter(src, dst string) *Counter {
	c := &Counter{start: clock(), src: src, dst: dst}
	sessionsTotal.Inc()
	sessionsActive.Inc()
	return c
}

// AddSent records n bytes forwarded toward the backend.
func (c *Counter) AddSent(n int) {
	atomic.AddUint64(&c.sent, uint64(n))
	bytesTotal.WithLabelValues("sent").Add(float64(n))
}

// AddRecv records n bytes forwarded toward the client.
func (c *Counter) AddRecv(n int) {
	atomic.AddUint64(&c.recv, uint64(n))
	bytesTotal.WithLabelValues("recv").Add(float64(n))
}

// Sent and Recv return the current byte totals, safe for concurrent reads
// from an admin-command handler while the session is still live.
func (c *Counter) Sent() uint64 { return atomic.LoadUint64(&c.sent) }
func (c *Counter) Recv() uint64 { return atomic.LoadUint64(&c.recv) }

// Finish marks the session ended and decrements the active gauge. It is
// idempotent; only the first call has any effect.
func (c *Counter) Finish() {
	if _, loaded := c.end.Load().(time.Time); loaded {
		return
	}
	c.end.Store(clock())
	sessionsActive.Dec()
}

// Duration returns the session's elapsed time: start-to-end if finished,
// start-to-now if still live.
func (c *Counter) Duration() time.Duration {
	if e, ok := c.end.Load().(time.Time); ok {
		return e.Sub(c.start)
	}
	return clock().Sub(c.start)
}

// clock is overridable in tests that need deterministic timestamps.
var clock = time.Now

// Registry is the process-wide collection of live Counters, keyed by a
// monotonically increasing connection id.
type Registry struct {
	m    *registry.Map[uint64, *Counter]
	next uint64
	boot time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{m: registry.New[uint64, *Counter](), boot: clock()}
}

// Register allocates a connection id and stores c under it.
func (r *Registry) Register(c *Counter) (id uint64) {
	id = atomic.AddUint64(&r.next, 1)
	r.m.Store(id, c)
	return id
}

// Unregister removes the Counter for id. Called once the session has been
// finished and its notify call made, so STAT/INFO only show live sessions.
func (r *Registry) Unregister(id uint64) {
	r.m.Delete(id)
}

// Summary renders the one-line INFO view: total sessions, total bytes
// sent/received, and uptime.
func (r *Registry) Summary() string {
	var sent, recv uint64
	count := 0
	r.m.Walk(func(_ uint64, c *Counter) bool {
		count++
		sent += c.Sent()
		recv += c.Recv()
		return true
	})
	return fmt.Sprintf("sessions:%d sent:%d recv:%d uptime:%s", count, sent, recv, clock().Sub(r.boot))
}

// Detailed renders the STAT view: one line per live session.
func (r *Registry) Detailed() []string {
	var lines []string
	r.m.Walk(func(id uint64, c *Counter) bool {
		lines = append(lines, fmt.Sprintf("%d %s -> %s s:%d r:%d t:%s",
			id, c.src, c.dst, c.Sent(), c.Recv(), c.Duration()))
		return true
	})
	return lines
}

// countingConn wraps a net.Conn, reporting every Write through the owning
// Counter; reads pass through uncounted. Closing it is transparent and idempotent at the net.Conn
// layer; Finish is the caller's responsibility once both directions are
// done.
type countingConn struct {
	net.Conn
	c    *Counter
	sent bool // true counts Write as "sent", false counts Write as "recv"
}

// WrapSent returns a net.Conn that attributes bytes written through it to
// the counter's "sent" side; the session wraps the backend-facing
// connection with it, so it counts bytes forwarded toward the backend.
func WrapSent(conn net.Conn, c *Counter) net.Conn {
	return &countingConn{Conn: conn, c: c, sent: true}
}

// WrapRecv returns a net.Conn that attributes bytes written through it to
// the counter's "recv" side; the session wraps the client-facing
// connection with it, so it counts bytes forwarded toward the client.
func WrapRecv(conn net.Conn, c *Counter) net.Conn {
	return &countingConn{Conn: conn, c: c, sent: false}
}

func (w *countingConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if w.sent {
		w.c.AddSent(n)
	} else {
		w.c.AddRecv(n)
	}
	return n, err
}
