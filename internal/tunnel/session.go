/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
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

package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/udsrelay/tunnel/internal/stats"
	"github.com/udsrelay/tunnel/internal/upstream"
	"github.com/udsrelay/tunnel/logger"
)

// Session is the paired-object design of spec sec. 9: rather than two
// engines holding references to each other, the Session itself owns both
// transports and the shared Counter, breaking the cycle the source's
// mutually-referencing protocol objects would otherwise need a garbage
// collector (or careful manual teardown) to resolve.
type Session struct {
	ID  uint64
	Src string
	Dst string

	client net.Conn
	backend net.Conn

	counter *stats.Counter
	notify  string

	up  upstream.Client
	log logger.Logger

	closeOnce  sync.Once
	notifyOnce sync.Once
	done       chan struct{}
}

// NewSession builds a Session pairing an already-accepted client
// connection with an already-dialed backend connection. The caller assigns
// ID after registering the session's Counter with the stats registry.
func NewSession(client, backend net.Conn, notify string, up upstream.Client, log logger.Logger) *Session {
	s := &Session{
		Src:     client.RemoteAddr().String(),
		Dst:     backend.RemoteAddr().String(),
		client:  client,
		backend: backend,
		counter: stats.NewCounter(client.RemoteAddr().String(), backend.RemoteAddr().String()),
		notify:  notify,
		up:      up,
		log:     log,
		done:    make(chan struct{}),
	}
	return s
}

// Counter exposes the session's byte counters for registry registration.
func (s *Session) Counter() *stats.Counter { return s.counter }

// Proxy runs the full-duplex byte pump (spec sec. 4.1 PROXYING) and blocks
// until both directions have finished, then tears the session down exactly
// once. It satisfies invariant I3/P4: io.Copy's blocking Read-then-Write
// loop means a direction never issues a Write after its destination
// net.Conn has been closed by the peer's teardown, because Close()
// interrupts the in-flight Read/Write on that same fd.
func (s *Session) Proxy() {
	toBackend := stats.WrapSent(s.backend, s.counter)
	toClient := stats.WrapRecv(s.client, s.counter)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(toBackend, s.client)
		s.Close()
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(toClient, s.backend)
		s.Close()
	}()

	wg.Wait()
	close(s.done)
}

// Wait blocks until the session has fully torn down.
func (s *Session) Wait() { <-s.done }

// Close closes both transports. It is idempotent (R2): only the first call
// has any effect, matching net.Conn's own idempotent-close contract and
// the source's self.transport.close() guard.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.backend.Close()
		s.counter.Finish()
	})
}

// NotifyEnd fires the end-of-session upstream notification exactly once
// (I2/R2), mirroring the source's notify_ticket-cleared-before-call guard.
// It is best-effort: failures are logged at WARN and swallowed, since the
// session is already torn down by the time this runs (spec sec. 4.2/7).
func (s *Session) NotifyEnd(ctx context.Context) {
	if s.notify == "" {
		return
	}

	s.notifyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.up.Notify(ctx, s.notify, s.counter.Sent(), s.counter.Recv()); err != nil {
			s.log.Warning("notify call failed", logger.Fields{
				"notify": s.notify, "error": err.Error(),
			})
		}
	})
}

// TerminatedLogLine renders the TERMINATED line from spec sec. 4.1.
func (s *Session) TerminatedLogLine() string {
	return terminatedLine(s.Src, s.Dst, s.counter.Sent(), s.counter.Recv(), s.counter.Duration().Seconds())
}
