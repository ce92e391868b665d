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

// Package listener accepts TCP connections, optionally terminates TLS,
// enforces the concurrency ceiling, and hands each connection to a
// tunnel.Engine on its own goroutine. Grounded on original_source's
// server.py accept loop, re-expressed using golang.org/x/sync/errgroup
// (a teacher/pack dependency, see SPEC_FULL sec. 11) to run the accept
// loop and the shutdown watcher as one structured-concurrency unit.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udsrelay/tunnel/internal/config"
	"github.com/udsrelay/tunnel/internal/registry"
	"github.com/udsrelay/tunnel/internal/srcfilter"
	"github.com/udsrelay/tunnel/internal/tunnel"
	"github.com/udsrelay/tunnel/logger"
)

// DefaultShutdownGrace bounds how long Serve waits, after closing the
// in-flight connections on shutdown, for their handlers to finish (spec
// sec. 4.3's "bounded grace period").
const DefaultShutdownGrace = 10 * time.Second

// Listener is the accept-loop supervisor of spec sec. 4.3.
type Listener struct {
	cfg    config.Config
	engine *tunnel.Engine
	filter *srcfilter.Filter
	log    logger.Logger
	tlsCfg *tls.Config
	grace  time.Duration

	active int64 // connections currently accepted and not yet closed

	conns   *registry.Map[uint64, net.Conn]
	nextID  uint64

	boundAddr atomic.Value // net.Addr, set once Serve has bound the socket

	wg sync.WaitGroup
}

// New builds a Listener. tlsCfg is nil to serve plain TCP (listen TLS
// disabled per config.TLSEnabled()).
func New(cfg config.Config, engine *tunnel.Engine, filter *srcfilter.Filter, log logger.Logger, tlsCfg *tls.Config) *Listener {
	return &Listener{
		cfg: cfg, engine: engine, filter: filter, log: log, tlsCfg: tlsCfg,
		grace: DefaultShutdownGrace,
		conns: registry.New[uint64, net.Conn](),
	}
}

// SetShutdownGrace overrides the default drain timeout; tests use a short
// value so shutdown scenarios do not slow the suite down.
func (l *Listener) SetShutdownGrace(d time.Duration) { l.grace = d }

// Addr returns the bound socket address once Serve has started listening,
// or nil before that. Used by tests that bind an ephemeral port (":0").
func (l *Listener) Addr() net.Addr {
	if v := l.boundAddr.Load(); v != nil {
		return v.(net.Addr)
	}
	return nil
}

// Serve binds the listening socket(s) and accepts connections until ctx is
// canceled (SIGTERM/SIGINT, spec sec. 4.3/5), then closes every in-flight
// connection and waits up to the grace period for their handlers to
// finish before returning. When cfg.IPv6 is set, a
// second socket is bound on the equivalent "[::]:port" address alongside
// the primary IPv4 one (spec sec. 2/3's "ipv6 toggle", sec. 4.3's "Binds
// one TCP (and IPv6 if configured) listener").
func (l *Listener) Serve(ctx context.Context) error {
	listeners, err := l.bind()
	if err != nil {
		return err
	}
	l.boundAddr.Store(listeners[0].Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil
	})

	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			for {
				conn, err := ln.Accept()
				if err != nil {
					if gctx.Err() != nil {
						return nil // shutdown in progress, not a failure
					}
					return err
				}
				l.accept(gctx, conn)
			}
		})
	}

	err = g.Wait()
	l.drain()
	return err
}

// bind opens the primary listener plus, when cfg.IPv6 is set, a second
// listener on the wildcard IPv6 address at the same port the primary
// bound (its ephemeral port when cfg.ListenPort is 0). TLS, when
// configured, terminates on both sockets identically.
func (l *Listener) bind() ([]net.Listener, error) {
	primary, err := net.Listen("tcp4", l.cfg.ListenAddress())
	if err != nil {
		return nil, err
	}
	listeners := []net.Listener{l.wrapTLS(primary)}

	if l.cfg.IPv6 {
		port := l.cfg.ListenPort
		if a, ok := primary.Addr().(*net.TCPAddr); ok {
			port = a.Port // follow the primary's ephemeral port when ListenPort is 0
		}
		v6Addr := fmt.Sprintf("[::]:%d", port)
		v6, err := net.Listen("tcp6", v6Addr)
		if err != nil {
			for _, ln := range listeners {
				_ = ln.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l.wrapTLS(v6))
	}

	return listeners, nil
}

func (l *Listener) wrapTLS(ln net.Listener) net.Listener {
	if l.tlsCfg == nil {
		return ln
	}
	return tls.NewListener(ln, l.tlsCfg)
}

// drain closes every in-flight client connection, which ends its engine's
// session, then waits up to the configured grace period for the handlers
// to finish their teardown (notify call, final log line) (spec sec. 4.3's
// shutdown sequence). Handlers still running after the grace period are
// not waited for.
func (l *Listener) drain() {
	l.conns.Walk(func(_ uint64, c net.Conn) bool {
		_ = c.Close()
		return true
	})

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(l.grace):
	}
}

// accept applies the concurrency ceiling (P3/I4/B3) and the source filter
// (spec sec. 4.5) before handing the connection to the engine.
func (l *Listener) accept(ctx context.Context, conn net.Conn) {
	src := tunnel.HostOnly(conn.RemoteAddr())

	if l.filter.Blocked(src) {
		l.log.Info(fmt.Sprintf("REJECTED %s: too many recent failures", src), nil)
		_ = conn.Close()
		return
	}

	if atomic.LoadInt64(&l.active) >= int64(l.cfg.Workers) {
		l.log.Info(fmt.Sprintf("REJECTED %s: concurrency ceiling reached", src), nil)
		_ = conn.Close()
		return
	}

	atomic.AddInt64(&l.active, 1)
	l.wg.Add(1)

	id := atomic.AddUint64(&l.nextID, 1)
	l.conns.Store(id, conn)

	go func() {
		defer l.wg.Done()
		defer atomic.AddInt64(&l.active, -1)
		defer l.conns.Delete(id)
		l.engine.Handle(ctx, conn)
	}()
}
