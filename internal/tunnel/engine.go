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
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/udsrelay/tunnel/internal/config"
	"github.com/udsrelay/tunnel/internal/srcfilter"
	"github.com/udsrelay/tunnel/internal/stats"
	"github.com/udsrelay/tunnel/internal/upstream"
	"github.com/udsrelay/tunnel/logger"
)

// Dialer opens a plain backend connection and is overridable in tests. When
// Engine.BackendTLS is set the engine dials through a tls.Dialer instead and
// Dial is not used (spec sec. 9's open question).
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Engine runs the command-phase state machine of spec sec. 4.1 for exactly
// one accepted client connection, then — on a successful OPEN — hands off
// to a paired Session for the PROXYING phase.
type Engine struct {
	Cfg      config.Config
	Up       upstream.Client
	Registry *stats.Registry
	Filter   *srcfilter.Filter
	Log      logger.Logger
	Dial     Dialer
	BackendTLS *tls.Config // nil: plain TCP to backend (default per spec sec. 9)
}

// NewEngine builds an Engine with the production net.Dialer.
func NewEngine(cfg config.Config, up upstream.Client, reg *stats.Registry, filter *srcfilter.Filter, log logger.Logger) *Engine {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &Engine{
		Cfg:      cfg,
		Up:       up,
		Registry: reg,
		Filter:   filter,
		Log:      log,
		Dial:     d.DialContext,
	}
}

// Handle runs the full per-connection lifecycle: command read, dispatch,
// and (for OPEN) the proxy phase, returning once the connection is fully
// torn down. Callers run Handle on its own goroutine per accepted conn.
func (e *Engine) Handle(ctx context.Context, conn net.Conn) {
	src := HostOnly(conn.RemoteAddr())

	e.Log.Info(fmt.Sprintf("CONNECT FROM %s", src), nil)

	cmdBuf := make([]byte, CommandLength)
	if _, err := io.ReadFull(conn, cmdBuf); err != nil {
		_ = conn.Close()
		e.Log.Info(fmt.Sprintf("ERROR short command from %s", src), nil)
		return
	}

	switch normalizeCommand(cmdBuf) {
	case cmdTest:
		e.handleTest(conn, src)
	case cmdStat:
		e.handleAdmin(conn, src, true)
	case cmdInfo:
		e.handleAdmin(conn, src, false)
	case cmdOpen:
		e.handleOpen(ctx, conn, src)
	default:
		e.reject(conn, src, RespErrorCommand, "unknown command")
	}
}

func (e *Engine) handleTest(conn net.Conn, src string) {
	_, _ = io.WriteString(conn, RespOK+"\n")
	_ = conn.Close()
	e.Log.Info(fmt.Sprintf("TERMINATED %s TEST", src), nil)
}

// handleAdmin serves STAT (full=true) or INFO (full=false), spec sec. 4.4/6.
// Per P6, no backend socket is ever opened on this path.
func (e *Engine) handleAdmin(conn net.Conn, src string, full bool) {
	if !e.Cfg.IsAllowed(src) {
		e.reject(conn, src, RespForbidden, "admin command from disallowed source")
		return
	}

	pwBuf := make([]byte, PasswordLength)
	if _, err := io.ReadFull(conn, pwBuf); err != nil {
		_ = conn.Close()
		return
	}

	if !constantTimeEqualPassword(e.Cfg.Secret, pwBuf) {
		e.reject(conn, src, RespForbidden, "admin command with wrong password")
		return
	}

	e.Filter.RecordSuccess(src)

	var out strings.Builder
	if full {
		for _, line := range e.Registry.Detailed() {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	} else {
		out.WriteString(e.Registry.Summary())
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	_, _ = io.WriteString(conn, out.String())
	_ = conn.Close()
	e.Log.Info(fmt.Sprintf("TERMINATED %s", src), nil)
}

func constantTimeEqualPassword(secret string, given []byte) bool {
	padded := make([]byte, PasswordLength)
	copy(padded, secret)
	return subtle.ConstantTimeCompare(padded, given) == 1
}

// handleOpen runs the OPEN path: read ticket, validate (I5/B1), resolve
// upstream (UpstreamError on failure), dial the backend (BackendError on
// failure), then pair a Session and enter PROXYING.
func (e *Engine) handleOpen(ctx context.Context, conn net.Conn, src string) {
	ticketBuf := make([]byte, TicketLength)
	if _, err := io.ReadFull(conn, ticketBuf); err != nil {
		_ = conn.Close()
		return
	}
	ticket := string(ticketBuf)

	if !ValidTicket(ticket) {
		e.reject(conn, src, RespErrorTicket, "invalid ticket")
		return
	}

	resolveCtx, cancel := context.WithTimeout(ctx, e.Cfg.UDSTimeout)
	defer cancel()

	res, rerr := e.Up.Resolve(resolveCtx, ticket, src)
	if rerr != nil {
		e.Log.Warning("ticket resolution failed", logger.Fields{"src": src, "error": rerr.Error()})
		e.reject(conn, src, RespErrorTicket, "upstream resolution failed")
		return
	}

	dst := fmt.Sprintf("%s:%d", res.Host, res.Port)

	backend, derr := e.dialBackend(ctx, dst)
	if derr != nil {
		e.Log.Error(fmt.Sprintf("cannot connect to backend %s", dst), logger.Fields{"src": src, "error": derr.Error()})
		_ = conn.Close()
		return
	}

	if _, err := io.WriteString(conn, RespOK); err != nil {
		_ = conn.Close()
		_ = backend.Close()
		return
	}

	e.Filter.RecordSuccess(src)
	e.Log.Info(fmt.Sprintf("OPEN TUNNEL FROM %s to %s", src, dst), nil)

	sess := NewSession(conn, backend, res.Notify, e.Up, e.Log)
	sess.ID = e.Registry.Register(sess.Counter())

	sess.Proxy()

	sess.NotifyEnd(ctx)
	e.Registry.Unregister(sess.ID)
	e.Log.Info(sess.TerminatedLogLine(), nil)
}

func (e *Engine) dialBackend(ctx context.Context, addr string) (net.Conn, error) {
	if e.BackendTLS != nil {
		d := &tls.Dialer{Config: e.BackendTLS}
		return d.DialContext(ctx, "tcp", addr)
	}
	return e.Dial(ctx, "tcp", addr)
}

// reject writes resp, closes the connection, and records the failure
// against src for the source-filter (spec sec. 4.5).
func (e *Engine) reject(conn net.Conn, src, resp, reason string) {
	_, _ = io.WriteString(conn, resp)
	_ = conn.Close()
	e.Filter.RecordFailure(src)
	e.Log.Info(fmt.Sprintf("TERMINATED %s %s: %s", src, resp, reason), nil)
}

// HostOnly strips the port from addr's string form, falling back to the
// raw string for addresses without one (e.g. net.Pipe's synthetic "pipe").
func HostOnly(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
