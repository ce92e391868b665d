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

// Package upstream talks to the broker's two narrow HTTP endpoints: ticket
// resolution and end-of-session notification. It is a trimmed adaptation of
// the teacher's httpcli package: the same liberr-wrapped *http.Client-over-
// net/http shape, collapsed from a generic fluent request builder down to
// the two fixed calls the relay ever makes.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	liberr "github.com/udsrelay/tunnel/errors"
)

// Resolution is the broker's answer to a ticket resolve call.
type Resolution struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Notify string `json:"notify"`
}

// Client issues the relay's two upstream HTTP calls against a single
// configured broker base URL.
type Client interface {
	Resolve(ctx context.Context, ticket, clientIP string) (Resolution, liberr.Error)
	Notify(ctx context.Context, notifyToken string, sent, recv uint64) error
}

type client struct {
	server string
	token  string
	hc     *http.Client
}

// New builds a Client against server (the uds_server base URL) using token
// (uds_token) on every call, with timeout and tlsCfg driven by the
// uds_timeout/uds_verify_ssl configuration keys.
func New(server, token string, timeout time.Duration, tlsCfg *tls.Config) Client {
	return &client{
		server: server,
		token:  token,
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
			},
		},
	}
}

// Resolve performs GET {uds_server}/{ticket}/{client_ip}/{uds_token} and
// decodes the {host, port, notify} JSON response. Any non-2xx status,
// transport failure, or malformed body is an UpstreamError.
func (c *client) Resolve(ctx context.Context, ticket, clientIP string) (Resolution, liberr.Error) {
	u := fmt.Sprintf("%s/%s/%s/%s",
		trimSlash(c.server), url.PathEscape(ticket), url.PathEscape(clientIP), url.PathEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Resolution{}, liberr.New(liberr.UpstreamError, "building resolve request", err)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return Resolution{}, liberr.New(liberr.UpstreamError, "calling resolve endpoint", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return Resolution{}, liberr.Newf(liberr.UpstreamError, "resolve endpoint returned status %d: %s", res.StatusCode, body)
	}

	var out Resolution
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Resolution{}, liberr.New(liberr.UpstreamError, "decoding resolve response", err)
	}

	if out.Host == "" || out.Port == 0 || out.Notify == "" {
		return Resolution{}, liberr.New(liberr.UpstreamError, "resolve response missing a required field")
	}

	return out, nil
}

// Notify performs GET {uds_server}/{notify}/stop/{uds_token}?sent=<n>&recv=<n>.
// It is best-effort: the session is already closed by the time this is
// called, so any failure is the caller's concern to log, not to surface.
func (c *client) Notify(ctx context.Context, notifyToken string, sent, recv uint64) error {
	u := fmt.Sprintf("%s/%s/stop/%s?sent=%d&recv=%d",
		trimSlash(c.server), url.PathEscape(notifyToken), url.PathEscape(c.token), sent, recv)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	return nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
