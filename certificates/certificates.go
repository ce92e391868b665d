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

// Package certificates builds *tls.Config values for the tunnel relay. It
// is a trimmed adaptation of the teacher's certificates package: the same
// cert/key-pair-plus-cipher-suite shape, but collapsed from six
// sub-packages (auth, ca, certs, cipher, curves, tlsversion) down to the
// handful of fields the relay's listener and upstream/backend dialers
// actually use. See DESIGN.md for what was dropped and why.
package certificates

import (
	"crypto/tls"

	liberr "github.com/udsrelay/tunnel/errors"
)

// Config describes the TLS material for either side of the relay: the
// client-facing listener (spec sec. 4.3) or an optional TLS dial to the
// backend service (spec sec. 9's open question, defaulted off).
type Config struct {
	// CertFile/KeyFile are the PEM certificate and private key used when
	// this Config terminates TLS (listener side). Both empty disables TLS.
	CertFile string
	KeyFile  string

	// Ciphers optionally restricts the cipher suite list by name (e.g.
	// "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"). Empty keeps Go's default
	// suite selection.
	Ciphers []string

	// InsecureSkipVerify disables certificate verification on outbound
	// connections (uds_verify_ssl=false, or a backend TLS dial).
	InsecureSkipVerify bool
}

// Enabled reports whether this Config carries listener TLS material.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ServerTLSConfig loads the certificate/key pair and returns a *tls.Config
// suitable for tls.NewListener, failing with a ConfigError the relay's
// startup path turns into exit code 3 (spec sec. 6).
func (c Config) ServerTLSConfig() (*tls.Config, liberr.Error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, liberr.New(liberr.ConfigError, "loading TLS certificate/key", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if suites := cipherSuiteIDs(c.Ciphers); len(suites) > 0 {
		cfg.CipherSuites = suites
	}

	return cfg, nil
}

// ClientTLSConfig returns the *tls.Config used by the upstream HTTP client
// and, optionally, the backend dialer (uds_verify_ssl / backend TLS).
func (c Config) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // driven by explicit operator configuration
		MinVersion:         tls.VersionTLS12,
	}
}

var cipherSuiteByName = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		m[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.Name] = s.ID
	}
	return m
}()

func cipherSuiteIDs(names []string) []uint16 {
	var ids []uint16
	for _, n := range names {
		if id, ok := cipherSuiteByName[n]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
