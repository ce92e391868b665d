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

// Package config loads the relay's INI-style configuration file into an
// immutable Config, grounded on the teacher's viper package: the same
// viper.New()/SetConfigType("ini")/ReadInConfig flow, trimmed to the fixed
// key set spec sec. 6 documents instead of the teacher's generic
// multi-format loader.
package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	liberr "github.com/udsrelay/tunnel/errors"
)

// Config is the relay's immutable set of runtime parameters, matching
// spec sec. 3's Configuration record and sec. 6's configuration file keys.
type Config struct {
	ListenHost string
	ListenPort int
	IPv6       bool

	TLSCertPath string
	TLSKeyPath  string
	TLSCiphers  []string

	UDSServer     string
	UDSToken      string
	UDSTimeout    time.Duration
	UDSVerifySSL  bool

	Allow  []string
	Secret string

	Workers  int
	LogLevel string
	LogFile  string
}

// defaults mirrors spec sec. 6's "Optional keys with defaults" table.
func defaults(v *viper.Viper) {
	v.SetDefault("address", "0.0.0.0")
	v.SetDefault("port", 7777)
	v.SetDefault("ipv6", false)
	v.SetDefault("workers", 128)
	v.SetDefault("uds_timeout", 10)
	v.SetDefault("uds_verify_ssl", true)
	v.SetDefault("allow", "127.0.0.1")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_file", "-")
	v.SetDefault("ssl_certificate", "")
	v.SetDefault("ssl_certificate_key", "")
	v.SetDefault("ssl_ciphers", "")
}

// Load reads an INI-style configuration file from path and returns a frozen
// Config, or a ConfigError if a required key is missing or the file cannot
// be parsed (spec sec. 6/7, exit code 1).
func Load(path string) (Config, liberr.Error) {
	v := viper.New()
	v.SetConfigType("ini")
	defaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, liberr.New(liberr.ConfigError, "reading configuration file", err)
	}

	return fromViper(v)
}

// LoadReader behaves like Load but reads the INI content from an in-memory
// buffer; the tests use it. The udstunnel command always reads a file
// through Load.
func LoadReader(content string) (Config, liberr.Error) {
	v := viper.New()
	v.SetConfigType("ini")
	defaults(v)

	if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
		return Config{}, liberr.New(liberr.ConfigError, "parsing configuration", err)
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, liberr.Error) {
	// viper's ini decoder files keys that appear before any [section] header
	// under "default."; lift them to the top-level names read below.
	for _, k := range v.AllKeys() {
		if strings.HasPrefix(k, "default.") {
			v.Set(strings.TrimPrefix(k, "default."), v.Get(k))
		}
	}

	required :=[]string{"uds_server", "uds_token", "secret"}
	for _, k := range required {
		if v.GetString(k) == "" {
			return Config{}, liberr.Newf(liberr.ConfigError, "missing required configuration key %q", k)
		}
	}

	cfg := Config{
		ListenHost:   v.GetString("address"),
		ListenPort:   v.GetInt("port"),
		IPv6:         v.GetBool("ipv6"),
		TLSCertPath:  v.GetString("ssl_certificate"),
		TLSKeyPath:   v.GetString("ssl_certificate_key"),
		TLSCiphers:   splitCSV(v.GetString("ssl_ciphers")),
		UDSServer:    v.GetString("uds_server"),
		UDSToken:     v.GetString("uds_token"),
		UDSTimeout:   time.Duration(v.GetInt("uds_timeout")) * time.Second,
		UDSVerifySSL: v.GetBool("uds_verify_ssl"),
		Allow:        splitCSV(v.GetString("allow")),
		Secret:       v.GetString("secret"),
		Workers:      v.GetInt("workers"),
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return Config{}, liberr.Newf(liberr.ConfigError, "invalid port %d", cfg.ListenPort)
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return Config{}, liberr.New(liberr.ConfigError, "ssl_certificate and ssl_certificate_key must both be set or both empty")
	}

	return cfg, nil
}

// ListenAddress is the "host:port" string the listener binds to.
func (c Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// TLSEnabled reports whether the listener should terminate TLS.
func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// IsAllowed reports whether src (a bare IP, no port) may run admin commands.
func (c Config) IsAllowed(src string) bool {
	for _, a := range c.Allow {
		if a == src {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
