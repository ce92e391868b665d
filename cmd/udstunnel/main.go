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

// Command udstunnel is the relay's process entrypoint: a single cobra
// "serve" command that loads the INI configuration (spec sec. 6), wires
// the logger, TLS material, upstream client, stats registry, source
// filter, protocol engine and listener together, then runs until an
// interrupt or terminate signal triggers graceful shutdown (spec sec.
// 4.3/5). Grounded on the teacher's cobra package pattern of binding flags
// into a config loader before Execute(), trimmed of the teacher's
// shell-completion/bubbletea-question scaffolding this relay has no use
// for (see DESIGN.md).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/udsrelay/tunnel/certificates"
	"github.com/udsrelay/tunnel/internal/config"
	"github.com/udsrelay/tunnel/internal/listener"
	"github.com/udsrelay/tunnel/internal/srcfilter"
	"github.com/udsrelay/tunnel/internal/stats"
	"github.com/udsrelay/tunnel/internal/tunnel"
	"github.com/udsrelay/tunnel/internal/upstream"
	"github.com/udsrelay/tunnel/logger"
)

// Exit codes, spec sec. 6.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
	exitTLSError    = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string
	var logLevelOverride string
	code := exitOK

	cmd := &cobra.Command{
		Use:   "udstunnel",
		Short: "UDS tunnel relay: forwards tickets to backend desktop services",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "start the tunnel relay",
		RunE: func(_ *cobra.Command, _ []string) error {
			code = serveMain(configPath, logLevelOverride)
			return nil
		},
	}
	serve.Flags().StringVar(&configPath, "config", "/etc/udstunnel/udstunnel.conf", "path to the INI configuration file")
	serve.Flags().StringVar(&logLevelOverride, "log-level", "", "override the configured log_level")
	cmd.AddCommand(serve)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	return code
}

// serveMain wires the relay together per SPEC_FULL sec. 11's dependency
// graph and runs until shutdown, returning the process exit code.
func serveMain(configPath, logLevelOverride string) int {
	cfg, cerr := config.Load(configPath)
	if cerr != nil {
		fmt.Fprintln(os.Stderr, cerr.Error())
		return exitConfigError
	}

	lvl := cfg.LogLevel
	if logLevelOverride != "" {
		lvl = logLevelOverride
	}

	log, lerr := logger.NewFromConfig(cfg.LogFile, logger.ParseLevel(lvl))
	if lerr != nil {
		fmt.Fprintln(os.Stderr, lerr.Error())
		return exitConfigError
	}
	defer func() { _ = log.Close() }()

	var listenTLS *tls.Config
	if cfg.TLSEnabled() {
		serverCfg, terr := certificates.Config{
			CertFile: cfg.TLSCertPath,
			KeyFile:  cfg.TLSKeyPath,
			Ciphers:  cfg.TLSCiphers,
		}.ServerTLSConfig()
		if terr != nil {
			log.Error("loading TLS material", logger.Fields{"error": terr.Error()})
			return exitTLSError
		}
		listenTLS = serverCfg
	}

	upstreamTLS := certificates.Config{InsecureSkipVerify: !cfg.UDSVerifySSL}.ClientTLSConfig()
	up := upstream.New(cfg.UDSServer, cfg.UDSToken, cfg.UDSTimeout, upstreamTLS)

	reg := stats.NewRegistry()
	filter := srcfilter.New(srcfilter.DefaultAllowedFails, srcfilter.DefaultWindow)

	engine := tunnel.NewEngine(cfg, up, reg, filter, log)
	lst := listener.New(cfg, engine, filter, log, listenTLS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received", nil)
		cancel()
	}()

	log.Info(fmt.Sprintf("listening on %s", cfg.ListenAddress()), nil)

	if err := lst.Serve(ctx); err != nil {
		log.Error("listener failed", logger.Fields{"error": err.Error()})
		return exitBindFailure
	}

	return exitOK
}
