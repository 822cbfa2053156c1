// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command acmeforge-server runs the Transport Layer (wfe), ACME Server
// Core (ra), and PKI Adapter (pki) behind one HTTP(S) listener, backed
// by the in-memory Resource Store. Grounded on cmd/boulder-wfe2's
// bootstrap shape (flag-driven config file, goroutine-per-listener,
// signal-driven graceful shutdown) generalized onto this engine's
// single-binary architecture.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/acmeforge/acmeforge/cmd"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/metrics"
	"github.com/acmeforge/acmeforge/noncesrc"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/pki/policy"
	"github.com/acmeforge/acmeforge/ra"
	"github.com/acmeforge/acmeforge/store"
	"github.com/acmeforge/acmeforge/wfe"
	"github.com/jmhodges/clock"
)

// config is acmeforge-server's configuration document.
type config struct {
	Server struct {
		cmd.ServiceConfig

		ListenAddress    string `validate:"required"`
		TLSListenAddress string
		TLS              *cmd.TLSConfig

		BaseURL            string `validate:"required,url"`
		TermsURL           string
		MaxValiditySeconds int64
		RateLimitPOSTs     int
		RateLimitWindow    cmd.ConfigDuration

		// EnabledChallenges names the Challenge Modules this server will
		// offer, by wire type ("http-01", "dns-01", "tls-sni-02", "oob").
		EnabledChallenges []string `validate:"required,min=1"`

		ShutdownTimeout cmd.ConfigDuration
	}

	Log cmd.LogConfig
}

func main() {
	configFile := flag.String("config", "", "File path to this server's YAML configuration")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c config
	var err error
	reg, logger := cmd.StatsAndLogging(cmd.LogConfig{Prefix: "acmeforge-server"})
	err = cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(logger, err, "reading configuration file")
	if c.Log.Prefix != "" {
		reg, logger = cmd.StatsAndLogging(c.Log)
	}

	challenges := map[core.ChallengeType]bool{}
	for _, name := range c.Server.EnabledChallenges {
		challenges[core.ChallengeType(name)] = true
	}

	clk := clock.Default()
	pa, err := policy.New(challenges, logger)
	cmd.FailOnError(logger, err, "constructing policy authority")
	ca := pki.New(clk, pa)
	st := store.New()
	impl := ra.New(clk, logger, st, pa, ca)
	nonces := noncesrc.New(clk, 0)
	scope := metrics.NewServerScope(reg)

	front := wfe.New(clk, logger, impl, st, nonces, wfe.Config{
		BaseURL:            c.Server.BaseURL,
		TermsURL:           c.Server.TermsURL,
		MaxValiditySeconds: c.Server.MaxValiditySeconds,
		RateLimitPOSTs:     c.Server.RateLimitPOSTs,
		RateLimitWindow:    c.Server.RateLimitWindow.Duration,
	}, scope)
	handler := front.Handler()

	logger.Infof("server running, listening on %s", c.Server.ListenAddress)
	srv := &http.Server{Addr: c.Server.ListenAddress, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cmd.FailOnError(logger, err, "running HTTP server")
		}
	}()

	var tlsSrv *http.Server
	if c.Server.TLSListenAddress != "" && c.Server.TLS != nil {
		tlsSrv = &http.Server{Addr: c.Server.TLSListenAddress, Handler: handler}
		go func() {
			err := tlsSrv.ListenAndServeTLS(c.Server.TLS.CertFile, c.Server.TLS.KeyFile)
			if err != nil && err != http.ErrServerClosed {
				cmd.FailOnError(logger, err, "running TLS server")
			}
		}()
	}

	go cmd.DebugServer(logger, c.Server.DebugAddr)

	done := make(chan struct{})
	go cmd.CatchSignals(logger, func() {
		timeout := c.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if tlsSrv != nil {
			_ = tlsSrv.Shutdown(ctx)
		}
		close(done)
	})
	<-done
}
