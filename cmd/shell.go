// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/acmeforge/acmeforge/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsAndLogging constructs a Prometheus registerer and a Logger from a
// LogConfig, and returns them both.
func StatsAndLogging(conf LogConfig) (prometheus.Registerer, log.Logger) {
	logger := log.NewStdout(conf.Prefix)
	return prometheus.DefaultRegisterer, logger
}

// FailOnError logs and exits if err is non-nil.
func FailOnError(logger log.Logger, err error, msg string) {
	if err != nil {
		logger.AuditErr("%s: %s", msg, err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// DebugServer serves /metrics on addr. Typical usage is `go
// cmd.DebugServer(logger, conf.DebugAddr)`.
func DebugServer(logger log.Logger, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infof("debug server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.AuditErr("debug server exited: %s", err)
	}
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT, or SIGHUP is received, then
// runs callback before returning.
func CatchSignals(logger log.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	logger.Infof("caught %s", signalToName[sig])
	if callback != nil {
		callback()
	}
	logger.Infof("exiting")
}
