// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package log provides the leveled Logger interface used throughout the
// engine, generalized from boulder's blog.Logger (the blog package body
// was not present in the retrieval pack; this interface is reconstructed
// from its call sites: .Debugf, .Infof, .Warningf, .AuditErr/.Err).
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger is the leveled logging interface every long-lived component
// takes at construction. There is no package-level global logger
// (spec.md §9 "Global mutable state": handles are passed explicitly).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errf(format string, args ...interface{})
	AuditErr(format string, args ...interface{})
}

// impl writes leveled, prefixed lines to an io.Writer.
type impl struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

// New constructs a Logger that writes to w, tagging every line with
// prefix (typically the component name, e.g. "wfe" or "va").
func New(w io.Writer, prefix string) Logger {
	return &impl{out: w, prefix: prefix}
}

// NewStdout is a convenience constructor writing to os.Stdout.
func NewStdout(prefix string) Logger {
	return New(os.Stdout, prefix)
}

func (l *impl) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s [%s] %s\n", level, l.prefix, fmt.Sprintf(format, args...))
}

func (l *impl) Debugf(format string, args ...interface{})   { l.write("DEBUG", format, args...) }
func (l *impl) Infof(format string, args ...interface{})    { l.write("INFO", format, args...) }
func (l *impl) Warningf(format string, args ...interface{}) { l.write("WARN", format, args...) }
func (l *impl) Errf(format string, args ...interface{})     { l.write("ERR", format, args...) }
func (l *impl) AuditErr(format string, args ...interface{}) { l.write("AUDIT", format, args...) }

// mock is a Logger that discards everything, used by tests.
type mock struct{}

// NewMock returns a Logger suitable for use in tests, matching the
// `log.NewMock()` helper referenced by `web/send_error_test.go`.
func NewMock() Logger { return mock{} }

func (mock) Debugf(string, ...interface{})   {}
func (mock) Infof(string, ...interface{})    {}
func (mock) Warningf(string, ...interface{}) {}
func (mock) Errf(string, ...interface{})     {}
func (mock) AuditErr(string, ...interface{}) {}
