// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build integration

// Package integration drives spec.md §8's testable properties S1-S6 end
// to end over real HTTP, against an in-process server built from the
// actual wfe/ra/store/pki/policy/noncesrc stack — no mocks.
package integration

import (
	"net/http/httptest"
	"testing"

	"github.com/acmeforge/acmeforge/client"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/metrics"
	"github.com/acmeforge/acmeforge/noncesrc"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/pki/policy"
	"github.com/acmeforge/acmeforge/ra"
	"github.com/acmeforge/acmeforge/store"
	"github.com/acmeforge/acmeforge/test"
	"github.com/acmeforge/acmeforge/wfe"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// testEngine is a full server under test plus the clock driving it.
type testEngine struct {
	srv *httptest.Server
	clk clock.FakeClock
}

func newTestEngine(t *testing.T, rateLimitPOSTs int) *testEngine {
	t.Helper()
	clk := clock.NewFake()
	pa, err := policy.New(map[core.ChallengeType]bool{core.ChallengeTypeHTTP01: true}, log.NewMock())
	test.AssertNotError(t, err, "constructing policy authority")
	ca := pki.New(clk, pa)
	st := store.New()
	impl := ra.New(clk, log.NewMock(), st, pa, ca)
	nonces := noncesrc.NewSized(clk, 0, 1000)
	scope := metrics.NewServerScope(prometheus.NewRegistry())

	ts := httptest.NewUnstartedServer(nil)
	ts.StartTLS()
	front := wfe.New(clk, log.NewMock(), impl, st, nonces, wfe.Config{
		BaseURL:        ts.URL,
		TermsURL:       ts.URL + "/terms",
		RateLimitPOSTs: rateLimitPOSTs,
	}, scope)
	ts.Config.Handler = front.Handler()
	return &testEngine{srv: ts, clk: clk}
}

func (e *testEngine) close() { e.srv.Close() }

// newTestClient constructs an acmeforge/client.Client with a fresh
// account key, wired against e's in-process server.
func newTestClient(t *testing.T, e *testEngine) *client.Client {
	t.Helper()
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")
	scope := metrics.NewClientScope(prometheus.NewRegistry())
	c, err := client.New(e.clk, log.NewMock(), scope, signer, client.Config{
		BaseURL:         e.srv.URL,
		Contact:         []string{"mailto:anonymous@example.com"},
		ValidationTypes: []core.ChallengeType{core.ChallengeTypeHTTP01},
		HTTPClient:      e.srv.Client(),
		PollAttempts:    5,
		PollInterval:    0,
	})
	test.AssertNotError(t, err, "constructing client")
	return c
}
