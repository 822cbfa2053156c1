// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package metrics provides the Prometheus instrumentation wrapped around
// the Transport Layer's three gates (spec.md §4.4) and the Client's
// POST/GET/poll calls, generalized from boulder's `metrics.Scope`
// (referenced throughout `cmd/shell.go`, body not present in the
// retrieval pack) onto `client_golang`'s registerer/collector types
// directly, since the scope wrapper itself adds nothing this spec needs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ServerScope holds the collectors the Transport Layer (server) updates
// on every request.
type ServerScope struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GateRejections  *prometheus.CounterVec
}

// NewServerScope registers and returns the server-side collectors against
// reg. Passing prometheus.NewRegistry() in tests keeps them isolated from
// the global DefaultRegisterer.
func NewServerScope(reg prometheus.Registerer) *ServerScope {
	s := &ServerScope{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acmeforge_wfe_requests_total",
			Help: "Count of Transport Layer requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "acmeforge_wfe_request_duration_seconds",
			Help: "Transport Layer request handling latency by endpoint.",
		}, []string{"endpoint"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acmeforge_wfe_gate_rejections_total",
			Help: "Count of requests rejected at a Transport Layer gate, by gate name.",
		}, []string{"gate"}),
	}
	reg.MustRegister(s.Requests, s.RequestDuration, s.GateRejections)
	return s
}

// ClientScope holds the collectors the ACME Client Core updates on every
// outbound call.
type ClientScope struct {
	Calls       *prometheus.CounterVec
	CallLatency *prometheus.HistogramVec
}

// NewClientScope registers and returns the client-side collectors.
func NewClientScope(reg prometheus.Registerer) *ClientScope {
	c := &ClientScope{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acmeforge_client_calls_total",
			Help: "Count of ACME Client Core outbound calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "acmeforge_client_call_duration_seconds",
			Help: "ACME Client Core outbound call latency by operation.",
		}, []string{"operation"}),
	}
	reg.MustRegister(c.Calls, c.CallLatency)
	return c
}
