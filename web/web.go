// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package web holds the small HTTP-response helpers shared by the
// Transport Layer (§4.4): writing a problem document and logging an
// audit line for the errors that produced it. Generalized from boulder's
// wfe2-era `web` package (`web/probs.go`, `web/send_error.go`), whose
// subproblem/namespace machinery is dropped since this engine's problem
// kinds (spec.md §7) never need per-identifier sub-errors.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/probs"
)

// RequestEvent accumulates the facts about one request worth an audit
// line once the response has been decided, mirroring boulder's
// wfe2.RequestEvent but trimmed to the fields this engine's handlers
// actually populate.
type RequestEvent struct {
	Method   string
	Endpoint string
	Status   int
	Error    string
}

// SendError writes prob as an `application/problem+json` body with its
// own status and records ierr (the original internal error, which is
// never sent to the client) in logEvent and the audit log when the
// problem is a server-internal one (spec.md §7: "no internal detail
// leaks").
func SendError(logger log.Logger, w http.ResponseWriter, logEvent *RequestEvent, prob *probs.ProblemDetails, ierr error) {
	if logEvent != nil {
		logEvent.Status = prob.Status
		if ierr != nil {
			logEvent.Error = ierr.Error()
		}
	}
	if prob.Type == probs.ServerInternal && ierr != nil {
		logger.AuditErr("internal error serving %s: %s", safeEndpoint(logEvent), ierr)
	}

	body, err := json.Marshal(prob)
	if err != nil {
		logger.AuditErr("marshaling problem document: %s", err)
		body = []byte(`{"type":"` + string(probs.ServerInternal) + `","detail":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(prob.Status)
	w.Write(body)
}

func safeEndpoint(logEvent *RequestEvent) string {
	if logEvent == nil {
		return "unknown"
	}
	return logEvent.Endpoint
}

// RelativeEndpoint strips baseURL from a request path for compact audit
// logging, matching the teacher's habit of logging paths, not full URLs.
func RelativeEndpoint(baseURL, path string) string {
	if len(path) >= len(baseURL) && path[:len(baseURL)] == baseURL {
		return path[len(baseURL):]
	}
	return path
}
