// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package probs translates internal berrors into RFC 7807-style ACME
// problem documents (spec.md §6-7).
package probs

import (
	"net/http"

	"github.com/acmeforge/acmeforge/berrors"
)

// ProblemType is the `urn:ietf:params:acme:error:*` type string.
type ProblemType string

const ErrorNS = ProblemType("urn:ietf:params:acme:error:")

const (
	MalformedProblem    = ErrorNS + "malformed"
	UnauthorizedProblem = ErrorNS + "unauthorized"
	RateLimitedProblem  = ErrorNS + "rateLimited"
	ServerInternal      = ErrorNS + "serverInternal"
)

// ProblemDetails is the wire representation of an ACME error, serialized
// as `application/problem+json`. Status is embedded in the body as well
// as returned separately so callers can set the HTTP status line without
// re-deriving it.
type ProblemDetails struct {
	Type   ProblemType `json:"type,omitempty"`
	Detail string      `json:"detail,omitempty"`
	Status int         `json:"status,omitempty"`
}

// ForError maps an internal error to a wire ProblemDetails and the HTTP
// status it should be returned with. Unrecognized errors are folded into
// a generic internal-server problem so no internal detail leaks (spec.md
// §7).
func ForError(err error) (*ProblemDetails, int) {
	ae, ok := err.(*berrors.AcmeError)
	if !ok {
		return &ProblemDetails{Type: ServerInternal, Detail: "Internal server error", Status: http.StatusInternalServerError}, http.StatusInternalServerError
	}
	var typ ProblemType
	var status int
	switch ae.Type {
	case berrors.Malformed:
		typ, status = MalformedProblem, http.StatusBadRequest
	case berrors.Unauthorized:
		typ, status = UnauthorizedProblem, http.StatusUnauthorized
	case berrors.NotFound:
		typ, status = MalformedProblem, http.StatusNotFound
	case berrors.Conflict:
		typ, status = MalformedProblem, http.StatusConflict
	case berrors.RateLimit:
		typ, status = RateLimitedProblem, http.StatusForbidden
	default:
		typ, status = ServerInternal, http.StatusInternalServerError
	}
	return &ProblemDetails{Type: typ, Detail: ae.Detail, Status: status}, status
}
