// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package web

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/probs"
	"github.com/acmeforge/acmeforge/test"
)

func TestSendErrorWritesProblemDocument(t *testing.T) {
	rw := httptest.NewRecorder()
	prob := &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "bad", Status: 400}
	logEvent := &RequestEvent{Method: "POST", Endpoint: "/acme/new-reg"}

	SendError(log.NewMock(), rw, logEvent, prob, errors.New("underlying cause"))

	test.AssertEquals(t, rw.Code, 400)
	test.AssertEquals(t, rw.Header().Get("Content-Type"), "application/problem+json")
	test.AssertUnmarshaledEquals(t, rw.Body.String(), `{"type":"urn:ietf:params:acme:error:malformed","detail":"bad","status":400}`)
	test.AssertEquals(t, logEvent.Status, 400)
	test.AssertEquals(t, logEvent.Error, "underlying cause")
}

func TestSendErrorInternalDoesNotLeakDetail(t *testing.T) {
	rw := httptest.NewRecorder()
	prob := &probs.ProblemDetails{Type: probs.ServerInternal, Detail: "Internal server error", Status: 500}

	SendError(log.NewMock(), rw, &RequestEvent{}, prob, errors.New("db connection refused"))

	test.AssertEquals(t, rw.Code, 500)
	test.AssertContains(t, rw.Body.String(), "Internal server error")
	test.AssertNotContains(t, rw.Body.String(), "db connection refused")
}
