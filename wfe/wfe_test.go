// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wfe

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const testBaseURL = "https://acme.example.invalid"

var fakeTLS = tls.ConnectionState{}

func testWFE(t *testing.T) *Impl {
	t.Helper()
	clk := clock.NewFake()
	pa, err := policy.New(map[core.ChallengeType]bool{core.ChallengeTypeHTTP01: true}, log.NewMock())
	test.AssertNotError(t, err, "constructing policy authority")
	ca := pki.New(clk, pa)
	st := store.New()
	impl := ra.New(clk, log.NewMock(), st, pa, ca)
	nonces := noncesrc.New(clk, 0)
	scope := metrics.NewServerScope(prometheus.NewRegistry())
	return New(clk, log.NewMock(), impl, st, nonces, Config{
		BaseURL:        testBaseURL,
		TermsURL:       testBaseURL + "/terms",
		RateLimitPOSTs: 2,
	}, scope)
}

func getRequest(url string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.TLS = &fakeTLS
	return req
}

// postRequest builds an httptest request signed with key, carrying a
// fresh nonce, its `url` protected header set to url (spec.md §4.2,
// §4.4).
func postRequest(t *testing.T, wfe *Impl, key crypto.Signer, url string, payload []byte) *http.Request {
	t.Helper()
	nonce, err := wfe.nonces.Nonce()
	test.AssertNotError(t, err, "issuing nonce")
	jws, err := josesign.Sign(key, payload, nonce, url, nil)
	test.AssertNotError(t, err, "signing request")
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(jws))
	req.TLS = &fakeTLS
	return req
}

// testCSR builds a bare-CN CSR and returns its base64url (unpadded)
// encoding, the wire shape core.CertificateRequest expects.
func testCSR(t *testing.T, name string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	tmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: name}}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	test.AssertNotError(t, err, "creating CSR")
	return strings.TrimRight(base64.URLEncoding.EncodeToString(der), "=")
}

func TestDirectoryHandler(t *testing.T) {
	wfe := testWFE(t)
	rec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec, getRequest(testBaseURL+DirectoryPath))

	test.AssertEquals(t, rec.Code, http.StatusOK)
	test.Assert(t, rec.Header().Get("Replay-Nonce") != "", "directory response should carry a nonce")

	var d directory
	test.AssertNotError(t, json.Unmarshal(rec.Body.Bytes(), &d), "decoding directory body")
	test.AssertEquals(t, d.NewReg, testBaseURL+NewRegPath)
	test.AssertEquals(t, d.Meta.TermsOfService, testBaseURL+"/terms")
}

func TestSchemeGateRejectsPlainHTTP(t *testing.T) {
	wfe := testWFE(t)
	req := httptest.NewRequest(http.MethodGet, testBaseURL+DirectoryPath, nil)
	rec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec, req)

	test.AssertEquals(t, rec.Code, http.StatusInternalServerError)
}

func TestNewRegistrationHappyPathAndDuplicate(t *testing.T) {
	wfe := testWFE(t)
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	url := testBaseURL + NewRegPath
	rec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec, postRequest(t, wfe, signer, url, []byte(`{"contact":["mailto:admin@example.com"]}`)))

	test.AssertEquals(t, rec.Code, http.StatusCreated)
	test.Assert(t, rec.Header().Get("Location") != "", "new-reg should set Location")

	var reg core.Registration
	test.AssertNotError(t, json.Unmarshal(rec.Body.Bytes(), &reg), "decoding registration body")
	test.AssertEquals(t, reg.Status, core.StatusValid)

	dupRec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(dupRec, postRequest(t, wfe, signer, url, []byte(`{}`)))
	test.AssertEquals(t, dupRec.Code, http.StatusConflict)
	test.Assert(t, dupRec.Header().Get("Location") != "", "duplicate new-reg should still set Location")
}

func TestReplayedNonceRejected(t *testing.T) {
	wfe := testWFE(t)
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	url := testBaseURL + NewRegPath
	nonce, err := wfe.nonces.Nonce()
	test.AssertNotError(t, err, "issuing nonce")
	jws, err := josesign.Sign(signer, []byte(`{}`), nonce, url, nil)
	test.AssertNotError(t, err, "signing request")

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(jws))
		req.TLS = &fakeTLS
		return req
	}

	rec1 := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec1, makeReq())
	test.AssertEquals(t, rec1.Code, http.StatusCreated)

	rec2 := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec2, makeReq())
	test.AssertEquals(t, rec2.Code, http.StatusBadRequest)
}

func TestURLHeaderMismatchRejected(t *testing.T) {
	wfe := testWFE(t)
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	nonce, err := wfe.nonces.Nonce()
	test.AssertNotError(t, err, "issuing nonce")
	jws, err := josesign.Sign(signer, []byte(`{}`), nonce, testBaseURL+"/some-other-path", nil)
	test.AssertNotError(t, err, "signing request")

	req := httptest.NewRequest(http.MethodPost, testBaseURL+NewRegPath, bytes.NewReader(jws))
	req.TLS = &fakeTLS
	rec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec, req)

	test.AssertEquals(t, rec.Code, http.StatusBadRequest)
}

func TestRateLimitGate(t *testing.T) {
	wfe := testWFE(t)
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	url := testBaseURL + NewRegPath
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		wfe.Handler().ServeHTTP(rec, postRequest(t, wfe, signer, url, []byte(`{}`)))
		test.Assert(t, rec.Code != http.StatusForbidden, "request within the limit should not be rate limited")
	}

	rec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(rec, postRequest(t, wfe, signer, url, []byte(`{}`)))
	test.AssertEquals(t, rec.Code, http.StatusForbidden)
	test.Assert(t, rec.Header().Get("Retry-After") != "", "rate-limited response should carry Retry-After")
}

// TestFullApplicationLifecycle drives new-reg -> new-app -> fetch,
// mirroring spec.md §8 scenario S1 at the transport layer.
func TestFullApplicationLifecycle(t *testing.T) {
	wfe := testWFE(t)
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	regRec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(regRec, postRequest(t, wfe, signer, testBaseURL+NewRegPath, []byte(`{}`)))
	test.AssertEquals(t, regRec.Code, http.StatusCreated)

	appPayload := []byte(`{"csr":"` + testCSR(t, "example.com") + `"}`)
	appRec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(appRec, postRequest(t, wfe, signer, testBaseURL+NewAppPath, appPayload))
	test.AssertEquals(t, appRec.Code, http.StatusCreated)
	location := appRec.Header().Get("Location")
	test.Assert(t, location != "", "new-app should set Location")

	getRec := httptest.NewRecorder()
	wfe.Handler().ServeHTTP(getRec, getRequest(location))
	test.AssertEquals(t, getRec.Code, http.StatusOK)

	var app core.Application
	test.AssertNotError(t, json.Unmarshal(getRec.Body.Bytes(), &app), "decoding application body")
	test.AssertEquals(t, app.Status, core.StatusPending)
	test.AssertEquals(t, len(app.Requirements), 1)
}
