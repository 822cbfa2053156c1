// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/test"
)

// csrWithSANs builds a PKCS#10 request whose CN and SAN extension name
// the given hosts, mirroring scenario S1's {not-example.com,
// www.not-example.com} pair.
func csrWithSANs(t *testing.T, names ...string) core.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	test.AssertNotError(t, err, "creating CSR")
	parsed, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return core.CertificateRequest{CSR: parsed, Bytes: der}
}

// fetchNonce HEADs the directory for a fresh Replay-Nonce.
func fetchNonce(t *testing.T, hc *http.Client, baseURL string) string {
	t.Helper()
	resp, err := hc.Head(baseURL + "/directory")
	test.AssertNotError(t, err, "fetching nonce")
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	test.Assert(t, nonce != "", "response should carry a Replay-Nonce")
	return nonce
}

// rawPost signs payload for url with nonce and POSTs it directly,
// bypassing package client entirely — used to drive protocol-level
// misbehavior (replay, header tamper) a well-behaved client never emits.
func rawPost(t *testing.T, hc *http.Client, key crypto.Signer, nonce, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	jws, err := josesign.Sign(key, payload, nonce, url, nil)
	test.AssertNotError(t, err, "signing request")
	resp, err := hc.Post(url, "application/jose+json", bytes.NewReader(jws))
	test.AssertNotError(t, err, "posting request")
	body, err := io.ReadAll(resp.Body)
	test.AssertNotError(t, err, "reading response body")
	resp.Body.Close()
	return resp, body
}

// TestHappyPathIssuance is scenario S1: register, request a certificate
// for a two-name CSR, complete the lone http-01 challenge per
// Authorization, and confirm the issued certificate's SANs match the CSR.
func TestHappyPathIssuance(t *testing.T) {
	e := newTestEngine(t, 1000)
	defer e.close()
	c := newTestClient(t, e)
	ctx := context.Background()

	_, err := c.Register(ctx)
	test.AssertNotError(t, err, "registering account")

	cr := csrWithSANs(t, "not-example.com", "www.not-example.com")
	certDER, err := c.RequestCertificate(ctx, cr, nil, nil)
	test.AssertNotError(t, err, "requesting certificate")

	parsed, err := pki.ParseCertificateDER(certDER)
	test.AssertNotError(t, err, "parsing issued certificate")

	got := map[string]bool{}
	for _, n := range parsed.DNSNames {
		got[n] = true
	}
	test.Assert(t, got["not-example.com"] && got["www.not-example.com"], "issued certificate should carry both CSR SANs")
}

// TestDuplicateRegistration is scenario S2: two new-reg POSTs from the
// same account key return 201 then 409, both carrying the same Location.
func TestDuplicateRegistration(t *testing.T) {
	e := newTestEngine(t, 1000)
	defer e.close()
	hc := e.srv.Client()
	key, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	url := e.srv.URL + "/acme/new-reg"
	nonce := fetchNonce(t, hc, e.srv.URL)
	resp1, _ := rawPost(t, hc, key, nonce, url, []byte(`{}`))
	test.AssertEquals(t, resp1.StatusCode, http.StatusCreated)
	loc1 := resp1.Header.Get("Location")
	test.Assert(t, loc1 != "", "first registration should set Location")

	nonce2 := resp1.Header.Get("Replay-Nonce")
	resp2, _ := rawPost(t, hc, key, nonce2, url, []byte(`{}`))
	test.AssertEquals(t, resp2.StatusCode, http.StatusConflict)
	test.AssertEquals(t, resp2.Header.Get("Location"), loc1)
}

// TestReplayedNonceRejected is scenario S3: reusing a captured
// Replay-Nonce fails 400 malformed with detail mentioning the nonce.
func TestReplayedNonceRejected(t *testing.T) {
	e := newTestEngine(t, 1000)
	defer e.close()
	hc := e.srv.Client()
	key, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	url := e.srv.URL + "/acme/new-reg"
	nonce := fetchNonce(t, hc, e.srv.URL)

	resp1, _ := rawPost(t, hc, key, nonce, url, []byte(`{}`))
	test.AssertEquals(t, resp1.StatusCode, http.StatusCreated)

	resp2, body2 := rawPost(t, hc, key, nonce, url, []byte(`{}`))
	test.AssertEquals(t, resp2.StatusCode, http.StatusBadRequest)
	var prob struct{ Detail string }
	test.AssertNotError(t, json.Unmarshal(body2, &prob), "decoding problem body")
	test.AssertContains(t, prob.Detail, "nonce")
}

// TestURLHeaderTamper is scenario S4: a POST signed for one URL but sent
// with a protected "url" header naming a different endpoint fails 400
// malformed.
func TestURLHeaderTamper(t *testing.T) {
	e := newTestEngine(t, 1000)
	defer e.close()
	hc := e.srv.Client()
	key, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")

	nonce := fetchNonce(t, hc, e.srv.URL)
	jws, err := josesign.Sign(key, []byte(`{}`), nonce, e.srv.URL+"/acme/new-app", nil)
	test.AssertNotError(t, err, "signing request")

	resp, err := hc.Post(e.srv.URL+"/acme/new-reg", "application/jose+json", bytes.NewReader(jws))
	test.AssertNotError(t, err, "posting request")
	defer resp.Body.Close()
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
}

// TestRateLimitRetry is scenario S5: with the rate limit set to 1 POST,
// two back-to-back registrations from a Retry-After-honouring client
// both succeed, with the server having answered [201, 403, 201].
func TestRateLimitRetry(t *testing.T) {
	e := newTestEngine(t, 1)
	defer e.close()

	cA := newTestClient(t, e)
	ctx := context.Background()
	_, err := cA.Register(ctx)
	test.AssertNotError(t, err, "registering first account")

	cB := newTestClient(t, e)
	_, err = cB.Register(ctx)
	test.AssertNotError(t, err, "second account should succeed once the client retries past the rate limit")
}

// TestRevocationBySANHolder is scenario S6: account A owns a certificate
// for example.com; account B, having independently proven control of
// example.com via its own issuance, may revoke A's certificate.
func TestRevocationBySANHolder(t *testing.T) {
	e := newTestEngine(t, 1000)
	defer e.close()
	ctx := context.Background()

	a := newTestClient(t, e)
	_, err := a.Register(ctx)
	test.AssertNotError(t, err, "registering account A")
	certDER, err := a.RequestCertificate(ctx, csrWithSANs(t, "example.com"), nil, nil)
	test.AssertNotError(t, err, "account A requesting certificate")

	b := newTestClient(t, e)
	_, err = b.Register(ctx)
	test.AssertNotError(t, err, "registering account B")
	_, err = b.RequestCertificate(ctx, csrWithSANs(t, "example.com"), nil, nil)
	test.AssertNotError(t, err, "account B proving control of example.com")

	err = b.RevokeCertificate(ctx, certDER, nil)
	test.AssertNotError(t, err, "account B should be able to revoke account A's certificate")
}
