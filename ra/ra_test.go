// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ra

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/pki/policy"
	"github.com/acmeforge/acmeforge/store"
	"github.com/acmeforge/acmeforge/test"
	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"
)

func testRA(t *testing.T) *Impl {
	t.Helper()
	clk := clock.NewFake()
	pa, err := policy.New(map[core.ChallengeType]bool{core.ChallengeTypeHTTP01: true}, log.NewMock())
	test.AssertNotError(t, err, "constructing policy authority")
	ca := pki.New(clk, pa)
	st := store.New()
	return New(clk, log.NewMock(), st, pa, ca)
}

// csrFor builds a bare-CN CSR (no SAN extension), the simplest shape
// pki.CheckCSR accepts.
func csrFor(t *testing.T, name string) core.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	tmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: name}}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	test.AssertNotError(t, err, "creating CSR")
	parsed, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return core.CertificateRequest{CSR: parsed, Bytes: der}
}

func newAccountKey(t *testing.T) jose.JSONWebKey {
	t.Helper()
	signer, err := josesign.NewKey(josesign.ECP256)
	test.AssertNotError(t, err, "generating account key")
	return josesign.PublicJWK(signer)
}

func TestNewRegistrationAndDuplicateKey(t *testing.T) {
	ra := testRA(t)
	key := newAccountKey(t)

	reg, err := ra.NewRegistration(key, []string{"mailto:admin@example.com"})
	test.AssertNotError(t, err, "first registration should succeed")
	test.Assert(t, reg.ID != "", "registration should have an ID")
	test.AssertEquals(t, reg.Status, core.StatusValid)

	_, err = ra.NewRegistration(key, nil)
	test.AssertError(t, err, "duplicate key registration should be rejected")
}

func TestUpdateRegistration(t *testing.T) {
	ra := testRA(t)
	key := newAccountKey(t)
	reg, err := ra.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	updated, err := ra.UpdateRegistration(reg.ID, core.Registration{Contact: []string{"mailto:new@example.com"}})
	test.AssertNotError(t, err, "updating registration")
	test.AssertEquals(t, updated.Contact[0], "mailto:new@example.com")
}

func TestDeactivateRegistration(t *testing.T) {
	ra := testRA(t)
	key := newAccountKey(t)
	reg, err := ra.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	test.AssertNotError(t, ra.DeactivateRegistration(reg.ID), "deactivating registration")
	_, err = ra.UpdateRegistration(reg.ID, core.Registration{Agreement: "tos"})
	test.AssertError(t, err, "updating a deactivated registration should fail")
}

// TestNewApplicationCreatesAuthorization exercises new-reg -> new-app,
// mirroring the first half of spec.md §8's scenario S1.
func TestNewApplicationCreatesAuthorization(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	cr := csrFor(t, "example.com")
	app, err := impl.NewApplication(reg.ID, cr, "", "")
	test.AssertNotError(t, err, "creating application")
	test.AssertEquals(t, len(app.Requirements), 1)
	test.AssertEquals(t, app.Status, core.StatusPending)

	authzID := app.Requirements[0].URL[len("authz/"):]
	authz, err := impl.store.GetAuthorization(authzID)
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, authz.RegID, reg.ID)
	idx := authz.FindChallenge(core.ChallengeTypeHTTP01)
	test.Assert(t, idx != -1, "authorization should offer http-01")
	test.Assert(t, core.LooksLikeAToken(authz.Challenges[idx].Token), "challenge token should look like a token")
}

// TestNewApplicationReusesAuthorization confirms a second application for
// the same registration and name reuses the pending Authorization instead
// of minting a new one (spec.md §3).
func TestNewApplicationReusesAuthorization(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	app1, err := impl.NewApplication(reg.ID, csrFor(t, "example.com"), "", "")
	test.AssertNotError(t, err, "creating first application")
	app2, err := impl.NewApplication(reg.ID, csrFor(t, "example.com"), "", "")
	test.AssertNotError(t, err, "creating second application")

	test.AssertEquals(t, app1.Requirements[0].URL, app2.Requirements[0].URL)
}

// TestUpdateAuthorizationUnreachableProbeInvalidates drives update-authz
// against a real (unreachable) identifier: the outbound HTTP-01 probe
// cannot succeed in a unit test sandbox, so the challenge and its
// Authorization transition to invalid, and that invalidity propagates to
// the owning Application's Requirement (spec.md §4.10).
func TestUpdateAuthorizationUnreachableProbeInvalidates(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	app, err := impl.NewApplication(reg.ID, csrFor(t, "example.invalid"), "", "")
	test.AssertNotError(t, err, "creating application")
	authzID := app.Requirements[0].URL[len("authz/"):]
	authz, err := impl.store.GetAuthorization(authzID)
	test.AssertNotError(t, err, "fetching authorization")
	idx := authz.FindChallenge(core.ChallengeTypeHTTP01)

	thumbprint, err := josesign.Thumbprint(key)
	test.AssertNotError(t, err, "computing thumbprint")
	ka := core.KeyAuthorization{Token: authz.Challenges[idx].Token, Thumbprint: thumbprint}
	response := []byte(`{"type":"http-01","keyAuthorization":"` + ka.String() + `"}`)

	updated, err := impl.UpdateAuthorization(authzID, reg.ID, core.ChallengeTypeHTTP01, response)
	test.AssertNotError(t, err, "updating authorization should not itself error")
	test.AssertEquals(t, updated.Status, core.StatusInvalid)

	refreshedApp, err := impl.store.GetApplication(app.ID)
	test.AssertNotError(t, err, "fetching application")
	test.AssertEquals(t, refreshedApp.Requirements[0].Status, core.StatusInvalid)

	_, err = impl.IssueIfReady(app.ID)
	test.AssertError(t, err, "an application with an invalid requirement should not be issuable")
}

func TestUpdateAuthorizationWrongOwner(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")
	app, err := impl.NewApplication(reg.ID, csrFor(t, "example.invalid"), "", "")
	test.AssertNotError(t, err, "creating application")
	authzID := app.Requirements[0].URL[len("authz/"):]

	_, err = impl.UpdateAuthorization(authzID, "some-other-reg", core.ChallengeTypeHTTP01, []byte(`{"type":"http-01"}`))
	test.AssertError(t, err, "an authorization update from the wrong account should be rejected")
}

func TestRevokeCertificateBySubmitterThumbprint(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")
	thumbprint, err := josesign.Thumbprint(key)
	test.AssertNotError(t, err, "computing thumbprint")

	der := []byte("fake-certificate-der")
	impl.store.PutCertificate(&core.Certificate{ID: impl.store.NextID(), RegID: reg.ID, DER: der})

	err = impl.RevokeCertificate(der, thumbprint, nil, 0)
	test.AssertNotError(t, err, "owner should be able to revoke their own certificate")

	err = impl.RevokeCertificate(der, thumbprint, nil, 0)
	test.AssertError(t, err, "revoking an already-revoked certificate should fail")
}

// TestChangeKey exercises spec.md §4.7's key-change operation: the
// Registration's key and thumbprint swap, and the old thumbprint no
// longer resolves to anything.
func TestChangeKey(t *testing.T) {
	impl := testRA(t)
	oldKey := newAccountKey(t)
	reg, err := impl.NewRegistration(oldKey, nil)
	test.AssertNotError(t, err, "creating registration")

	newKey := newAccountKey(t)
	updated, err := impl.ChangeKey(reg.ID, newKey)
	test.AssertNotError(t, err, "changing key")

	newThumbprint, err := josesign.Thumbprint(newKey)
	test.AssertNotError(t, err, "computing new thumbprint")
	test.AssertEquals(t, updated.Thumbprint, newThumbprint)

	byNewKey, err := impl.store.RegByThumbprint(newThumbprint)
	test.AssertNotError(t, err, "registration should resolve by its new thumbprint")
	test.AssertEquals(t, byNewKey.ID, reg.ID)

	oldThumbprint, err := josesign.Thumbprint(oldKey)
	test.AssertNotError(t, err, "computing old thumbprint")
	_, err = impl.store.RegByThumbprint(oldThumbprint)
	test.AssertError(t, err, "registration should no longer resolve by its old thumbprint")
}

// TestChangeKeyRejectsCollision confirms changing to a key already in use
// by another Registration is rejected, mirroring NewRegistration's
// uniqueness check.
func TestChangeKeyRejectsCollision(t *testing.T) {
	impl := testRA(t)
	keyA := newAccountKey(t)
	regA, err := impl.NewRegistration(keyA, nil)
	test.AssertNotError(t, err, "creating first registration")

	keyB := newAccountKey(t)
	_, err = impl.NewRegistration(keyB, nil)
	test.AssertNotError(t, err, "creating second registration")

	_, err = impl.ChangeKey(regA.ID, keyB)
	test.AssertError(t, err, "changing to a key already in use should be rejected")
}

// TestRevokeCertificateBySANHolder exercises spec.md §8 scenario S6: a
// submitter who doesn't own the certificate's Registration, and whose
// thumbprint isn't the certified key itself, may still revoke by proving
// control of every SAN via submitterAuthorized.
func TestRevokeCertificateBySANHolder(t *testing.T) {
	impl := testRA(t)
	ownerKey := newAccountKey(t)
	owner, err := impl.NewRegistration(ownerKey, nil)
	test.AssertNotError(t, err, "creating owning registration")

	cr := csrFor(t, "example.com")
	der, err := impl.ca.Issue(cr, []string{"example.com"}, nil, nil)
	test.AssertNotError(t, err, "issuing certificate")
	impl.store.PutCertificate(&core.Certificate{ID: impl.store.NextID(), RegID: owner.ID, DER: der})

	sanHolderKey := newAccountKey(t)
	sanHolderThumbprint, err := josesign.Thumbprint(sanHolderKey)
	test.AssertNotError(t, err, "computing SAN holder's thumbprint")

	authorized := func(names []string) bool {
		return len(names) == 1 && names[0] == "example.com"
	}
	err = impl.RevokeCertificate(der, sanHolderThumbprint, authorized, 0)
	test.AssertNotError(t, err, "a submitter proving control of every SAN should be able to revoke")
}

// TestRevokeCertificateByCertKeyThumbprint exercises spec.md §4.7's third
// revocation path: a submitter who doesn't own the certificate's
// Registration may still revoke it by proving possession of the
// certified key itself, via josesign.Thumbprint over that key.
func TestRevokeCertificateByCertKeyThumbprint(t *testing.T) {
	impl := testRA(t)
	ownerKey := newAccountKey(t)
	owner, err := impl.NewRegistration(ownerKey, nil)
	test.AssertNotError(t, err, "creating owning registration")

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certified key")
	tmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "example.com"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, certKey)
	test.AssertNotError(t, err, "creating CSR")
	parsedCSR, err := x509.ParseCertificateRequest(csrDER)
	test.AssertNotError(t, err, "parsing CSR")
	cr := core.CertificateRequest{CSR: parsedCSR, Bytes: csrDER}

	der, err := impl.ca.Issue(cr, []string{"example.com"}, nil, nil)
	test.AssertNotError(t, err, "issuing certificate")
	impl.store.PutCertificate(&core.Certificate{ID: impl.store.NextID(), RegID: owner.ID, DER: der})

	certKeyThumbprint, err := pki.CertKeyThumbprint(der)
	test.AssertNotError(t, err, "computing certificate key thumbprint")

	err = impl.RevokeCertificate(der, certKeyThumbprint, nil, 0)
	test.AssertNotError(t, err, "a submitter proving possession of the certified key should be able to revoke")
}

func TestRevokeCertificateUnauthorized(t *testing.T) {
	impl := testRA(t)
	key := newAccountKey(t)
	reg, err := impl.NewRegistration(key, nil)
	test.AssertNotError(t, err, "creating registration")

	der, err := impl.ca.Issue(csrFor(t, "example.com"), []string{"example.com"}, nil, nil)
	test.AssertNotError(t, err, "issuing certificate")
	impl.store.PutCertificate(&core.Certificate{ID: impl.store.NextID(), RegID: reg.ID, DER: der})

	err = impl.RevokeCertificate(der, "not-the-owner-thumbprint", func(names []string) bool { return false }, 0)
	test.AssertError(t, err, "an unauthorized submitter should not be able to revoke")
}
