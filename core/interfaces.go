// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import jose "gopkg.in/go-jose/go-jose.v2"

// RegistrationAuthority is the public interface the transport layer calls
// into to mutate state. It is implemented by package ra.
type RegistrationAuthority interface {
	NewRegistration(key jose.JSONWebKey, contact []string) (Registration, error)
	UpdateRegistration(regID string, update Registration) (Registration, error)
	DeactivateRegistration(regID string) error
	ChangeKey(regID string, newKey jose.JSONWebKey) (Registration, error)

	NewApplication(regID string, csr CertificateRequest, notBefore, notAfter string) (Application, error)
	IssueIfReady(appID string) (Application, error)

	UpdateAuthorization(authzID string, regID string, challengeType ChallengeType, response []byte) (Authorization, error)
	DeactivateAuthorization(authzID string, regID string) error

	RevokeCertificate(certDER []byte, submitterThumbprint string, submitterAuthorized func(names []string) bool, reason int) error
}

// PKI describes the certificate-issuing backend's operations. Package pki
// provides them as package-level functions plus (*pki.CA).Issue, which
// takes *time.Time bounds, so no type in this module implements PKI and
// nothing depends on it.
type PKI interface {
	ParseCSR(b64url []byte) (CertificateRequest, error)
	CheckCSR(cr CertificateRequest) ([]string, error)
	Issue(csr CertificateRequest, names []string, notBefore, notAfter *string) ([]byte, error)
	CheckCertMatch(der []byte, cr CertificateRequest, notBefore, notAfter string) error
	CertKeyThumbprint(der []byte) (string, error)
}
