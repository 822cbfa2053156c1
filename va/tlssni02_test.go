// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/test"
)

var errConnRefused = errors.New("connection refused")

func parseProbeCert(t *testing.T, cert tls.Certificate) *x509.Certificate {
	t.Helper()
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	test.AssertNotError(t, err, "parsing probe cert")
	return parsed
}

func TestTLSSNI02Valid(t *testing.T) {
	token, err := core.NewRandomToken()
	test.AssertNotError(t, err, "generating token")
	c := newTLSSNI02Challenge(token, fakeThumbprint(t))

	ka := core.KeyAuthorization{Token: c.token, Thumbprint: c.accountThumbprint}
	sanA, sanB := sanAFor(c.token), sanBFor(ka.String())
	cert, err := selfSignedProbeCert(sanA, sanB)
	test.AssertNotError(t, err, "building probe cert")
	parsed := parseProbeCert(t, cert)

	c.dialer = func(addr, serverName string) (*tls.ConnectionState, error) {
		test.AssertEquals(t, serverName, sanA)
		return &tls.ConnectionState{PeerCertificates: []*x509.Certificate{parsed}}, nil
	}

	response := (&tlsSNI02Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update("example.com", response)
	test.AssertEquals(t, status, core.StatusValid)
}

func TestTLSSNI02WrongSANs(t *testing.T) {
	token, err := core.NewRandomToken()
	test.AssertNotError(t, err, "generating token")
	c := newTLSSNI02Challenge(token, fakeThumbprint(t))

	cert, err := selfSignedProbeCert("wrong-a.token.acme.invalid", "wrong-b.ka.acme.invalid")
	test.AssertNotError(t, err, "building probe cert")
	parsed := parseProbeCert(t, cert)

	c.dialer = func(addr, serverName string) (*tls.ConnectionState, error) {
		return &tls.ConnectionState{PeerCertificates: []*x509.Certificate{parsed}}, nil
	}

	response := (&tlsSNI02Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update("example.com", response)
	test.AssertEquals(t, status, core.StatusInvalid)
}

func TestTLSSNI02DialFailure(t *testing.T) {
	token, err := core.NewRandomToken()
	test.AssertNotError(t, err, "generating token")
	c := newTLSSNI02Challenge(token, fakeThumbprint(t))

	c.dialer = func(addr, serverName string) (*tls.ConnectionState, error) {
		return nil, errConnRefused
	}

	response := (&tlsSNI02Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update("example.com", response)
	test.AssertEquals(t, status, core.StatusInvalid)
}
