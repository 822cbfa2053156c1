// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/acmeforge/acmeforge/core"
)

// tlsSNI02ProbeCN is the fixed CN placed on the probe certificate (spec.md
// §9 Open Question, resolved in DESIGN.md).
const tlsSNI02ProbeCN = "acmeforge.invalid"

// sanAFor and sanBFor compute the two SAN labels TLS-SNI-02 requires: the
// hex SHA-256 of the token, split into two 32-character halves and suffixed
// with a fixed zone so they parse as DNS names (spec.md §4.6.1).
func sanAFor(token string) string {
	sum := sha256.Sum256([]byte(token))
	h := hex.EncodeToString(sum[:])
	return h[:32] + "." + h[32:] + ".token.acme.invalid"
}

func sanBFor(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	h := hex.EncodeToString(sum[:])
	return h[:32] + "." + h[32:] + ".ka.acme.invalid"
}

// tlsSNI02Challenge is the server-side TLS-SNI-02 verifier: dial the
// identifier on :443 with SNI set to sanA, expect a self-signed certificate
// whose SAN set is exactly {sanA, sanB}.
type tlsSNI02Challenge struct {
	base
	dialer func(addr, serverName string) (*tls.ConnectionState, error)
}

func newTLSSNI02Challenge(token, accountThumbprint string) *tlsSNI02Challenge {
	return &tlsSNI02Challenge{base: newBase(core.ChallengeTypeTLSSNI02, token, accountThumbprint)}
}

func defaultTLSDial(addr, serverName string) (*tls.ConnectionState, error) {
	d := &net.Dialer{Timeout: probeTimeout}
	conn, err := tls.DialWithDialer(d, "tcp", addr, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	state := conn.ConnectionState()
	return &state, nil
}

func (c *tlsSNI02Challenge) Update(name string, response []byte) core.AcmeStatus {
	if !c.checkResponseShape(response) {
		return c.finish(nil, false)
	}

	dial := c.dialer
	if dial == nil {
		dial = defaultTLSDial
	}

	sanA := sanAFor(c.token)
	state, err := dial(net.JoinHostPort(name, "443"), sanA)
	if err != nil || len(state.PeerCertificates) == 0 {
		return c.finish(nil, false)
	}

	ka := core.KeyAuthorization{Token: c.token, Thumbprint: c.accountThumbprint}
	sanB := sanBFor(ka.String())

	cert := state.PeerCertificates[0]
	names := map[string]bool{}
	for _, n := range cert.DNSNames {
		names[n] = true
	}
	if len(names) == 2 && names[sanA] && names[sanB] {
		return c.finish(&ka, true)
	}
	return c.finish(nil, false)
}

// tlsSNI02Validation is the client-side TLS-SNI-02 responder: stand up a
// TLS listener on :443 presenting a fresh self-signed certificate carrying
// the two required SAN labels.
type tlsSNI02Validation struct{}

func (v *tlsSNI02Validation) MakeResponse(accountThumbprint, token string) []byte {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	return []byte(fmt.Sprintf(`{"type":%q,"keyAuthorization":%q}`, core.ChallengeTypeTLSSNI02, ka.String()))
}

func (v *tlsSNI02Validation) Respond(name, token, accountThumbprint string, readyCallback func()) error {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	sanA := sanAFor(token)
	sanB := sanBFor(ka.String())

	cert, err := selfSignedProbeCert(sanA, sanB)
	if err != nil {
		return fmt.Errorf("tls-sni-02: generating probe certificate: %w", err)
	}

	ln, err := tls.Listen("tcp", ":https", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return fmt.Errorf("tls-sni-02: binding listener: %w", err)
	}
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
			accepted <- struct{}{}
		}
	}()

	if readyCallback != nil {
		readyCallback()
	}

	select {
	case <-accepted:
	case <-time.After(probeTimeout):
	}
	return nil
}

func selfSignedProbeCert(sanA, sanB string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: tlsSNI02ProbeCN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{sanA, sanB},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
