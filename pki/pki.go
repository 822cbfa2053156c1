// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pki is the PKI Adapter (spec.md §4.3): CSR parsing and
// validation, certificate issuance against a locally generated CA key, and
// the structural checks the client and server both need (SAN extraction,
// certificate/CSR match, subject-public-key thumbprint). Grounded on
// boulder's ca/certificate-authority.go (validity bounds, extension set)
// and policy/pa_dns_account_01_test.go (name-policy shape), generalized
// onto stdlib crypto/x509 instead of the teacher's cfssl-backed signer,
// since cfssl never made it into the teacher's go.mod dependency list (it
// is pre-gomod Godeps vendoring) and no go.mod-listed library in the pack
// wraps X.509 issuance; see DESIGN.md.
package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acmeforge/acmeforge/berrors"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/pki/policy"
	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"
)

const (
	defaultValidity = 90 * 24 * time.Hour
	maxValidity     = 365 * 24 * time.Hour
)

// CA issues certificates against a single, lazily-generated, memoised CA
// key pair (spec.md §5: "The CA key pair is generated lazily on first
// issuance and memoised; subsequent calls reuse the cached pair.").
type CA struct {
	clk    clock.Clock
	policy *policy.Authority

	mu        sync.Mutex
	caKey     crypto.Signer
	caCert    *x509.Certificate
	nextSerial int64
}

// New constructs a CA. The CA key is not generated until the first call
// to Issue.
func New(clk clock.Clock, pa *policy.Authority) *CA {
	return &CA{clk: clk, policy: pa, nextSerial: 1}
}

func (ca *CA) ensureKey() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.caKey != nil {
		return nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmeforge reference CA"},
		NotBefore:             ca.clk.Now().Add(-time.Hour),
		NotAfter:              ca.clk.Now().Add(20 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}
	ca.caKey = key
	ca.caCert = cert
	return nil
}

// ParseCSR decodes a base64url PKCS#10 request (spec.md §4.3
// `parseCSR(b64url) → CSR`).
func ParseCSR(b64url []byte) (core.CertificateRequest, error) {
	der, err := decodeB64URL(b64url)
	if err != nil {
		return core.CertificateRequest{}, berrors.MalformedError("invalid base64url CSR: %s", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return core.CertificateRequest{}, berrors.MalformedError("invalid CSR: %s", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return core.CertificateRequest{}, berrors.MalformedError("CSR signature does not verify: %s", err)
	}
	return core.CertificateRequest{CSR: csr, Bytes: der}, nil
}

func decodeB64URL(in []byte) ([]byte, error) {
	s := string(in)
	if missing := (4 - len(s)%4) % 4; missing != 0 {
		s += strings.Repeat("=", missing)
	}
	return base64.URLEncoding.DecodeString(s)
}

// CheckCSR validates the shape required by spec.md §4.3: the subject must
// consist of exactly one CN that is a DNS name; the request may carry at
// most one extension, which must be subjectAltName, whose only allowed
// SAN type is dNSName; the CN is folded into the name list; the result
// must be non-empty.
func CheckCSR(cr core.CertificateRequest) ([]string, error) {
	csr := cr.CSR
	if len(csr.Subject.CommonName) == 0 {
		return nil, berrors.MalformedError("CSR must have exactly one CN")
	}
	if strings.Contains(csr.Subject.CommonName, ",") || len(csr.Subject.Organization) > 0 ||
		len(csr.Subject.Country) > 0 || len(csr.Subject.Locality) > 0 {
		return nil, berrors.MalformedError("CSR subject must contain only a CN")
	}

	names := map[string]bool{strings.ToLower(csr.Subject.CommonName): true}
	for _, n := range csr.DNSNames {
		names[strings.ToLower(n)] = true
	}

	if len(csr.Extensions) > 1 {
		return nil, berrors.MalformedError("CSR may carry at most one extensionRequest attribute")
	}
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(sanOID) {
			return nil, berrors.MalformedError("CSR extensionRequest must carry exactly one subjectAltName extension")
		}
	}
	if len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return nil, berrors.MalformedError("CSR SAN extension may only contain dNSName entries")
	}

	if len(names) == 0 {
		return nil, berrors.MalformedError("CSR must name at least one DNS identifier")
	}

	result := make([]string, 0, len(names))
	for n := range names {
		if !validDNSName(n) {
			return nil, berrors.MalformedError("CSR name %q is not a valid DNS name", n)
		}
		result = append(result, n)
	}
	sort.Strings(result)
	return result, nil
}

var sanOID = asn1.ObjectIdentifier{2, 5, 29, 17}

// validDNSName is a conservative syntactic check; public-suffix and
// policy rejection is layered on top in package policy.
func validDNSName(name string) bool {
	if name == "" || len(name) > 253 || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}

// Issue signs a new leaf certificate for the given names (spec.md §4.3
// `issue(app) → DER`). Validity defaults to 90 days, bounded by a 365-day
// policy maximum; notBefore/notAfter, if supplied, must already have
// passed application-level validation (see package ra).
func (ca *CA) Issue(cr core.CertificateRequest, names []string, notBefore, notAfter *time.Time) ([]byte, error) {
	if err := ca.policy.WillingToIssue(names); err != nil {
		return nil, err
	}
	if err := ca.ensureKey(); err != nil {
		return nil, berrors.InternalServerError("%s", err)
	}

	now := ca.clk.Now()
	nb := now
	na := now.Add(defaultValidity)
	if notBefore != nil {
		nb = *notBefore
	}
	if notAfter != nil {
		na = *notAfter
	}
	if na.Sub(nb) > maxValidity {
		na = nb.Add(maxValidity)
	}

	ca.mu.Lock()
	serial := big.NewInt(ca.nextSerial)
	ca.nextSerial++
	caKey := ca.caKey
	caCert := ca.caCert
	ca.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cr.CSR.Subject.CommonName},
		NotBefore:             nb,
		NotAfter:              na,
		DNSNames:              names,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, cr.CSR.PublicKey, caKey)
	if err != nil {
		return nil, berrors.InternalServerError("issuing certificate: %s", err)
	}
	return der, nil
}

// CheckCertMatch compares an issued certificate against the Application
// it was issued for (spec.md §4.3 `checkCertMatch`): subject, public key,
// SAN set (order-independent), and validity dates with a 1-second
// tolerance.
func CheckCertMatch(der []byte, cr core.CertificateRequest, notBefore, notAfter *time.Time) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing issued certificate: %w", err)
	}
	if cert.Subject.CommonName != cr.CSR.Subject.CommonName {
		return fmt.Errorf("certificate subject %q does not match CSR subject %q", cert.Subject.CommonName, cr.CSR.Subject.CommonName)
	}

	certPub, err := marshalPublicKey(cert.PublicKey)
	if err != nil {
		return err
	}
	csrPub, err := marshalPublicKey(cr.CSR.PublicKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(certPub, csrPub) {
		return fmt.Errorf("certificate public key does not match CSR public key")
	}

	wantNames, err := CheckCSR(cr)
	if err != nil {
		return err
	}
	gotNames := append([]string(nil), cert.DNSNames...)
	sort.Strings(gotNames)
	sort.Strings(wantNames)
	if !equalStrings(gotNames, wantNames) {
		return fmt.Errorf("certificate SAN set %v does not match CSR SAN set %v", gotNames, wantNames)
	}

	const tolerance = time.Second
	if notBefore != nil && absDuration(cert.NotBefore.Sub(*notBefore)) > tolerance {
		return fmt.Errorf("certificate notBefore %s does not match requested %s", cert.NotBefore, *notBefore)
	}
	if notAfter != nil && absDuration(cert.NotAfter.Sub(*notAfter)) > tolerance {
		return fmt.Errorf("certificate notAfter %s does not match requested %s", cert.NotAfter, *notAfter)
	}
	return nil
}

// ParseCertificateDER parses a DER-encoded certificate, used by revocation
// to recover the SAN set of a certificate named only by its raw bytes.
func ParseCertificateDER(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// CertKeyThumbprint returns the same RFC 7638 canonical-JWK thumbprint
// josesign.Thumbprint computes for account keys (spec.md §4.3
// `certKeyThumbprint`), but over the certificate's subject public key —
// used by revocation's cert-key-ownership proof (spec.md §4.7, §8
// property 6), which compares this value against a submitter's
// josesign.Thumbprint-derived key identity and so must use the identical
// algorithm, not a raw SPKI hash.
func CertKeyThumbprint(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parsing certificate: %w", err)
	}
	thumbprint, err := josesign.Thumbprint(jose.JSONWebKey{Key: cert.PublicKey})
	if err != nil {
		return "", fmt.Errorf("computing certificate key thumbprint: %w", err)
	}
	return thumbprint, nil
}

func marshalPublicKey(pub interface{}) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	return der, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ValidURL reports whether s parses as an absolute URL. Nothing in this
// module calls it; the client's Config is validated through validator/v10
// struct tags.
func ValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}
