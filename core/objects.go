// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package core holds the ACME resource/state model shared by the server
// and client engines: Registration, Application, Authorization, Challenge,
// Requirement and Certificate, plus the wire-level helper types they are
// built from.
package core

import (
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// AcmeStatus defines the state of a given Authorization, Challenge or
// Application.
type AcmeStatus string

// IdentifierType defines the available identification mechanisms. Only
// DNS names are supported.
type IdentifierType string

// AcmeResource names a directory resource.
type AcmeResource string

const (
	StatusPending     = AcmeStatus("pending")
	StatusValid       = AcmeStatus("valid")
	StatusInvalid     = AcmeStatus("invalid")
	StatusDeactivated = AcmeStatus("deactivated")
	StatusGood        = AcmeStatus("good")

	IdentifierDNS = IdentifierType("dns")

	ResourceDirectory  = AcmeResource("directory")
	ResourceNewReg     = AcmeResource("new-reg")
	ResourceNewApp     = AcmeResource("new-app")
	ResourceKeyChange  = AcmeResource("key-change")
	ResourceRevokeCert = AcmeResource("revoke-cert")
)

// ChallengeType names a supported identifier-validation mechanism.
type ChallengeType string

const (
	ChallengeTypeHTTP01   = ChallengeType("http-01")
	ChallengeTypeDNS01    = ChallengeType("dns-01")
	ChallengeTypeTLSSNI02 = ChallengeType("tls-sni-02")
	ChallengeTypeOOB      = ChallengeType("oob")
)

// RequirementType distinguishes the two kinds of requirement an
// Application can carry.
type RequirementType string

const (
	RequirementAuthorization = RequirementType("authorization")
	RequirementOutOfBand     = RequirementType("out-of-band")
)

// AcmeIdentifier encodes an identifier that can be validated by ACME. Only
// DNS names are supported by this implementation.
type AcmeIdentifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// DNSIdentifier is a convenience constructor for a DNS AcmeIdentifier.
func DNSIdentifier(name string) AcmeIdentifier {
	return AcmeIdentifier{Type: IdentifierDNS, Value: name}
}

// JSONBuffer fields get encoded and decoded JOSE-style, in base64url
// encoding with stripped padding.
type JSONBuffer []byte

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	missing := (4 - len(data)%4) % 4
	data += strings.Repeat("=", missing)
	return base64.URLEncoding.DecodeString(data)
}

// MarshalJSON encodes a JSONBuffer for transmission.
func (jb JSONBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64URLEncode(jb))
}

// UnmarshalJSON decodes a JSONBuffer from the wire.
func (jb *JSONBuffer) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := base64URLDecode(str)
	if err != nil {
		return err
	}
	*jb = decoded
	return nil
}

// LooksLikeAToken checks that a string matches the form of a token: 43
// characters of unpadded base64url (32 octets of entropy).
func LooksLikeAToken(token string) bool {
	if len(token) != 43 {
		return false
	}
	_, err := base64URLDecode(token)
	return err == nil
}

// NewRandomToken generates a fresh 32-octet challenge token, encoded the
// way LooksLikeAToken expects.
func NewRandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64URLEncode(b), nil
}

// KeyAuthorization binds a challenge token to a specific account key, per
// spec.md §3: `keyAuthorization = token + "." + clientAccountThumbprint`.
type KeyAuthorization struct {
	Token      string
	Thumbprint string
}

// NewKeyAuthorizationFromString parses the dotted wire representation.
func NewKeyAuthorizationFromString(input string) (KeyAuthorization, error) {
	parts := strings.Split(input, ".")
	if len(parts) != 2 {
		return KeyAuthorization{}, fmt.Errorf("invalid key authorization: %d parts", len(parts))
	}
	if !LooksLikeAToken(parts[0]) {
		return KeyAuthorization{}, fmt.Errorf("invalid key authorization: malformed token")
	}
	if !LooksLikeAToken(parts[1]) {
		return KeyAuthorization{}, fmt.Errorf("invalid key authorization: malformed thumbprint")
	}
	return KeyAuthorization{Token: parts[0], Thumbprint: parts[1]}, nil
}

// String produces the `token.thumbprint` wire representation.
func (ka KeyAuthorization) String() string {
	return ka.Token + "." + ka.Thumbprint
}

// Matches reports whether ka authorizes the given token for an account
// whose JWK thumbprint is accountThumbprint, in constant time.
func (ka KeyAuthorization) Matches(token, accountThumbprint string) bool {
	tokEq := subtle.ConstantTimeCompare([]byte(token), []byte(ka.Token))
	tpEq := subtle.ConstantTimeCompare([]byte(accountThumbprint), []byte(ka.Thumbprint))
	return tokEq == 1 && tpEq == 1
}

// MarshalJSON packs a key authorization into its string representation.
func (ka KeyAuthorization) MarshalJSON() ([]byte, error) {
	return json.Marshal(ka.String())
}

// UnmarshalJSON unpacks a key authorization from a string.
func (ka *KeyAuthorization) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := NewKeyAuthorizationFromString(str)
	if err != nil {
		return err
	}
	*ka = parsed
	return nil
}

// Registration is the non-public metadata attached to an account key.
// Identified canonically by its JWK thumbprint (spec.md §3).
type Registration struct {
	ID         string         `json:"id"`
	Thumbprint string         `json:"-"`
	Key        jose.JSONWebKey `json:"key"`
	Contact    []string       `json:"contact,omitempty"`
	Agreement  string         `json:"agreement,omitempty"`
	Status     AcmeStatus     `json:"status,omitempty"`
}

// MergeUpdate copies the client-mutable subset of an update Registration
// into this one. Key and status changes go through dedicated protocols
// (key-change, deactivation) and are never applied here.
func (r *Registration) MergeUpdate(update Registration) {
	if update.Contact != nil {
		r.Contact = update.Contact
	}
	if update.Agreement != "" {
		r.Agreement = update.Agreement
	}
}

// Challenge is a single identifier-validation attempt. One Challenge type
// implementation lives per ChallengeType in package va; this struct is the
// wire/storage representation shared by all of them.
type Challenge struct {
	Type             ChallengeType     `json:"type"`
	Status           AcmeStatus        `json:"status"`
	Token            string            `json:"token,omitempty"`
	KeyAuthorization *KeyAuthorization `json:"keyAuthorization,omitempty"`
	URI              string            `json:"uri,omitempty"`

	// AccountThumbprint is never serialized; it binds the challenge to the
	// account that created it so a validation response signed by a
	// different account cannot be replayed against it.
	AccountThumbprint string `json:"-"`
}

// Requirement is a tagged variant: either a reference to an Authorization
// or to an out-of-band subject. Its Status is copied from the referenced
// resource and never regresses (spec.md §3).
type Requirement struct {
	Type   RequirementType `json:"type"`
	URL    string          `json:"url"`
	Status AcmeStatus      `json:"status"`
}

// Authorization represents one identifier's validation state for one
// Registration.
type Authorization struct {
	ID         string         `json:"id"`
	RegID      string         `json:"-"`
	Identifier AcmeIdentifier `json:"identifier"`
	Status     AcmeStatus     `json:"status"`
	Expires    *time.Time     `json:"expires,omitempty"`
	Challenges []*Challenge   `json:"challenges"`
}

// FindChallenge returns the index of the given challenge type within this
// Authorization's Challenges, or -1 if not present.
func (authz *Authorization) FindChallenge(typ ChallengeType) int {
	for i, c := range authz.Challenges {
		if c.Type == typ {
			return i
		}
	}
	return -1
}

// CertificateRequest wraps a parsed CSR together with its original bytes,
// so the bytes can be echoed verbatim and logged.
type CertificateRequest struct {
	CSR   *x509.CertificateRequest
	Bytes []byte
}

type rawCertificateRequest struct {
	CSR JSONBuffer `json:"csr"`
}

// UnmarshalJSON parses a base64url-encoded CSR from the wire.
func (cr *CertificateRequest) UnmarshalJSON(data []byte) error {
	var raw rawCertificateRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	csr, err := x509.ParseCertificateRequest(raw.CSR)
	if err != nil {
		return err
	}
	cr.CSR = csr
	cr.Bytes = raw.CSR
	return nil
}

// MarshalJSON re-encodes the original CSR bytes.
func (cr CertificateRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(rawCertificateRequest{CSR: cr.CSR.Raw})
}

// Application is the ACME resource tracking one certificate request
// through to issuance (spec.md §3). Its name deliberately departs from
// boulder's overloaded "Authorization"/order terminology: one Application
// owns many Requirements, each pointing at an Authorization or an
// out-of-band subject.
type Application struct {
	ID             string        `json:"id"`
	RegID          string        `json:"-"`
	CSR            JSONBuffer    `json:"csr"`
	NotBefore      string        `json:"notBefore,omitempty"`
	NotAfter       string        `json:"notAfter,omitempty"`
	Status         AcmeStatus    `json:"status"`
	Requirements   []Requirement `json:"requirements"`
	CertificateURL string        `json:"certificate,omitempty"`
}

// AllRequirementsValid reports whether every requirement on this
// application has reached the `valid` status.
func (a *Application) AllRequirementsValid() bool {
	if len(a.Requirements) == 0 {
		return false
	}
	for _, r := range a.Requirements {
		if r.Status != StatusValid {
			return false
		}
	}
	return true
}

// Certificate is immutable except for its revocation flags.
type Certificate struct {
	ID               string `json:"-"`
	RegID            string `json:"-"`
	DER              []byte `json:"-"`
	Revoked          bool   `json:"-"`
	RevocationReason int    `json:"-"`
}
