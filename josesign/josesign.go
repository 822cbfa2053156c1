// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package josesign is the JOSE Adapter (spec.md §4.2): account key
// generation, flattened-JWS signing/verification with the required
// protected headers, and JWK thumbprints. Grounded on boulder's use of
// jose.JsonWebKey/Thumbprint (core/objects.go) and on the JWS construction
// pattern shown by the lego and hlandau-acmeapi ACME client
// implementations in the example corpus, translated onto the go-jose.v2
// API that this repository's go.mod actually requires.
package josesign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// KeyAlgorithm selects the asymmetric key type newkey() produces.
type KeyAlgorithm string

const (
	RSA2048 = KeyAlgorithm("RSA2048")
	ECP256  = KeyAlgorithm("ECP256")
)

// NewKey generates a new account key pair (spec.md §4.2 `newkey()`).
func NewKey(alg KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case ECP256, "":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("josesign: unknown key algorithm %q", alg)
	}
}

// PublicJWK wraps a signer's public half as a JSONWebKey suitable for the
// protected `jwk` header.
func PublicJWK(key crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{Key: key.Public()}
}

// Thumbprint computes the base64url(SHA-256(canonical-JWK)) stable
// account identifier (spec.md §4.2 `thumbprint()`, GLOSSARY).
func Thumbprint(key jose.JSONWebKey) (string, error) {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing JWK thumbprint: %w", err)
	}
	return jose.Base64URLEncode(thumb), nil
}

func signingAlgorithm(key crypto.Signer) jose.SignatureAlgorithm {
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		return jose.ES256
	case *rsa.PublicKey:
		return jose.RS256
	default:
		return jose.RS256
	}
}

// Sign produces a flattened JWS over payload whose protected header
// carries at minimum alg, jwk, nonce and url (spec.md §4.2, §6). extra
// entries are merged into the protected header on top of those four.
func Sign(key crypto.Signer, payload []byte, nonce, url string, extra map[string]interface{}) ([]byte, error) {
	opts := &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
		NonceSource: staticNonce(nonce),
	}
	opts.EmbedJWK = true
	for k, v := range extra {
		opts.ExtraHeaders[jose.HeaderKey(k)] = v
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: signingAlgorithm(key), Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("constructing JWS signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("signing JWS: %w", err)
	}
	return []byte(jws.FullSerialize()), nil
}

// staticNonce implements jose.NonceSource to inject a pre-chosen nonce
// into the protected header, since callers of Sign already hold the
// nonce they intend to consume (either issued by the server transport or
// popped from the client's nonce queue).
type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

// Verified is the result of verifying a flattened JWS: the signer's
// public key, the decoded protected header, and the decoded payload.
type Verified struct {
	Key     jose.JSONWebKey
	Nonce   string
	URL     string
	Payload []byte
}

// Verify parses and verifies a flattened JWS, requiring the protected
// header to carry alg, jwk, nonce and url (spec.md §4.2, §6). Non-
// flattened serializations (multiple signatures) and missing required
// headers are rejected.
func Verify(raw []byte) (*Verified, error) {
	parsed, err := jose.ParseSigned(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing JWS: %w", err)
	}
	if len(parsed.Signatures) != 1 {
		return nil, fmt.Errorf("not a flattened JWS: %d signatures", len(parsed.Signatures))
	}
	sig := parsed.Signatures[0]
	header := sig.Header
	if header.JSONWebKey == nil {
		return nil, fmt.Errorf("missing jwk protected header")
	}
	nonce := header.Nonce
	if nonce == "" {
		return nil, fmt.Errorf("missing nonce protected header")
	}
	rawURL, ok := header.ExtraHeaders[jose.HeaderKey("url")]
	if !ok {
		return nil, fmt.Errorf("missing url protected header")
	}
	url, ok := rawURL.(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("url protected header is not a non-empty string")
	}

	payload, err := parsed.Verify(header.JSONWebKey)
	if err != nil {
		return nil, fmt.Errorf("verifying JWS signature: %w", err)
	}

	return &Verified{
		Key:     *header.JSONWebKey,
		Nonce:   nonce,
		URL:     url,
		Payload: payload,
	}, nil
}
