// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package client is the ACME Client Core (spec.md §4.8), layered on top
// of the Transport Layer client (§4.5, in transport.go): directory
// lookup, account registration/agreement/key-change/deactivation,
// certificate requests with authorization fulfilment via package va's
// Validation modules, polling, certificate retrieval and structural
// match, and revocation. Grounded on the request/poll loop shape shown by
// the lego and hlandau-acmeapi ACME client implementations in the
// example corpus (directory caching, POST-then-poll, Retry-After
// handling), translated onto this engine's wire types and the teacher's
// naming and error conventions.
package client

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/metrics"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/probs"
	"github.com/acmeforge/acmeforge/va"
	"github.com/jmhodges/clock"
	validator "github.com/letsencrypt/validator/v10"
)

// Directory is the wire shape of the server's directory resource
// (spec.md §6), decoded by Directory().
type Directory struct {
	DirectoryURL string `json:"directory"`
	NewReg       string `json:"new-reg"`
	NewApp       string `json:"new-app"`
	KeyChange    string `json:"key-change"`
	RevokeCert   string `json:"revoke-cert"`
	Meta         struct {
		TermsOfService string `json:"terms-of-service,omitempty"`
	} `json:"meta,omitempty"`
}

// Config groups the construction-time parameters for New, mirroring
// spec.md §4.5/§4.8's client-side configuration surface. Struct tags are
// enforced by validator/v10 in New, the same library boulder's config
// packages use for their own Config structs.
type Config struct {
	BaseURL           string               `validate:"required,url"`
	Contact           []string             `validate:"dive,required"`
	ValidationTypes   []core.ChallengeType `validate:"required,min=1"`
	AgreementCallback func(termsURL string) bool
	HTTPClient        *http.Client
	PollAttempts      int
	PollInterval      time.Duration
	RateLimitFallback time.Duration
	AllowInsecure     bool
}

func (cfg *Config) setDefaults() {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RateLimitFallback <= 0 {
		cfg.RateLimitFallback = 500 * time.Millisecond
	}
}

// Client is the ACME Client Core: one account key, one server, one
// in-memory nonce queue (spec.md §4.5 "Global mutable state" — handles
// are owned by this struct, never package-level).
type Client struct {
	cfg Config
	key crypto.Signer

	http    *http.Client
	clk     clock.Clock
	log     log.Logger
	metrics *metrics.ClientScope

	nonceQueue []string

	dir             *Directory
	registrationURL string
}

// New constructs a Client for key against the server named by cfg.BaseURL.
// cfg is validated with the same struct-tag validator the rest of this
// engine's configuration uses.
func New(clk clock.Clock, logger log.Logger, scope *metrics.ClientScope, key crypto.Signer, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("client: invalid configuration: %w", err)
	}
	if !cfg.AllowInsecure && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("client: BaseURL must be HTTPS unless AllowInsecure is set")
	}
	return &Client{
		cfg:     cfg,
		key:     key,
		http:    cfg.HTTPClient,
		clk:     clk,
		log:     logger,
		metrics: scope,
	}, nil
}

// Directory fetches and caches the server's directory resource.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	if c.dir != nil {
		return c.dir, nil
	}
	_, body, err := c.get(ctx, c.cfg.BaseURL+"/directory")
	if err != nil {
		return nil, fmt.Errorf("fetching directory: %w", err)
	}
	var d Directory
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decoding directory: %w", err)
	}
	c.dir = &d
	return c.dir, nil
}

type newRegRequest struct {
	Contact []string `json:"contact,omitempty"`
}

type agreementRequest struct {
	Agreement string `json:"agreement"`
}

// Register creates an account for c's key (spec.md §4.8 `register`):
// POSTs {contact} to new-reg, validates the returned key and contact,
// records the registration URL, and — if the directory advertises
// terms-of-service and cfg.AgreementCallback agrees — POSTs the
// agreement to the new registration.
func (c *Client) Register(ctx context.Context) (*core.Registration, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(newRegRequest{Contact: c.cfg.Contact})
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	resp, body, err := c.signedPost(ctx, "register", dir.NewReg, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, problemError(resp.StatusCode, body)
	}

	var reg core.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("decoding registration: %w", err)
	}

	localThumbprint, err := josesign.Thumbprint(josesign.PublicJWK(c.key))
	if err != nil {
		return nil, fmt.Errorf("computing local key thumbprint: %w", err)
	}
	returnedThumbprint, err := josesign.Thumbprint(reg.Key)
	if err != nil {
		return nil, fmt.Errorf("computing returned key thumbprint: %w", err)
	}
	if localThumbprint != returnedThumbprint {
		return nil, fmt.Errorf("server returned a registration for a different key")
	}
	if !stringSlicesEqual(reg.Contact, c.cfg.Contact) {
		return nil, fmt.Errorf("server returned a different contact list than submitted")
	}

	c.registrationURL = resp.Header.Get("Location")
	if c.registrationURL == "" {
		return nil, fmt.Errorf("server did not return a Location for the new registration")
	}
	c.log.Infof("registered account %s", c.registrationURL)

	if dir.Meta.TermsOfService != "" && c.cfg.AgreementCallback != nil && c.cfg.AgreementCallback(dir.Meta.TermsOfService) {
		agreePayload, err := json.Marshal(agreementRequest{Agreement: dir.Meta.TermsOfService})
		if err != nil {
			return nil, fmt.Errorf("encoding agreement: %w", err)
		}
		resp, body, err := c.signedPost(ctx, "agree", c.registrationURL, agreePayload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			return nil, problemError(resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, &reg); err != nil {
			return nil, fmt.Errorf("decoding agreed registration: %w", err)
		}
	}
	return &reg, nil
}

type keyChangeInner struct {
	OldKey  string `json:"oldKey"`
	NewKey  string `json:"newKey"`
	Account string `json:"account"`
}

// ChangeKey performs the key-change protocol (spec.md §4.7, §4.8): an
// inner JWS signed by the current key carries the proof fields; an outer
// JWS signed by newKey wraps it and is POSTed to the directory's
// key-change resource. On success the client adopts newKey; on any
// failure the current key is left untouched (spec.md §4.8 "on any
// failure the old key is restored").
func (c *Client) ChangeKey(ctx context.Context, newKey crypto.Signer) error {
	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	if c.registrationURL == "" {
		return fmt.Errorf("client: must register before changing keys")
	}

	oldThumbprint, err := josesign.Thumbprint(josesign.PublicJWK(c.key))
	if err != nil {
		return fmt.Errorf("computing old key thumbprint: %w", err)
	}
	newThumbprint, err := josesign.Thumbprint(josesign.PublicJWK(newKey))
	if err != nil {
		return fmt.Errorf("computing new key thumbprint: %w", err)
	}

	innerPayload, err := json.Marshal(keyChangeInner{
		OldKey:  oldThumbprint,
		NewKey:  newThumbprint,
		Account: c.registrationURL,
	})
	if err != nil {
		return fmt.Errorf("encoding key-change payload: %w", err)
	}
	innerNonce, err := core.NewRandomToken()
	if err != nil {
		return fmt.Errorf("generating inner nonce: %w", err)
	}
	innerJWS, err := josesign.Sign(c.key, innerPayload, innerNonce, dir.KeyChange, nil)
	if err != nil {
		return fmt.Errorf("signing inner key-change JWS: %w", err)
	}

	outerNonce, err := c.popNonce(ctx)
	if err != nil {
		return err
	}
	outerJWS, err := josesign.Sign(newKey, innerJWS, outerNonce, dir.KeyChange, nil)
	if err != nil {
		return fmt.Errorf("signing outer key-change JWS: %w", err)
	}

	resp, body, err := c.rawPost(ctx, "key-change", dir.KeyChange, outerJWS)
	if err != nil {
		return err
	}
	c.captureNonce(resp)
	if resp.StatusCode != http.StatusOK {
		return problemError(resp.StatusCode, body)
	}

	c.key = newKey
	c.log.Infof("key change for account %s complete", c.registrationURL)
	return nil
}

type statusUpdateRequest struct {
	Status core.AcmeStatus `json:"status"`
}

// DeactivateAccount POSTs {status:"deactivated"} to the registration URL
// and clears local account state (spec.md §4.8).
func (c *Client) DeactivateAccount(ctx context.Context) error {
	if c.registrationURL == "" {
		return fmt.Errorf("client: no registration to deactivate")
	}
	payload, err := json.Marshal(statusUpdateRequest{Status: core.StatusDeactivated})
	if err != nil {
		return fmt.Errorf("encoding deactivation request: %w", err)
	}
	resp, body, err := c.signedPost(ctx, "deactivate-account", c.registrationURL, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return problemError(resp.StatusCode, body)
	}
	c.registrationURL = ""
	return nil
}

// DeactivateAuthorization GETs the named Authorization, confirms its
// shape, then POSTs {status:"deactivated"} (spec.md §4.8).
func (c *Client) DeactivateAuthorization(ctx context.Context, url string) error {
	_, body, err := c.get(ctx, url)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	var authz core.Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return fmt.Errorf("decoding authorization: %w", err)
	}

	payload, err := json.Marshal(statusUpdateRequest{Status: core.StatusDeactivated})
	if err != nil {
		return fmt.Errorf("encoding deactivation request: %w", err)
	}
	resp, respBody, err := c.signedPost(ctx, "deactivate-authz", url, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return problemError(resp.StatusCode, respBody)
	}
	return nil
}

type revokeCertRequest struct {
	Certificate core.JSONBuffer `json:"certificate"`
	Reason      *int            `json:"reason,omitempty"`
}

// RevokeCertificate POSTs certDER to the directory's revoke-cert resource
// (spec.md §4.8).
func (c *Client) RevokeCertificate(ctx context.Context, certDER []byte, reason *int) error {
	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(revokeCertRequest{Certificate: certDER, Reason: reason})
	if err != nil {
		return fmt.Errorf("encoding revocation request: %w", err)
	}
	resp, body, err := c.signedPost(ctx, "revoke", dir.RevokeCert, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return problemError(resp.StatusCode, body)
	}
	return nil
}

type newAppRequest struct {
	CSR       core.JSONBuffer `json:"csr"`
	NotBefore string          `json:"notBefore,omitempty"`
	NotAfter  string          `json:"notAfter,omitempty"`
}

// RequestCertificate drives the full issuance flow of spec.md §4.8: POST
// new-app, satisfy every requirement (authorization challenges via
// package va's Validation modules; out-of-band subjects by fetching their
// URL), poll until the Application is valid, then fetch and structurally
// verify the certificate.
func (c *Client) RequestCertificate(ctx context.Context, cr core.CertificateRequest, notBefore, notAfter *time.Time) ([]byte, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}

	req := newAppRequest{CSR: cr.Bytes}
	if notBefore != nil {
		req.NotBefore = notBefore.UTC().Format(time.RFC3339)
	}
	if notAfter != nil {
		req.NotAfter = notAfter.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding application request: %w", err)
	}

	resp, body, err := c.signedPost(ctx, "new-app", dir.NewApp, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, problemError(resp.StatusCode, body)
	}
	var app core.Application
	if err := json.Unmarshal(body, &app); err != nil {
		return nil, fmt.Errorf("decoding application: %w", err)
	}
	if !bytesEqual(app.CSR, cr.Bytes) {
		return nil, fmt.Errorf("server echoed a different CSR than submitted")
	}
	appURL := resp.Header.Get("Location")
	if appURL == "" {
		return nil, fmt.Errorf("server did not return a Location for the new application")
	}

	if app.CertificateURL == "" {
		for _, req := range app.Requirements {
			if err := c.satisfyRequirement(ctx, req); err != nil {
				return nil, fmt.Errorf("satisfying requirement %s: %w", req.URL, err)
			}
		}
		app, err = c.pollApplication(ctx, appURL)
		if err != nil {
			return nil, err
		}
	}

	_, certBody, err := c.get(ctx, app.CertificateURL)
	if err != nil {
		return nil, fmt.Errorf("fetching certificate: %w", err)
	}
	if err := pki.CheckCertMatch(certBody, cr, notBefore, notAfter); err != nil {
		return nil, fmt.Errorf("issued certificate does not match request: %w", err)
	}
	c.log.Infof("issued certificate for application %s", appURL)
	return certBody, nil
}

func (c *Client) satisfyRequirement(ctx context.Context, req core.Requirement) error {
	switch req.Type {
	case core.RequirementOutOfBand:
		_, _, err := c.get(ctx, req.URL)
		return err
	case core.RequirementAuthorization:
		return c.satisfyAuthorization(ctx, req.URL)
	default:
		return fmt.Errorf("unknown requirement type %q", req.Type)
	}
}

func (c *Client) satisfyAuthorization(ctx context.Context, authzURL string) error {
	_, body, err := c.get(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	var authz core.Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return fmt.Errorf("decoding authorization: %w", err)
	}

	idx := -1
	for _, t := range c.cfg.ValidationTypes {
		if i := authz.FindChallenge(t); i != -1 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("no locally supported challenge type offered for %s", authz.Identifier.Value)
	}
	challenge := authz.Challenges[idx]

	thumbprint, err := josesign.Thumbprint(josesign.PublicJWK(c.key))
	if err != nil {
		return fmt.Errorf("computing account thumbprint: %w", err)
	}
	validation, err := va.NewValidation(challenge.Type)
	if err != nil {
		return err
	}
	responseBody := validation.MakeResponse(thumbprint, challenge.Token)

	// Respond must stand up whatever listener the challenge type needs
	// before the response POST goes out, since the server's probe runs
	// synchronously inside that POST's request handling (spec.md §4.6).
	// Run it in the background and gate the POST on its readyCallback.
	ready := make(chan struct{})
	respondDone := make(chan error, 1)
	go func() {
		respondDone <- validation.Respond(authz.Identifier.Value, challenge.Token, thumbprint, func() {
			close(ready)
		})
	}()

	select {
	case <-ready:
	case err := <-respondDone:
		return fmt.Errorf("standing up challenge response: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	challengeURL := fmt.Sprintf("%s/%d", authzURL, idx)
	resp, respBody, postErr := c.signedPost(ctx, "respond-challenge", challengeURL, responseBody)

	var respondErr error
	select {
	case respondErr = <-respondDone:
	case <-ctx.Done():
		respondErr = ctx.Err()
	}

	if postErr != nil {
		return postErr
	}
	if resp.StatusCode != http.StatusAccepted {
		return problemError(resp.StatusCode, respBody)
	}
	if respondErr != nil {
		return fmt.Errorf("responding to challenge: %w", respondErr)
	}
	return nil
}

// pollApplication re-fetches appURL until its status leaves pending or
// the attempt bound is exceeded (spec.md §4.5, §4.8: "bounded ~30 polls ×
// 500ms").
func (c *Client) pollApplication(ctx context.Context, appURL string) (core.Application, error) {
	var app core.Application
	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		_, body, err := c.get(ctx, appURL)
		if err != nil {
			return core.Application{}, fmt.Errorf("polling application: %w", err)
		}
		if err := json.Unmarshal(body, &app); err != nil {
			return core.Application{}, fmt.Errorf("decoding polled application: %w", err)
		}
		if app.Status == core.StatusValid && app.CertificateURL != "" {
			return app, nil
		}
		if app.Status == core.StatusInvalid {
			return core.Application{}, fmt.Errorf("application became invalid")
		}
		c.sleep(ctx, c.cfg.PollInterval)
	}
	return core.Application{}, fmt.Errorf("application did not become valid after %d polls", c.cfg.PollAttempts)
}

func problemError(status int, body []byte) error {
	var p probs.ProblemDetails
	if err := json.Unmarshal(body, &p); err == nil && p.Type != "" {
		return fmt.Errorf("server returned %d %s: %s", status, p.Type, p.Detail)
	}
	return fmt.Errorf("server returned unexpected status %d", status)
}

func stringSlicesEqual(a, b []string) bool {
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

func bytesEqual(a, b []byte) bool {
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
