// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package va provides the Challenge Modules (spec.md §4.6): one
// server-side verifier and one client-side responder per identifier-
// validation type (HTTP-01, DNS-01, TLS-SNI-02, OOB), plus the dispatch
// registry spec.md §9 calls for ("a registry of challenge variants").
// Grounded on boulder's va/validation-authority.go (dispatch-by-type,
// TestMode port override) and va/http.go + va/dns.go (probe shape).
package va

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/log"
)

// probeTimeout bounds every outbound validation probe (spec.md §4.6.1:
// "All probes have a per-module timeout (~1-5s)").
const probeTimeout = 5 * time.Second

// ServerChallenge is the server-side verifier half of a Challenge Module
// (spec.md §4.6). One ServerChallenge is constructed per (Authorization,
// type) pair.
type ServerChallenge interface {
	Type() core.ChallengeType
	Status() core.AcmeStatus

	// Update is invoked with the client-supplied response JSON. It
	// transitions to invalid immediately if the response's shape does
	// not match, otherwise it runs the type's outbound probe
	// synchronously and transitions to valid or invalid. The scoped
	// resources a probe allocates (listeners, connections) are always
	// released before Update returns (spec.md §5 "Scoped resources").
	Update(name string, response []byte) core.AcmeStatus

	// ToJSON returns the public wire view: {type, status, token,
	// keyAuthorization?}. Never exposes server-private fields.
	ToJSON(uri string) core.Challenge
}

// Validation is the client-side responder half, stateless per spec.md
// §4.6: it computes the response payload and stands up whatever
// transient listener the type requires, then blocks until it is done
// serving the server's probe (see Respond).
type Validation interface {
	// MakeResponse builds the client's POST body for the challenge
	// endpoint: {type, keyAuthorization} for all types except OOB, which
	// returns just {type}.
	MakeResponse(accountThumbprint string, token string) []byte

	// Respond stands up the listener (if any) needed to serve the
	// server's probe and blocks until it is done or the probe timeout
	// elapses. The HTTP-01 responder always keeps its listener up for the
	// full probe timeout, whether or not the probe has already been
	// served. readyCallback, if non-nil, is invoked once the responder is
	// ready for the probe; the client runs Respond in its own goroutine
	// and gates the POST of the response to the challenge URL on it.
	Respond(name, token, accountThumbprint string, readyCallback func()) error
}

// Registry is the ordered set of challenge variants a server/client
// configuration offers (spec.md §9: "Configuration holds an ordered list
// of variants").
type Registry struct {
	log   log.Logger
	order []core.ChallengeType
}

// NewRegistry constructs a Registry offering exactly the given types, in
// the given priority order.
func NewRegistry(logger log.Logger, types ...core.ChallengeType) *Registry {
	return &Registry{log: logger, order: types}
}

// Types returns the registry's configured challenge types in priority
// order.
func (r *Registry) Types() []core.ChallengeType {
	return append([]core.ChallengeType(nil), r.order...)
}

// Supports reports whether t is offered by this registry.
func (r *Registry) Supports(t core.ChallengeType) bool {
	for _, x := range r.order {
		if x == t {
			return true
		}
	}
	return false
}

// NewServerChallenge constructs a fresh server-side verifier of the given
// type, bound to token and accountThumbprint. Every implementation is a
// pure function of these three values plus whatever the outbound probe
// observes — no other state needs to survive between the Authorization's
// creation and the later call to Update, so the caller is free to
// reconstruct an equivalent challenge (with the same token) at validation
// time instead of keeping the original object alive (spec.md §5 "Scoped
// resources").
func NewServerChallenge(t core.ChallengeType, token, accountThumbprint string) (ServerChallenge, error) {
	switch t {
	case core.ChallengeTypeHTTP01:
		return &http01Challenge{base: newBase(t, token, accountThumbprint)}, nil
	case core.ChallengeTypeDNS01:
		return &dns01Challenge{base: newBase(t, token, accountThumbprint)}, nil
	case core.ChallengeTypeTLSSNI02:
		return newTLSSNI02Challenge(token, accountThumbprint), nil
	case core.ChallengeTypeOOB:
		return newOOBChallengeWithToken(token, accountThumbprint), nil
	default:
		return nil, errUnsupportedType(t)
	}
}

// NewToken generates a fresh, unique challenge token (spec.md §4.6).
func NewToken() (string, error) {
	return randomToken()
}

// NewValidation constructs a fresh client-side responder for the given
// type.
func NewValidation(t core.ChallengeType) (Validation, error) {
	switch t {
	case core.ChallengeTypeHTTP01:
		return &http01Validation{}, nil
	case core.ChallengeTypeDNS01:
		return &dns01Validation{}, nil
	case core.ChallengeTypeTLSSNI02:
		return &tlsSNI02Validation{}, nil
	case core.ChallengeTypeOOB:
		return &oobValidation{}, nil
	default:
		return nil, errUnsupportedType(t)
	}
}

type unsupportedTypeError core.ChallengeType

func (e unsupportedTypeError) Error() string {
	return "va: unsupported challenge type " + string(e)
}

func errUnsupportedType(t core.ChallengeType) error { return unsupportedTypeError(t) }

// base holds the fields and the shared Update skeleton common to every
// server-side Challenge implementation.
type base struct {
	mu                sync.Mutex
	typ               core.ChallengeType
	status            core.AcmeStatus
	token             string
	accountThumbprint string
	keyAuthorization  *core.KeyAuthorization
}

func newBase(t core.ChallengeType, token, accountThumbprint string) base {
	return base{typ: t, status: core.StatusPending, token: token, accountThumbprint: accountThumbprint}
}

func (b *base) Type() core.ChallengeType { return b.typ }

func (b *base) Status() core.AcmeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) ToJSON(uri string) core.Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return core.Challenge{
		Type:             b.typ,
		Status:           b.status,
		Token:            b.token,
		KeyAuthorization: b.keyAuthorization,
		URI:              uri,
	}
}

type wireResponse struct {
	Type             core.ChallengeType     `json:"type"`
	KeyAuthorization *core.KeyAuthorization `json:"keyAuthorization,omitempty"`
}

// checkResponseShape decodes the client response and verifies it names
// this challenge's type and carries a keyAuthorization matching this
// challenge's token and account (spec.md §4.6: "if the response lacks
// the expected type or its keyAuthorization does not match the expected
// value, transition to invalid and resolve"). OOB responses never carry
// a keyAuthorization and are accepted on type alone.
func (b *base) checkResponseShape(response []byte) bool {
	var resp wireResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return false
	}
	if resp.Type != b.typ {
		return false
	}
	if b.typ == core.ChallengeTypeOOB {
		return true
	}
	if resp.KeyAuthorization == nil {
		return false
	}
	return resp.KeyAuthorization.Matches(b.token, b.accountThumbprint)
}

// finish transitions out of pending to the given terminal status,
// recording the keyAuthorization that produced it.
func (b *base) finish(ka *core.KeyAuthorization, valid bool) core.AcmeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyAuthorization = ka
	if valid {
		b.status = core.StatusValid
	} else {
		b.status = core.StatusInvalid
	}
	return b.status
}

func randomToken() (string, error) {
	return core.NewRandomToken()
}
