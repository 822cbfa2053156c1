// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package policy is the small, fixed issuance policy spec.md's Non-goals
// allow ("pluggable issuance policies beyond a small set"): a public
// suffix blocklist, plus the set of challenge types offered for a given
// identifier. Grounded on boulder's policy.New(enabledChallenges, log) /
// ChallengeTypesFor(identifier) shape (policy/pa_dns_account_01_test.go).
package policy

import (
	"fmt"

	"github.com/acmeforge/acmeforge/berrors"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/log"
	psl "github.com/weppos/publicsuffix-go/publicsuffix"
)

// Authority is the policy backend consulted by pki.CA.Issue and by the
// server core when building an Application's requirements.
type Authority struct {
	enabledChallenges map[core.ChallengeType]bool
	log               log.Logger
}

// New constructs an Authority offering exactly the given challenge types.
func New(enabledChallenges map[core.ChallengeType]bool, logger log.Logger) (*Authority, error) {
	if len(enabledChallenges) == 0 {
		return nil, fmt.Errorf("policy: at least one challenge type must be enabled")
	}
	return &Authority{enabledChallenges: enabledChallenges, log: logger}, nil
}

// WillingToIssue rejects bare public suffixes (e.g. "co.uk") and names
// that fail basic syntax — the "small set" of issuance policy spec.md
// §1's Non-goals allow.
func (pa *Authority) WillingToIssue(names []string) error {
	if len(names) == 0 {
		return berrors.MalformedError("at least one name is required")
	}
	for _, name := range names {
		dom, err := psl.Parse(name)
		if err != nil {
			// publicsuffix-go fails to parse bare suffixes and malformed
			// names alike; treat both as rejected.
			return berrors.MalformedError("name %q is not eligible for issuance: %s", name, err)
		}
		if dom.SLD == "" {
			return berrors.MalformedError("name %q is a bare public suffix", name)
		}
	}
	return nil
}

// ChallengeTypesFor returns the challenge types, in a stable order, that
// the server should offer for validating the given identifier.
func (pa *Authority) ChallengeTypesFor(ident core.AcmeIdentifier) []core.ChallengeType {
	order := []core.ChallengeType{
		core.ChallengeTypeHTTP01,
		core.ChallengeTypeDNS01,
		core.ChallengeTypeTLSSNI02,
		core.ChallengeTypeOOB,
	}
	var out []core.ChallengeType
	for _, t := range order {
		if pa.enabledChallenges[t] {
			out = append(out, t)
		}
	}
	return out
}
