// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"testing"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/test"
)

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry(log.NewMock(), core.ChallengeTypeHTTP01, core.ChallengeTypeDNS01)
	test.Assert(t, r.Supports(core.ChallengeTypeHTTP01), "registry should support http-01")
	test.Assert(t, r.Supports(core.ChallengeTypeDNS01), "registry should support dns-01")
	test.Assert(t, !r.Supports(core.ChallengeTypeTLSSNI02), "registry should not support tls-sni-02")
	test.AssertEquals(t, len(r.Types()), 2)
}

func TestNewServerChallengeEveryType(t *testing.T) {
	for _, typ := range []core.ChallengeType{
		core.ChallengeTypeHTTP01,
		core.ChallengeTypeDNS01,
		core.ChallengeTypeTLSSNI02,
		core.ChallengeTypeOOB,
	} {
		token, err := NewToken()
		test.AssertNotError(t, err, "generating token")
		c, err := NewServerChallenge(typ, token, fakeThumbprint(t))
		test.AssertNotError(t, err, "constructing challenge for "+string(typ))
		test.AssertEquals(t, c.Type(), typ)
		test.AssertEquals(t, c.Status(), core.StatusPending)
	}
}

func TestNewServerChallengeUnsupportedType(t *testing.T) {
	_, err := NewServerChallenge(core.ChallengeType("bogus"), "tok", fakeThumbprint(t))
	test.AssertError(t, err, "expected an error for an unsupported challenge type")
}

func TestNewValidationEveryType(t *testing.T) {
	for _, typ := range []core.ChallengeType{
		core.ChallengeTypeHTTP01,
		core.ChallengeTypeDNS01,
		core.ChallengeTypeTLSSNI02,
		core.ChallengeTypeOOB,
	} {
		_, err := NewValidation(typ)
		test.AssertNotError(t, err, "constructing validation for "+string(typ))
	}
}
