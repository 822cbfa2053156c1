// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"context"
	"fmt"
	"net/http"

	"github.com/acmeforge/acmeforge/core"
)

// oobChallenge is the server-side out-of-band verifier (spec.md §4.6: OOB
// carries no keyAuthorization, validation is "visited the page, yes/no").
// Update waits only on MarkVisited. The Transport Layer serves no page that
// calls MarkVisited, and ra builds a fresh challenge for each update, so an
// OOB challenge updated through the server times out as invalid.
type oobChallenge struct {
	base
	visited chan struct{}
}

// newOOBChallenge is the convenience constructor used by tests, which
// generates its own token.
func newOOBChallenge(accountThumbprint string) (*oobChallenge, error) {
	token, err := core.NewRandomToken()
	if err != nil {
		return nil, err
	}
	return newOOBChallengeWithToken(token, accountThumbprint), nil
}

func newOOBChallengeWithToken(token, accountThumbprint string) *oobChallenge {
	return &oobChallenge{
		base:    newBase(core.ChallengeTypeOOB, token, accountThumbprint),
		visited: make(chan struct{}, 1),
	}
}

// MarkVisited records that the out-of-band page was loaded. Update itself
// never calls it; within this module only tests do.
func (c *oobChallenge) MarkVisited() {
	select {
	case c.visited <- struct{}{}:
	default:
	}
}

func (c *oobChallenge) Update(name string, response []byte) core.AcmeStatus {
	if !c.checkResponseShape(response) {
		return c.finish(nil, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	select {
	case <-c.visited:
		return c.finish(nil, true)
	case <-ctx.Done():
		return c.finish(nil, false)
	}
}

// oobValidation is the client-side OOB responder: GET the page URL named by
// name and report success if the server returned 2xx.
type oobValidation struct{}

func (v *oobValidation) MakeResponse(accountThumbprint, token string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q}`, core.ChallengeTypeOOB))
}

func (v *oobValidation) Respond(pageURL, token, accountThumbprint string, readyCallback func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fmt.Errorf("oob: building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("oob: visiting page: %w", err)
	}
	defer resp.Body.Close()

	if readyCallback != nil {
		readyCallback()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("oob: page returned status %d", resp.StatusCode)
	}
	return nil
}
