// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"testing"

	"github.com/acmeforge/acmeforge/core"
)

// fakeThumbprint returns a string with the same shape as a real JWK
// thumbprint (43 characters of unpadded base64url), since
// core.KeyAuthorization round-trips through LooksLikeAToken on both halves.
func fakeThumbprint(t *testing.T) string {
	t.Helper()
	tp, err := core.NewRandomToken()
	if err != nil {
		t.Fatalf("generating fake thumbprint: %s", err)
	}
	return tp
}
