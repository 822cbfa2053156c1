// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/test"
)

func newHTTP01(accountThumbprint string) *http01Challenge {
	token, err := core.NewRandomToken()
	if err != nil {
		panic(err)
	}
	b := newBase(core.ChallengeTypeHTTP01, token, accountThumbprint)
	return &http01Challenge{base: b}
}

func TestHTTP01Valid(t *testing.T) {
	c := newHTTP01(fakeThumbprint(t))
	ka := core.KeyAuthorization{Token: c.token, Thumbprint: c.accountThumbprint}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, c.token) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, ka.String())
	}))
	defer srv.Close()

	srvURL, err := url.Parse(srv.URL)
	test.AssertNotError(t, err, "parsing test server URL")
	c.client = srv.Client()

	response := (&http01Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update(srvURL.Host, response)
	test.AssertEquals(t, status, core.StatusValid)
}

func TestHTTP01WrongKeyAuthorization(t *testing.T) {
	c := newHTTP01(fakeThumbprint(t))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not-the-right-value")
	}))
	defer srv.Close()
	srvURL, _ := url.Parse(srv.URL)
	c.client = srv.Client()

	response := (&http01Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update(srvURL.Host, response)
	test.AssertEquals(t, status, core.StatusInvalid)
}

func TestHTTP01MalformedResponse(t *testing.T) {
	c := newHTTP01(fakeThumbprint(t))
	status := c.Update("example.com", []byte(`{"type":"dns-01"}`))
	test.AssertEquals(t, status, core.StatusInvalid)
}

func TestHTTP01NotFound(t *testing.T) {
	c := newHTTP01(fakeThumbprint(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	srvURL, _ := url.Parse(srv.URL)
	c.client = srv.Client()

	response := (&http01Validation{}).MakeResponse(c.accountThumbprint, c.token)
	status := c.Update(srvURL.Host, response)
	test.AssertEquals(t, status, core.StatusInvalid)
}
