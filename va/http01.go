// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/acmeforge/acmeforge/core"
)

const http01Path = "/.well-known/acme-challenge/"

// shavedDialContext shaves a few milliseconds off the deadline it is given
// before calling the default DialContext, so a connect-phase timeout can be
// told apart from a read-phase one.
func shavedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(probeTimeout)
	} else {
		deadline = deadline.Add(-10 * time.Millisecond)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, addr)
}

func newHTTP01Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         shavedDialContext,
			DisableKeepAlives:   true,
			MaxIdleConns:        1,
			IdleConnTimeout:     time.Second,
			TLSHandshakeTimeout: probeTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return fmt.Errorf("http-01: too many redirects")
			}
			return nil
		},
		Timeout: probeTimeout,
	}
}

// http01Challenge is the server-side HTTP-01 verifier (spec.md §4.6.1: GET
// http://<name>/.well-known/acme-challenge/<token>, expect the key
// authorization as the exact response body).
type http01Challenge struct {
	base
	client *http.Client
}

func (c *http01Challenge) Update(name string, response []byte) core.AcmeStatus {
	if !c.checkResponseShape(response) {
		return c.finish(nil, false)
	}

	client := c.client
	if client == nil {
		client = newHTTP01Client()
	}

	url := fmt.Sprintf("http://%s%s%s", name, http01Path, c.token)
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c.finish(nil, false)
	}
	resp, err := client.Do(req)
	if err != nil {
		return c.finish(nil, false)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.finish(nil, false)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return c.finish(nil, false)
	}

	expected := c.token + "." + c.accountThumbprint
	ka, err := core.NewKeyAuthorizationFromString(string(body))
	if err != nil || ka.String() != expected {
		return c.finish(nil, false)
	}
	return c.finish(&ka, true)
}

// http01Validation is the client-side HTTP-01 responder: it stands up a
// plain-text listener on :80 serving the key authorization at the
// well-known path.
type http01Validation struct{}

func (v *http01Validation) MakeResponse(accountThumbprint, token string) []byte {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	return []byte(fmt.Sprintf(`{"type":%q,"keyAuthorization":%q}`, core.ChallengeTypeHTTP01, ka.String()))
}

func (v *http01Validation) Respond(name, token, accountThumbprint string, readyCallback func()) error {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	mux := http.NewServeMux()
	mux.HandleFunc(http01Path+token, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, ka.String())
	})

	ln, err := net.Listen("tcp", ":http")
	if err != nil {
		return fmt.Errorf("http-01: binding listener: %w", err)
	}
	defer ln.Close()

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	if readyCallback != nil {
		readyCallback()
	}

	select {
	case <-time.After(probeTimeout):
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	return srv.Close()
}
