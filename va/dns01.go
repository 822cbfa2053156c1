// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package va

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/acmeforge/acmeforge/core"
	"github.com/miekg/dns"
)

const dns01Prefix = "_acme-challenge."

// dnsResolver is the subset of a resolver dns01Challenge needs, so tests can
// substitute a fake without running a real nameserver.
type dnsResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// miekgResolver is the default resolver, a single miekg/dns query against
// the system-configured nameserver.
type miekgResolver struct {
	server string
}

func (r *miekgResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	server := r.server
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("dns-01: no resolver configured: %v", err)
		}
		server = conf.Servers[0] + ":53"
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	client := &dns.Client{Net: "tcp", Timeout: probeTimeout}
	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("dns-01: query failed: %w", err)
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			for _, s := range txt.Txt {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// dnsKeyAuthorizationDigest computes the base64url(SHA-256(keyAuthorization))
// value published in the TXT record, per spec.md §4.6.1.
func dnsKeyAuthorizationDigest(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// dns01Challenge is the server-side DNS-01 verifier: look up
// `_acme-challenge.<name>` TXT, expect one record equal to
// base64url(SHA-256(keyAuthorization)).
type dns01Challenge struct {
	base
	resolver dnsResolver
}

func (c *dns01Challenge) Update(name string, response []byte) core.AcmeStatus {
	if !c.checkResponseShape(response) {
		return c.finish(nil, false)
	}

	resolver := c.resolver
	if resolver == nil {
		resolver = &miekgResolver{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	records, err := resolver.LookupTXT(ctx, dns01Prefix+name)
	if err != nil {
		return c.finish(nil, false)
	}

	ka := core.KeyAuthorization{Token: c.token, Thumbprint: c.accountThumbprint}
	expected := dnsKeyAuthorizationDigest(ka.String())
	for _, record := range records {
		if record == expected {
			return c.finish(&ka, true)
		}
	}
	return c.finish(nil, false)
}

// dns01Validation is the client-side DNS-01 responder. A real client
// publishes the TXT record through its DNS provider's API and then signals
// readiness; this reference implementation models that hand-off with a
// Publish callback supplied by the caller.
type dns01Validation struct {
	// Publish is invoked with the record name and value to create. If nil,
	// Respond assumes the record has already been published out of band.
	Publish func(name, value string) error
}

func (v *dns01Validation) MakeResponse(accountThumbprint, token string) []byte {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	return []byte(fmt.Sprintf(`{"type":%q,"keyAuthorization":%q}`, core.ChallengeTypeDNS01, ka.String()))
}

func (v *dns01Validation) Respond(name, token, accountThumbprint string, readyCallback func()) error {
	ka := core.KeyAuthorization{Token: token, Thumbprint: accountThumbprint}
	digest := dnsKeyAuthorizationDigest(ka.String())

	if v.Publish != nil {
		if err := v.Publish(dns01Prefix+name, digest); err != nil {
			return fmt.Errorf("dns-01: publishing TXT record: %w", err)
		}
	}
	if readyCallback != nil {
		readyCallback()
	}
	return nil
}
