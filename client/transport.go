// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/probs"
)

// popNonce returns a nonce to sign the next POST with (spec.md §4.5): one
// queued from a prior response if available, otherwise a fresh HEAD to
// the directory URL to obtain one.
func (c *Client) popNonce(ctx context.Context) (string, error) {
	if n := len(c.nonceQueue); n > 0 {
		nonce := c.nonceQueue[n-1]
		c.nonceQueue = c.nonceQueue[:n-1]
		return nonce, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.BaseURL+"/directory", nil)
	if err != nil {
		return "", fmt.Errorf("building nonce request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("server did not provide a nonce")
	}
	return nonce, nil
}

// captureNonce stores the Replay-Nonce carried by every server response
// (spec.md §4.5) for reuse by a later POST.
func (c *Client) captureNonce(resp *http.Response) {
	if nonce := resp.Header.Get("Replay-Nonce"); nonce != "" {
		c.nonceQueue = append(c.nonceQueue, nonce)
	}
}

// rawPost POSTs an already-serialized JWS and returns the raw response
// without capturing its nonce. Callers that need retry-on-rate-limit should use
// signedPost instead; rawPost is for key-change, whose outer JWS must be
// signed by a caller-chosen key rather than c.key.
func (c *Client) rawPost(ctx context.Context, label, url string, jws []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jws))
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	start := c.clk.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.CallLatency.WithLabelValues(label).Observe(c.clk.Since(start).Seconds())
		c.metrics.Calls.WithLabelValues(label, statusLabel(resp)).Inc()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp, body, nil
}

// signedPost signs payload with c.key, POSTs it to url, and on a
// rateLimited response retries exactly once after honoring Retry-After
// (spec.md §4.5: integer seconds, an HTTP-date, or — if neither parses —
// cfg.RateLimitFallback). label identifies the call for metrics.
func (c *Client) signedPost(ctx context.Context, label, url string, payload []byte) (*http.Response, []byte, error) {
	resp, body, err := c.signAndPost(ctx, label, url, payload)
	if err != nil {
		return nil, nil, err
	}
	c.captureNonce(resp)

	if resp.StatusCode == http.StatusForbidden && isRateLimited(body) {
		wait := retryAfterDuration(resp.Header.Get("Retry-After"), c.clk.Now(), c.cfg.RateLimitFallback)
		c.sleep(ctx, wait)
		resp, body, err = c.signAndPost(ctx, label, url, payload)
		if err != nil {
			return nil, nil, err
		}
		c.captureNonce(resp)
	}

	return resp, body, nil
}

func (c *Client) signAndPost(ctx context.Context, label, url string, payload []byte) (*http.Response, []byte, error) {
	nonce, err := c.popNonce(ctx)
	if err != nil {
		return nil, nil, err
	}
	jws, err := josesign.Sign(c.key, payload, nonce, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("signing request: %w", err)
	}
	return c.rawPost(ctx, label, url, jws)
}

func isRateLimited(body []byte) bool {
	var p probs.ProblemDetails
	if err := json.Unmarshal(body, &p); err != nil {
		return false
	}
	return p.Type == probs.RateLimitedProblem
}

// retryAfterDuration parses Retry-After per spec.md §4.5: an integer
// number of seconds, or an HTTP-date. An unparseable or already-past
// value falls back to fallback.
func retryAfterDuration(header string, now time.Time, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return fallback
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	timer := c.clk.After(d)
	select {
	case <-ctx.Done():
	case <-timer:
	}
}

// get issues a GET and returns the raw response, capturing its nonce.
// Used for both JSON resources (directory, application, authorization)
// and binary ones (the certificate's DER body) — callers decode body as
// appropriate.
func (c *Client) get(ctx context.Context, url string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}

	start := c.clk.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.CallLatency.WithLabelValues("get").Observe(c.clk.Since(start).Seconds())
		c.metrics.Calls.WithLabelValues("get", statusLabel(resp)).Inc()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	c.captureNonce(resp)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp, body, problemError(resp.StatusCode, body)
	}
	return resp, body, nil
}

func statusLabel(resp *http.Response) string {
	if resp == nil {
		return "error"
	}
	return strconv.Itoa(resp.StatusCode)
}

