// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wfe is the Transport Layer, server side (spec.md §4.4): the
// three ordered gates every inbound request passes through (scheme,
// nonce attachment, rate limit), JWS verification for POSTs, and the
// resource handlers that make up the ACME Server Core's HTTP surface
// (spec.md §4.7). Grounded on boulder's WebFrontEndImpl
// (`wfe/web-front-end.go`): HandleFunc-based routing, a verifyPOST
// helper, a sendError convention, and Location/Link response headers —
// generalized from boulder's int64 registration IDs, AMQP-backed RA, and
// urn:acme:error:* problem namespace onto this engine's string ids,
// in-process core.RegistrationAuthority, and urn:ietf:params:acme:error:*
// namespace (draft-ietf-acme-acme, spec.md §6).
package wfe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/metrics"
	"github.com/acmeforge/acmeforge/noncesrc"
	"github.com/acmeforge/acmeforge/probs"
	"github.com/acmeforge/acmeforge/store"
	"github.com/acmeforge/acmeforge/web"
	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DirectoryPath  = "/directory"
	NewRegPath     = "/acme/new-reg"
	RegPath        = "/acme/reg/"
	NewAppPath     = "/acme/new-app"
	AppPath        = "/acme/app/"
	AuthzPath      = "/acme/authz/"
	KeyChangePath  = "/acme/key-change"
	RevokeCertPath = "/acme/revoke-cert"
	CertPath       = "/acme/cert/"
)

// Impl is the Transport Layer server. It holds a mutating collaborator
// (ra, for every state change) and a read-only one (store, for the fetch
// and GET-authorization paths spec.md §4.7 describes) — mirroring
// boulder's wfe/RA+SA split, generalized onto this engine's in-memory
// store standing in for boulder's SA.
type Impl struct {
	log     log.Logger
	clk     clock.Clock
	ra      core.RegistrationAuthority
	store   *store.Store
	nonces  *noncesrc.Service
	limiter *windowLimiter
	metrics *metrics.ServerScope
	tracer  trace.Tracer

	baseURL     string
	termsURL    string
	maxValidity time.Duration
}

// Config groups the construction-time parameters for New, mirroring
// spec.md §6's "Configuration recognized by the server" list.
type Config struct {
	BaseURL            string
	TermsURL           string
	MaxValiditySeconds int64
	RateLimitPOSTs     int
	RateLimitWindow    time.Duration
}

// New constructs a Transport Layer server wired to ra for mutations and
// st for reads. scope may be nil, in which case requests are not
// instrumented.
func New(clk clock.Clock, logger log.Logger, ra core.RegistrationAuthority, st *store.Store, nonces *noncesrc.Service, cfg Config, scope *metrics.ServerScope) *Impl {
	rateLimitSize := cfg.RateLimitPOSTs
	if rateLimitSize <= 0 {
		rateLimitSize = 20
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxValidity := time.Duration(cfg.MaxValiditySeconds) * time.Second
	if maxValidity <= 0 {
		maxValidity = 365 * 24 * time.Hour
	}
	return &Impl{
		log:         logger,
		clk:         clk,
		ra:          ra,
		store:       st,
		nonces:      nonces,
		limiter:     newWindowLimiter(clk, rateLimitSize, rateLimitWindow),
		metrics:     scope,
		tracer:      otel.Tracer("acmeforge/wfe"),
		baseURL:     cfg.BaseURL,
		termsURL:    cfg.TermsURL,
		maxValidity: maxValidity,
	}
}

// Handler builds the http.Handler serving every registered resource,
// each wrapped in the three gates of spec.md §4.4.
func (wfe *Impl) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DirectoryPath, wfe.gated("directory", wfe.Directory))
	mux.HandleFunc(NewRegPath, wfe.gated("new-reg", wfe.NewRegistration))
	mux.HandleFunc(RegPath, wfe.gated("reg", wfe.Registration))
	mux.HandleFunc(NewAppPath, wfe.gated("new-app", wfe.NewApplication))
	mux.HandleFunc(AppPath, wfe.gated("app", wfe.Application))
	mux.HandleFunc(AuthzPath, wfe.gated("authz", wfe.Authorization))
	mux.HandleFunc(KeyChangePath, wfe.gated("key-change", wfe.KeyChange))
	mux.HandleFunc(RevokeCertPath, wfe.gated("revoke-cert", wfe.RevokeCertificate))
	mux.HandleFunc(CertPath, wfe.gated("cert", wfe.Certificate))
	return mux
}

// statusWriter captures the status code a handler ultimately wrote, so
// the gate wrapper can record it in metrics without threading a
// RequestEvent through every handler signature.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// gated wraps h with the three ordered Transport Layer gates (spec.md
// §4.4): scheme, nonce attachment, rate limit (POST only).
func (wfe *Impl) gated(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := wfe.clk.Now()
		sw := &statusWriter{ResponseWriter: w}
		logEvent := &web.RequestEvent{Method: r.Method, Endpoint: name}
		defer wfe.observe(name, sw, start)

		ctx, schemeSpan := wfe.tracer.Start(r.Context(), "scheme-gate")
		https := isHTTPS(r)
		schemeSpan.End()
		if !https {
			wfe.rejectGate("scheme")
			web.SendError(wfe.log, sw, logEvent, &probs.ProblemDetails{
				Type: probs.MalformedProblem, Detail: "must be served over HTTPS", Status: http.StatusInternalServerError,
			}, nil)
			return
		}

		_, nonceSpan := wfe.tracer.Start(ctx, "nonce-gate")
		nonce, err := wfe.nonces.Nonce()
		nonceSpan.End()
		if err != nil {
			web.SendError(wfe.log, sw, logEvent, &probs.ProblemDetails{
				Type: probs.ServerInternal, Detail: "Internal server error", Status: http.StatusInternalServerError,
			}, err)
			return
		}
		sw.Header().Set("Replay-Nonce", nonce)

		if r.Method == http.MethodPost {
			_, rlSpan := wfe.tracer.Start(ctx, "rate-limit-gate")
			ok, retryAfter := wfe.limiter.allow()
			rlSpan.End()
			if !ok {
				wfe.rejectGate("rate-limit")
				sw.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				web.SendError(wfe.log, sw, logEvent, &probs.ProblemDetails{
					Type: probs.RateLimitedProblem, Detail: "rate limit exceeded", Status: http.StatusForbidden,
				}, nil)
				return
			}
		}

		h(sw, r.WithContext(ctx))
	}
}

func (wfe *Impl) observe(name string, sw *statusWriter, start time.Time) {
	if wfe.metrics == nil {
		return
	}
	wfe.metrics.RequestDuration.WithLabelValues(name).Observe(wfe.clk.Now().Sub(start).Seconds())
	wfe.metrics.Requests.WithLabelValues(name, strconv.Itoa(sw.status)).Inc()
}

func (wfe *Impl) rejectGate(gate string) {
	if wfe.metrics != nil {
		wfe.metrics.GateRejections.WithLabelValues(gate).Inc()
	}
}

// isHTTPS reports whether r arrived over TLS, directly or via a
// reverse-proxy header (spec.md §4.4 gate 1).
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}

// absoluteURL reconstructs the absolute URL a POST's protected `url`
// header is required to match (spec.md §4.4): scheme, host[:port], path.
func (wfe *Impl) absoluteURL(r *http.Request) string {
	return fmt.Sprintf("https://%s%s", r.Host, r.URL.Path)
}

// verifyPOST reads and JOSE-verifies the request body (spec.md §4.2,
// §4.4): signature, nonce consumption, and `url` header match. If
// requireAccount, the verified key's thumbprint must name a known, valid
// Registration, which is returned alongside the verified JWS.
func (wfe *Impl) verifyPOST(r *http.Request, requireAccount bool) (*josesign.Verified, *core.Registration, *probs.ProblemDetails) {
	if r.Body == nil {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no request body", Status: http.StatusBadRequest}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "reading request body", Status: http.StatusBadRequest}
	}

	verified, err := josesign.Verify(body)
	if err != nil {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: fmt.Sprintf("verifying JWS: %s", err), Status: http.StatusBadRequest}
	}
	if !wfe.nonces.Valid(verified.Nonce) {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "invalid or replayed nonce", Status: http.StatusBadRequest}
	}
	if verified.URL != wfe.absoluteURL(r) {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "url header does not match request URL", Status: http.StatusBadRequest}
	}

	if !requireAccount {
		return verified, nil, nil
	}

	thumbprint, err := josesign.Thumbprint(verified.Key)
	if err != nil {
		return nil, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "computing key thumbprint", Status: http.StatusBadRequest}
	}
	reg, err := wfe.store.RegByThumbprint(thumbprint)
	if err != nil {
		return nil, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "no registration exists matching the provided key", Status: http.StatusUnauthorized}
	}
	if reg.Status != core.StatusValid {
		return nil, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "registration is not valid", Status: http.StatusUnauthorized}
	}
	return verified, reg, nil
}

func (wfe *Impl) regURL(id string) string   { return wfe.baseURL + RegPath + id }
func (wfe *Impl) appURL(id string) string   { return wfe.baseURL + AppPath + id }
func (wfe *Impl) authzURL(id string) string { return wfe.baseURL + AuthzPath + id }
func (wfe *Impl) certURL(id string) string  { return wfe.baseURL + CertPath + id }

func link(url, relation string) string {
	return fmt.Sprintf(`<%s>;rel="%s"`, url, relation)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
