// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wfe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/probs"
	"github.com/acmeforge/acmeforge/web"
)

// directory is the wire shape of the directory resource (spec.md §6).
type directory struct {
	Directory  string `json:"directory"`
	NewReg     string `json:"new-reg"`
	NewApp     string `json:"new-app"`
	KeyChange  string `json:"key-change"`
	RevokeCert string `json:"revoke-cert"`
	Meta       struct {
		TermsOfService string `json:"terms-of-service,omitempty"`
	} `json:"meta,omitempty"`
}

// Directory returns the recognized resource map (spec.md §4.7).
func (wfe *Impl) Directory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	d := directory{
		Directory:  wfe.baseURL + DirectoryPath,
		NewReg:     wfe.baseURL + NewRegPath,
		NewApp:     wfe.baseURL + NewAppPath,
		KeyChange:  wfe.baseURL + KeyChangePath,
		RevokeCert: wfe.baseURL + RevokeCertPath,
	}
	d.Meta.TermsOfService = wfe.termsURL
	writeJSON(w, http.StatusOK, d)
}

func methodNotAllowed() *probs.ProblemDetails {
	return &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "method not allowed", Status: http.StatusMethodNotAllowed}
}

type newRegRequest struct {
	Contact   []string `json:"contact,omitempty"`
	Agreement string   `json:"agreement,omitempty"`
}

// NewRegistration handles new-reg (spec.md §4.7).
func (wfe *Impl) NewRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	verified, _, prob := wfe.verifyPOST(r, false)
	if prob != nil {
		web.SendError(wfe.log, w, nil, prob, nil)
		return
	}

	thumbprint, err := josesign.Thumbprint(verified.Key)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "computing key thumbprint", Status: http.StatusBadRequest}, err)
		return
	}
	if existing, err := wfe.store.RegByThumbprint(thumbprint); err == nil {
		w.Header().Set("Location", wfe.regURL(existing.ID))
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "registration key is already in use", Status: http.StatusConflict}, nil)
		return
	}

	var body newRegRequest
	if err := json.Unmarshal(verified.Payload, &body); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling registration", Status: http.StatusBadRequest}, err)
		return
	}

	reg, err := wfe.ra.NewRegistration(verified.Key, body.Contact)
	if err != nil {
		prob, _ := probs.ForError(err)
		web.SendError(wfe.log, w, nil, prob, err)
		return
	}

	w.Header().Set("Location", wfe.regURL(reg.ID))
	if wfe.termsURL != "" {
		w.Header().Add("Link", link(wfe.termsURL, "terms-of-service"))
	}
	writeJSON(w, http.StatusCreated, reg)
}

// Registration handles update-reg (spec.md §4.7), path RegPath+{id}.
func (wfe *Impl) Registration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, RegPath)

	verified, reg, prob := wfe.verifyPOST(r, true)
	if prob != nil {
		web.SendError(wfe.log, w, nil, prob, nil)
		return
	}
	if reg.ID != id {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "request signing key does not match registration", Status: http.StatusUnauthorized}, nil)
		return
	}

	var update struct {
		Status    core.AcmeStatus `json:"status,omitempty"`
		Contact   []string        `json:"contact,omitempty"`
		Agreement string          `json:"agreement,omitempty"`
	}
	if err := json.Unmarshal(verified.Payload, &update); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling registration update", Status: http.StatusBadRequest}, err)
		return
	}

	if update.Status == core.StatusDeactivated {
		if err := wfe.ra.DeactivateRegistration(id); err != nil {
			prob, _ := probs.ForError(err)
			web.SendError(wfe.log, w, nil, prob, err)
			return
		}
		writeJSON(w, http.StatusOK, reg)
		return
	}

	if update.Agreement != "" && update.Agreement != wfe.termsURL {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{
			Type:   probs.MalformedProblem,
			Detail: fmt.Sprintf("provided agreement URL %q does not match current terms URL %q", update.Agreement, wfe.termsURL),
			Status: http.StatusBadRequest,
		}, nil)
		return
	}

	updated, err := wfe.ra.UpdateRegistration(id, core.Registration{Contact: update.Contact, Agreement: update.Agreement})
	if err != nil {
		prob, _ := probs.ForError(err)
		web.SendError(wfe.log, w, nil, prob, err)
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

type newAppRequest struct {
	NotBefore string `json:"notBefore,omitempty"`
	NotAfter  string `json:"notAfter,omitempty"`
}

// externalize rewrites the store-internal relative paths ra.go stamps
// onto an Application ("authz/<id>", "cert/<id>") into absolute URLs a
// client can fetch directly.
func (wfe *Impl) externalize(app core.Application) core.Application {
	reqs := make([]core.Requirement, len(app.Requirements))
	for i, req := range app.Requirements {
		if id, ok := strings.CutPrefix(req.URL, "authz/"); ok {
			req.URL = wfe.authzURL(id)
		}
		reqs[i] = req
	}
	app.Requirements = reqs
	if id, ok := strings.CutPrefix(app.CertificateURL, "cert/"); ok {
		app.CertificateURL = wfe.certURL(id)
	}
	return app
}

// NewApplication handles new-app (spec.md §4.7).
func (wfe *Impl) NewApplication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	verified, reg, prob := wfe.verifyPOST(r, true)
	if prob != nil {
		web.SendError(wfe.log, w, nil, prob, nil)
		return
	}

	var body newAppRequest
	if err := json.Unmarshal(verified.Payload, &body); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling application", Status: http.StatusBadRequest}, err)
		return
	}
	var csr core.CertificateRequest
	if err := json.Unmarshal(verified.Payload, &csr); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: fmt.Sprintf("parsing CSR: %s", err), Status: http.StatusBadRequest}, err)
		return
	}

	if body.NotAfter != "" && body.NotBefore == "" {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "notAfter given without notBefore", Status: http.StatusBadRequest}, nil)
		return
	}
	if body.NotBefore != "" && body.NotAfter != "" {
		nb, err1 := time.Parse(time.RFC3339, body.NotBefore)
		na, err2 := time.Parse(time.RFC3339, body.NotAfter)
		if err1 != nil || err2 != nil {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "notBefore/notAfter must be ISO-8601", Status: http.StatusBadRequest}, nil)
			return
		}
		if na.Sub(nb) > wfe.maxValidity {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "requested validity exceeds the maximum allowed", Status: http.StatusBadRequest}, nil)
			return
		}
	}

	app, err := wfe.ra.NewApplication(reg.ID, csr, body.NotBefore, body.NotAfter)
	if err != nil {
		prob, _ := probs.ForError(err)
		web.SendError(wfe.log, w, nil, prob, err)
		return
	}

	if ready, err := wfe.ra.IssueIfReady(app.ID); err == nil {
		app = ready
	}

	w.Header().Set("Location", wfe.appURL(app.ID))
	writeJSON(w, http.StatusCreated, wfe.externalize(app))
}

// Application handles fetch (/app/{id}) (spec.md §4.7).
func (wfe *Impl) Application(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, AppPath)
	app, err := wfe.store.GetApplication(id)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no such application", Status: http.StatusNotFound}, err)
		return
	}
	writeJSON(w, http.StatusOK, wfe.externalize(*app))
}

// Authorization handles GET/update-authz (/authz/{id}[/{index}]) (spec.md
// §4.7).
func (wfe *Impl) Authorization(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, AuthzPath)
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	hasIndex := len(parts) == 2 && parts[1] != ""
	var index int
	if hasIndex {
		var err error
		index, err = strconv.Atoi(parts[1])
		if err != nil {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "challenge index must be an integer", Status: http.StatusBadRequest}, err)
			return
		}
	}

	authz, err := wfe.store.GetAuthorization(id)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no such authorization", Status: http.StatusNotFound}, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if hasIndex {
			if index < 0 || index >= len(authz.Challenges) {
				web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no such challenge", Status: http.StatusNotFound}, nil)
				return
			}
			writeJSON(w, http.StatusOK, authz.Challenges[index])
			return
		}
		writeJSON(w, http.StatusOK, authz)

	case http.MethodPost:
		verified, reg, prob := wfe.verifyPOST(r, true)
		if prob != nil {
			web.SendError(wfe.log, w, nil, prob, nil)
			return
		}
		if reg.ID != authz.RegID {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "authorization does not belong to this account", Status: http.StatusUnauthorized}, nil)
			return
		}

		if !hasIndex {
			var update struct {
				Status core.AcmeStatus `json:"status,omitempty"`
			}
			if err := json.Unmarshal(verified.Payload, &update); err != nil {
				web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling authorization update", Status: http.StatusBadRequest}, err)
				return
			}
			if update.Status != core.StatusDeactivated {
				web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "only deactivation is supported without a challenge index", Status: http.StatusBadRequest}, nil)
				return
			}
			if err := wfe.ra.DeactivateAuthorization(id, reg.ID); err != nil {
				prob, _ := probs.ForError(err)
				web.SendError(wfe.log, w, nil, prob, err)
				return
			}
			writeJSON(w, http.StatusOK, authz)
			return
		}

		if index < 0 || index >= len(authz.Challenges) {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no such challenge", Status: http.StatusNotFound}, nil)
			return
		}
		if authz.Status != core.StatusPending {
			web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "authorization is no longer pending", Status: http.StatusUnauthorized}, nil)
			return
		}

		challengeType := authz.Challenges[index].Type
		updated, err := wfe.ra.UpdateAuthorization(id, reg.ID, challengeType, verified.Payload)
		if err != nil {
			prob, _ := probs.ForError(err)
			web.SendError(wfe.log, w, nil, prob, err)
			return
		}
		writeJSON(w, http.StatusAccepted, updated.Challenges[index])

	default:
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
	}
}

type keyChangePayload struct {
	OldKey  string `json:"oldKey"`
	NewKey  string `json:"newKey"`
	Account string `json:"account"`
}

// KeyChange handles key-change (spec.md §4.7): the outer JWS is signed by
// the new key; its payload is itself a flattened JWS signed by the old
// key, carrying the proof fields.
func (wfe *Impl) KeyChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	outer, _, prob := wfe.verifyPOST(r, false)
	if prob != nil {
		web.SendError(wfe.log, w, nil, prob, nil)
		return
	}

	inner, err := josesign.Verify(outer.Payload)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "verifying inner key-change JWS", Status: http.StatusUnauthorized}, err)
		return
	}
	if inner.URL != outer.URL {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "inner and outer url headers do not match", Status: http.StatusUnauthorized}, nil)
		return
	}

	var payload keyChangePayload
	if err := json.Unmarshal(inner.Payload, &payload); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling key-change payload", Status: http.StatusBadRequest}, err)
		return
	}

	oldThumbprint, err := josesign.Thumbprint(inner.Key)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "computing old key thumbprint", Status: http.StatusBadRequest}, err)
		return
	}
	newThumbprint, err := josesign.Thumbprint(outer.Key)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "computing new key thumbprint", Status: http.StatusBadRequest}, err)
		return
	}
	if payload.OldKey != oldThumbprint || payload.NewKey != newThumbprint {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "key-change proof does not match signing keys", Status: http.StatusUnauthorized}, nil)
		return
	}

	reg, err := wfe.store.RegByThumbprint(oldThumbprint)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "no registration exists for the old key", Status: http.StatusUnauthorized}, err)
		return
	}
	if payload.Account != wfe.regURL(reg.ID) {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.UnauthorizedProblem, Detail: "account URL in key-change payload does not match", Status: http.StatusUnauthorized}, nil)
		return
	}

	updated, err := wfe.ra.ChangeKey(reg.ID, outer.Key)
	if err != nil {
		prob, _ := probs.ForError(err)
		web.SendError(wfe.log, w, nil, prob, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type revokeCertRequest struct {
	Certificate core.JSONBuffer `json:"certificate"`
	Reason      *int            `json:"reason,omitempty"`
}

// RevokeCertificate handles revoke-cert (spec.md §4.7).
func (wfe *Impl) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	verified, _, prob := wfe.verifyPOST(r, false)
	if prob != nil {
		web.SendError(wfe.log, w, nil, prob, nil)
		return
	}

	var body revokeCertRequest
	if err := json.Unmarshal(verified.Payload, &body); err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "unmarshaling revocation request", Status: http.StatusBadRequest}, err)
		return
	}

	thumbprint, err := josesign.Thumbprint(verified.Key)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "computing key thumbprint", Status: http.StatusBadRequest}, err)
		return
	}

	reason := 0
	if body.Reason != nil {
		reason = *body.Reason
		if reason < 0 {
			reason = 0
		}
	}

	submitterAuthorized := func(names []string) bool {
		reg, err := wfe.store.RegByThumbprint(thumbprint)
		if err != nil {
			return false
		}
		return wfe.store.AuthorizedFor(reg.ID, names)
	}

	if err := wfe.ra.RevokeCertificate(body.Certificate, thumbprint, submitterAuthorized, reason); err != nil {
		prob, _ := probs.ForError(err)
		web.SendError(wfe.log, w, nil, prob, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Certificate handles fetch (/cert/{id}) (spec.md §4.7): binary DER,
// Revocation-Reason header set when revoked.
func (wfe *Impl) Certificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.SendError(wfe.log, w, nil, methodNotAllowed(), nil)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, CertPath)
	cert, err := wfe.store.GetCertificate(id)
	if err != nil {
		web.SendError(wfe.log, w, nil, &probs.ProblemDetails{Type: probs.MalformedProblem, Detail: "no such certificate", Status: http.StatusNotFound}, err)
		return
	}
	if cert.Revoked {
		w.Header().Set("Revocation-Reason", strconv.Itoa(cert.RevocationReason))
	}
	w.Header().Set("Content-Type", "application/pkix-cert")
	w.WriteHeader(http.StatusOK)
	w.Write(cert.DER)
}
