// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ra is the ACME Server Core (spec.md §4.7, §4.10): the state
// machine driving Registration, Application, Authorization and Challenge
// through the protocol, and the issuance coordination that promotes an
// Application to `valid` once every Requirement it names has been
// satisfied. Grounded on boulder's RegistrationAuthorityImpl
// (ra/ra.go), generalized from its SQL-backed SA collaborator to the
// in-memory acmeforge/store.
package ra

import (
	"sort"
	"time"

	"github.com/acmeforge/acmeforge/berrors"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/josesign"
	"github.com/acmeforge/acmeforge/log"
	"github.com/acmeforge/acmeforge/pki"
	"github.com/acmeforge/acmeforge/pki/policy"
	"github.com/acmeforge/acmeforge/store"
	"github.com/acmeforge/acmeforge/va"
	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// pendingAuthorizationLifetime bounds how long a freshly created
// Authorization may sit in `pending` before it is no longer offered for
// reuse, mirroring boulder's DefaultPendingAuthorizationLifetime.
const pendingAuthorizationLifetime = 7 * 24 * time.Hour

// authorizationLifetime bounds how long a `valid` Authorization remains
// usable to satisfy future Applications, mirroring boulder's
// DefaultAuthorizationLifetime.
const authorizationLifetime = 300 * 24 * time.Hour

// Impl is the ACME Server Core. It implements core.RegistrationAuthority.
type Impl struct {
	clk   clock.Clock
	log   log.Logger
	store *store.Store
	pa    *policy.Authority
	ca    *pki.CA
}

// New constructs an Impl wired to its collaborators. The set of challenge
// types it offers per identifier comes from pa (spec.md §4.9's policy
// authority), not from a separately configured registry; neither this
// package nor the Transport Layer consults package va's Registry.
func New(clk clock.Clock, logger log.Logger, st *store.Store, pa *policy.Authority, ca *pki.CA) *Impl {
	return &Impl{clk: clk, log: logger, store: st, pa: pa, ca: ca}
}

// NewRegistration creates a Registration for a fresh account key (spec.md
// §4.7 new-reg). The key's JWK thumbprint must be unique across the
// server (spec.md §8 property 1).
func (ra *Impl) NewRegistration(key jose.JSONWebKey, contact []string) (core.Registration, error) {
	thumbprint, err := josesign.Thumbprint(key)
	if err != nil {
		return core.Registration{}, berrors.MalformedError("computing key thumbprint: %s", err)
	}
	if _, err := ra.store.RegByThumbprint(thumbprint); err == nil {
		return core.Registration{}, berrors.ConflictError("a registration already exists for this key")
	}

	reg := core.Registration{
		ID:         ra.store.NextID(),
		Thumbprint: thumbprint,
		Key:        key,
		Contact:    contact,
		Status:     core.StatusValid,
	}
	ra.store.PutRegistration(&reg)
	ra.log.Infof("new-reg: created registration %s", reg.ID)
	return reg, nil
}

// UpdateRegistration applies the client-mutable subset of update to the
// Registration named by regID (spec.md §4.7 update-reg).
func (ra *Impl) UpdateRegistration(regID string, update core.Registration) (core.Registration, error) {
	reg, err := ra.store.GetRegistration(regID)
	if err != nil {
		return core.Registration{}, err
	}
	if reg.Status != core.StatusValid {
		return core.Registration{}, berrors.MalformedError("registration %s is not valid", regID)
	}
	reg.MergeUpdate(update)
	ra.store.PutRegistration(reg)
	return *reg, nil
}

// ChangeKey atomically replaces regID's account key with newKey, once the
// Transport Layer has verified the key-change proof (spec.md §4.7
// key-change, §8 property 7: requests signed with the old key must fail
// afterwards). The new key's thumbprint must not collide with some other
// registration.
func (ra *Impl) ChangeKey(regID string, newKey jose.JSONWebKey) (core.Registration, error) {
	reg, err := ra.store.GetRegistration(regID)
	if err != nil {
		return core.Registration{}, err
	}
	if reg.Status != core.StatusValid {
		return core.Registration{}, berrors.MalformedError("registration %s is not valid", regID)
	}

	newThumbprint, err := josesign.Thumbprint(newKey)
	if err != nil {
		return core.Registration{}, berrors.MalformedError("computing new key thumbprint: %s", err)
	}
	if existing, err := ra.store.RegByThumbprint(newThumbprint); err == nil && existing.ID != regID {
		return core.Registration{}, berrors.ConflictError("a registration already exists for the new key")
	}

	reg.Key = newKey
	reg.Thumbprint = newThumbprint
	ra.store.PutRegistration(reg)
	ra.log.Infof("key-change: replaced key for registration %s", regID)
	return *reg, nil
}

// DeactivateRegistration transitions a valid Registration to deactivated
// (spec.md §4.7 update-reg, status=deactivated).
func (ra *Impl) DeactivateRegistration(regID string) error {
	reg, err := ra.store.GetRegistration(regID)
	if err != nil {
		return err
	}
	if reg.Status != core.StatusValid {
		return berrors.MalformedError("only a valid registration can be deactivated")
	}
	reg.Status = core.StatusDeactivated
	ra.store.PutRegistration(reg)
	return nil
}

// NewApplication creates an Application for the names in csr, reusing any
// existing pending/valid Authorization the registration already holds for
// a name (spec.md §3, §4.9 `authzFor`).
func (ra *Impl) NewApplication(regID string, csr core.CertificateRequest, notBefore, notAfter string) (core.Application, error) {
	reg, err := ra.store.GetRegistration(regID)
	if err != nil {
		return core.Application{}, err
	}

	names, err := pki.CheckCSR(csr)
	if err != nil {
		return core.Application{}, err
	}
	if err := ra.pa.WillingToIssue(names); err != nil {
		return core.Application{}, err
	}

	app := core.Application{
		ID:        ra.store.NextID(),
		RegID:     regID,
		CSR:       core.JSONBuffer(csr.Bytes),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Status:    core.StatusPending,
	}

	for _, name := range names {
		authz, reused := ra.store.AuthzFor(regID, name)
		if !reused {
			authz, err = ra.newAuthorization(regID, reg.Thumbprint, name)
			if err != nil {
				return core.Application{}, err
			}
		}
		app.Requirements = append(app.Requirements, core.Requirement{
			Type:   core.RequirementAuthorization,
			URL:    "authz/" + authz.ID,
			Status: authz.Status,
		})
	}

	ra.store.PutApplication(&app)
	ra.log.Infof("new-app: created application %s for registration %s (%d requirements)", app.ID, regID, len(app.Requirements))
	return app, nil
}

// newAuthorization constructs an Authorization offering one Challenge per
// policy-enabled type for name, each carrying its own fresh token
// (spec.md §4.6, §4.9).
func (ra *Impl) newAuthorization(regID, thumbprint, name string) (*core.Authorization, error) {
	ident := core.DNSIdentifier(name)
	types := ra.pa.ChallengeTypesFor(ident)

	authz := &core.Authorization{
		ID:         ra.store.NextID(),
		RegID:      regID,
		Identifier: ident,
		Status:     core.StatusPending,
	}
	expires := ra.clk.Now().Add(pendingAuthorizationLifetime)
	authz.Expires = &expires

	for _, t := range types {
		token, err := va.NewToken()
		if err != nil {
			return nil, berrors.InternalServerError("generating challenge token: %s", err)
		}
		authz.Challenges = append(authz.Challenges, &core.Challenge{
			Type:              t,
			Status:            core.StatusPending,
			Token:             token,
			AccountThumbprint: thumbprint,
		})
	}

	ra.store.PutAuthorization(authz)
	return authz, nil
}

// UpdateAuthorization drives one Challenge of an Authorization via its
// Challenge Module (spec.md §4.6, §4.7 update-authz). The Challenge Module
// is reconstructed from the token recorded at Authorization creation time
// (spec.md §5: "Scoped resources" — nothing about a challenge module
// survives between requests except its wire-visible token and status). On
// success or failure the Authorization's status is set from the challenge
// outcome and every Application referencing it has its matching
// Requirement's status refreshed (spec.md §4.10 issuance coordination).
func (ra *Impl) UpdateAuthorization(authzID, regID string, challengeType core.ChallengeType, response []byte) (core.Authorization, error) {
	authz, err := ra.store.GetAuthorization(authzID)
	if err != nil {
		return core.Authorization{}, err
	}
	if authz.RegID != regID {
		return core.Authorization{}, berrors.UnauthorizedError("authorization %s does not belong to this account", authzID)
	}
	if authz.Status != core.StatusPending {
		return core.Authorization{}, berrors.MalformedError("authorization %s is not pending", authzID)
	}
	if authz.Expires != nil && authz.Expires.Before(ra.clk.Now()) {
		return core.Authorization{}, berrors.MalformedError("authorization %s has expired", authzID)
	}

	idx := authz.FindChallenge(challengeType)
	if idx == -1 {
		return core.Authorization{}, berrors.MalformedError("no %s challenge on authorization %s", challengeType, authzID)
	}
	stored := authz.Challenges[idx]

	sc, err := va.NewServerChallenge(challengeType, stored.Token, stored.AccountThumbprint)
	if err != nil {
		return core.Authorization{}, berrors.InternalServerError("constructing challenge: %s", err)
	}
	status := sc.Update(authz.Identifier.Value, response)

	result := sc.ToJSON(stored.URI)
	stored.Status = status
	stored.KeyAuthorization = result.KeyAuthorization

	if status == core.StatusValid {
		authz.Status = core.StatusValid
		exp := ra.clk.Now().Add(authorizationLifetime)
		authz.Expires = &exp
	} else if status == core.StatusInvalid {
		authz.Status = core.StatusInvalid
	}
	ra.store.PutAuthorization(authz)

	ra.propagateAuthorizationStatus(authz)
	return *authz, nil
}

// propagateAuthorizationStatus refreshes the Requirement entries of every
// Application that references authz and promotes any Application whose
// Requirements are all valid (spec.md §4.10).
func (ra *Impl) propagateAuthorizationStatus(authz *core.Authorization) {
	apps := ra.store.ApplicationsForReg(authz.RegID)
	for _, app := range apps {
		changed := false
		for i := range app.Requirements {
			if app.Requirements[i].URL == "authz/"+authz.ID && app.Requirements[i].Status != authz.Status {
				app.Requirements[i].Status = authz.Status
				changed = true
			}
		}
		if changed {
			ra.store.PutApplication(app)
			if app.AllRequirementsValid() {
				if _, err := ra.IssueIfReady(app.ID); err != nil {
					ra.log.Warningf("issuance: application %s: %s", app.ID, err)
				}
			}
		}
	}
}

// IssueIfReady issues a certificate for app if every Requirement has
// reached `valid` (spec.md §4.10). Idempotent: calling it again after
// issuance returns the already-issued Application unchanged.
func (ra *Impl) IssueIfReady(appID string) (core.Application, error) {
	app, err := ra.store.GetApplication(appID)
	if err != nil {
		return core.Application{}, err
	}
	if app.Status == core.StatusValid {
		return *app, nil
	}
	if !app.AllRequirementsValid() {
		return core.Application{}, berrors.MalformedError("application %s is not ready for issuance", appID)
	}

	csr, err := pki.ParseCSR(app.CSR)
	if err != nil {
		return core.Application{}, err
	}
	names, err := pki.CheckCSR(csr)
	if err != nil {
		return core.Application{}, err
	}

	var notBefore, notAfter *time.Time
	if app.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, app.NotBefore)
		if err != nil {
			return core.Application{}, berrors.MalformedError("invalid notBefore: %s", err)
		}
		notBefore = &t
	}
	if app.NotAfter != "" {
		t, err := time.Parse(time.RFC3339, app.NotAfter)
		if err != nil {
			return core.Application{}, berrors.MalformedError("invalid notAfter: %s", err)
		}
		notAfter = &t
	}

	der, err := ra.ca.Issue(csr, names, notBefore, notAfter)
	if err != nil {
		return core.Application{}, err
	}

	cert := &core.Certificate{
		ID:    ra.store.NextID(),
		RegID: app.RegID,
		DER:   der,
	}
	ra.store.PutCertificate(cert)

	app.Status = core.StatusValid
	app.CertificateURL = "cert/" + cert.ID
	ra.store.PutApplication(app)

	ra.log.Infof("issuance: issued certificate %s for application %s (%d names)", cert.ID, app.ID, len(names))
	return *app, nil
}

// DeactivateAuthorization transitions a pending or valid Authorization to
// deactivated (spec.md §4.7).
func (ra *Impl) DeactivateAuthorization(authzID, regID string) error {
	authz, err := ra.store.GetAuthorization(authzID)
	if err != nil {
		return err
	}
	if authz.RegID != regID {
		return berrors.UnauthorizedError("authorization %s does not belong to this account", authzID)
	}
	if authz.Status != core.StatusPending && authz.Status != core.StatusValid {
		return berrors.MalformedError("only pending or valid authorizations can be deactivated")
	}
	authz.Status = core.StatusDeactivated
	ra.store.PutAuthorization(authz)
	ra.propagateAuthorizationStatus(authz)
	return nil
}

// RevokeCertificate marks a Certificate revoked (spec.md §4.7 revoke-cert).
// The caller is authorized iff any of: submitterThumbprint matches the
// certificate's owning Registration, submitterThumbprint equals the
// certificate's own subject-public-key thumbprint (proof of possession of
// the certified key), or submitterAuthorized proves control of every SAN
// on the certificate (spec.md §8 property 6).
func (ra *Impl) RevokeCertificate(certDER []byte, submitterThumbprint string, submitterAuthorized func(names []string) bool, reason int) error {
	cert, err := ra.store.CertByValue(certDER)
	if err != nil {
		return err
	}
	if cert.Revoked {
		return berrors.ConflictError("certificate is already revoked")
	}

	owner, err := ra.store.GetRegistration(cert.RegID)
	if err != nil {
		return berrors.InternalServerError("looking up certificate owner: %s", err)
	}

	if owner.Thumbprint != submitterThumbprint {
		certKeyThumbprint, err := pki.CertKeyThumbprint(certDER)
		if err != nil {
			return berrors.MalformedError("parsing certificate: %s", err)
		}

		if certKeyThumbprint != submitterThumbprint {
			parsed, err := pki.ParseCertificateDER(certDER)
			if err != nil {
				return berrors.MalformedError("parsing certificate: %s", err)
			}
			names := append([]string{}, parsed.DNSNames...)
			sort.Strings(names)
			if submitterAuthorized == nil || !submitterAuthorized(names) {
				return berrors.UnauthorizedError("not authorized to revoke this certificate")
			}
		}
	}

	cert.Revoked = true
	cert.RevocationReason = reason
	ra.store.PutCertificate(cert)
	ra.log.AuditErr("revoked certificate %s (reason %d)", cert.ID, reason)
	return nil
}
