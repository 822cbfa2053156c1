// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store is the in-memory Resource Store (spec.md §4.9): a typed
// (type,id) index plus the secondary lookups the server core needs.
// Grounded on the method set of boulder's core.StorageGetter/StorageAdder
// (core/interfaces.go), reimplemented over plain maps guarded by a mutex
// instead of boulder's MySQL-backed sa package, since durable storage is
// an explicit Non-goal (spec.md §1).
package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/acmeforge/acmeforge/berrors"
	"github.com/acmeforge/acmeforge/core"
)

// Store holds every Registration, Application, Authorization and
// Certificate the server knows about. All access is guarded by a single
// mutex: spec.md §5 assumes no cross-request interleaving, but concurrent
// unit tests and the metrics scraper still read the store from goroutines
// other than the request-handling one, so the mutex is kept despite the
// single-threaded request model.
type Store struct {
	mu            sync.RWMutex
	registrations map[string]*core.Registration
	applications  map[string]*core.Application
	authzs        map[string]*core.Authorization
	certificates  map[string]*core.Certificate

	nextID int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		registrations: make(map[string]*core.Registration),
		applications:  make(map[string]*core.Application),
		authzs:        make(map[string]*core.Authorization),
		certificates:  make(map[string]*core.Certificate),
	}
}

// NextID allocates a fresh, store-unique decimal identifier.
func (s *Store) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("%d", s.nextID)
}

// PutRegistration inserts or replaces a Registration. Callers must
// already have checked thumbprint uniqueness (spec.md §8 property 1)
// before calling this for a new registration.
func (s *Store) PutRegistration(r *core.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[r.ID] = r
}

// GetRegistration fetches a Registration by id.
func (s *Store) GetRegistration(id string) (*core.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registrations[id]
	if !ok {
		return nil, berrors.NotFoundError("no registration with id %q", id)
	}
	return r, nil
}

// RegByThumbprint is the unique lookup required by spec.md §4.9.
func (s *Store) RegByThumbprint(thumbprint string) (*core.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.registrations {
		if r.Thumbprint == thumbprint {
			return r, nil
		}
	}
	return nil, berrors.NotFoundError("no registration with thumbprint %q", thumbprint)
}

// DeleteRegistration removes a Registration. Account deactivation does
// not call it: ra.DeactivateRegistration keeps the record and sets its
// status to deactivated.
func (s *Store) DeleteRegistration(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, id)
}

// PutApplication inserts or replaces an Application.
func (s *Store) PutApplication(a *core.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[a.ID] = a
}

// GetApplication fetches an Application by id.
func (s *Store) GetApplication(id string) (*core.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.applications[id]
	if !ok {
		return nil, berrors.NotFoundError("no application with id %q", id)
	}
	return a, nil
}

// ApplicationsForReg returns every Application owned by regID, used by
// issuance coordination (spec.md §4.10) to propagate authorization state
// changes.
func (s *Store) ApplicationsForReg(regID string) []*core.Application {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Application
	for _, a := range s.applications {
		if a.RegID == regID {
			out = append(out, a)
		}
	}
	return out
}

// PutAuthorization inserts or replaces an Authorization.
func (s *Store) PutAuthorization(a *core.Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzs[a.ID] = a
}

// GetAuthorization fetches an Authorization by id.
func (s *Store) GetAuthorization(id string) (*core.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authzs[id]
	if !ok {
		return nil, berrors.NotFoundError("no authorization with id %q", id)
	}
	return a, nil
}

// AuthzFor scans for an Authorization matching both regID and name
// (spec.md §4.9 `authzFor(regID, name)`), returning the first pending or
// valid one found so new-app can reuse it instead of creating a
// duplicate (spec.md §3 Authorization: "reused if an equivalent
// pending/valid one exists for the same regID+name").
func (s *Store) AuthzFor(regID, name string) (*core.Authorization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.authzs {
		if a.RegID == regID && a.Identifier.Value == name &&
			(a.Status == core.StatusPending || a.Status == core.StatusValid) {
			return a, true
		}
	}
	return nil, false
}

// PutCertificate inserts or replaces a Certificate.
func (s *Store) PutCertificate(c *core.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates[c.ID] = c
}

// GetCertificate fetches a Certificate by id.
func (s *Store) GetCertificate(id string) (*core.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certificates[id]
	if !ok {
		return nil, berrors.NotFoundError("no certificate with id %q", id)
	}
	return c, nil
}

// CertByValue scans for a Certificate with the exact given DER bytes
// (spec.md §4.9 `certByValue(DER)`), used by revoke-cert to locate the
// certificate named in the request.
func (s *Store) CertByValue(der []byte) (*core.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certificates {
		if bytes.Equal(c.DER, der) {
			return c, nil
		}
	}
	return nil, berrors.NotFoundError("no certificate matches the given DER bytes")
}

// AuthorizedFor reports whether regID holds a valid Authorization for
// every name in names (spec.md §4.9 `authorizedFor(regID, names[])`),
// used by the SAN-wide revocation proof (spec.md §4.7, §8 property 6).
func (s *Store) AuthorizedFor(regID string, names []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range names {
		found := false
		for _, a := range s.authzs {
			if a.RegID == regID && a.Identifier.Value == name && a.Status == core.StatusValid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
