// Package identity models authenticated principals and the access they carry.
// Subjects arrive already authenticated; this package only describes who they
// are and how far their reach extends.
package identity

import (
	"errors"
	"fmt"
	"sync"
)

// --- Error Definitions ---

var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrCredentialChangeRequired = errors.New("password change required")
)

// PrincipalNotFoundError is returned when a display name does not resolve to a
// currently-known principal. The offending name is part of the message, the
// empty string included.
type PrincipalNotFoundError struct {
	Name string
}

func (e *PrincipalNotFoundError) Error() string {
	return fmt.Sprintf("User '%s' does not exist", e.Name)
}

// AccessMode describes whether a caller may see and affect only its own work
// or all work system-wide. It is resolved once per request and never mutated.
type AccessMode int

const (
	// Restricted limits a caller to its own transactions and queries.
	Restricted AccessMode = iota
	// Full is the administrative mode: all transactions and queries are visible
	// and terminable.
	Full
)

func (m AccessMode) String() string {
	if m == Full {
		return "full"
	}
	return "restricted"
}

// Identity is an opaque token for an authenticated principal. It is immutable
// for the life of a session; the display name is what listings and
// terminate-by-name calls match on.
type Identity struct {
	name string
}

// NewIdentity creates an identity with the given display name.
func NewIdentity(name string) Identity {
	return Identity{name: name}
}

// Name returns the principal's display name.
func (id Identity) Name() string { return id.name }

// Subject is the per-request pairing of an identity with its resolved access
// mode, as supplied by the authentication collaborator. PasswordChangeRequired
// blocks every administrative procedure until the credentials are updated.
type Subject struct {
	Identity               Identity
	Mode                   AccessMode
	PasswordChangeRequired bool
}

// PrincipalStore is the in-memory registry of currently-known principals.
// It is safe for concurrent use.
type PrincipalStore struct {
	mu         sync.RWMutex
	principals map[string]Identity
}

// NewPrincipalStore creates an empty principal store.
func NewPrincipalStore() *PrincipalStore {
	return &PrincipalStore{
		principals: make(map[string]Identity),
	}
}

// Add registers a principal under its display name. Re-adding the same name is
// a no-op; identities are immutable.
func (s *PrincipalStore) Add(id Identity) {
	s.mu.Lock()
	if _, ok := s.principals[id.Name()]; !ok {
		s.principals[id.Name()] = id
	}
	s.mu.Unlock()
}

// Lookup resolves a display name to a known identity. Unknown names, the empty
// string included, fail with PrincipalNotFoundError.
func (s *PrincipalStore) Lookup(name string) (Identity, error) {
	s.mu.RLock()
	id, ok := s.principals[name]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, &PrincipalNotFoundError{Name: name}
	}
	return id, nil
}

// Names returns the display names of all known principals.
func (s *PrincipalStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.principals))
	for name := range s.principals {
		names = append(names, name)
	}
	return names
}
