package identity

import "errors"

// ErrNoAuthManager indicates the server was configured with authentication
// enabled but no principal store to back it.
var ErrNoAuthManager = errors.New("auth enabled but no auth manager found. This is an illegal product configuration")

// ValidateAuthConfig rejects the illegal combination of authentication being
// enabled without a configured principal store. Called once at startup.
func ValidateAuthConfig(authEnabled bool, store *PrincipalStore) error {
	if authEnabled && store == nil {
		return ErrNoAuthManager
	}
	return nil
}
