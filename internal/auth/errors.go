package auth

import (
	"errors"
	"fmt"
)

// Business failures. The HTTP layer collapses most of these into one generic
// rejection so callers cannot tell an unknown user from a wrong password;
// the audit trail keeps the true reason.
var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInactiveAccount    = errors.New("auth: account inactive")
	ErrLockedAccount      = errors.New("auth: account locked")
	ErrMissingCredential  = errors.New("auth: no credential on record")
	ErrCredentialMismatch = errors.New("auth: credential mismatch")
	ErrWeakPassword       = errors.New("auth: password violates policy")

	ErrTokenInvalid      = errors.New("auth: token invalid")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenTypeMismatch = errors.New("auth: unexpected token type")

	ErrSessionNotFound = errors.New("auth: session not found")
	ErrSessionRevoked  = errors.New("auth: session already revoked")

	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrRoleRequired     = errors.New("auth: role required")
)

// ErrInfrastructure marks storage or connectivity faults so callers can pick
// retryable handling instead of treating them as rejected credentials.
var ErrInfrastructure = errors.New("auth: infrastructure failure")

func infraErr(err error) error {
	if err == nil {
		return nil
	}
	// Business sentinels pass through untouched.
	for _, sentinel := range []error{
		ErrNotFound, ErrConflict, ErrInvalidInput, ErrInactiveAccount,
		ErrLockedAccount, ErrMissingCredential, ErrCredentialMismatch,
		ErrWeakPassword, ErrTokenInvalid, ErrTokenExpired, ErrTokenTypeMismatch,
		ErrSessionNotFound, ErrSessionRevoked, ErrPermissionDenied, ErrRoleRequired,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrInfrastructure, err)
}
