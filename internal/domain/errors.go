package domain

import "errors"

var (
	// ErrEmailExists is reported by the identity provider when an account already uses the email.
	ErrEmailExists = errors.New("identity: email already registered")
	// ErrInvalidCredentials is reported when an email/password pair is rejected.
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
)
