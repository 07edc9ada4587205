package pylon

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialRevoked = errors.New("credential revoked")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrUpstream          = errors.New("upstream error")
)
