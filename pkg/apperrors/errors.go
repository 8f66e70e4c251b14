package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrExpired                = errors.New("expired")
	ErrNotConfigured          = errors.New("not configured")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrCredentialsKeyMismatch = errors.New("credentials were encrypted with a different key")
)
