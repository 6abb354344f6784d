package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnauthorized       = errors.New("auth: unauthorized")

	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenRevoked   = errors.New("auth: token revoked")
	ErrTokenReused    = errors.New("auth: refresh token reused")
)
