package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Principals(ctx context.Context) PrincipalStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// PrincipalStore manages principals.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByEmployeeCode(ctx context.Context, code string) (*Principal, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRotated(ctx context.Context, id string) error
	MarkRevoked(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeByPrincipal(ctx context.Context, principalID string) error
}
