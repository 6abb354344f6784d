package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carelog.org/internal/ids"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess = "access"
)

// TokenService issues, validates and revokes session tokens. Access tokens
// are self-contained HS256 JWTs so validation never needs a store
// round-trip; only refresh rotation and revocation touch persisted state.
type TokenService struct {
	store  Store
	secret []byte
	issuer string

	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *TokenService) {
		if v := strings.TrimSpace(issuer); v != "" {
			t.issuer = v
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(t *TokenService) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenService constructs a TokenService. The signing secret is required.
func NewTokenService(store Store, secret string, opts ...TokenOption) (*TokenService, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	svc := &TokenService{
		store:      store,
		secret:     []byte(secret),
		issuer:     "carelog",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	PrincipalID string
	Role        Role
	FamilyID    string
	ExpiresAt   time.Time
}

type sessionClaims struct {
	Role      string `json:"role"`
	FamilyID  string `json:"fid"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Issue opens a new token family for the principal and returns the first
// access/refresh pair.
func (t *TokenService) Issue(ctx context.Context, p *Principal) (TokenPair, error) {
	return t.issueInFamily(ctx, p, uuid.NewString())
}

func (t *TokenService) issueInFamily(ctx context.Context, p *Principal, familyID string) (TokenPair, error) {
	now := t.now().UTC()
	access, accessExp, err := t.signAccess(p, familyID, now)
	if err != nil {
		return TokenPair{}, err
	}
	raw, rec, err := t.newRefreshToken(p.ID, familyID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := t.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (t *TokenService) signAccess(p *Principal, familyID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(t.accessTTL)
	claims := sessionClaims{
		Role:      string(p.Role),
		FamilyID:  familyID,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateAccess verifies the token signature, expiry and type. It is a pure
// check: no store read or write happens here.
func (t *TokenService) ValidateAccess(token string) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccessClaims{}, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenMalformed
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrTokenExpired
		}
		return AccessClaims{}, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, ErrTokenMalformed
	}
	if claims.TokenType != tokenTypeAccess {
		return AccessClaims{}, ErrTokenMalformed
	}
	if t.issuer != "" && claims.Issuer != t.issuer {
		return AccessClaims{}, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return AccessClaims{}, ErrTokenMalformed
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return AccessClaims{}, ErrTokenMalformed
	}
	return AccessClaims{
		PrincipalID: claims.Subject,
		Role:        role,
		FamilyID:    claims.FamilyID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Rotate validates a refresh token and supersedes it within its family.
// Presenting an already-rotated token revokes the whole family and fails
// with ErrTokenReused: that replay is the only signal available for a
// stolen refresh token.
func (t *TokenService) Rotate(ctx context.Context, raw string) (*RefreshToken, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	store := t.store.RefreshTokens(ctx)
	rec, err := store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenMalformed
		}
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrTokenRevoked
	}
	// Verify the secret half first: only a holder of the real token may
	// trigger the reuse signal, a guessed id must not burn the family.
	if !secureCompareHash(rec.TokenHash, secret) {
		_ = store.MarkRevoked(ctx, rec.ID)
		return nil, ErrTokenMalformed
	}
	if rec.Rotated {
		if err := store.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return nil, err
		}
		return nil, ErrTokenReused
	}
	if t.now().After(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if err := store.MarkRotated(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// RevokePrincipal invalidates every token family for the principal
// (logout-everywhere, account deactivation).
func (t *TokenService) RevokePrincipal(ctx context.Context, principalID string) error {
	return t.store.RefreshTokens(ctx).RevokeByPrincipal(ctx, principalID)
}

func (t *TokenService) newRefreshToken(principalID, familyID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:          tokenID,
		PrincipalID: principalID,
		FamilyID:    familyID,
		TokenHash:   hex.EncodeToString(sum[:]),
		ExpiresAt:   now.Add(t.refreshTTL),
		CreatedAt:   now,
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
