package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrincipal(t *testing.T) *Principal {
	t.Helper()
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	return &Principal{
		ID:           "01TESTPRINCIPAL0000000000",
		EmployeeCode: "N-100",
		FirstName:    "Sara",
		LastName:     "Ahmadi",
		Email:        "sara@example.org",
		PasswordHash: hash,
		Role:         RoleNurse,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func newTestTokenService(t *testing.T, store Store, opts ...TokenOption) *TokenService {
	t.Helper()
	svc, err := NewTokenService(store, "test-signing-secret", opts...)
	require.NoError(t, err)
	return svc
}

func TestIssueAndValidateAccess(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	p := testPrincipal(t)

	pair, err := svc.Issue(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))

	claims, err := svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.PrincipalID)
	assert.Equal(t, RoleNurse, claims.Role)
	assert.NotEmpty(t, claims.FamilyID)
}

func TestValidateAccessRejectsGarbage(t *testing.T) {
	svc := newTestTokenService(t, NewMemoryStore())

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.ValidateAccess(token)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", token)
	}
}

func TestValidateAccessRejectsWrongSecret(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	other, err := NewTokenService(store, "different-secret")
	require.NoError(t, err)

	pair, err := svc.Issue(context.Background(), testPrincipal(t))
	require.NoError(t, err)

	_, err = other.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestValidateAccessExpiry(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	svc := newTestTokenService(t, NewMemoryStore(),
		WithAccessTTL(time.Minute),
		WithClock(func() time.Time { return clock }))

	pair, err := svc.Issue(context.Background(), testPrincipal(t))
	require.NoError(t, err)

	_, err = svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = svc.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotateSupersedesToken(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	p := testPrincipal(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	rec, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, p.ID, rec.PrincipalID)

	// The rotated record is now marked; a second presentation is a replay.
	stored, err := store.RefreshTokens(ctx).Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Rotated)
}

func TestRotateReuseRevokesFamily(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	p := testPrincipal(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	rec, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Issue the successor in the same family, as the refresh flow does.
	successor, err := svc.issueInFamily(ctx, p, rec.FamilyID)
	require.NoError(t, err)

	// Replaying the old token revokes the whole family.
	_, err = svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)

	// The successor is dead too.
	_, err = svc.Rotate(ctx, successor.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRotateExpiredToken(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	svc := newTestTokenService(t, NewMemoryStore(),
		WithRefreshTTL(time.Hour),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	pair, err := svc.Issue(ctx, testPrincipal(t))
	require.NoError(t, err)

	clock = now.Add(2 * time.Hour)
	_, err = svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotateUnknownAndTampered(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	ctx := context.Background()

	_, err := svc.Rotate(ctx, "missing.secret")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	pair, err := svc.Issue(ctx, testPrincipal(t))
	require.NoError(t, err)

	id, _, ok := strings.Cut(pair.RefreshToken, ".")
	require.True(t, ok)
	_, err = svc.Rotate(ctx, id+".wrong-secret")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	// A tampered secret burns the record.
	rec, err := store.RefreshTokens(ctx).Find(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
}

func TestRotateGuessedIDDoesNotRevokeFamily(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	p := testPrincipal(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	rec, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	successor, err := svc.issueInFamily(ctx, p, rec.FamilyID)
	require.NoError(t, err)

	// Knowing only the rotated token's id must not trip reuse detection.
	_, err = svc.Rotate(ctx, rec.ID+".guessed-secret")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	// The family survives: the successor still rotates.
	_, err = svc.Rotate(ctx, successor.RefreshToken)
	require.NoError(t, err)
}

func TestRevokePrincipalKillsAllFamilies(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestTokenService(t, store)
	p := testPrincipal(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, p)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	require.NoError(t, svc.RevokePrincipal(ctx, p.ID))

	_, err = svc.Rotate(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = svc.Rotate(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}
