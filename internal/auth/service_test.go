package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	tokens := newTestTokenService(t, store)
	return NewService(store, tokens), store
}

func register(t *testing.T, svc *Service, email, code string, role Role) *Principal {
	t.Helper()
	p, err := svc.Register(context.Background(), Registration{
		EmployeeCode: code,
		FirstName:    "Sara",
		LastName:     "Ahmadi",
		Email:        email,
		Password:     "s3cret-pass",
		Role:         role,
		Department:   "ICU",
	})
	require.NoError(t, err)
	return p
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Registration{Email: "a@b.org", EmployeeCode: "N-1", FirstName: "A", LastName: "B", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Register(ctx, Registration{Email: "", EmployeeCode: "N-1", FirstName: "A", LastName: "B", Password: "long-enough"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Register(ctx, Registration{Email: "a@b.org", EmployeeCode: "N-1", FirstName: "A", LastName: "B", Password: "long-enough", Role: "janitor"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterUniqueness(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, "sara@example.org", "N-100", RoleNurse)

	_, err := svc.Register(ctx, Registration{
		EmployeeCode: "N-101", FirstName: "A", LastName: "B",
		Email: "SARA@example.org", Password: "long-enough",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = svc.Register(ctx, Registration{
		EmployeeCode: "N-100", FirstName: "A", LastName: "B",
		Email: "other@example.org", Password: "long-enough",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLoginAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := register(t, svc, "sara@example.org", "N-100", RoleNurse)

	pair, loggedIn, err := svc.Login(ctx, "sara@example.org", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, p.ID, loggedIn.ID)
	assert.NotNil(t, loggedIn)

	got, err := svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, RoleNurse, got.Role)
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := register(t, svc, "sara@example.org", "N-100", RoleNurse)

	_, _, err := svc.Login(ctx, "sara@example.org", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.org", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// A deactivated principal fails identically to a bad password.
	require.NoError(t, svc.Deactivate(ctx, p.ID))
	_, _, err = svc.Login(ctx, "sara@example.org", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "sara@example.org", "N-100", RoleNurse)

	pair, _, err := svc.Login(ctx, "sara@example.org", "s3cret-pass")
	require.NoError(t, err)

	next, _, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	claims, err := svc.Tokens().ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	nextClaims, err := svc.Tokens().ValidateAccess(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, claims.FamilyID, nextClaims.FamilyID)

	// Replaying the consumed token kills the family, including the successor.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)
	_, _, err = svc.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestDeactivateBlocksTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := register(t, svc, "sara@example.org", "N-100", RoleNurse)

	pair, _, err := svc.Login(ctx, "sara@example.org", "s3cret-pass")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, p.ID))

	_, err = svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestLogoutRevokesRefresh(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := register(t, svc, "sara@example.org", "N-100", RoleNurse)

	pair, _, err := svc.Login(ctx, "sara@example.org", "s3cret-pass")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, p.ID))

	_, _, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := register(t, svc, "sara@example.org", "N-100", RoleNurse)

	err := svc.ChangePassword(ctx, p.ID, "wrong-password", "new-password-1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = svc.ChangePassword(ctx, p.ID, "s3cret-pass", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, svc.ChangePassword(ctx, p.ID, "s3cret-pass", "new-password-1"))

	_, _, err = svc.Login(ctx, "sara@example.org", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "sara@example.org", "new-password-1")
	assert.NoError(t, err)
}
