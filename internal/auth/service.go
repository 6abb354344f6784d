package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"carelog.org/internal/ids"
)

// Service combines credential verification with the token lifecycle. It is
// the only component that reads password hashes.
type Service struct {
	store  Store
	tokens *TokenService
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the auth service on top of a store and token service.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) *Service {
	svc := &Service{store: store, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Tokens exposes the underlying token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Registration is the input for creating a principal.
type Registration struct {
	EmployeeCode string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Password     string
	Role         Role
	Department   string
}

const minPasswordLength = 8

// Register creates a new active principal. Email and employee code must be
// unique.
func (s *Service) Register(ctx context.Context, reg Registration) (*Principal, error) {
	email := strings.TrimSpace(strings.ToLower(reg.Email))
	code := strings.TrimSpace(reg.EmployeeCode)
	if email == "" || code == "" || strings.TrimSpace(reg.FirstName) == "" || strings.TrimSpace(reg.LastName) == "" {
		return nil, ErrInvalidInput
	}
	if len(reg.Password) < minPasswordLength {
		return nil, ErrInvalidInput
	}
	role := reg.Role
	if role == "" {
		role = RoleNurse
	}
	if !role.Valid() {
		return nil, ErrInvalidInput
	}

	principals := s.store.Principals(ctx)
	if _, err := principals.FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := principals.FindByEmployeeCode(ctx, code); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Principal{
		ID:           ids.New(),
		EmployeeCode: code,
		FirstName:    strings.TrimSpace(reg.FirstName),
		LastName:     strings.TrimSpace(reg.LastName),
		Email:        email,
		Phone:        strings.TrimSpace(reg.Phone),
		PasswordHash: hash,
		Role:         role,
		Department:   strings.TrimSpace(reg.Department),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := principals.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Login verifies credentials and opens a new token family. Deactivated
// principals fail exactly like wrong passwords.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	p, err := s.store.Principals(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if !p.Active {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := s.store.Principals(ctx).SetLastLogin(ctx, p.ID, s.now().UTC()); err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := s.tokens.Issue(ctx, p)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, p, nil
}

// Refresh rotates a refresh token and issues a new pair in the same family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Principal, error) {
	rec, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	p, err := s.store.Principals(ctx).Find(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrTokenRevoked
		}
		return TokenPair{}, nil, err
	}
	if !p.Active {
		_ = s.tokens.RevokePrincipal(ctx, p.ID)
		return TokenPair{}, nil, ErrTokenRevoked
	}
	pair, err := s.tokens.issueInFamily(ctx, p, rec.FamilyID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, p, nil
}

// Authenticate resolves a bearer access token to an active principal.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.tokens.ValidateAccess(token)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Principals(ctx).Find(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	if !p.Active {
		return nil, ErrTokenRevoked
	}
	return p, nil
}

// Logout revokes every token family for the principal.
func (s *Service) Logout(ctx context.Context, principalID string) error {
	return s.tokens.RevokePrincipal(ctx, principalID)
}

// ChangePassword rotates a principal's password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, principalID, current, next string) error {
	p, err := s.store.Principals(ctx).Find(ctx, principalID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(p.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return ErrInvalidInput
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.Principals(ctx).UpdatePassword(ctx, principalID, hash)
}

// Deactivate soft-disables the principal and revokes all token families.
func (s *Service) Deactivate(ctx context.Context, principalID string) error {
	if err := s.store.Principals(ctx).SetActive(ctx, principalID, false); err != nil {
		return err
	}
	return s.tokens.RevokePrincipal(ctx, principalID)
}
