package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for tests and local development.
type MemoryStore struct {
	mu sync.RWMutex

	principals map[string]*Principal
	byEmail    map[string]string
	byCode     map[string]string

	tokens map[string]*RefreshToken
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*Principal),
		byEmail:    make(map[string]string),
		byCode:     make(map[string]string),
		tokens:     make(map[string]*RefreshToken),
	}
}

// Principals implements Store.
func (s *MemoryStore) Principals(context.Context) PrincipalStore { return (*memoryPrincipals)(s) }

// RefreshTokens implements Store.
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memoryTokens)(s) }

type memoryPrincipals MemoryStore

func (s *memoryPrincipals) Create(_ context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; ok {
		return ErrAlreadyExists
	}
	email := strings.ToLower(p.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.byCode[p.EmployeeCode]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	s.principals[p.ID] = &cp
	s.byEmail[email] = p.ID
	s.byCode[p.EmployeeCode] = p.ID
	return nil
}

func (s *memoryPrincipals) Find(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memoryPrincipals) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *memoryPrincipals) FindByEmployeeCode(ctx context.Context, code string) (*Principal, error) {
	s.mu.RLock()
	id, ok := s.byCode[code]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *memoryPrincipals) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.PasswordHash = passwordHash
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryPrincipals) SetLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	p.LastLoginAt = &t
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryPrincipals) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	return nil
}

type memoryTokens MemoryStore

func (s *memoryTokens) Create(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *memoryTokens) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memoryTokens) MarkRotated(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.Rotated = true
	return nil
}

func (s *memoryTokens) MarkRevoked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (s *memoryTokens) RevokeFamily(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.FamilyID == familyID {
			tok.Revoked = true
		}
	}
	return nil
}

func (s *memoryTokens) RevokeByPrincipal(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.PrincipalID == principalID {
			tok.Revoked = true
		}
	}
	return nil
}
