package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

// PostgresStore implements Store on top of database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Principals implements Store.
func (s *PostgresStore) Principals(context.Context) PrincipalStore { return (*pgPrincipals)(s) }

// RefreshTokens implements Store.
func (s *PostgresStore) RefreshTokens(context.Context) RefreshTokenStore { return (*pgTokens)(s) }

type pgPrincipals PostgresStore

func (s *pgPrincipals) Create(ctx context.Context, p *Principal) error {
	_, err := s.db.ExecContext(ctx, `
		insert into principals
			(id, employee_code, first_name, last_name, email, phone,
			 password_hash, role, department, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, p.ID, p.EmployeeCode, p.FirstName, p.LastName, p.Email, p.Phone,
		p.PasswordHash, string(p.Role), p.Department, p.Active, p.CreatedAt, p.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

const principalColumns = `
	id, employee_code, first_name, last_name, email, phone,
	password_hash, role, department, active, last_login_at, created_at, updated_at`

func (s *pgPrincipals) Find(ctx context.Context, id string) (*Principal, error) {
	return s.findBy(ctx, `id=$1`, id)
}

func (s *pgPrincipals) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	return s.findBy(ctx, `lower(email)=lower($1)`, email)
}

func (s *pgPrincipals) FindByEmployeeCode(ctx context.Context, code string) (*Principal, error) {
	return s.findBy(ctx, `employee_code=$1`, code)
}

func (s *pgPrincipals) findBy(ctx context.Context, where string, arg any) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where `+where, arg)
	var (
		p         Principal
		role      string
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.ID, &p.EmployeeCode, &p.FirstName, &p.LastName, &p.Email, &p.Phone,
		&p.PasswordHash, &role, &p.Department, &p.Active, &lastLogin, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Role = Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return &p, nil
}

func (s *pgPrincipals) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `update principals set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

func (s *pgPrincipals) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `update principals set last_login_at=$2, updated_at=now() where id=$1`, id, at)
}

func (s *pgPrincipals) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `update principals set active=$2, updated_at=now() where id=$1`, id, active)
}

func (s *pgPrincipals) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgTokens PostgresStore

func (s *pgTokens) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, principal_id, family_id, token_hash, expires_at, created_at, rotated, revoked)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, tok.ID, tok.PrincipalID, tok.FamilyID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt, tok.Rotated, tok.Revoked)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgTokens) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, principal_id, family_id, token_hash, expires_at, created_at, rotated, revoked
		from refresh_tokens where id=$1
	`, id)
	var tok RefreshToken
	err := row.Scan(&tok.ID, &tok.PrincipalID, &tok.FamilyID, &tok.TokenHash,
		&tok.ExpiresAt, &tok.CreatedAt, &tok.Rotated, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *pgTokens) MarkRotated(ctx context.Context, id string) error {
	return s.exec(ctx, `update refresh_tokens set rotated=true where id=$1`, id)
}

func (s *pgTokens) MarkRevoked(ctx context.Context, id string) error {
	return s.exec(ctx, `update refresh_tokens set revoked=true where id=$1`, id)
}

func (s *pgTokens) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where family_id=$1`, familyID)
	return err
}

func (s *pgTokens) RevokeByPrincipal(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where principal_id=$1`, principalID)
	return err
}

func (s *pgTokens) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	if err == nil {
		return nil, false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
