package auth

import "time"

// Role classifies what a principal may do. The set is fixed; capability
// checks branch on the role at the API boundary.
type Role string

const (
	RoleNurse     Role = "nurse"
	RoleHeadNurse Role = "head_nurse"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleNurse, RoleHeadNurse, RoleAdmin:
		return true
	}
	return false
}

// CanReview reports whether the role may mark reports as reviewed.
func (r Role) CanReview() bool { return r == RoleHeadNurse || r == RoleAdmin }

// Principal is an authenticated identity. Principals are never deleted;
// deactivation flips Active and revokes every token family.
type Principal struct {
	ID           string
	EmployeeCode string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	PasswordHash string
	Role         Role
	Department   string
	Active       bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FullName joins the principal's first and last name for display.
func (p *Principal) FullName() string { return p.FirstName + " " + p.LastName }

// RefreshToken is the persisted half of a refresh credential. The client
// holds "<id>.<secret>"; only the SHA-256 of the secret is stored. FamilyID
// links every token descended from one login so the whole chain can be
// revoked when a superseded member is replayed.
type RefreshToken struct {
	ID          string
	PrincipalID string
	FamilyID    string
	TokenHash   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	Rotated     bool
	Revoked     bool
}

// TokenPair carries freshly issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
