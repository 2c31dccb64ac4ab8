package session

import "time"

// Principal statuses and roles as stored by the credential store.
const (
	StatusActive = "ACTIVE"

	RoleAdmin   = "ADMIN"
	RoleOrgUser = "ORG_USER"
)

// Principal is the user identity read from the credential store. The session
// core treats it as read-only apart from the status check.
type Principal struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Status       string
	OrgID        string
	CreatedAt    time.Time
}

// RefreshToken is one link in a rotation chain. Rows are never deleted;
// logout, rotation and bulk revocation flip Revoked so the lineage stays
// available for forensics.
type RefreshToken struct {
	ID          string
	TokenHash   string
	PrincipalID string
	DeviceID    string
	UserAgent   string
	IP          string
	ExpiresAt   time.Time
	Revoked     bool
	// ReplacedBy points forward to the successor created by rotation.
	ReplacedBy string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Active reports whether the token can still be redeemed. The boundary is
// inclusive: a token whose expiry equals the current instant is expired.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	TokenType        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Principal        *Principal
}

// SessionQuery selects a page of a principal's session history.
type SessionQuery struct {
	PrincipalID    string
	IncludeRevoked bool
	IncludeExpired bool
	Page           int
	Size           int
}

// SessionPage is one page of session rows plus paging bookkeeping.
type SessionPage struct {
	Sessions   []*RefreshToken
	Page       int
	Size       int
	TotalItems int64
	TotalPages int
	Last       bool
}
