package session

import (
	"context"
	"time"
)

// CredentialStore reads principals. The session core only ever queries it;
// account management lives elsewhere.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// TokenStore persists refresh tokens. All mutation methods must be safe for
// concurrent calls against the same principal: Revoke and Rotate are
// conditional on revoked=false so two racing writers cannot both observe an
// active row, and rows are flagged rather than deleted.
type TokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error

	// FindByID returns the row in any lifecycle state; callers decide what a
	// revoked or expired hit means (replay detection needs revoked rows).
	FindByID(ctx context.Context, id string) (*RefreshToken, error)

	FindAllActiveForPrincipal(ctx context.Context, principalID string, now time.Time) ([]*RefreshToken, error)

	// Revoke flips revoked on an active row and reports whether it did.
	// Flipping nothing is not an error: logout is idempotent.
	Revoke(ctx context.Context, id string) (bool, error)

	RevokeAllForPrincipal(ctx context.Context, principalID string) (int64, error)
	RevokeAllForDevice(ctx context.Context, principalID, deviceID string) (int64, error)
	RevokeAllOtherDevices(ctx context.Context, principalID, keepDeviceID string) (int64, error)

	// Rotate atomically revokes the predecessor (conditional on it still
	// being unrevoked, recording the successor id in replaced_by) and
	// inserts the successor. When the conditional update touches no row the
	// whole operation fails with errRotationConflict and nothing is written.
	Rotate(ctx context.Context, oldID string, successor *RefreshToken) error

	TouchLastSeen(ctx context.Context, principalID, deviceID string, at time.Time) error

	PageSessions(ctx context.Context, q SessionQuery, now time.Time) (*SessionPage, error)
}

// Signer mints the stateless access credential.
type Signer interface {
	Issue(subject, role, orgID string) (token string, expiresAt time.Time, err error)
}
