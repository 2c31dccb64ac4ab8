package session

import (
	"context"
	"database/sql"
	"time"
)

var (
	_ CredentialStore = (*PGCredentialStore)(nil)
	_ TokenStore      = (*PGTokenStore)(nil)
)

// PGCredentialStore implements CredentialStore on PostgreSQL.
type PGCredentialStore struct {
	db *sql.DB
}

func NewPGCredentialStore(db *sql.DB) *PGCredentialStore {
	return &PGCredentialStore{db: db}
}

// PGTokenStore implements TokenStore on PostgreSQL. It normally shares the
// connection pool with the credential store.
type PGTokenStore struct {
	db *sql.DB
}

func NewPGTokenStore(db *sql.DB) *PGTokenStore {
	return &PGTokenStore{db: db}
}

// Credential store -----------------------------------------------------------

const principalColumns = `id, username, password_hash, role, status, org_id, created_at`

func (s *PGCredentialStore) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from users where username=$1`, username)
	return scanPrincipal(row)
}

func (s *PGCredentialStore) FindByID(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from users where id=$1`, id)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*Principal, error) {
	var (
		p     Principal
		orgID sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Role, &p.Status, &orgID, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if orgID.Valid {
		p.OrgID = orgID.String
	}
	return &p, nil
}

// Token store ----------------------------------------------------------------

const tokenColumns = `id, token_hash, user_id, device_id, user_agent, ip,
	expires_at, revoked, replaced_by, created_at, last_seen_at`

func (s *PGTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, token_hash, user_id, device_id, user_agent, ip, expires_at, revoked, created_at, last_seen_at)
		 values($1,$2,$3,$4,$5,$6,$7,false,$8,$9)`,
		tok.ID, tok.TokenHash, tok.PrincipalID, tok.DeviceID, tok.UserAgent, tok.IP,
		tok.ExpiresAt, tok.CreatedAt, tok.LastSeenAt,
	)
	return err
}

func (s *PGTokenStore) FindByID(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where id=$1`, id)
	tok, err := scanToken(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return tok, nil
}

func (s *PGTokenStore) FindAllActiveForPrincipal(ctx context.Context, principalID string, now time.Time) ([]*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+tokenColumns+` from refresh_tokens
		 where user_id=$1 and revoked=false and expires_at > $2
		 order by created_at asc`,
		principalID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*RefreshToken
	for rows.Next() {
		tok, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, tok)
	}
	return res, rows.Err()
}

func (s *PGTokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and revoked=false`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGTokenStore) RevokeAllForPrincipal(ctx context.Context, principalID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and revoked=false`, principalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGTokenStore) RevokeAllForDevice(ctx context.Context, principalID, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and device_id=$2 and revoked=false`,
		principalID, deviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGTokenStore) RevokeAllOtherDevices(ctx context.Context, principalID, keepDeviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and device_id <> $2 and revoked=false`,
		principalID, keepDeviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Rotate revokes the predecessor and inserts the successor in one
// transaction. The update is conditional on revoked=false; an affected-row
// count of zero means a concurrent rotation or revocation already claimed
// the token, and the transaction aborts without writing anything.
func (s *PGTokenStore) Rotate(ctx context.Context, oldID string, successor *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true, replaced_by=$2 where id=$1 and revoked=false`,
		oldID, successor.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errRotationConflict
	}

	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, token_hash, user_id, device_id, user_agent, ip, expires_at, revoked, created_at, last_seen_at)
		 values($1,$2,$3,$4,$5,$6,$7,false,$8,$9)`,
		successor.ID, successor.TokenHash, successor.PrincipalID, successor.DeviceID,
		successor.UserAgent, successor.IP, successor.ExpiresAt, successor.CreatedAt, successor.LastSeenAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PGTokenStore) TouchLastSeen(ctx context.Context, principalID, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set last_seen_at=$3 where user_id=$1 and device_id=$2 and revoked=false`,
		principalID, deviceID, at)
	return err
}

func (s *PGTokenStore) PageSessions(ctx context.Context, q SessionQuery, now time.Time) (*SessionPage, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from refresh_tokens
		 where user_id=$1
		   and ($2 or revoked=false)
		   and ($3 or expires_at > $4)`,
		q.PrincipalID, q.IncludeRevoked, q.IncludeExpired, now,
	).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`select `+tokenColumns+` from refresh_tokens
		 where user_id=$1
		   and ($2 or revoked=false)
		   and ($3 or expires_at > $4)
		 order by last_seen_at desc
		 limit $5 offset $6`,
		q.PrincipalID, q.IncludeRevoked, q.IncludeExpired, now, q.Size, q.Page*q.Size,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*RefreshToken
	for rows.Next() {
		tok, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int((total + int64(q.Size) - 1) / int64(q.Size))
	return &SessionPage{
		Sessions:   sessions,
		Page:       q.Page,
		Size:       q.Size,
		TotalItems: total,
		TotalPages: totalPages,
		Last:       q.Page >= totalPages-1,
	}, nil
}

func scanToken(scan func(dest ...any) error) (*RefreshToken, error) {
	var (
		tok        RefreshToken
		replacedBy sql.NullString
		lastSeen   sql.NullTime
	)
	if err := scan(&tok.ID, &tok.TokenHash, &tok.PrincipalID, &tok.DeviceID, &tok.UserAgent, &tok.IP,
		&tok.ExpiresAt, &tok.Revoked, &replacedBy, &tok.CreatedAt, &lastSeen); err != nil {
		return nil, err
	}
	if replacedBy.Valid {
		tok.ReplacedBy = replacedBy.String
	}
	if lastSeen.Valid {
		tok.LastSeenAt = lastSeen.Time
	}
	return &tok, nil
}
