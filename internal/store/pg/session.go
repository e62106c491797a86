package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"santaserver.org/internal/auth"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = `
	id, identity_id, access_jti, refresh_jti,
	access_expires_at, refresh_expires_at,
	client_ip, client_agent,
	revoked, revoked_at, revoked_reason, created_at`

func scanSession(row identityScanner) (*auth.Session, error) {
	var (
		session auth.Session
		reason  sql.NullString
	)
	err := row.Scan(
		&session.ID, &session.IdentityID, &session.AccessJTI, &session.RefreshJTI,
		&session.AccessExpiresAt, &session.RefreshExpiresAt,
		&session.ClientIP, &session.ClientAgent,
		&session.Revoked, &session.RevokedAt, &reason, &session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.RevokedReason = reason.String
	return &session, nil
}

func (s sessionStore) Create(ctx context.Context, session *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (
			id, identity_id, access_jti, refresh_jti,
			access_expires_at, refresh_expires_at,
			client_ip, client_agent, created_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		session.ID, session.IdentityID, session.AccessJTI, session.RefreshJTI,
		session.AccessExpiresAt, session.RefreshExpiresAt,
		session.ClientIP, session.ClientAgent, session.CreatedAt,
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s sessionStore) FindByJTI(ctx context.Context, jti string) (*auth.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where access_jti=$1 or refresh_jti=$1
	`, jti)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// IsActive runs on every authenticated request; the partial index on
// (access_jti) where not revoked keeps it a point lookup.
func (s sessionStore) IsActive(ctx context.Context, jti string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		select not revoked
		from sessions
		where access_jti=$1 or refresh_jti=$1
	`, jti).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s sessionStore) Rotate(ctx context.Context, session *auth.Session) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set
			access_jti=$2, refresh_jti=$3,
			access_expires_at=$4, refresh_expires_at=$5
		where id=$1 and not revoked
	`,
		session.ID, session.AccessJTI, session.RefreshJTI,
		session.AccessExpiresAt, session.RefreshExpiresAt,
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return requireRow(res)
}

func (s sessionStore) Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked=true, revoked_at=$2, revoked_reason=$3
		where id=$1 and not revoked
	`, sessionID, at, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Nothing updated: either the session is already revoked (idempotent
	// success) or it never existed.
	var exists bool
	err = s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id=$1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, auth.ErrNotFound
	}
	return false, nil
}

// RevokeAll flips every active session in one statement, so a concurrent
// IsActive sees either none or all of them revoked.
func (s sessionStore) RevokeAll(ctx context.Context, identityID, reason string, at time.Time, excludeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked=true, revoked_at=$2, revoked_reason=$3
		where identity_id=$1 and not revoked and ($4 = '' or id <> $4)
	`, identityID, at, reason, excludeID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
