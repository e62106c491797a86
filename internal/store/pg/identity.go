package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"santaserver.org/internal/auth"
)

type identityStore struct {
	db *sql.DB
}

const identityColumns = `
	id, username, email, identity_type, password_hash,
	password_changed_at, password_expires_at, failed_login_attempts, locked_until,
	external_id, provider_name,
	first_name, last_name, display_name, department, title, phone,
	active, last_login, created_at, updated_at, created_by, updated_by`

type identityScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row identityScanner) (*auth.Identity, error) {
	var (
		identity     auth.Identity
		identityType string
		hash         sql.NullString
		externalID   sql.NullString
		provider     sql.NullString
		createdBy    sql.NullString
		updatedBy    sql.NullString
	)
	err := row.Scan(
		&identity.ID, &identity.Username, &identity.Email, &identityType, &hash,
		&identity.PasswordChangedAt, &identity.PasswordExpiresAt,
		&identity.FailedLoginAttempts, &identity.LockedUntil,
		&externalID, &provider,
		&identity.FirstName, &identity.LastName, &identity.DisplayName,
		&identity.Department, &identity.Title, &identity.Phone,
		&identity.Active, &identity.LastLogin,
		&identity.CreatedAt, &identity.UpdatedAt, &createdBy, &updatedBy,
	)
	if err != nil {
		return nil, err
	}
	identity.Type = auth.IdentityType(identityType)
	identity.PasswordHash = hash.String
	identity.ExternalID = externalID.String
	identity.ProviderName = provider.String
	identity.CreatedBy = createdBy.String
	identity.UpdatedBy = updatedBy.String
	return &identity, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s identityStore) Create(ctx context.Context, identity *auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identities (
			id, username, email, identity_type, password_hash,
			password_changed_at, password_expires_at,
			external_id, provider_name,
			first_name, last_name, display_name, department, title, phone,
			active, created_at, updated_at, created_by, updated_by
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		identity.ID, identity.Username, identity.Email, string(identity.Type), nullStr(identity.PasswordHash),
		identity.PasswordChangedAt, identity.PasswordExpiresAt,
		nullStr(identity.ExternalID), nullStr(identity.ProviderName),
		identity.FirstName, identity.LastName, identity.DisplayName,
		identity.Department, identity.Title, identity.Phone,
		identity.Active, identity.CreatedAt, identity.UpdatedAt,
		nullStr(identity.CreatedBy), nullStr(identity.UpdatedBy),
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s identityStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id=$1`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s identityStore) FindByLogin(ctx context.Context, usernameOrEmail string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where lower(username)=lower($1) or lower(email)=lower($1)
	`, usernameOrEmail)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s identityStore) List(ctx context.Context, offset, limit int) ([]*auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+identityColumns+`
		from identities
		order by username
		offset $1 limit $2
	`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s identityStore) UpdateProfile(ctx context.Context, identity *auth.Identity) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set
			email=$2, first_name=$3, last_name=$4, display_name=$5,
			department=$6, title=$7, phone=$8,
			updated_at=$9, updated_by=$10
		where id=$1
	`,
		identity.ID, identity.Email, identity.FirstName, identity.LastName,
		identity.DisplayName, identity.Department, identity.Title, identity.Phone,
		identity.UpdatedAt, nullStr(identity.UpdatedBy),
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return requireRow(res)
}

// RecordFailure advances the counter and conditionally arms the lock in one
// statement. The row lock serializes concurrent callers, so no increment is
// lost and exactly one caller observes the LOCKED transition.
func (s identityStore) RecordFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (int, bool, error) {
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update identities set
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = case
				when failed_login_attempts + 1 >= $2 then $3
				else locked_until
			end,
			updated_at = now()
		where id=$1
		returning failed_login_attempts, locked_until
	`, id, maxAttempts, lockUntil).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, auth.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, attempts >= maxAttempts, nil
}

func (s identityStore) ResetLockout(ctx context.Context, id string, lastLogin time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set
			failed_login_attempts = 0,
			locked_until = null,
			last_login = $2,
			updated_at = now()
		where id=$1
	`, id, lastLogin)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s identityStore) UpdateCredential(ctx context.Context, id, hash string, changedAt, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set
			password_hash=$2, password_changed_at=$3, password_expires_at=$4,
			updated_at=$3
		where id=$1
	`, id, hash, changedAt, expiresAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s identityStore) SetActive(ctx context.Context, id string, active bool, updatedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set active=$2, updated_by=$3, updated_at=$4
		where id=$1
	`, id, active, nullStr(updatedBy), at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
