package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"santaserver.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFailureIncrementsAndLocks(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	lockUntil := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`update identities set`).
		WithArgs("id-1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, lockUntil))

	attempts, locked, err := store.Identities(ctx).RecordFailure(ctx, "id-1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if attempts != 5 || !locked {
		t.Fatalf("RecordFailure = (%d, %v), want (5, true)", attempts, locked)
	}
	expectMet(t, mock)
}

func TestRecordFailureRelocksPastThreshold(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	lockUntil := time.Date(2025, 6, 1, 12, 31, 0, 0, time.UTC)

	// A counter already past the threshold (the previous window lapsed
	// without a reset) re-arms the lock on the next failure.
	mock.ExpectQuery(`update identities set`).
		WithArgs("id-1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(6, lockUntil))

	attempts, locked, err := store.Identities(ctx).RecordFailure(ctx, "id-1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if attempts != 6 || !locked {
		t.Fatalf("RecordFailure = (%d, %v), want (6, true)", attempts, locked)
	}
	expectMet(t, mock)
}

func TestRecordFailureBelowThreshold(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	lockUntil := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`update identities set`).
		WithArgs("id-1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(2, nil))

	attempts, locked, err := store.Identities(ctx).RecordFailure(ctx, "id-1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if attempts != 2 || locked {
		t.Fatalf("RecordFailure = (%d, %v), want (2, false)", attempts, locked)
	}
	expectMet(t, mock)
}

func TestFindByLoginNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`select (.+) from identities`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Identities(ctx).FindByLogin(ctx, "ghost")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("FindByLogin = %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestCreateIdentityUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`insert into identities`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "identities_username_key"})

	now := time.Now().UTC()
	err := store.Identities(ctx).Create(ctx, &auth.Identity{
		ID:        "id-1",
		Username:  "alice",
		Email:     "alice@example.com",
		Type:      auth.IdentityTypeLocal,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("Create duplicate = %v, want ErrConflict", err)
	}
	expectMet(t, mock)
}

func TestRevokeIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	mock.ExpectExec(`update sessions set revoked=true`).
		WithArgs("s-1", at, "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	revoked, err := store.Sessions(ctx).Revoke(ctx, "s-1", "logout", at)
	if err != nil || !revoked {
		t.Fatalf("first Revoke = (%v, %v), want (true, nil)", revoked, err)
	}

	// Second call flips nothing; the existence probe distinguishes
	// already-revoked from never-existed.
	mock.ExpectExec(`update sessions set revoked=true`).
		WithArgs("s-1", at, "logout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	revoked, err = store.Sessions(ctx).Revoke(ctx, "s-1", "logout", at)
	if err != nil || revoked {
		t.Fatalf("second Revoke = (%v, %v), want (false, nil)", revoked, err)
	}

	mock.ExpectExec(`update sessions set revoked=true`).
		WithArgs("s-missing", at, "logout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WithArgs("s-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = store.Sessions(ctx).Revoke(ctx, "s-missing", "logout", at)
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("Revoke unknown = %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestRevokeAllCountsRows(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	mock.ExpectExec(`update sessions set revoked=true`).
		WithArgs("id-1", at, "password_changed", "").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := store.Sessions(ctx).RevokeAll(ctx, "id-1", "password_changed", at, "")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if count != 3 {
		t.Fatalf("RevokeAll = %d, want 3", count)
	}
	expectMet(t, mock)
}

func TestIsActiveUnknownJTI(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`select not revoked`).
		WithArgs("jti-unknown").
		WillReturnRows(sqlmock.NewRows([]string{"not_revoked"}))

	active, err := store.Sessions(ctx).IsActive(ctx, "jti-unknown")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatal("unknown jti must not be active")
	}
	expectMet(t, mock)
}

func TestRoleScanDecodesPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(`select (.+) from roles where name=\$1`).
		WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "display_name", "description", "permissions", "is_system", "created_at", "updated_at",
		}).AddRow("r-1", "admin", "Administrator", "", []byte(`{"users": ["read", "create"], "roles": "read"}`), true, now, now))

	role, err := store.Roles(ctx).FindByName(ctx, "admin")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if !role.Permissions.Allows("users", "create") || !role.Permissions.Allows("roles", "read") {
		t.Fatalf("permissions not decoded: %v", role.Permissions)
	}
	expectMet(t, mock)
}

func TestAuditAppendAssignsID(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`insert into audit_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &auth.AuditEvent{
		Kind:       auth.EventLoginFailed,
		Detail:     map[string]any{"reason": "identity_not_found"},
		OccurredAt: time.Now().UTC(),
	}
	if err := store.Audit(ctx).Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if event.ID == "" {
		t.Fatal("Append should assign an id")
	}
	expectMet(t, mock)
}
