package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"santaserver.org/internal/auth"
	"santaserver.org/internal/ids"
)

type auditStore struct {
	db *sql.DB
}

// Append is insert-only; nothing in the schema updates or deletes audit rows.
func (s auditStore) Append(ctx context.Context, event *auth.AuditEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	detail := []byte("{}")
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (
			id, identity_id, kind, detail,
			client_ip, client_agent, success, failure_reason, occurred_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		event.ID, nullStr(event.IdentityID), string(event.Kind), detail,
		event.ClientIP, event.ClientAgent, event.Success,
		nullStr(event.FailureReason), event.OccurredAt,
	)
	return err
}
