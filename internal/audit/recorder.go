// Package audit persists security events and mirrors them to the structured
// log so operators can follow the trail without a database session.
package audit

import (
	"context"
	"time"

	"santaserver.org/internal/auth"
	"santaserver.org/internal/obs"
)

type requestIDKey struct{}

// WithRequestID attaches the inbound request id so events correlate with
// access logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id previously attached, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recorder writes audit events best-effort: a failed write is counted and
// logged, never surfaced to the operation that produced the event.
type Recorder struct {
	store auth.Store
	now   func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder builds a Recorder over the given store.
func NewRecorder(store auth.Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists the event and mirrors it to the log. Implements
// auth.AuditRecorder.
func (r *Recorder) Record(ctx context.Context, event *auth.AuditEvent) {
	if event == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}

	entry := map[string]any{
		"type":        "audit",
		"event":       string(event.Kind),
		"success":     event.Success,
		"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
	}
	if event.IdentityID != "" {
		entry["identity_id"] = event.IdentityID
	}
	if event.ClientIP != "" {
		entry["client_ip"] = event.ClientIP
	}
	if event.FailureReason != "" {
		entry["failure_reason"] = event.FailureReason
	}
	if id := RequestIDFromContext(ctx); id != "" {
		entry["request_id"] = id
	}
	if len(event.Detail) > 0 {
		entry["detail"] = event.Detail
	}

	if err := r.store.Audit(ctx).Append(ctx, event); err != nil {
		obs.RecordAuditWriteFailure()
		entry["persist_error"] = err.Error()
	}
	obs.LogJSON(entry)
}
