package audit

import (
	"context"
	"database/sql"

	"agrimap.org/internal/ids"
	"agrimap.org/internal/obs"
)

// PGSink persists events into the audit_events table. Insert failures are
// logged and swallowed; audit must never fail the operation that produced
// the event.
type PGSink struct {
	db *sql.DB
}

func NewPGSink(db *sql.DB) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Emit(ctx context.Context, e Event) {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, event, user_id, username, device_id, ip, user_agent, reason, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ids.New(), e.Name,
		nullable(e.PrincipalID), nullable(e.Username), nullable(e.DeviceID),
		nullable(e.IP), nullable(e.UserAgent), nullable(e.Reason),
		e.OccurredAt.UTC())
	if err != nil {
		obs.LogEntry(map[string]any{
			"level": "error",
			"msg":   "audit insert failed",
			"event": e.Name,
			"error": err.Error(),
		})
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
