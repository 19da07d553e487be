package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Event types recorded by the service.
const (
	EventVerified    = "snippet.verified"
	EventUnverified  = "snippet.unverified"
	EventDenied      = "access.denied"
	EventRoleChanged = "user.role_changed"
)

// Writer appends immutable audit rows. Actor identifiers are salted
// and hashed before they hit storage so the trail can be shipped to
// external sinks without leaking account ids.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

type Record struct {
	EventID     string
	EventType   string
	ActorIDHash string
	SubjectID   string
	Action      string
	Reason      string
	Detail      json.RawMessage
	CreatedAt   time.Time
}

// Append writes one audit row. The actorID is hashed here; callers
// pass the raw id.
func (w *Writer) Append(ctx context.Context, eventID, eventType, actorID, subjectID, action, reason string, detail json.RawMessage) error {
	if w == nil || w.DB == nil {
		return nil
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(event_id, event_type, actor_id_hash, subject_id, action, reason, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, eventID, eventType, w.HashActor(actorID), subjectID, action, reason, detail, time.Now().UTC())
	return err
}

// RecentForSubject returns the newest audit rows for one subject,
// most recent first.
func (w *Writer) RecentForSubject(ctx context.Context, subjectID string, limit int) ([]Record, error) {
	if w == nil || w.DB == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, event_type, actor_id_hash, subject_id, action, reason, detail, created_at
		FROM audit_records WHERE subject_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var detail json.RawMessage
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.ActorIDHash, &rec.SubjectID, &rec.Action, &rec.Reason, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Detail = detail
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HashActor returns the salted SHA-256 hex digest of an actor id.
// Empty ids (anonymous requests) stay empty.
func (w *Writer) HashActor(actorID string) string {
	if actorID == "" {
		return ""
	}
	h := sha256.New()
	if len(w.HashSalt) > 0 {
		_, _ = h.Write(w.HashSalt)
	}
	_, _ = h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}
