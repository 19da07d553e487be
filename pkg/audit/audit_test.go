package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	queryErr  error
	rowValues [][]any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeAuditRows{values: f.rowValues}, nil
}

type fakeAuditRows struct {
	values [][]any
	idx    int
}

func (r *fakeAuditRows) Next() bool {
	if r.idx >= len(r.values) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	row := r.values[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeAuditRows) Close()                                       {}
func (r *fakeAuditRows) Err() error                                   { return nil }
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeAuditRows) RawValues() [][]byte                          { return nil }
func (r *fakeAuditRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                              { return nil }

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func TestWriterAppendHashesActor(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1")}

	detail := json.RawMessage(`{"notes":"Reviewed edge cases"}`)
	err := w.Append(context.Background(), "ev-1", EventVerified, "user-42", "snip-7", "verify", "", detail)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("expected 8 exec args, got %d", len(db.execArgs))
	}
	hashed, ok := db.execArgs[2].(string)
	if !ok || hashed == "user-42" || len(hashed) != 64 {
		t.Fatalf("actor id not hashed: %v", db.execArgs[2])
	}
	if hashed != w.HashActor("user-42") {
		t.Fatal("stored hash is not deterministic")
	}

	// different salt must produce a different digest
	other := &Writer{DB: db, HashSalt: []byte("salt-2")}
	if other.HashActor("user-42") == hashed {
		t.Fatal("salt has no effect on hash")
	}
	if w.HashActor("") != "" {
		t.Fatal("anonymous actor should stay empty")
	}
}

func TestWriterAppendError(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("exec failed")}
	w := &Writer{DB: db}
	err := w.Append(context.Background(), "ev-1", EventDenied, "user-1", "snip-1", "delete", "forbidden", nil)
	if err == nil {
		t.Fatal("expected append error")
	}
}

func TestWriterNilSafe(t *testing.T) {
	var w *Writer
	if err := w.Append(context.Background(), "ev", EventDenied, "a", "s", "read", "forbidden", nil); err != nil {
		t.Fatalf("nil writer append: %v", err)
	}
}

func TestRecentForSubject(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{
		rowValues: [][]any{
			{"ev-2", EventUnverified, "hash-a", "snip-7", "unverify", "quality", json.RawMessage(`{}`), now},
			{"ev-1", EventVerified, "hash-a", "snip-7", "verify", "", json.RawMessage(`{}`), now.Add(-time.Hour)},
		},
	}
	w := &Writer{DB: db}

	recs, err := w.RecentForSubject(context.Background(), "snip-7", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].EventType != EventUnverified || recs[1].EventType != EventVerified {
		t.Fatalf("unexpected order: %+v", recs)
	}
	// limit of 0 falls back to the default cap
	if got := db.queryArgs[1]; got != 50 {
		t.Fatalf("expected default limit 50, got %v", got)
	}

	db.queryErr = errors.New("query failed")
	if _, err := w.RecentForSubject(context.Background(), "snip-7", 10); err == nil {
		t.Fatal("expected query error")
	}
}
