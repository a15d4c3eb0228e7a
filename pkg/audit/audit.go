// Package audit appends one durable record per terminal merge outcome.
// Identities are stored as salted hashes; the raw uids never reach the
// audit table or the logs.
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
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

// Record is one terminal merge outcome. Outcomes holds the serialized
// per-table outcome list; Status is the terminal state of the merge,
// "completed" or "replayed".
type Record struct {
	CorrelationID string
	Operation     string
	SourceHash    string
	TargetHash    string
	Outcomes      json.RawMessage
	Status        string
	Idempotent    bool
	CreatedAt     time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO merge_audit
		(correlation_id, operation, source_hash, target_hash, outcomes, status, idempotent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.CorrelationID, rec.Operation, rec.SourceHash, rec.TargetHash, rec.Outcomes, rec.Status, rec.Idempotent, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, correlationID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT correlation_id, operation, source_hash, target_hash, outcomes, status, idempotent, created_at
		FROM merge_audit WHERE correlation_id=$1
	`, correlationID)
	if err := row.Scan(&rec.CorrelationID, &rec.Operation, &rec.SourceHash, &rec.TargetHash, &rec.Outcomes, &rec.Status, &rec.Idempotent, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// HashIdentity is the salted SHA-256 used for every identity that lands in
// a record.
func (w *Writer) HashIdentity(uid string) string {
	h := sha256.New()
	if len(w.HashSalt) > 0 {
		_, _ = h.Write(w.HashSalt)
	}
	_, _ = h.Write([]byte(uid))
	return hex.EncodeToString(h.Sum(nil))
}
