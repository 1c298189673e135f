package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLLedger implements Ledger over database/sql. It works against both
// SQLite (modernc driver) and Postgres (lib/pq): both accept $n placeholders.
// The full record is stored as JSON alongside indexed filter columns.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLedger creates the ledger and its schema.
func NewSQLLedger(db *sql.DB) (*SQLLedger, error) {
	s := &SQLLedger{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		sequence        INTEGER PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		correlation_id  TEXT NOT NULL,
		refers_to       TEXT NOT NULL DEFAULT '',
		entity          TEXT NOT NULL,
		target          TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		recorded_at     TIMESTAMP NOT NULL,
		prev_hash       TEXT NOT NULL,
		hash            TEXT NOT NULL,
		record          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_records (correlation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_records (entity);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLLedger) Append(ctx context.Context, rec *AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return joinWriteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	prev := genesisHash
	row := tx.QueryRowContext(ctx, `SELECT sequence, hash FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&seq, &prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return joinWriteErr(err)
	}

	if err := seal(rec, seq+1, prev, s.clock().UTC()); err != nil {
		return err
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return joinWriteErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records
			(sequence, id, correlation_id, refers_to, entity, target, outcome, recorded_at, prev_hash, hash, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Sequence, rec.ID, rec.Request.CorrelationID, rec.RefersTo,
		rec.Request.Entity, string(rec.Request.Target), string(rec.Outcome),
		rec.RecordedAt, rec.PrevHash, rec.Hash, string(blob),
	)
	if err != nil {
		return joinWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return joinWriteErr(err)
	}
	return nil
}

func (s *SQLLedger) Query(ctx context.Context, f Filter) ([]AuditRecord, error) {
	query := `SELECT record FROM audit_records WHERE 1=1`
	args := make([]any, 0, 6)
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.CorrelationID != "" {
		// $n may be referenced twice; it binds a single argument.
		p := arg(f.CorrelationID)
		query += fmt.Sprintf(" AND (correlation_id = %s OR refers_to = %s)", p, p)
	}
	if f.Entity != "" {
		query += " AND entity = " + arg(f.Entity)
	}
	if f.Target != "" {
		query += " AND target = " + arg(string(f.Target))
	}
	if f.Outcome != "" {
		query += " AND outcome = " + arg(string(f.Outcome))
	}
	if !f.Since.IsZero() {
		query += " AND recorded_at >= " + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND recorded_at <= " + arg(f.Until)
	}
	query += " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]AuditRecord, 0)
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("ledger: corrupt stored record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLLedger) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM audit_records ORDER BY sequence ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return err
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return fmt.Errorf("%w: %v", ErrChainBroken, err)
		}
		if err := verifyRecord(rec, prev); err != nil {
			return err
		}
		prev = rec.Hash
	}
	return rows.Err()
}
