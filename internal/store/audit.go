package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// sqlStateImmutable is raised by the applied_changes guard trigger.
const sqlStateImmutable = "55000"

// AppliedRecord is one row of the audit log.
type AppliedRecord struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	ChangeID     string    `json:"change_id"`
	Path         []string  `json:"path"`
	OldValue     string    `json:"old_value"`
	NewValue     string    `json:"new_value"`
	DocumentHash string    `json:"document_hash"`
	AppliedAt    time.Time `json:"applied_at"`
}

type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordApplied appends every change in one transaction.
func (s *AuditStore) RecordApplied(ctx context.Context, sessionID, documentHash string, changes []model.AppliedChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	const insert = `
		INSERT INTO applied_changes (session_id, change_id, path, old_value, new_value, document_hash, applied_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
	`
	for _, c := range changes {
		path, err := json.Marshal(c.Path)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode path for %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, sessionID, c.ID, string(path), c.OldValue, c.NewValue, documentHash, c.AppliedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert applied change %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// ListApplied returns a session's audit rows oldest first.
func (s *AuditStore) ListApplied(ctx context.Context, sessionID string) ([]AppliedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, change_id, path, old_value, new_value, document_hash, applied_at
		FROM applied_changes
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list applied changes: %w", err)
	}
	defer rows.Close()

	records := make([]AppliedRecord, 0)
	for rows.Next() {
		var (
			item AppliedRecord
			path []byte
		)
		if err := rows.Scan(&item.ID, &item.SessionID, &item.ChangeID, &path, &item.OldValue, &item.NewValue, &item.DocumentHash, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied change: %w", err)
		}
		if err := json.Unmarshal(path, &item.Path); err != nil {
			return nil, fmt.Errorf("decode path of applied change %d: %w", item.ID, err)
		}
		records = append(records, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied changes: %w", err)
	}
	return records, nil
}

// IsImmutableViolation reports whether err came from the guard trigger.
func IsImmutableViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == sqlStateImmutable
}
