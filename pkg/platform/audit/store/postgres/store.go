// Package postgres persists audit events next to the ledger's event table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	audit "halalledger/pkg/platform/audit"
	txcontext "halalledger/pkg/platform/tx"
)

// Schema creates the audit table. Safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        BIGSERIAL   PRIMARY KEY,
	id         UUID        NOT NULL UNIQUE,
	category   TEXT        NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	principal  TEXT        NOT NULL DEFAULT '',
	batch_id   TEXT        NOT NULL DEFAULT '',
	action     TEXT        NOT NULL,
	decision   TEXT        NOT NULL DEFAULT '',
	reason     TEXT        NOT NULL DEFAULT '',
	severity   TEXT        NOT NULL DEFAULT '',
	ip         TEXT        NOT NULL DEFAULT '',
	user_agent TEXT        NOT NULL DEFAULT '',
	request_id TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_principal ON audit_events (principal, seq);
`

const selectColumns = `category, timestamp, principal, batch_id, action, decision,
	reason, severity, ip, user_agent, request_id`

// Store implements audit.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts event. The category is always derived from the action.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := audit.AuditEvent(event.Action).Category()
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, principal, batch_id, action,
			decision, reason, severity, ip, user_agent, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New(),
		string(category),
		event.Timestamp.UTC(),
		event.Principal,
		event.BatchID,
		event.Action,
		event.Decision,
		event.Reason,
		string(event.Severity),
		event.IP,
		event.UserAgent,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByPrincipal returns events attributed to principal, oldest first.
func (s *Store) ListByPrincipal(ctx context.Context, principal string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE principal = $1 ORDER BY seq`, principal)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the most recent limit events, oldest first. limit <= 0 returns all.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM (
		SELECT * FROM audit_events ORDER BY seq DESC LIMIT $1
	) recent ORDER BY seq`
	var arg any = limit
	if limit <= 0 {
		arg = nil // LIMIT NULL is no limit
	}
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event    audit.Event
			category string
			severity string
		)
		if err := rows.Scan(
			&category,
			&event.Timestamp,
			&event.Principal,
			&event.BatchID,
			&event.Action,
			&event.Decision,
			&event.Reason,
			&severity,
			&event.IP,
			&event.UserAgent,
			&event.RequestID,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.Severity = audit.Severity(severity)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
