// Package postgres is a durable Backend over a single PostgreSQL table.
//
// Commits for one ledger are serialized with a transaction-scoped advisory lock so
// positions are gapless. The per-batch compare-and-commit is enforced twice: by reading
// the batch's last sequence inside the lock and by a unique index, which also protects
// against writers that bypass the lock.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/platform/sentinel"
	"halalledger/pkg/platform/shardlock"
	txcontext "halalledger/pkg/platform/tx"
)

// Schema creates the event table. Safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	ledger_id    TEXT        NOT NULL,
	position     BIGINT      NOT NULL,
	batch_id     TEXT,
	batch_seq    BIGINT      NOT NULL DEFAULT 0,
	kind         TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	ref          TEXT        NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ledger_id, position)
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_batch_seq
	ON ledger_events (ledger_id, batch_id, batch_seq)
	WHERE batch_id IS NOT NULL;
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Backend persists events in PostgreSQL.
type Backend struct {
	db       *sql.DB
	ledgerID string
	maxRange uint64
	lockKey  int64
}

type Option func(*Backend)

// WithMaxRange overrides the read page width.
func WithMaxRange(n uint64) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxRange = n
		}
	}
}

// New constructs a backend for ledgerID. Call Migrate before first use.
func New(db *sql.DB, ledgerID string, opts ...Option) *Backend {
	b := &Backend{
		db:       db,
		ledgerID: ledgerID,
		maxRange: backend.DefaultMaxRange,
		lockKey:  int64(shardlock.Hash("ledger:" + ledgerID)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Migrate applies Schema.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Channel is the NOTIFY channel carrying committed positions for this ledger.
func (b *Backend) Channel() string {
	return NotifyChannel(b.ledgerID)
}

// NotifyChannel derives the NOTIFY channel name for a ledger.
func NotifyChannel(ledgerID string) string {
	return "ledger_events_" + ledgerID
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return b.db
}

func (b *Backend) Submit(ctx context.Context, e models.Event) (models.Event, error) {
	if err := backend.CheckSequence(e); err != nil {
		return models.Event{}, err
	}

	var committed models.Event
	err := txcontext.Run(ctx, b.db, func(ctx context.Context) error {
		if _, err := b.execer(ctx).ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, b.lockKey); err != nil {
			return fmt.Errorf("acquire ledger lock: %w", err)
		}

		batchID, isBatch := e.BatchID()
		if isBatch {
			last, err := b.lastSequence(ctx, batchID.String())
			if err != nil {
				return err
			}
			if last+1 != e.BatchSeq {
				return fmt.Errorf("batch %s sequence %d (at %d): %w", batchID, e.BatchSeq, last, sentinel.ErrConflict)
			}
		}

		head, err := b.head(ctx)
		if err != nil {
			return err
		}
		sealed, err := backend.Seal(e, b.ledgerID, head+1)
		if err != nil {
			return err
		}
		if err := b.insert(ctx, sealed); err != nil {
			return err
		}
		if _, err := b.execer(ctx).ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.Channel(), strconv.FormatUint(sealed.Position, 10)); err != nil {
			return fmt.Errorf("notify commit: %w", err)
		}
		committed = sealed
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}
	return committed, nil
}

func (b *Backend) insert(ctx context.Context, e models.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	var batchID sql.NullString
	if id, ok := e.BatchID(); ok {
		batchID = sql.NullString{String: id.String(), Valid: true}
	}

	query := `
		INSERT INTO ledger_events (ledger_id, position, batch_id, batch_seq, kind, payload, ref, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = b.execer(ctx).ExecContext(ctx, query,
		e.LedgerID,
		int64(e.Position),
		batchID,
		int64(e.BatchSeq),
		string(e.Kind()),
		payload,
		e.Ref,
		e.Timestamp,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("insert event %d: %w", e.Position, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert event %d: %w", e.Position, err)
	}
	return nil
}

func (b *Backend) lastSequence(ctx context.Context, batchID string) (uint64, error) {
	var last int64
	err := b.execer(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_seq), 0) FROM ledger_events WHERE ledger_id = $1 AND batch_id = $2`,
		b.ledgerID, batchID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read batch sequence: %w", err)
	}
	return uint64(last), nil
}

func (b *Backend) head(ctx context.Context) (uint64, error) {
	var head int64
	err := b.execer(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM ledger_events WHERE ledger_id = $1`,
		b.ledgerID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return uint64(head), nil
}

func (b *Backend) Head(ctx context.Context) (uint64, error) {
	return b.head(ctx)
}

func (b *Backend) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	from, err := backend.CheckRange(from, to, b.maxRange)
	if err != nil {
		return nil, err
	}
	if to < from {
		return []models.Event{}, nil
	}

	query := `
		SELECT position, batch_seq, kind, payload, ref, committed_at
		FROM ledger_events
		WHERE ledger_id = $1 AND position BETWEEN $2 AND $3
		ORDER BY position
	`
	rows, err := b.db.QueryContext(ctx, query, b.ledgerID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0, to-from+1)
	for rows.Next() {
		var (
			position, seq int64
			kind, ref     string
			payload       []byte
			committedAt   time.Time
		)
		if err := rows.Scan(&position, &seq, &kind, &payload, &ref, &committedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		p, err := models.DecodePayload(models.Kind(kind), payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", position, err)
		}
		events = append(events, models.Event{
			Position:  uint64(position),
			LedgerID:  b.ledgerID,
			BatchSeq:  uint64(seq),
			Timestamp: committedAt.UTC(),
			Ref:       ref,
			Payload:   p,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (b *Backend) MaxRange() uint64 {
	return b.maxRange
}
