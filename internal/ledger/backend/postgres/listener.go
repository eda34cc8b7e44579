package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const (
	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// Listener follows commits made by any process sharing the database. Each NOTIFY
// carries the committed position; the callback is expected to catch up to it.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewListener creates a listener on the ledger's commit channel.
func NewListener(pool *pgxpool.Pool, ledgerID string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{pool: pool, channel: NotifyChannel(ledgerID), logger: logger}
}

// Run blocks until ctx is cancelled, invoking fn for every notification.
// A dropped connection is re-established with backoff; after every reconnect fn
// is invoked with position 0 so commits missed while disconnected are caught up.
// Callback errors are logged and do not stop the listener.
func (l *Listener) Run(ctx context.Context, fn func(ctx context.Context, position uint64) error) error {
	attempt := 0
	for {
		listening, err := l.listen(ctx, fn, attempt > 0)
		if ctx.Err() != nil {
			return nil
		}
		if listening {
			attempt = 0
		}
		delay := reconnectDelay(attempt)
		attempt++
		l.logger.WarnContext(ctx, "commit listener disconnected; reconnecting",
			"channel", l.channel, "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// listen runs one LISTEN session. listening reports whether LISTEN was issued
// before the session ended.
func (l *Listener) listen(ctx context.Context, fn func(ctx context.Context, position uint64) error, resumed bool) (listening bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pq.QuoteIdentifier(l.channel)); err != nil {
		// The connection may be broken; keep it out of the pool.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		return false, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.InfoContext(ctx, "listening for ledger commits", "channel", l.channel)

	if resumed {
		if err := fn(ctx, 0); err != nil {
			l.logger.ErrorContext(ctx, "failed to catch up after reconnect", "error", err)
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return true, nil
			}
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		position, err := strconv.ParseUint(n.Payload, 10, 64)
		if err != nil {
			l.logger.WarnContext(ctx, "ignoring malformed commit notification", "payload", n.Payload)
			continue
		}
		if err := fn(ctx, position); err != nil {
			l.logger.ErrorContext(ctx, "failed to follow commit", "position", position, "error", err)
		}
	}
}

// reconnectDelay doubles from minReconnectDelay per consecutive failed attempt,
// capped at maxReconnectDelay.
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return minReconnectDelay
	}
	if attempt >= 20 {
		return maxReconnectDelay
	}
	d := minReconnectDelay << attempt
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
