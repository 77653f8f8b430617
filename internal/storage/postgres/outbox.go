package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-engine/internal/outbox"
)

const (
	appendMessageSQL = `INSERT INTO outbox (event_type, event_key, payload, headers, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	claimMessagesSQL = `UPDATE outbox SET status = 'in_progress', locked_by = $1,
		locked_until = now() + make_interval(secs => $3)
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' OR (status = 'in_progress' AND locked_until < now())
			ORDER BY id LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, event_key, payload, headers, created_at, attempts`

	markSentSQL = `UPDATE outbox SET status = 'sent', sent_at = now(), locked_by = NULL, locked_until = NULL
		WHERE id = ANY($1)`

	markFailedSQL = `UPDATE outbox SET attempts = attempts + 1, last_error = $2,
		locked_by = NULL, locked_until = NULL,
		status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`

	countBacklogSQL = `SELECT count(*) FROM outbox WHERE status IN ('pending', 'in_progress')`
)

func (t *tx) AppendMessage(ctx context.Context, m outbox.Message) error {
	headers := m.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, appendMessageSQL, m.Type, m.Key, m.Payload, headers, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending %s message: %w", m.Type, err)
	}
	return nil
}

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore hands out outbox batches to relays. Concurrent relays skip
// each other's locked rows.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns an OutboxStore that uses the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, relayID string, limit int, lease time.Duration) ([]outbox.Message, error) {
	rows, err := s.pool.Query(ctx, claimMessagesSQL, relayID, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}
	slices.SortFunc(msgs, func(a, b outbox.Message) int { return cmp.Compare(a.ID, b.ID) })
	return msgs, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if _, err := s.pool.Exec(ctx, markSentSQL, ids); err != nil {
		return fmt.Errorf("marking %d messages sent: %w", len(ids), err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) error {
	if _, err := s.pool.Exec(ctx, markFailedSQL, id, reason, maxAttempts); err != nil {
		return fmt.Errorf("marking message %d failed: %w", id, err)
	}
	return nil
}

// Backlog counts messages not yet delivered.
func (s *OutboxStore) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, countBacklogSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.CollectableRow) (outbox.Message, error) {
	var m outbox.Message
	err := row.Scan(&m.ID, &m.Type, &m.Key, &m.Payload, &m.Headers, &m.CreatedAt, &m.Attempts)
	return m, err
}
