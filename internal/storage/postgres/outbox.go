package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// OutboxStore implements events.OutboxStore.
type OutboxStore struct {
	*Store
}

// Destination is injected per-dispatcher, not stored per-row; the store
// returns rows with it blank and the dispatcher fills it in. Keeping the
// column out of the table avoids rewriting history when the read model
// moves.
func (s *OutboxStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]events.Delivery, error) {
	// The NOT EXISTS gate holds a row back while an earlier seq of the
	// same aggregate is still backing off; a retried event is never
	// overtaken by a later one. In-batch rows see pre-statement state,
	// so they do not gate each other.
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT o.event_id
			FROM outbox o
			JOIN events e ON e.id = o.event_id
			WHERE o.status = 'pending' AND o.next_attempt_at <= NOW()
			AND NOT EXISTS (
				SELECT 1
				FROM outbox o2
				JOIN events e2 ON e2.id = o2.event_id
				WHERE e2.aggregate_type = e.aggregate_type
				  AND e2.aggregate_id = e.aggregate_id
				  AND e2.seq < e.seq
				  AND o2.status = 'pending'
				  AND o2.next_attempt_at > NOW()
			)
			ORDER BY e.aggregate_id, e.seq
			LIMIT $1
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE outbox o SET next_attempt_at = NOW() + $2
		FROM claimed c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.status, o.attempts, COALESCE(o.last_error, ''), o.next_attempt_at`,
		limit, lease,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	defer rows.Close()

	var claimed []events.Delivery
	for rows.Next() {
		var (
			del     events.Delivery
			eventID string
		)
		if err := rows.Scan(&eventID, &del.Status, &del.Attempts, &del.LastError, &del.NextAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		evt, err := s.loadEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		del.Event = evt
		claimed = append(claimed, del)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ascending (aggregate_id, seq) so per-aggregate order survives
	// batching.
	sortDeliveries(claimed)
	return claimed, nil
}

func (s *OutboxStore) loadEvent(ctx context.Context, eventID string) (events.Event, error) {
	var (
		evt     events.Event
		aggType string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, COALESCE(actor_id, ''), occurred_at, seq
		FROM events WHERE id = $1`,
		eventID,
	).Scan(&evt.ID, &aggType, &evt.AggregateID, &evt.Type, &payload, &evt.ActorID, &evt.OccurredAt, &evt.Seq)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	evt.AggregateType = events.AggregateType(aggType)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return events.Event{}, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return evt, nil
}

func sortDeliveries(dels []events.Delivery) {
	// Insertion sort; batches are small.
	for i := 1; i < len(dels); i++ {
		for j := i; j > 0 && deliveryLess(dels[j], dels[j-1]); j-- {
			dels[j], dels[j-1] = dels[j-1], dels[j]
		}
	}
}

func deliveryLess(a, b events.Delivery) bool {
	if a.Event.AggregateID != b.Event.AggregateID {
		return a.Event.AggregateID < b.Event.AggregateID
	}
	return a.Event.Seq < b.Event.Seq
}

func (s *OutboxStore) MarkSent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = 'sent', sent_at = NOW() WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row sent: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkRetry(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE event_id = $1`,
		eventID, attempts, lastErr, next,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule outbox retry: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, eventID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'failed', attempts = $2, last_error = $3
		WHERE event_id = $1`,
		eventID, attempts, lastErr,
	)
	if err != nil {
		return fmt.Errorf("failed to park outbox row: %w", err)
	}
	return nil
}
