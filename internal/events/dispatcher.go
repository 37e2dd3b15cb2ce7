package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// OutboxStore is the persistence contract the dispatcher runs against.
// Claim must lease rows so concurrent workers skip each other
// (SELECT ... FOR UPDATE SKIP LOCKED on the SQL side) and return them
// in ascending (aggregate_id, seq) order. It must also hold back any
// row whose aggregate has an earlier pending row still backing off, so
// a retry never lets a later seq overtake it.
type OutboxStore interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Delivery, error)
	MarkSent(ctx context.Context, eventID string) error
	MarkRetry(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, eventID string, attempts int, lastErr string) error
}

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	Destination string        // downstream read-model endpoint
	BatchSize   int           // rows claimed per cycle
	Interval    time.Duration // poll interval when the queue is idle
	MaxAttempts int           // attempts before a row is parked as failed
	Timeout     time.Duration // per-POST deadline
}

func (c *DispatcherConfig) defaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 25
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Dispatcher drains the outbox and POSTs events to the read model.
// Delivery is at-least-once; the downstream dedupes on the event id.
type Dispatcher struct {
	store  OutboxStore
	config DispatcherConfig
	client *http.Client
	logger *slog.Logger
}

func NewDispatcher(store OutboxStore, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	config.defaults()
	return &Dispatcher{
		store:  store,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		if n := d.RunOnce(ctx); n > 0 {
			// Drain eagerly while there is work.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and delivers it. Returns the number of rows claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	deliveries, err := d.store.Claim(ctx, d.config.BatchSize, d.config.Interval*2)
	if err != nil {
		d.logger.Error("outbox_claim_failed", "error", err)
		return 0
	}

	// Aggregates with a delivery waiting on a retry. Later seqs stay
	// leased and come back in a later batch, behind the retried row.
	stalled := make(map[string]bool)
	for _, del := range deliveries {
		if ctx.Err() != nil {
			return len(deliveries)
		}
		key := string(del.Event.AggregateType) + ":" + del.Event.AggregateID
		if stalled[key] {
			continue
		}
		if !d.deliver(ctx, del) {
			stalled[key] = true
		}
	}
	return len(deliveries)
}

// deliver reports whether later events for the same aggregate may still
// go out this cycle: true after a send or a permanent park, false when
// the row is scheduled for a retry.
func (d *Dispatcher) deliver(ctx context.Context, del Delivery) bool {
	err := d.post(ctx, del)
	if err == nil {
		if err := d.store.MarkSent(ctx, del.Event.ID.String()); err != nil {
			d.logger.Error("outbox_mark_sent_failed", "event_id", del.Event.ID, "error", err)
		}
		return true
	}

	attempts := del.Attempts + 1
	if attempts >= d.config.MaxAttempts {
		d.logger.Error("outbox_delivery_abandoned",
			"event_id", del.Event.ID,
			"event_type", del.Event.Type,
			"attempts", attempts,
			"error", err,
		)
		if mErr := d.store.MarkFailed(ctx, del.Event.ID.String(), attempts, err.Error()); mErr != nil {
			d.logger.Error("outbox_mark_failed_failed", "event_id", del.Event.ID, "error", mErr)
		}
		// A parked row no longer gates its aggregate.
		return true
	}

	next := time.Now().Add(RetryDelay(attempts))
	d.logger.Warn("outbox_delivery_retry",
		"event_id", del.Event.ID,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", err,
	)
	if mErr := d.store.MarkRetry(ctx, del.Event.ID.String(), attempts, err.Error(), next); mErr != nil {
		d.logger.Error("outbox_mark_retry_failed", "event_id", del.Event.ID, "error", mErr)
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, del Delivery) error {
	body, err := json.Marshal(del.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	destination := del.Destination
	if destination == "" {
		destination = d.config.Destination
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The event id doubles as the idempotency key downstream.
	req.Header.Set("Idempotency-Key", del.Event.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
	return nil
}

// RetryDelay computes the backoff before the given attempt number
// (1-based). Exponential with jitter, base 1s, capped at 1h.
func RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Hour,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
