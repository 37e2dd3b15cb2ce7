package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// OutboxStore implements events.OutboxStore.
type OutboxStore struct {
	*Store
}

func (s *OutboxStore) Claim(_ context.Context, limit int, lease time.Duration) ([]events.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Earliest pending seq per aggregate that is still backing off.
	// Later seqs must wait behind it. Snapshotted before leasing so rows
	// claimed in this call do not gate each other.
	blocked := make(map[string]int64)
	for _, row := range s.outbox {
		if row.status != events.StatusPending || !row.nextAttempt.After(now) {
			continue
		}
		evt, ok := s.eventByID(row.eventID)
		if !ok {
			continue
		}
		key := string(evt.AggregateType) + ":" + evt.AggregateID
		if seq, seen := blocked[key]; !seen || evt.Seq < seq {
			blocked[key] = evt.Seq
		}
	}

	var claimed []events.Delivery
	for _, row := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if row.status != events.StatusPending || row.nextAttempt.After(now) {
			continue
		}
		evt, ok := s.eventByID(row.eventID)
		if !ok {
			continue
		}
		key := string(evt.AggregateType) + ":" + evt.AggregateID
		if seq, held := blocked[key]; held && evt.Seq > seq {
			continue
		}
		row.nextAttempt = now.Add(lease)
		claimed = append(claimed, events.Delivery{
			Event:       evt,
			Status:      row.status,
			Attempts:    row.attempts,
			LastError:   row.lastError,
			NextAttempt: row.nextAttempt,
		})
	}

	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Event.AggregateID != claimed[j].Event.AggregateID {
			return claimed[i].Event.AggregateID < claimed[j].Event.AggregateID
		}
		return claimed[i].Event.Seq < claimed[j].Event.Seq
	})
	return claimed, nil
}

// eventByID must be called with the mutex held.
func (s *OutboxStore) eventByID(id uuid.UUID) (events.Event, bool) {
	for _, evt := range s.log {
		if evt.ID == id {
			return evt, true
		}
	}
	return events.Event{}, false
}

func (s *OutboxStore) find(eventID string) *outboxRow {
	for _, row := range s.outbox {
		if row.eventID.String() == eventID {
			return row
		}
	}
	return nil
}

func (s *OutboxStore) MarkSent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.find(eventID); row != nil {
		row.status = events.StatusSent
	}
	return nil
}

func (s *OutboxStore) MarkRetry(_ context.Context, eventID string, attempts int, lastErr string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.find(eventID); row != nil {
		row.attempts = attempts
		row.lastError = lastErr
		row.nextAttempt = next
	}
	return nil
}

func (s *OutboxStore) MarkFailed(_ context.Context, eventID string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.find(eventID); row != nil {
		row.status = events.StatusFailed
		row.attempts = attempts
		row.lastError = lastErr
	}
	return nil
}

// PendingCount reports rows still awaiting delivery. Test helper.
func (s *OutboxStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, row := range s.outbox {
		if row.status == events.StatusPending {
			n++
		}
	}
	return n
}
