package events_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/memory"
)

// downstream records every delivery the dispatcher posts.
type downstream struct {
	mu       sync.Mutex
	bodies   []events.Event
	headers  []http.Header
	failWith int // non-zero forces that status on every request
	failNext int // fail this many requests with 500, then recover
}

func (d *downstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failWith != 0 {
			w.WriteHeader(d.failWith)
			return
		}
		if d.failNext > 0 {
			d.failNext--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var evt events.Event
		if err := json.Unmarshal(body, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.bodies = append(d.bodies, evt)
		d.headers = append(d.headers, r.Header.Clone())
		w.WriteHeader(http.StatusAccepted)
	}
}

func (d *downstream) received() []events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.Event, len(d.bodies))
	copy(out, d.bodies)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T, store *memory.Store, aggID, eventType string) events.Event {
	t.Helper()
	evt := events.New(events.AggregateSession, aggID, eventType, map[string]any{"k": "v"})
	_, err := store.AppendEvent(context.Background(), evt)
	require.NoError(t, err)
	return evt
}

func TestRunOnceDeliversAndMarksSent(t *testing.T) {
	store := memory.NewStore()
	sink := &downstream{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	evt := seed(t, store, "sess-1", events.TypeSessionCreated)

	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{Destination: srv.URL}, testLogger())
	assert.Equal(t, 1, d.RunOnce(context.Background()))
	assert.Equal(t, 0, store.Outbox().PendingCount())

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, events.TypeSessionCreated, got[0].Type)

	// The event id rides along as the downstream idempotency key.
	assert.Equal(t, evt.ID.String(), sink.headers[0].Get("Idempotency-Key"))
	assert.Equal(t, "application/json", sink.headers[0].Get("Content-Type"))
}

func TestFailedDeliveryStaysPendingWithBackoff(t *testing.T) {
	store := memory.NewStore()
	sink := &downstream{failWith: http.StatusInternalServerError}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	seed(t, store, "sess-1", events.TypeSessionCreated)

	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{Destination: srv.URL}, testLogger())
	assert.Equal(t, 1, d.RunOnce(context.Background()))

	// Still pending, but leased into the future: an immediate second
	// pass claims nothing.
	assert.Equal(t, 1, store.Outbox().PendingCount())
	assert.Equal(t, 0, d.RunOnce(context.Background()))
}

func TestDeliveryAbandonedAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	sink := &downstream{failWith: http.StatusServiceUnavailable}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	seed(t, store, "sess-1", events.TypeSessionCreated)

	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{
		Destination: srv.URL,
		MaxAttempts: 1,
	}, testLogger())
	d.RunOnce(context.Background())

	// Parked as failed, not retried.
	assert.Equal(t, 0, store.Outbox().PendingCount())
}

func TestBatchDeliversInAggregateOrder(t *testing.T) {
	store := memory.NewStore()
	sink := &downstream{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	seed(t, store, "sess-1", events.TypeSessionCreated)
	seed(t, store, "sess-1", events.TypeSessionRefreshed)
	seed(t, store, "sess-1", events.TypeSessionRevoked)

	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{Destination: srv.URL}, testLogger())
	assert.Equal(t, 3, d.RunOnce(context.Background()))

	got := sink.received()
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
}

func TestRetriedEventIsNeverOvertaken(t *testing.T) {
	store := memory.NewStore()
	sink := &downstream{failNext: 1}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	first := seed(t, store, "sess-1", events.TypeSessionCreated)
	second := seed(t, store, "sess-1", events.TypeSessionRefreshed)

	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{
		Destination: srv.URL,
		Interval:    200 * time.Millisecond,
	}, testLogger())

	// Seq 1 fails and backs off; seq 2 was claimed alongside it but must
	// not go out ahead of the retry.
	assert.Equal(t, 2, d.RunOnce(context.Background()))
	assert.Empty(t, sink.received())
	assert.Equal(t, 2, store.Outbox().PendingCount())

	// While seq 1 backs off the whole aggregate stays unclaimable.
	assert.Equal(t, 0, d.RunOnce(context.Background()))

	// Past the backoff window, delivery resumes in seq order.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 2, d.RunOnce(context.Background()))

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, 0, store.Outbox().PendingCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.NewStore()
	d := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{
		Destination: "http://127.0.0.1:0",
		Interval:    10 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	first := events.RetryDelay(1)
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)

	third := events.RetryDelay(3)
	assert.GreaterOrEqual(t, third, 3200*time.Millisecond)
	assert.LessOrEqual(t, third, 4800*time.Millisecond)

	// Deep retry counts never exceed the hour ceiling plus jitter.
	assert.LessOrEqual(t, events.RetryDelay(100), 72*time.Minute)
}
