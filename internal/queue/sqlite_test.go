package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	return NewSQLiteStore(db)
}

func TestEnqueueValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var verr *domain.ValidationError

	_, err := store.Enqueue(ctx, NewTask{Handler: ""})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "handler", verr.Field)

	_, err = store.Enqueue(ctx, NewTask{Handler: "noop", Args: json.RawMessage(`{not json`)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "args", verr.Field)

	_, err = store.Enqueue(ctx, NewTask{Handler: "noop", MaxRetries: -1})
	require.ErrorAs(t, err, &verr)

	_, err = store.Enqueue(ctx, NewTask{Handler: "noop", Timeout: -time.Second})
	require.ErrorAs(t, err, &verr)

	_, err = store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.Priority(9)})
	require.ErrorAs(t, err, &verr)

	// rejected submissions never reach the store
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[domain.StatusPending])
}

func TestEnqueuePersistsBeforeReturn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{
		Name:     "greet",
		Handler:  "noop",
		Args:     json.RawMessage(`{"who":"world"}`),
		Priority: domain.PriorityHigh,
		Timeout:  3 * time.Second,
		Metadata: map[string]string{"source": "test"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.StatusPending, rec.Status)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Name)
	assert.Equal(t, "noop", got.Invocation.Handler)
	assert.JSONEq(t, `{"who":"world"}`, string(got.Invocation.Args))
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.Equal(t, map[string]string{"source": "test"}, got.Metadata)
}

func TestDequeuePriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low, err := store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.PriorityLow})
	require.NoError(t, err)
	crit, err := store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.PriorityCritical})
	require.NoError(t, err)
	norm, err := store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		rec, err := store.Dequeue(ctx, now.Add(time.Second))
		require.NoError(t, err)
		order = append(order, rec.ID)
	}
	assert.Equal(t, []string{crit.ID, norm.ID, low.ID}, order)

	_, err = store.Dequeue(ctx, now.Add(time.Second))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDequeueFIFOWithinBand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, NewTask{Handler: "noop", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	now := time.Now().UTC().Add(time.Second)
	a, err := store.Dequeue(ctx, now)
	require.NoError(t, err)
	b, err := store.Dequeue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)
	assert.Equal(t, second.ID, b.ID)
}

func TestDequeueMarksRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)

	got, err := store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)

	persisted, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, persisted.Status)
}

func TestDequeueConcurrentNoDoubleClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	now := time.Now().UTC().Add(time.Second)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := store.Dequeue(ctx, now)
				if err != nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.db")
	ctx := context.Background()

	db := openTestDB(t, path)
	store := NewSQLiteStore(db)
	const n = 5
	for i := 0; i < n; i++ {
		_, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// reopen from the persisted snapshot
	reopened := NewSQLiteStore(openTestDB(t, path))
	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats[domain.StatusPending])
}

func TestRecoverInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	// idempotent when nothing is running
	n, err = store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{Handler: "noop", MaxRetries: 3})
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, store.Retry(ctx, rec.ID, "boom", time.Hour))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.Result)

	// not due yet
	_, err = store.Dequeue(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, ErrEmpty)

	// after the backoff elapses it re-enters the pending pool
	again, err := store.Dequeue(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, again.RetryCount)
}

func TestCompleteStoresResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, rec.ID, json.RawMessage(`{"answer":42}`)))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"answer":42}`, string(got.Result))
	assert.Empty(t, got.Error)
}

func TestCancelOnlyPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, rec.ID))
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Contains(t, got.Error, "cancelled")

	// already terminal
	assert.ErrorIs(t, store.Cancel(ctx, rec.ID), domain.ErrNotPending)

	// running tasks cannot be cancelled
	running, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.ErrorIs(t, store.Cancel(ctx, running.ID), domain.ErrNotPending)

	assert.ErrorIs(t, store.Cancel(ctx, "tsk_missing"), domain.ErrNotFound)
}

func TestClearCompletedIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)
	_, err = store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID, nil))

	pending, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(time.Minute)
	n, err := store.ClearCompleted(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// second call with the same cutoff removes nothing
	n, err = store.ClearCompleted(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)

	// non-terminal records are never destroyed
	got, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestListByStatusAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
		require.NoError(t, err)
	}
	rec, err := store.Dequeue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, rec.ID, "broken"))

	pending, err := store.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	failed, err := store.ListByStatus(ctx, domain.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].Error)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.StatusPending])
	assert.Equal(t, 1, stats[domain.StatusFailed])
}

func TestScheduleCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sc, err := store.CreateSchedule(ctx, domain.Schedule{
		Name:     "hourly-sync",
		Kind:     domain.ScheduleInterval,
		Every:    time.Hour,
		Handler:  "noop",
		Priority: domain.PriorityNormal,
		Enabled:  true,
		NextFire: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sc.ID)

	got, err := store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hourly-sync", got.Name)
	assert.Equal(t, time.Hour, got.Every)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastScheduled)

	require.NoError(t, store.SetScheduleEnabled(ctx, sc.ID, false))
	got, err = store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	fired := time.Now().UTC()
	require.NoError(t, store.MarkFired(ctx, sc.ID, fired, fired.Add(time.Hour)))
	got, err = store.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScheduled)

	list, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteSchedule(ctx, sc.ID))
	_, err = store.GetSchedule(ctx, sc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWakeSignalOnEnqueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	select {
	case <-store.Wake():
		t.Fatal("wake before any enqueue")
	default:
	}

	_, err := store.Enqueue(ctx, NewTask{Handler: "noop"})
	require.NoError(t, err)

	select {
	case <-store.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake signal after enqueue")
	}
}
