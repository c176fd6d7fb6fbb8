package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/mediaqueue/internal/events"
	"github.com/forkful/mediaqueue/internal/model"
	"github.com/forkful/mediaqueue/internal/retry"
	"github.com/forkful/mediaqueue/internal/transfer"
)

type memStore struct {
	mu    sync.Mutex
	tasks []*model.UploadTask
}

func (s *memStore) Load() ([]*model.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.UploadTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memStore) SaveAll(tasks []*model.UploadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = s.tasks[:0]
	for _, t := range tasks {
		s.tasks = append(s.tasks, t.Clone())
	}
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
	return nil
}

func (s *memStore) snapshot() []*model.UploadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.UploadTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

type execFunc func(ctx context.Context, t *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error)

func (f execFunc) Execute(ctx context.Context, t *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
	return f(ctx, t, onProgress)
}

func succeed(ctx context.Context, t *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
	if onProgress != nil {
		onProgress(model.StatusUploading, 0)
		onProgress(model.StatusUploading, 0.5)
		onProgress(model.StatusFinalizing, 0.8)
		onProgress(model.StatusFinalizing, 1)
	}
	return &transfer.Result{RecordID: "rec-" + t.ID, ObjectKey: "uploads/" + t.OwnerID + "/" + t.ID}, nil
}

// blockUntil returns an executor that parks until release is closed (or the
// attempt is cancelled), so tests can hold concurrency slots open.
func blockUntil(release <-chan struct{}) execFunc {
	return func(ctx context.Context, t *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		select {
		case <-release:
			return succeed(ctx, t, onProgress)
		case <-ctx.Done():
			return nil, transfer.ErrCancelled
		}
	}
}

func testOptions() Options {
	return Options{
		MaxConcurrency: 2,
		MaxAttempts:    3,
		MaxQueueLength: 20,
		Policy:         retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func newTestManager(t *testing.T, opts Options, store Store, exec Executor) *Manager {
	t.Helper()
	if store == nil {
		store = &memStore{}
	}
	m := NewManager("owner-1", opts, store, exec, events.NewBus(time.Millisecond))
	t.Cleanup(m.Close)
	return m
}

func taskByID(m *Manager, id string) *model.UploadTask {
	for _, t := range m.Snapshot() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func waitForStatus(t *testing.T, m *Manager, id string, status model.TaskStatus) *model.UploadTask {
	t.Helper()
	require.Eventually(t, func() bool {
		task := taskByID(m, id)
		return task != nil && task.Status == status
	}, 2*time.Second, 2*time.Millisecond, "task %s never reached %s", id, status)
	return taskByID(m, id)
}

func TestEnqueueAndComplete(t *testing.T) {
	store := &memStore{}
	m := newTestManager(t, testOptions(), store, execFunc(succeed))

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, model.StatusCompleted)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, "rec-"+id, task.RecordID)
	assert.Empty(t, task.LastError)

	// Durability follows asynchronously.
	require.Eventually(t, func() bool {
		persisted := store.snapshot()
		return len(persisted) == 1 && persisted[0].Status == model.StatusCompleted
	}, 2*time.Second, 2*time.Millisecond)
}

func TestEnqueueRejectsEmptySourceRef(t *testing.T) {
	m := newTestManager(t, testOptions(), nil, execFunc(succeed))
	_, err := m.Enqueue("", "image/jpeg", nil)
	require.Error(t, err)
}

func TestRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	exec := execFunc(func(ctx context.Context, task *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		if calls.Add(1) < 3 {
			return nil, &transfer.UploadError{Phase: "transfer", Err: errors.New("connection reset")}
		}
		return succeed(ctx, task, onProgress)
	})
	m := newTestManager(t, testOptions(), nil, exec)

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, model.StatusCompleted)
	assert.Equal(t, 3, task.Attempt, "two transient failures plus the success")
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, task.LastError)
}

func TestRetriesExhausted(t *testing.T) {
	var healthy atomic.Bool
	exec := execFunc(func(ctx context.Context, task *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		if !healthy.Load() {
			return nil, &transfer.UploadError{Phase: "finalize", Err: errors.New("503")}
		}
		return succeed(ctx, task, onProgress)
	})
	opts := testOptions()
	opts.MaxAttempts = 2
	m := newTestManager(t, opts, nil, exec)

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, model.StatusFailed)
	assert.Equal(t, 2, task.Attempt)
	assert.Contains(t, task.LastError, "503")

	// The manual override resets the budget and re-enters the queue.
	healthy.Store(true)
	require.NoError(t, m.RetryNow(id))
	task = waitForStatus(t, m, id, model.StatusCompleted)
	assert.Equal(t, 1, task.Attempt)
}

func TestRetryNowRequiresFailedState(t *testing.T) {
	m := newTestManager(t, testOptions(), nil, execFunc(succeed))

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	waitForStatus(t, m, id, model.StatusCompleted)

	require.Error(t, m.RetryNow(id))
	assert.ErrorIs(t, m.RetryNow("missing"), ErrNotFound)
}

func TestValidationFailureDoesNotConsumeAttempt(t *testing.T) {
	exec := execFunc(func(ctx context.Context, task *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		return nil, &transfer.ValidationError{Reason: "source file is empty"}
	})
	m := newTestManager(t, testOptions(), nil, exec)

	id, err := m.Enqueue("/spool/empty.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, model.StatusFailed)
	assert.Equal(t, 0, task.Attempt, "an unfixable input must not count against the retry budget")
	assert.Contains(t, task.LastError, "empty")
}

func TestConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	var active, peak atomic.Int32
	exec := execFunc(func(ctx context.Context, task *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)
		return blockUntil(release)(ctx, task, onProgress)
	})
	m := newTestManager(t, testOptions(), nil, exec)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return active.Load() == 2 }, 2*time.Second, 2*time.Millisecond)
	close(release)

	for _, id := range ids {
		waitForStatus(t, m, id, model.StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load(), "transfers must never exceed the concurrency bound")
}

func TestDispatchOrderIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var started []string
	exec := execFunc(func(ctx context.Context, task *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
		mu.Lock()
		started = append(started, task.ID)
		mu.Unlock()
		return succeed(ctx, task, onProgress)
	})
	opts := testOptions()
	opts.MaxConcurrency = 1
	m := newTestManager(t, opts, nil, exec)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, m, id, model.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, started)
}

func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	opts := testOptions()
	opts.MaxConcurrency = 1
	opts.MaxQueueLength = 2
	m := newTestManager(t, opts, nil, blockUntil(release))

	id1, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	id2, err := m.Enqueue("/spool/b.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	_, err = m.Enqueue("/spool/c.jpg", "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrQueueFull, "the bound must be enforced synchronously")

	// Capacity frees up once queued work reaches a terminal state.
	close(release)
	waitForStatus(t, m, id1, model.StatusCompleted)
	waitForStatus(t, m, id2, model.StatusCompleted)
	_, err = m.Enqueue("/spool/c.jpg", "image/jpeg", nil)
	assert.NoError(t, err)
}

func TestCancelPendingTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	opts := testOptions()
	opts.MaxConcurrency = 1
	m := newTestManager(t, opts, nil, blockUntil(release))

	_, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	pendingID, err := m.Enqueue("/spool/b.jpg", "image/jpeg", nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(pendingID))
	task := taskByID(m, pendingID)
	require.NotNil(t, task)
	assert.Equal(t, model.StatusCancelled, task.Status)

	// Idempotent on terminal tasks, ErrNotFound on unknown ids.
	assert.NoError(t, m.Cancel(pendingID))
	assert.ErrorIs(t, m.Cancel("missing"), ErrNotFound)
}

func TestCancelRunningTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := newTestManager(t, testOptions(), nil, blockUntil(release))

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	waitForStatus(t, m, id, model.StatusUploading)

	require.NoError(t, m.Cancel(id))
	task := waitForStatus(t, m, id, model.StatusCancelled)
	assert.Equal(t, 0, task.Attempt, "an aborted attempt does not count against the budget")
}

func TestRecoveryFromPersistedState(t *testing.T) {
	base := time.Now().UTC().Add(-time.Minute)
	farFuture := time.Now().UTC().Add(time.Hour)
	persisted := []*model.UploadTask{
		{ID: "done", OwnerID: "owner-1", SourceRef: "/spool/1", Status: model.StatusCompleted, Progress: 1, Attempt: 1, CreatedAt: base},
		{ID: "gone", OwnerID: "owner-1", SourceRef: "/spool/2", Status: model.StatusCancelled, CreatedAt: base.Add(time.Second)},
		{ID: "mid-upload", OwnerID: "owner-1", SourceRef: "/spool/3", Status: model.StatusUploading, Progress: 0.5, Attempt: 1, NotBefore: farFuture, CreatedAt: base.Add(2 * time.Second)},
		{ID: "mid-finalize", OwnerID: "owner-1", SourceRef: "/spool/4", Status: model.StatusFinalizing, Progress: 0.9, Attempt: 2, NotBefore: farFuture, CreatedAt: base.Add(3 * time.Second)},
		{ID: "waiting", OwnerID: "owner-1", SourceRef: "/spool/5", Status: model.StatusPending, NotBefore: farFuture, CreatedAt: base.Add(4 * time.Second)},
	}
	store := &memStore{}
	require.NoError(t, store.SaveAll(persisted))

	m := newTestManager(t, testOptions(), store, execFunc(succeed))

	snap := m.Snapshot()
	require.Len(t, snap, 3, "terminal records are pruned on recovery")
	assert.Equal(t, "mid-upload", snap[0].ID)
	assert.Equal(t, model.StatusPending, snap[0].Status)
	assert.Equal(t, 0.0, snap[0].Progress, "partial transfer progress does not survive a restart")
	assert.Equal(t, 1, snap[0].Attempt, "the attempt count does survive")
	assert.Equal(t, model.StatusPending, snap[1].Status)
	assert.Equal(t, 2, snap[1].Attempt)
	assert.Equal(t, model.StatusPending, snap[2].Status)
}

func TestCompletedEventPublishedExactlyOnce(t *testing.T) {
	bus := events.NewBus(time.Millisecond)
	var mu sync.Mutex
	var completed []events.Event
	cancel := bus.Subscribe("owner-1", func(ev events.Event) {
		if ev.Stage == model.StatusCompleted {
			mu.Lock()
			completed = append(completed, ev)
			mu.Unlock()
		}
	})
	defer cancel()

	m := NewManager("owner-1", testOptions(), &memStore{}, execFunc(succeed), bus)
	t.Cleanup(m.Close)

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	waitForStatus(t, m, id, model.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.Equal(t, 1.0, completed[0].Progress)
	assert.Equal(t, 1, completed[0].Attempt)
}

func TestCloseRejectsFurtherEnqueues(t *testing.T) {
	store := &memStore{}
	m := NewManager("owner-1", testOptions(), store, execFunc(succeed), events.NewBus(time.Millisecond))

	id, err := m.Enqueue("/spool/a.jpg", "image/jpeg", nil)
	require.NoError(t, err)
	waitForStatus(t, m, id, model.StatusCompleted)
	m.Close()

	_, err = m.Enqueue("/spool/b.jpg", "image/jpeg", nil)
	require.Error(t, err)
}
