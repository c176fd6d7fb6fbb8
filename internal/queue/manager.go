// Package queue owns the per-owner upload queue: a FIFO scheduler with a
// bounded number of simultaneous transfers, durable state in the queue
// store, and progress fan-out through the event bus. The manager is the only
// component with write access to the store and the only place executor
// errors are interpreted against the retry policy.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/forkful/mediaqueue/internal/events"
	"github.com/forkful/mediaqueue/internal/model"
	"github.com/forkful/mediaqueue/internal/retry"
	"github.com/forkful/mediaqueue/internal/transfer"
)

var (
	// ErrQueueFull rejects an enqueue when the owner already holds the
	// maximum number of non-terminal tasks. Surfaced synchronously so the
	// caller can explain the limit instead of silently dropping the request.
	ErrQueueFull = errors.New("upload queue is full")

	ErrNotFound = errors.New("task not found")
)

// Store is the durability contract the manager flushes to. Implemented by
// the sqlite-backed queue store; tests substitute an in-memory fake.
type Store interface {
	Load() ([]*model.UploadTask, error)
	SaveAll(tasks []*model.UploadTask) error
	Clear() error
}

// Executor performs one upload attempt. See transfer.Executor.
type Executor interface {
	Execute(ctx context.Context, t *model.UploadTask, onProgress transfer.ProgressFunc) (*transfer.Result, error)
}

// Options bound one owner's queue.
type Options struct {
	MaxConcurrency int
	MaxAttempts    int
	MaxQueueLength int
	Policy         retry.Policy
}

// Manager schedules one owner's uploads. All external calls go through its
// methods, which serialize access to the in-memory task list; owners are
// fully isolated from each other.
type Manager struct {
	ownerID string
	opts    Options
	store   Store
	exec    Executor
	bus     *events.Bus

	mu      sync.Mutex
	tasks   map[string]*model.UploadTask
	order   []string
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushCh chan struct{}
}

// NewManager loads persisted state and starts the flusher. Tasks that were
// mid-transfer when the process died return to Pending with their attempt
// count preserved; completed and cancelled rows are pruned.
func NewManager(ownerID string, opts Options, store Store, exec Executor, bus *events.Bus) *Manager {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ownerID: ownerID,
		opts:    opts,
		store:   store,
		exec:    exec,
		bus:     bus,
		tasks:   make(map[string]*model.UploadTask),
		running: make(map[string]context.CancelFunc),
		timers:  make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
		flushCh: make(chan struct{}, 1),
	}
	m.recover()
	m.wg.Add(1)
	go m.flusher()
	m.requestFlush()
	m.dispatch()
	return m
}

func (m *Manager) recover() {
	loaded, err := m.store.Load()
	if err != nil {
		// The store is fail-open; an error here still means "start empty".
		log.Printf("owner %s: queue recovery failed, starting empty: %v", m.ownerID, err)
		return
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })
	for _, t := range loaded {
		switch t.Status {
		case model.StatusCompleted, model.StatusCancelled:
			continue
		case model.StatusUploading, model.StatusFinalizing:
			t.Status = model.StatusPending
			t.Progress = 0
		}
		m.tasks[t.ID] = t
		m.order = append(m.order, t.ID)
	}
	if len(m.order) > 0 {
		log.Printf("owner %s: recovered %d queued uploads", m.ownerID, len(m.order))
	}
}

// Enqueue creates a Pending task and schedules a dispatch pass. The call is
// synchronous for in-memory state; durability follows on the async flush.
func (m *Manager) Enqueue(sourceRef, contentType string, metadata json.RawMessage) (string, error) {
	if sourceRef == "" {
		return "", fmt.Errorf("sourceRef must not be empty")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("queue for owner %s is shut down", m.ownerID)
	}
	if m.nonTerminalLocked() >= m.opts.MaxQueueLength {
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	now := time.Now().UTC()
	t := &model.UploadTask{
		ID:          shortuuid.New(),
		OwnerID:     m.ownerID,
		SourceRef:   sourceRef,
		ContentType: contentType,
		Metadata:    metadata,
		Status:      model.StatusPending,
		MaxAttempts: m.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	ev := events.Event{OwnerID: m.ownerID, TaskID: t.ID, Attempt: 1, Stage: model.StatusPending, Progress: 0}
	m.mu.Unlock()

	m.bus.Publish(ev)
	m.requestFlush()
	m.dispatch()
	return t.ID, nil
}

// Cancel aborts a task. Pending tasks move straight to Cancelled; running
// tasks get their cancellation signal and are marked Cancelled once the
// executor settles. Cancelling an already-terminal task is a no-op.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	switch {
	case t.Status.Terminal():
		m.mu.Unlock()
		return nil
	case t.Status == model.StatusPending:
		if timer, ok := m.timers[taskID]; ok {
			timer.Stop()
			delete(m.timers, taskID)
		}
		t.Status = model.StatusCancelled
		t.UpdatedAt = time.Now().UTC()
		ev := events.Event{OwnerID: m.ownerID, TaskID: t.ID, Attempt: t.Attempt, Stage: model.StatusCancelled, Progress: t.Progress}
		m.mu.Unlock()
		m.bus.Publish(ev)
		m.requestFlush()
		return nil
	default:
		// Uploading or Finalizing: signal the running executor. settle()
		// marks the task Cancelled after the attempt winds down.
		if cancelRun, ok := m.running[taskID]; ok {
			cancelRun()
		}
		m.mu.Unlock()
		return nil
	}
}

// RetryNow re-enters a Failed task as Pending with the attempt counter reset
// to zero. This is the explicit user override and works even after the
// automatic retry budget is exhausted.
func (m *Manager) RetryNow(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.Status != model.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("cannot retry task in state %s", t.Status)
	}
	t.Status = model.StatusPending
	t.Attempt = 0
	t.Progress = 0
	t.LastError = ""
	t.NotBefore = time.Time{}
	t.UpdatedAt = time.Now().UTC()
	ev := events.Event{OwnerID: m.ownerID, TaskID: t.ID, Attempt: 1, Stage: model.StatusPending, Progress: 0}
	m.mu.Unlock()

	m.bus.Publish(ev)
	m.requestFlush()
	m.dispatch()
	return nil
}

// Snapshot returns a copy of the current in-memory queue in enqueue order.
// It deliberately does not read the store, which may lag behind.
func (m *Manager) Snapshot() []*model.UploadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.UploadTask, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Clone())
	}
	return out
}

// NonTerminalCount reports how many tasks still need work; the registry
// refuses to destroy a manager while this is non-zero.
func (m *Manager) NonTerminalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonTerminalLocked()
}

func (m *Manager) nonTerminalLocked() int {
	n := 0
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// Close stops dispatching and waits for the flusher. Running attempts are
// cancelled; callers should only close an idle manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// dispatch fills free concurrency slots with eligible Pending tasks in FIFO
// (CreatedAt) order. Called after every mutation that could free a slot or
// add work.
func (m *Manager) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := time.Now().UTC()
	for _, id := range m.order {
		if len(m.running) >= m.opts.MaxConcurrency {
			break
		}
		t := m.tasks[id]
		if t.Status != model.StatusPending {
			continue
		}
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			continue
		}
		if timer, ok := m.timers[id]; ok {
			timer.Stop()
			delete(m.timers, id)
		}
		attemptNo := t.Attempt + 1
		t.Status = model.StatusUploading
		t.Progress = 0
		t.NotBefore = time.Time{}
		t.UpdatedAt = now
		runCtx, cancelRun := context.WithCancel(m.ctx)
		m.running[id] = cancelRun
		m.wg.Add(1)
		go m.run(id, attemptNo, t.Clone(), runCtx)
	}
}

func (m *Manager) run(taskID string, attemptNo int, t *model.UploadTask, ctx context.Context) {
	defer m.wg.Done()
	onProgress := func(stage model.TaskStatus, frac float64) {
		m.applyProgress(taskID, attemptNo, stage, frac)
	}
	res, err := m.exec.Execute(ctx, t, onProgress)
	m.settle(taskID, attemptNo, res, err)
}

// applyProgress reconciles an executor progress report into task state.
// Out-of-order fractions are logged and ignored rather than applied; the
// terminal 1.0 is withheld here and published with the Completed transition.
func (m *Manager) applyProgress(taskID string, attemptNo int, stage model.TaskStatus, frac float64) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || !t.Status.Active() {
		m.mu.Unlock()
		return
	}
	if frac < t.Progress {
		log.Printf("owner %s: ignoring out-of-order progress %.3f < %.3f for task %s attempt %d",
			m.ownerID, frac, t.Progress, taskID, attemptNo)
		m.mu.Unlock()
		return
	}
	t.Progress = frac
	if stage == model.StatusFinalizing && t.Status == model.StatusUploading {
		t.Status = model.StatusFinalizing
	}
	t.UpdatedAt = time.Now().UTC()
	if frac >= 1 {
		m.mu.Unlock()
		return
	}
	ev := events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo, Stage: t.Status, Progress: frac}
	m.mu.Unlock()
	m.bus.Publish(ev)
}

// settle reconciles one finished attempt: success, cancellation, permanent
// failure, or a policy-scheduled retry. Unrecognized error kinds are treated
// conservatively as retryable upload errors.
func (m *Manager) settle(taskID string, attemptNo int, res *transfer.Result, err error) {
	m.mu.Lock()
	if cancelRun, ok := m.running[taskID]; ok {
		cancelRun()
		delete(m.running, taskID)
	}
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.UpdatedAt = now

	var ev events.Event
	switch {
	case err == nil:
		t.Status = model.StatusCompleted
		t.Progress = 1
		t.Attempt = attemptNo
		t.RecordID = res.RecordID
		t.ObjectKey = res.ObjectKey
		t.LastError = ""
		ev = events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo, Stage: model.StatusCompleted, Progress: 1}

	case transfer.IsCancelled(err):
		t.Status = model.StatusCancelled
		ev = events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo, Stage: model.StatusCancelled, Progress: t.Progress}

	case transfer.IsValidation(err):
		// Never counts as an attempt: no number of retries can fix it.
		t.Status = model.StatusFailed
		t.LastError = err.Error()
		ev = events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo, Stage: model.StatusFailed, Progress: t.Progress}

	default:
		var ue *transfer.UploadError
		if !errors.As(err, &ue) {
			log.Printf("owner %s: task %s attempt %d returned unrecognized error, treating as retryable: %v",
				m.ownerID, taskID, attemptNo, err)
		}
		t.Attempt = attemptNo
		t.LastError = err.Error()
		d := m.opts.Policy.Decide(err, attemptNo, t.MaxAttempts)
		if d.Retry {
			t.Status = model.StatusPending
			t.Progress = 0
			t.NotBefore = now.Add(d.Delay)
			timer := time.AfterFunc(d.Delay, m.dispatch)
			m.timers[taskID] = timer
			log.Printf("owner %s: task %s attempt %d failed, retrying in %s: %v", m.ownerID, taskID, attemptNo, d.Delay, err)
			ev = events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo + 1, Stage: model.StatusPending, Progress: 0}
		} else {
			t.Status = model.StatusFailed
			log.Printf("owner %s: task %s failed permanently after %d attempts: %v", m.ownerID, taskID, attemptNo, err)
			ev = events.Event{OwnerID: m.ownerID, TaskID: taskID, Attempt: attemptNo, Stage: model.StatusFailed, Progress: t.Progress}
		}
	}
	m.mu.Unlock()

	m.bus.Publish(ev)
	m.requestFlush()
	m.dispatch()
}

// ClearStore wipes the owner's persisted rows. Used by the logout cleanup
// path after the manager has been destroyed.
func (m *Manager) ClearStore() error {
	return m.store.Clear()
}

func (m *Manager) requestFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// flusher serializes store writes on a single goroutine, preserving the
// store's single-writer discipline. A failed flush keeps state in memory
// only; the next mutation triggers another attempt.
func (m *Manager) flusher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			m.flush()
			return
		case <-m.flushCh:
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	snapshot := make([]*model.UploadTask, 0, len(m.order))
	for _, id := range m.order {
		snapshot = append(snapshot, m.tasks[id].Clone())
	}
	m.mu.Unlock()
	if err := m.store.SaveAll(snapshot); err != nil {
		log.Printf("owner %s: queue flush failed, state retained in memory: %v", m.ownerID, err)
	}
}
