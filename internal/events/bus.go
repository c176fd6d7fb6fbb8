// Package events decouples progress reporting from observer render cadence.
// Publishes are throttled per task, but the transitions observers must never
// miss — start, completion, and every terminal status — bypass the throttle.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/forkful/mediaqueue/internal/model"
)

// Event is one progress or lifecycle report for a task.
type Event struct {
	OwnerID  string
	TaskID   string
	Attempt  int
	Stage    model.TaskStatus
	Progress float64
}

// Listener receives events for one owner. Listeners run on the publisher's
// goroutine and must not block.
type Listener func(Event)

type taskState struct {
	lastSent     time.Time
	lastProgress float64
	attempt      int
	lastStage    model.TaskStatus
}

// Bus fans events out to per-owner subscribers with per-task throttling.
type Bus struct {
	window time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Listener
	state  map[string]*taskState
}

// NewBus creates a bus delivering at most one throttle-eligible event per
// task per window.
func NewBus(window time.Duration) *Bus {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Bus{
		window: window,
		subs:   make(map[string]map[int]Listener),
		state:  make(map[string]*taskState),
	}
}

// Subscribe registers a listener for one owner's events and returns its
// cancel function.
func (b *Bus) Subscribe(ownerID string, fn Listener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[int]Listener)
	}
	b.subs[ownerID][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[ownerID], id)
		if len(b.subs[ownerID]) == 0 {
			delete(b.subs, ownerID)
		}
	}
}

// Publish delivers ev to the owner's subscribers unless throttled. Never
// dropped regardless of throttling: progress 0, a stage change, and any
// terminal transition. A progress value below the last delivered one for the
// same task+attempt is an ordering anomaly: it is logged and dropped, except
// for the reset to 0 that starts a new attempt.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	st, ok := b.state[ev.TaskID]
	if !ok {
		st = &taskState{lastProgress: -1, attempt: ev.Attempt}
		b.state[ev.TaskID] = st
	}
	if ev.Attempt > st.attempt {
		// New attempt: the one permitted regression back to 0.
		st.attempt = ev.Attempt
		st.lastProgress = -1
		st.lastStage = ""
	}
	if ev.Progress < st.lastProgress && ev.Attempt == st.attempt {
		log.Printf("event bus: dropping out-of-order progress %.3f < %.3f for task %s attempt %d",
			ev.Progress, st.lastProgress, ev.TaskID, ev.Attempt)
		b.mu.Unlock()
		return
	}

	now := time.Now()
	mustDeliver := ev.Stage.Terminal() ||
		ev.Stage != st.lastStage ||
		ev.Progress == 0 ||
		ev.Progress >= 1
	if !mustDeliver && now.Sub(st.lastSent) < b.window {
		b.mu.Unlock()
		return
	}

	st.lastSent = now
	st.lastProgress = ev.Progress
	st.lastStage = ev.Stage
	if ev.Stage.Terminal() {
		delete(b.state, ev.TaskID)
	}
	listeners := make([]Listener, 0, len(b.subs[ev.OwnerID]))
	for _, fn := range b.subs[ev.OwnerID] {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
