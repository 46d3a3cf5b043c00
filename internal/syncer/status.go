package syncer

import (
	"sync"

	"github.com/alexjbarnes/kb-sync/internal/store"
)

// observerBuffer is the channel depth handed to each subscriber. A
// subscriber that falls further behind than this drops ticks rather
// than blocking the emitting run.
const observerBuffer = 16

// Snapshot is a point-in-time copy of the active run's state. Readers
// always get a copy; a snapshot may be stale by the time it is read.
type Snapshot struct {
	IsRunning        bool
	CurrentSyncRunID string
	TriggeredBy      string
	// Progress is 0-100 and monotonically non-decreasing within a run.
	Progress     int
	Counters     store.Counters
	ErrorMessage string
}

// Status is the process-wide mutable run state: one instance per
// engine, written only by the active run, read by any number of
// observers.
type Status struct {
	mu        sync.Mutex
	snap      Snapshot
	observers map[int]chan Snapshot
	nextID    int
}

// NewStatus creates an empty status holder.
func NewStatus() *Status {
	return &Status{
		observers: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the channel; after cancel the channel is closed.
func (s *Status) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	ch := make(chan Snapshot, observerBuffer)
	s.observers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if ch, ok := s.observers[id]; ok {
			delete(s.observers, id)
			close(ch)
		}
	}

	return ch, cancel
}

// begin resets all counters for a new run and emits the first snapshot.
func (s *Status) begin(triggeredBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = Snapshot{
		IsRunning:   true,
		TriggeredBy: triggeredBy,
	}
	s.publishLocked()
}

// setRun records the remote-issued run ID once the run is open.
func (s *Status) setRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.CurrentSyncRunID = runID
	s.publishLocked()
}

// setProgress raises the progress checkpoint. Lower values are ignored
// so progress never moves backwards within a run.
func (s *Status) setProgress(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p > s.snap.Progress {
		s.snap.Progress = p
	}
	s.publishLocked()
}

// update mutates the counters under the status lock. Workers funnel all
// counter increments through here so concurrent updates are never lost.
func (s *Status) update(fn func(*store.Counters)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.snap.Counters)
	s.publishLocked()
}

// finish marks the run over, recording the terminal error if any, and
// clears the active run ID.
func (s *Status) finish(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.IsRunning = false
	s.snap.CurrentSyncRunID = ""
	s.snap.ErrorMessage = errMsg
	if errMsg == "" {
		s.snap.Progress = 100
	}
	s.publishLocked()
}

// publishLocked fans the current snapshot out to every observer without
// blocking: a full observer channel drops this tick. Callers hold s.mu.
func (s *Status) publishLocked() {
	for _, ch := range s.observers {
		select {
		case ch <- s.snap:
		default:
		}
	}
}
