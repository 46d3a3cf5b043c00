package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner counts trigger attempts and can simulate an active run.
type fakeRunner struct {
	mu      sync.Mutex
	starts  int
	running bool
	err     error
}

func (f *fakeRunner) StartSync(ctx context.Context, triggeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.err
}

func (f *fakeRunner) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func TestScheduler_TriggersOnInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, 5*time.Millisecond, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, runner.startCount())
}

func TestScheduler_SkipsTickWhileRunning(t *testing.T) {
	runner := &fakeRunner{running: true}
	s := NewScheduler(runner, 5*time.Millisecond, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	assert.Zero(t, runner.startCount())
}

func TestScheduler_KeepsGoingAfterRunFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("remote unavailable")}
	s := NewScheduler(runner, 5*time.Millisecond, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, runner.startCount(), 1)
}

func TestScheduler_IgnoresSyncInProgress(t *testing.T) {
	runner := &fakeRunner{err: kberr.ErrSyncInProgress}
	s := NewScheduler(runner, 5*time.Millisecond, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, runner.startCount(), 1)
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, time.Hour, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, runner.startCount())
}
