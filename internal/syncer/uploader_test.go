package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/kb-sync/internal/api"
	"github.com/alexjbarnes/kb-sync/internal/scanner"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testOrchestrator(gateway Gateway) *Orchestrator {
	return NewOrchestrator(gateway, OrchestratorConfig{
		Concurrency:  2,
		PollInterval: time.Millisecond,
		MachineID:    "machine-1",
		OS:           "linux",
	}, testLogger)
}

func candidate(path, hash string, size int64) UploadCandidate {
	return UploadCandidate{
		File: scanner.ScannedFile{
			Path:        path,
			AbsPath:     "/abs/" + path,
			ContentHash: hash,
			Size:        size,
		},
		Kind: ChangeNew,
	}
}

func grantFor(hash string) api.UploadGrant {
	return api.UploadGrant{
		ContentHash:    hash,
		UploadEndpoint: "https://storage/" + hash,
		StorageKey:     "key-" + hash,
	}
}

func completeStatus(completed, failed int) *api.RunStatus {
	return &api.RunStatus{
		FilesCompleted:  completed,
		FilesFailed:     failed,
		ProgressPercent: 100,
		IsComplete:      true,
	}
}

// --- Run ---

func TestOrchestratorRun_EmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	orch := testOrchestrator(gateway)

	result, err := orch.Run(context.Background(), "run-1", nil, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Uploaded)
	assert.Empty(t, result.Failed)
}

func TestOrchestratorRun_TransfersAndConfirms(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{
		candidate("a.txt", "h1", 100),
		candidate("b.txt", "h2", 200),
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req api.GrantRequest) (*api.GrantResponse, error) {
			assert.Len(t, req.Files, 2)
			assert.Equal(t, "machine-1", req.MachineID)
			assert.Equal(t, "run-1", req.RunID)
			return &api.GrantResponse{
				RunID:  "run-1",
				Grants: []api.UploadGrant{grantFor("h1"), grantFor("h2")},
			}, nil
		})

	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h1"), "/abs/a.txt", int64(100)).Return(nil)
	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h2"), "/abs/b.txt", int64(200)).Return(nil)

	gateway.EXPECT().
		ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, succeeded []string, failed []api.FailedUpload) (*api.ConfirmResponse, error) {
			assert.ElementsMatch(t, []string{"h1", "h2"}, succeeded)
			assert.Empty(t, failed)
			return &api.ConfirmResponse{Status: "ok", QueuedCount: 2}, nil
		})

	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(2, 0), nil)

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	assert.Len(t, result.Uploaded, 2)
	assert.Empty(t, result.Failed)
	require.NotNil(t, result.Remote)
	assert.Equal(t, 2, result.Remote.FilesCompleted)
}

func TestOrchestratorRun_OneTransferFailureDoesNotAbortBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{
		candidate("good.txt", "h1", 100),
		candidate("bad.txt", "h2", 200),
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{
			RunID:  "run-1",
			Grants: []api.UploadGrant{grantFor("h1"), grantFor("h2")},
		}, nil)

	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h1"), "/abs/good.txt", int64(100)).Return(nil)
	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h2"), "/abs/bad.txt", int64(200)).
		Return(fmt.Errorf("connection reset"))

	gateway.EXPECT().
		ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, succeeded []string, failed []api.FailedUpload) (*api.ConfirmResponse, error) {
			assert.Equal(t, []string{"h1"}, succeeded)
			require.Len(t, failed, 1)
			assert.Equal(t, "h2", failed[0].ContentHash)
			assert.Contains(t, failed[0].Error, "connection reset")
			return &api.ConfirmResponse{Status: "ok"}, nil
		})

	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(1, 0), nil)

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	require.Len(t, result.Uploaded, 1)
	assert.Equal(t, "good.txt", result.Uploaded[0].File.Path)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "bad.txt", result.Failed[0].Candidate.File.Path)
}

func TestOrchestratorRun_AlreadyKnownSkipsTransfer(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{candidate("known.txt", "h1", 100)}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{
			RunID:        "run-1",
			AlreadyKnown: []api.KnownFile{{ContentHash: "h1", DocumentID: "doc-1"}},
		}, nil)

	// No UploadFile, no ConfirmUploads, no polling: everything was known.

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Uploaded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, "doc-1", result.Skipped["h1"])
	assert.Nil(t, result.Remote)
}

func TestOrchestratorRun_DuplicateContentTransfersOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{
		candidate("copy-a.txt", "h1", 100),
		candidate("copy-b.txt", "h1", 100),
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req api.GrantRequest) (*api.GrantResponse, error) {
			assert.Len(t, req.Files, 1)
			return &api.GrantResponse{RunID: "run-1", Grants: []api.UploadGrant{grantFor("h1")}}, nil
		})

	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h1"), "/abs/copy-a.txt", int64(100)).Return(nil)

	gateway.EXPECT().
		ConfirmUploads(gomock.Any(), "run-1", []string{"h1"}, gomock.Any()).
		Return(&api.ConfirmResponse{Status: "ok"}, nil)

	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(1, 0), nil)

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	// One transfer, both candidates share the outcome.
	assert.Len(t, result.Uploaded, 2)
}

func TestOrchestratorRun_MissingGrantFailsCandidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{
		candidate("granted.txt", "h1", 100),
		candidate("ungranted.txt", "h2", 200),
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{RunID: "run-1", Grants: []api.UploadGrant{grantFor("h1")}}, nil)

	gateway.EXPECT().UploadFile(gomock.Any(), grantFor("h1"), "/abs/granted.txt", int64(100)).Return(nil)

	gateway.EXPECT().
		ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, succeeded []string, failed []api.FailedUpload) (*api.ConfirmResponse, error) {
			assert.Equal(t, []string{"h1"}, succeeded)
			require.Len(t, failed, 1)
			assert.Equal(t, "h2", failed[0].ContentHash)
			return &api.ConfirmResponse{Status: "ok"}, nil
		})

	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(1, 0), nil)

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ungranted.txt", result.Failed[0].Candidate.File.Path)
	assert.ErrorContains(t, result.Failed[0].Err, "no upload grant issued")
}

func TestOrchestratorRun_GrantRequestFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("service unavailable"))

	_, err := testOrchestrator(gateway).Run(context.Background(), "run-1",
		[]UploadCandidate{candidate("a.txt", "h1", 100)}, nil, nil)

	require.Error(t, err)
	assert.ErrorContains(t, err, "requesting grants")
}

func TestOrchestratorRun_DeclinedConfirmationAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{
			RunID:                "run-1",
			Grants:               []api.UploadGrant{grantFor("h1")},
			TotalBytes:           1 << 30,
			RequiresConfirmation: true,
		}, nil)

	// Nothing is transferred once the batch is declined.

	orch := NewOrchestrator(gateway, OrchestratorConfig{
		Concurrency:  2,
		PollInterval: time.Millisecond,
		ConfirmBatch: func(totalBytes int64, fileCount int) bool { return false },
	}, testLogger)

	_, err := orch.Run(context.Background(), "run-1",
		[]UploadCandidate{candidate("huge.bin", "h1", 1<<30)}, nil, nil)

	require.Error(t, err)
	assert.ErrorContains(t, err, "declined")
}

func TestOrchestratorRun_OnTransferReportsEveryOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	queue := []UploadCandidate{
		candidate("a.txt", "h1", 100),
		candidate("b.txt", "h2", 200),
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{
			RunID:  "run-1",
			Grants: []api.UploadGrant{grantFor("h1"), grantFor("h2")},
		}, nil)
	gateway.EXPECT().UploadFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	gateway.EXPECT().ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		Return(&api.ConfirmResponse{Status: "ok"}, nil)
	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(2, 0), nil)

	var (
		mu    sync.Mutex
		calls []int
	)
	onTransfer := func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, total)
		calls = append(calls, done)
	}

	_, err := testOrchestrator(gateway).Run(context.Background(), "run-1", queue, onTransfer, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{1, 2}, calls)
}

func TestOrchestratorRun_NeverExceedsConcurrencyBound(t *testing.T) {
	const (
		bound = 3
		files = 10
	)

	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	var (
		queue  []UploadCandidate
		grants []api.UploadGrant
		hashes []string
	)
	for i := 0; i < files; i++ {
		hash := fmt.Sprintf("h%d", i)
		queue = append(queue, candidate(fmt.Sprintf("f%d.txt", i), hash, 100))
		grants = append(grants, grantFor(hash))
		hashes = append(hashes, hash)
	}

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{RunID: "run-1", Grants: grants}, nil)

	var inFlight, maxInFlight atomic.Int64

	gateway.EXPECT().
		UploadFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, api.UploadGrant, string, int64) error {
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}

			// Hold the slot long enough for the other workers to pile up
			// behind the limit.
			time.Sleep(5 * time.Millisecond)

			inFlight.Add(-1)
			return nil
		}).
		Times(files)

	gateway.EXPECT().
		ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, succeeded []string, failed []api.FailedUpload) (*api.ConfirmResponse, error) {
			assert.ElementsMatch(t, hashes, succeeded)
			assert.Empty(t, failed)
			return &api.ConfirmResponse{Status: "ok"}, nil
		})
	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(files, 0), nil)

	orch := NewOrchestrator(gateway, OrchestratorConfig{
		Concurrency:  bound,
		PollInterval: time.Millisecond,
	}, testLogger)

	result, err := orch.Run(context.Background(), "run-1", queue, nil, nil)
	require.NoError(t, err)

	assert.Len(t, result.Uploaded, files)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(bound))
	// With ten files behind a bound of three the limit must actually be
	// reached, otherwise this test would pass vacuously.
	assert.Equal(t, int64(bound), maxInFlight.Load())
}

// --- polling ---

func TestOrchestratorRun_PollErrorRetriesUntilComplete(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{RunID: "run-1", Grants: []api.UploadGrant{grantFor("h1")}}, nil)
	gateway.EXPECT().UploadFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	gateway.EXPECT().ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		Return(&api.ConfirmResponse{Status: "ok"}, nil)

	gomock.InOrder(
		gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(nil, fmt.Errorf("timeout")),
		gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(&api.RunStatus{ProgressPercent: 50}, nil),
		gateway.EXPECT().PollStatus(gomock.Any(), "run-1").Return(completeStatus(1, 0), nil),
	)

	var polls []int
	onPoll := func(st api.RunStatus) { polls = append(polls, st.ProgressPercent) }

	result, err := testOrchestrator(gateway).Run(context.Background(), "run-1",
		[]UploadCandidate{candidate("a.txt", "h1", 100)}, nil, onPoll)
	require.NoError(t, err)

	require.NotNil(t, result.Remote)
	assert.True(t, result.Remote.IsComplete)
	// The failed poll produces no callback; the two successful ones do.
	assert.Equal(t, []int{50, 100}, polls)
}

func TestOrchestratorRun_CancelledContextStopsPolling(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := NewMockGateway(ctrl)

	ctx, cancel := context.WithCancel(context.Background())

	gateway.EXPECT().
		RequestUploadGrants(gomock.Any(), gomock.Any()).
		Return(&api.GrantResponse{RunID: "run-1", Grants: []api.UploadGrant{grantFor("h1")}}, nil)
	gateway.EXPECT().UploadFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	gateway.EXPECT().ConfirmUploads(gomock.Any(), "run-1", gomock.Any(), gomock.Any()).
		Return(&api.ConfirmResponse{Status: "ok"}, nil)

	gateway.EXPECT().PollStatus(gomock.Any(), "run-1").
		DoAndReturn(func(context.Context, string) (*api.RunStatus, error) {
			cancel()
			return &api.RunStatus{ProgressPercent: 10}, nil
		}).
		MinTimes(1)

	_, err := testOrchestrator(gateway).Run(ctx, "run-1",
		[]UploadCandidate{candidate("a.txt", "h1", 100)}, nil, nil)

	assert.ErrorIs(t, err, context.Canceled)
}
