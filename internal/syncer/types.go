package syncer

import (
	"context"

	"github.com/alexjbarnes/kb-sync/internal/api"
	"github.com/alexjbarnes/kb-sync/internal/scanner"
)

// Gateway is the engine's only network dependency: a thin contract over
// the knowledge-base backend. *api.Client implements it; tests use the
// generated mock.
type Gateway interface {
	CreateRun(ctx context.Context, triggeredBy, machineID string) (string, error)
	CheckHashes(ctx context.Context, hashes []string) (map[string]api.HashCheck, error)
	RequestUploadGrants(ctx context.Context, req api.GrantRequest) (*api.GrantResponse, error)
	ConfirmUploads(ctx context.Context, runID string, succeeded []string, failed []api.FailedUpload) (*api.ConfirmResponse, error)
	PollStatus(ctx context.Context, runID string) (*api.RunStatus, error)
	DeleteByHashes(ctx context.Context, hashes []string) (*api.DeleteResponse, error)
	CompleteRun(ctx context.Context, runID, status string, summary api.RunSummary) error
	ListGroups(ctx context.Context) ([]api.Group, error)
	ListIncompleteRuns(ctx context.Context) ([]api.IncompleteRun, error)
	UploadFile(ctx context.Context, grant api.UploadGrant, absPath string, size int64) error
}

var _ Gateway = (*api.Client)(nil)

// Change kinds assigned during reconciliation.
const (
	ChangeNew     = "new"
	ChangeUpdated = "updated"
)

// UploadCandidate is one scanned file queued for transfer, tagged with
// its reconciliation outcome and the access groups of its folder.
type UploadCandidate struct {
	File     scanner.ScannedFile
	GroupIDs []string
	Kind     string
}

// FailedFile pairs a candidate with the transfer error that stopped it.
type FailedFile struct {
	Candidate UploadCandidate
	Err       error
}

// BatchResult is the orchestrator's per-batch outcome report.
type BatchResult struct {
	RunID string
	// Uploaded holds candidates whose bytes reached object storage.
	Uploaded []UploadCandidate
	// Skipped maps content hashes the remote already knew at grant time
	// to their document IDs (empty string when the remote omitted one).
	Skipped map[string]string
	// Failed holds candidates whose transfer did not complete. A failure
	// here never aborts the rest of the batch.
	Failed []FailedFile
	// Remote is the final processing status once polling observed
	// completion; nil when nothing was confirmed.
	Remote *api.RunStatus
}
