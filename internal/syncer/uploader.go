package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/kb-sync/internal/api"
)

// Orchestrator drives bounded-concurrency transfer of file bytes to
// object storage using short-lived per-file grants, then confirms the
// batch and polls until remote processing resolves.
type Orchestrator struct {
	gateway      Gateway
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
	machineID    string
	osName       string

	// confirmBatch decides whether a batch the remote flagged for
	// confirmation proceeds. nil approves everything.
	confirmBatch func(totalBytes int64, fileCount int) bool
}

// OrchestratorConfig holds the orchestrator's tuning knobs.
type OrchestratorConfig struct {
	// Concurrency bounds simultaneous transfers. Exceeding it risks
	// saturating the local uplink or tripping remote rate limits.
	Concurrency  int
	PollInterval time.Duration
	MachineID    string
	OS           string
	ConfirmBatch func(totalBytes int64, fileCount int) bool
}

// defaults applied when config fields are zero.
const (
	defaultConcurrency  = 5
	defaultPollInterval = 3 * time.Second
)

// NewOrchestrator creates an upload orchestrator over the gateway.
func NewOrchestrator(gateway Gateway, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.OS == "" {
		cfg.OS = runtime.GOOS
	}

	return &Orchestrator{
		gateway:      gateway,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		machineID:    cfg.MachineID,
		osName:       cfg.OS,
		confirmBatch: cfg.ConfirmBatch,
	}
}

// Run transfers the queue under one grant batch. onTransfer is invoked
// after each transfer resolves (success or failure) with the running
// done count; onPoll is invoked with every remote status observed while
// waiting for processing to finish. Both may be nil.
//
// A single file failing its transfer never aborts the batch; the
// failure is captured in the result instead. Run returns an error only
// for batch-fatal conditions: grant issuance failure, a declined
// confirmation, a failed confirm call, or context cancellation.
func (o *Orchestrator) Run(ctx context.Context, runID string, queue []UploadCandidate, onTransfer func(done, total int), onPoll func(api.RunStatus)) (*BatchResult, error) {
	result := &BatchResult{
		RunID:   runID,
		Skipped: make(map[string]string),
	}

	if len(queue) == 0 {
		return result, nil
	}

	// Grants are issued per content hash. Duplicate content under
	// different paths transfers once; every candidate sharing the hash
	// shares the outcome.
	byHash := make(map[string][]UploadCandidate)
	var grantFiles []api.GrantFile

	for _, cand := range queue {
		if _, seen := byHash[cand.File.ContentHash]; !seen {
			grantFiles = append(grantFiles, api.GrantFile{
				ContentHash: cand.File.ContentHash,
				FileName:    cand.File.Path,
				Size:        cand.File.Size,
				GroupIDs:    cand.GroupIDs,
			})
		}

		byHash[cand.File.ContentHash] = append(byHash[cand.File.ContentHash], cand)
	}

	grantResp, err := o.gateway.RequestUploadGrants(ctx, api.GrantRequest{
		Files:     grantFiles,
		MachineID: o.machineID,
		OS:        o.osName,
		RunID:     runID,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting grants for %d files: %w", len(grantFiles), err)
	}

	if grantResp.RunID != "" {
		result.RunID = grantResp.RunID
	}

	if grantResp.RequiresConfirmation && o.confirmBatch != nil {
		if !o.confirmBatch(grantResp.TotalBytes, len(grantResp.Grants)) {
			return nil, fmt.Errorf("upload batch of %d bytes declined by confirmation callback", grantResp.TotalBytes)
		}
	}

	for _, known := range grantResp.AlreadyKnown {
		result.Skipped[known.ContentHash] = known.DocumentID
	}

	granted := make(map[string]struct{}, len(grantResp.Grants))
	for _, g := range grantResp.Grants {
		granted[g.ContentHash] = struct{}{}
	}

	// Candidates with neither a grant nor an already-known entry cannot
	// proceed in this batch.
	for hash, cands := range byHash {
		if _, ok := granted[hash]; ok {
			continue
		}

		if _, ok := result.Skipped[hash]; ok {
			continue
		}

		for _, cand := range cands {
			result.Failed = append(result.Failed, FailedFile{
				Candidate: cand,
				Err:       fmt.Errorf("no upload grant issued for hash %s", hash),
			})
		}
	}

	o.transfer(ctx, grantResp.Grants, byHash, result, onTransfer)

	succeeded, failed := result.hashOutcomes()
	if len(succeeded) == 0 && len(failed) == 0 {
		// Everything was already known remotely; nothing to confirm or
		// wait for.
		return result, nil
	}

	confirmResp, err := o.gateway.ConfirmUploads(ctx, result.RunID, succeeded, failed)
	if err != nil {
		return nil, fmt.Errorf("confirming batch of %d uploads: %w", len(succeeded), err)
	}

	o.logger.Info("upload batch confirmed",
		slog.String("run_id", result.RunID),
		slog.Int("succeeded", len(succeeded)),
		slog.Int("failed", len(failed)),
		slog.Int("queued", confirmResp.QueuedCount),
	)

	remote, err := o.waitForProcessing(ctx, result.RunID, onPoll)
	if err != nil {
		return nil, err
	}

	result.Remote = remote

	return result, nil
}

// transfer pushes bytes for every granted hash with at most
// o.concurrency simultaneous uploads. Per-file errors are recorded, not
// propagated, so one bad file never sinks the batch.
func (o *Orchestrator) transfer(ctx context.Context, grants []api.UploadGrant, byHash map[string][]UploadCandidate, result *BatchResult, onTransfer func(done, total int)) {
	var (
		mu   sync.Mutex
		done int
	)

	total := len(grants)

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)

	for _, grant := range grants {
		cands, ok := byHash[grant.ContentHash]
		if !ok {
			o.logger.Warn("grant for unknown hash ignored",
				slog.String("hash", grant.ContentHash),
			)

			continue
		}

		g.Go(func() error {
			// Transfer the first path carrying this content; all
			// candidates with the hash share the outcome.
			primary := cands[0]
			err := o.gateway.UploadFile(ctx, grant, primary.File.AbsPath, primary.File.Size)

			mu.Lock()
			defer mu.Unlock()

			done++

			if err != nil {
				o.logger.Warn("transfer failed",
					slog.String("path", primary.File.Path),
					slog.String("hash", grant.ContentHash),
					slog.String("error", err.Error()),
				)

				for _, cand := range cands {
					result.Failed = append(result.Failed, FailedFile{Candidate: cand, Err: err})
				}
			} else {
				o.logger.Debug("transfer complete",
					slog.String("path", primary.File.Path),
					slog.Int64("bytes", primary.File.Size),
				)

				result.Uploaded = append(result.Uploaded, cands...)
			}

			if onTransfer != nil {
				onTransfer(done, total)
			}

			return nil
		})
	}

	// Workers never return errors; Wait only fences completion.
	_ = g.Wait()
}

// waitForProcessing polls the remote at a fixed interval until it
// reports completion. Poll errors are logged and retried indefinitely;
// only an explicit complete signal or context cancellation ends the
// loop. Callers needing a hard deadline cancel the context.
func (o *Orchestrator) waitForProcessing(ctx context.Context, runID string, onPoll func(api.RunStatus)) (*api.RunStatus, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		status, err := o.gateway.PollStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			o.logger.Warn("status poll failed, retrying",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		} else {
			if onPoll != nil {
				onPoll(*status)
			}

			if status.IsComplete {
				return status, nil
			}

			o.logger.Debug("remote processing in progress",
				slog.String("run_id", runID),
				slog.Int("percent", status.ProgressPercent),
				slog.Int("completed", status.FilesCompleted),
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hashOutcomes collapses the per-candidate results back to per-hash
// success and failure lists for the confirmation call.
func (r *BatchResult) hashOutcomes() ([]string, []api.FailedUpload) {
	seen := make(map[string]struct{})

	var succeeded []string
	for _, cand := range r.Uploaded {
		if _, ok := seen[cand.File.ContentHash]; ok {
			continue
		}

		seen[cand.File.ContentHash] = struct{}{}
		succeeded = append(succeeded, cand.File.ContentHash)
	}

	failSeen := make(map[string]struct{})

	var failed []api.FailedUpload
	for _, ff := range r.Failed {
		hash := ff.Candidate.File.ContentHash
		if _, ok := failSeen[hash]; ok {
			continue
		}

		failSeen[hash] = struct{}{}
		failed = append(failed, api.FailedUpload{ContentHash: hash, Error: ff.Err.Error()})
	}

	return succeeded, failed
}
