package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/api"
	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/scanner"
	"github.com/alexjbarnes/kb-sync/internal/store"
)

// Resume re-attaches to runs a prior process instance left incomplete.
// For each run the confirm callback approves, grants are re-requested
// only for tracked files the remote has not yet confirmed uploaded, the
// remaining bytes are transferred, and the run is finalized. A nil
// confirm approves every resumable run (headless daemon default).
func (e *Engine) Resume(ctx context.Context, confirm func(api.IncompleteRun) bool) error {
	if !e.running.CompareAndSwap(false, true) {
		return kberr.ErrSyncInProgress
	}
	defer e.running.Store(false)

	runs, err := e.gateway.ListIncompleteRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete runs: %w", err)
	}

	if len(runs) == 0 {
		return nil
	}

	e.logger.Info("found incomplete runs", slog.Int("count", len(runs)))

	for _, ir := range runs {
		if confirm != nil && !confirm(ir) {
			e.logger.Info("skipping resumable run", slog.String("run_id", ir.RunID))
			continue
		}

		if err := e.resumeRun(ctx, ir); err != nil {
			e.logger.Warn("resuming run failed",
				slog.String("run_id", ir.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// resumeRun re-uploads the unconfirmed remainder of one run. Files that
// vanished or changed content since the original attempt are left for
// the next full run to reclassify.
func (e *Engine) resumeRun(ctx context.Context, ir api.IncompleteRun) error {
	confirmed := make(map[string]struct{}, len(ir.ConfirmedHashes))
	for _, h := range ir.ConfirmedHashes {
		confirmed[h] = struct{}{}
	}

	queue, err := e.outstandingCandidates(confirmed)
	if err != nil {
		return err
	}

	e.logger.Info("resuming run",
		slog.String("run_id", ir.RunID),
		slog.Int("outstanding", len(queue)),
	)

	if len(queue) == 0 {
		// Everything already made it to storage; just settle the run.
		if err := e.gateway.CompleteRun(ctx, ir.RunID, store.RunStatusCompleted, api.RunSummary{}); err != nil {
			return fmt.Errorf("settling run with no outstanding files: %w", err)
		}

		return nil
	}

	result, err := e.orch.Run(ctx, ir.RunID, queue, nil, nil)
	if err != nil {
		return fmt.Errorf("re-uploading outstanding files: %w", err)
	}

	now := time.Now().UnixMilli()

	counters := store.Counters{FilesScanned: len(queue)}

	var fileErrors []api.RunError

	for _, cand := range result.Uploaded {
		counters.FilesUpdated++
		counters.BytesProcessed += cand.File.Size

		rec, err := e.store.GetFileRecord(cand.File.AbsPath)
		if err != nil || rec == nil {
			continue
		}

		rec.Status = store.FileStatusPending
		rec.ErrorMessage = ""

		if err := e.store.UpsertFileRecord(*rec); err != nil {
			e.logger.Warn("updating resumed record", slog.String("error", err.Error()))
		}
	}

	for _, ff := range result.Failed {
		counters.FilesFailed++
		fileErrors = append(fileErrors, api.RunError{Path: ff.Candidate.File.Path, Error: ff.Err.Error()})
	}

	if result.Remote != nil {
		counters.FilesCompleted = result.Remote.FilesCompleted
		counters.FilesFailed += result.Remote.FilesFailed
	}

	terminal := store.RunStatusCompleted
	if counters.FilesFailed > 0 {
		terminal = store.RunStatusPartial
	}

	summary := api.RunSummary{
		FilesScanned:   counters.FilesScanned,
		FilesUpdated:   counters.FilesUpdated,
		FilesFailed:    counters.FilesFailed,
		FilesCompleted: counters.FilesCompleted,
		BytesProcessed: counters.BytesProcessed,
		FileErrors:     fileErrors,
	}

	if err := e.gateway.CompleteRun(ctx, ir.RunID, terminal, summary); err != nil {
		return fmt.Errorf("finalizing resumed run: %w", err)
	}

	run := store.SyncRun{
		ID:          ir.RunID,
		Status:      terminal,
		TriggeredBy: "resume",
		StartedAt:   ir.StartedAt,
		CompletedAt: now,
		Counters:    counters,
	}
	if err := e.store.SaveSyncRun(run); err != nil {
		e.logger.Warn("persisting resumed run", slog.String("error", err.Error()))
	}

	e.logger.Info("resumed run finished",
		slog.String("run_id", ir.RunID),
		slog.String("status", terminal),
		slog.Int("uploaded", len(result.Uploaded)),
		slog.Int("failed", len(result.Failed)),
	)

	return nil
}

// outstandingCandidates rebuilds upload candidates from tracked records
// that were mid-flight when the process died: pending or failed records
// whose hash the remote has not confirmed. Each file is re-verified
// against disk so stale records do not resurrect deleted or rewritten
// content.
func (e *Engine) outstandingCandidates(confirmed map[string]struct{}) ([]UploadCandidate, error) {
	var queue []UploadCandidate

	for _, status := range []string{store.FileStatusPending, store.FileStatusFailed} {
		records, err := e.store.FileRecordsByStatus(status)
		if err != nil {
			return nil, fmt.Errorf("loading %s records: %w", status, err)
		}

		for _, rec := range records {
			if _, ok := confirmed[rec.ContentHash]; ok {
				continue
			}

			info, err := os.Stat(rec.Path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					e.logger.Warn("cannot stat outstanding file",
						slog.String("path", rec.Path),
						slog.String("error", err.Error()),
					)
				}

				continue
			}

			// If the content changed since the record was written, the
			// stored hash no longer matches what a grant would cover.
			if info.ModTime().UnixMilli() != rec.LastModified || info.Size() != rec.Size {
				hash, err := scanner.Fingerprint(rec.Path)
				if err != nil || hash != rec.ContentHash {
					e.logger.Debug("outstanding file changed, leaving for next run",
						slog.String("path", rec.Path),
					)

					continue
				}
			}

			queue = append(queue, UploadCandidate{
				File: scanner.ScannedFile{
					Path:           rec.Path,
					AbsPath:        rec.Path,
					ContentHash:    rec.ContentHash,
					Size:           rec.Size,
					LastModified:   rec.LastModified,
					FolderConfigID: rec.FolderConfigID,
				},
				Kind: ChangeUpdated,
			})
		}
	}

	return queue, nil
}
