package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/api"
	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/scanner"
	"github.com/alexjbarnes/kb-sync/internal/store"
)

// Progress checkpoints for the run phases. Values are approximate by
// design; Status enforces monotonicity.
const (
	progressScan      = 10
	progressReconcile = 30
	progressUploaded  = 80
	progressDeletions = 95
)

// Options configures an Engine.
type Options struct {
	// MachineID identifies this installation to the remote. Required.
	MachineID string
	// OS tag forwarded with grant requests. Defaults to runtime.GOOS.
	OS string
	// Concurrency bounds simultaneous upload transfers.
	Concurrency int
	// PollInterval is the delay between processing-status polls.
	PollInterval time.Duration
	// ConfirmBatch approves or declines upload batches the remote flags
	// for confirmation. nil approves everything.
	ConfirmBatch func(totalBytes int64, fileCount int) bool
}

// Engine composes the scanner, tracking store, gateway, and upload
// orchestrator into the end-to-end reconciliation run. It owns run-level
// status and guarantees at most one run at a time.
type Engine struct {
	store     *store.Store
	gateway   Gateway
	orch      *Orchestrator
	logger    *slog.Logger
	status    *Status
	machineID string

	running atomic.Bool
}

// New creates a sync engine.
func New(st *store.Store, gateway Gateway, logger *slog.Logger, opts Options) *Engine {
	orch := NewOrchestrator(gateway, OrchestratorConfig{
		Concurrency:  opts.Concurrency,
		PollInterval: opts.PollInterval,
		MachineID:    opts.MachineID,
		OS:           opts.OS,
		ConfirmBatch: opts.ConfirmBatch,
	}, logger)

	return &Engine{
		store:     st,
		gateway:   gateway,
		orch:      orch,
		logger:    logger,
		status:    NewStatus(),
		machineID: opts.MachineID,
	}
}

// IsRunning reports whether a run is active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Status returns a snapshot of the current (or last) run's state.
func (e *Engine) Status() Snapshot {
	return e.status.Snapshot()
}

// Subscribe registers a status observer. Snapshots are emitted on every
// progress checkpoint and on every orchestrator poll tick; a slow
// consumer drops ticks instead of blocking the run.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	return e.status.Subscribe()
}

// StartSync executes one full reconciliation run. It returns
// ErrSyncInProgress when a run is already active; no second SyncRun is
// opened in that case.
func (e *Engine) StartSync(ctx context.Context, triggeredBy string) error {
	if e.machineID == "" {
		return kberr.ErrNotConfigured
	}

	if !e.running.CompareAndSwap(false, true) {
		return kberr.ErrSyncInProgress
	}
	defer e.running.Store(false)

	e.status.begin(triggeredBy)

	err := e.run(ctx, triggeredBy)
	if err != nil {
		e.status.finish(err.Error())
		return err
	}

	e.status.finish("")

	return nil
}

// inventoryEntry is one merged scan result, tagged with the access
// groups of the folder it came from.
type inventoryEntry struct {
	file     scanner.ScannedFile
	groupIDs []string
}

func (e *Engine) run(ctx context.Context, triggeredBy string) error {
	// Configuration problems fail the run before any remote mutation,
	// so a misconfigured installation never litters the remote with
	// empty runs.
	folders, err := e.store.EnabledFolderConfigs()
	if err != nil {
		return fmt.Errorf("loading folder configurations: %w", err)
	}

	if len(folders) == 0 {
		return kberr.ErrNoFolderConfigs
	}

	runID, err := e.gateway.CreateRun(ctx, triggeredBy, e.machineID)
	if err != nil {
		return fmt.Errorf("opening sync run: %w", err)
	}

	e.status.setRun(runID)
	e.logger.Info("sync run started",
		slog.String("run_id", runID),
		slog.String("triggered_by", triggeredBy),
		slog.Int("folders", len(folders)),
	)

	run := store.SyncRun{
		ID:          runID,
		Status:      store.RunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.SaveSyncRun(run); err != nil {
		e.logger.Warn("persisting run record", slog.String("error", err.Error()))
	}

	if err := e.runPhases(ctx, &run, folders); err != nil {
		return e.failRun(ctx, &run, err)
	}

	return e.finalize(ctx, &run)
}

// runPhases executes scan, reconcile, upload, and deletion
// reconciliation, strictly in order. Any returned error is phase-fatal.
func (e *Engine) runPhases(ctx context.Context, run *store.SyncRun, folders []store.FolderConfig) error {
	inventory, err := e.scanPhase(folders)
	if err != nil {
		return err
	}

	queue, err := e.reconcilePhase(ctx, inventory)
	if err != nil {
		return err
	}

	if err := e.uploadPhase(ctx, run, queue); err != nil {
		return err
	}

	e.deletionPhase(ctx, inventory)

	return nil
}

// scanPhase runs the scanner over every enabled folder and merges the
// results into one inventory keyed by absolute path.
func (e *Engine) scanPhase(folders []store.FolderConfig) (map[string]inventoryEntry, error) {
	inventory := make(map[string]inventoryEntry)

	for _, fc := range folders {
		files, err := scanner.Scan(fc, e.logger)
		if err != nil {
			return nil, fmt.Errorf("scanning folder %s: %w", fc.ID, err)
		}

		for _, sf := range files {
			inventory[sf.AbsPath] = inventoryEntry{file: sf, groupIDs: fc.GroupIDs}
		}
	}

	e.status.update(func(c *store.Counters) {
		c.FilesScanned = len(inventory)
	})
	e.status.setProgress(progressScan)

	e.logger.Info("scan complete", slog.Int("files", len(inventory)))

	return inventory, nil
}

// reconcilePhase classifies every scanned file against the remote's
// known hashes in one batched call: unknown content queues for upload,
// known-but-changed content becomes a pointer update without re-upload,
// and unchanged content is skipped with a refreshed sync time.
func (e *Engine) reconcilePhase(ctx context.Context, inventory map[string]inventoryEntry) ([]UploadCandidate, error) {
	hashSet := make(map[string]struct{}, len(inventory))
	hashes := make([]string, 0, len(inventory))

	for _, entry := range inventory {
		if _, ok := hashSet[entry.file.ContentHash]; ok {
			continue
		}

		hashSet[entry.file.ContentHash] = struct{}{}
		hashes = append(hashes, entry.file.ContentHash)
	}

	checks := make(map[string]api.HashCheck)

	if len(hashes) > 0 {
		var err error

		checks, err = e.gateway.CheckHashes(ctx, hashes)
		if err != nil {
			return nil, fmt.Errorf("reconciling against remote: %w", err)
		}
	}

	now := time.Now().UnixMilli()

	var queue []UploadCandidate

	for absPath, entry := range inventory {
		rec, err := e.store.GetFileRecord(absPath)
		if err != nil {
			return nil, fmt.Errorf("reading record for %s: %w", absPath, err)
		}

		check := checks[entry.file.ContentHash]

		switch {
		case !check.Exists:
			kind := ChangeNew
			if rec != nil {
				kind = ChangeUpdated
			}

			queue = append(queue, UploadCandidate{
				File:     entry.file,
				GroupIDs: entry.groupIDs,
				Kind:     kind,
			})

			e.status.update(func(c *store.Counters) {
				if kind == ChangeNew {
					c.FilesNew++
				} else {
					c.FilesUpdated++
				}
			})

		case rec != nil && rec.ContentHash == entry.file.ContentHash:
			// Unchanged and already stored remotely.
			rec.LastSyncedAt = now
			rec.Status = store.FileStatusSynced
			if rec.RemoteDocumentID == "" {
				rec.RemoteDocumentID = check.DocumentID
			}

			if err := e.store.UpsertFileRecord(*rec); err != nil {
				return nil, fmt.Errorf("refreshing record for %s: %w", absPath, err)
			}

			e.status.update(func(c *store.Counters) { c.FilesSkipped++ })

		default:
			// Content the remote already stores, reached from a path
			// that is new or whose content changed (e.g. a revert).
			// Point the local record at the existing document instead
			// of re-uploading.
			fr := store.FileRecord{
				Path:             absPath,
				ContentHash:      entry.file.ContentHash,
				Size:             entry.file.Size,
				LastModified:     entry.file.LastModified,
				RemoteDocumentID: check.DocumentID,
				FolderConfigID:   entry.file.FolderConfigID,
				LastSyncedAt:     now,
				Status:           store.FileStatusSynced,
			}

			if err := e.store.UpsertFileRecord(fr); err != nil {
				return nil, fmt.Errorf("updating pointer record for %s: %w", absPath, err)
			}

			e.status.update(func(c *store.Counters) { c.FilesUpdated++ })
		}
	}

	e.status.setProgress(progressReconcile)

	snap := e.status.Snapshot()
	e.logger.Info("reconciliation complete",
		slog.Int("new", snap.Counters.FilesNew),
		slog.Int("updated", snap.Counters.FilesUpdated),
		slog.Int("skipped", snap.Counters.FilesSkipped),
		slog.Int("queued_for_upload", len(queue)),
	)

	return queue, nil
}

// uploadPhase hands the queue to the orchestrator and applies its
// per-file outcomes to the tracking store. Per-file failures mark the
// record failed and accumulate in the run's error list; they never fail
// the run themselves.
func (e *Engine) uploadPhase(ctx context.Context, run *store.SyncRun, queue []UploadCandidate) error {
	if len(queue) == 0 {
		e.status.setProgress(progressUploaded)
		return nil
	}

	onTransfer := func(done, total int) {
		e.status.setProgress(progressReconcile + done*(progressUploaded-progressReconcile)/total)
	}

	onPoll := func(st api.RunStatus) {
		e.status.update(func(c *store.Counters) {
			c.FilesCompleted = st.FilesCompleted
		})
	}

	result, err := e.orch.Run(ctx, run.ID, queue, onTransfer, onPoll)
	if err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}

	now := time.Now().UnixMilli()

	for _, cand := range result.Uploaded {
		fr := store.FileRecord{
			Path:           cand.File.AbsPath,
			ContentHash:    cand.File.ContentHash,
			Size:           cand.File.Size,
			LastModified:   cand.File.LastModified,
			FolderConfigID: cand.File.FolderConfigID,
			Status:         store.FileStatusPending,
		}

		if err := e.store.UpsertFileRecord(fr); err != nil {
			return fmt.Errorf("recording upload of %s: %w", cand.File.Path, err)
		}

		e.status.update(func(c *store.Counters) {
			c.BytesProcessed += cand.File.Size
		})
	}

	// Content the remote turned out to already know at grant time keeps
	// its reconciliation classification; only the record is settled.
	for _, cand := range queue {
		docID, known := result.Skipped[cand.File.ContentHash]
		if !known {
			continue
		}

		fr := store.FileRecord{
			Path:             cand.File.AbsPath,
			ContentHash:      cand.File.ContentHash,
			Size:             cand.File.Size,
			LastModified:     cand.File.LastModified,
			RemoteDocumentID: docID,
			FolderConfigID:   cand.File.FolderConfigID,
			LastSyncedAt:     now,
			Status:           store.FileStatusSynced,
		}

		if err := e.store.UpsertFileRecord(fr); err != nil {
			return fmt.Errorf("recording known file %s: %w", cand.File.Path, err)
		}
	}

	for _, ff := range result.Failed {
		fr := store.FileRecord{
			Path:           ff.Candidate.File.AbsPath,
			ContentHash:    ff.Candidate.File.ContentHash,
			Size:           ff.Candidate.File.Size,
			LastModified:   ff.Candidate.File.LastModified,
			FolderConfigID: ff.Candidate.File.FolderConfigID,
			Status:         store.FileStatusFailed,
			ErrorMessage:   ff.Err.Error(),
		}

		if err := e.store.UpsertFileRecord(fr); err != nil {
			return fmt.Errorf("recording failure of %s: %w", ff.Candidate.File.Path, err)
		}

		run.FileErrors = append(run.FileErrors, store.FileItem{
			Path:  ff.Candidate.File.Path,
			Error: ff.Err.Error(),
		})

		e.status.update(func(c *store.Counters) { c.FilesFailed++ })
	}

	if result.Remote != nil {
		e.applyRemoteOutcome(run, result)
	}

	e.status.setProgress(progressUploaded)

	return nil
}

// applyRemoteOutcome folds the final poll status into counters and
// records. The remote's post-upload counters are authoritative for
// completed counts; transfer failures and remote processing failures
// are disjoint sets, so the failure counts add.
func (e *Engine) applyRemoteOutcome(run *store.SyncRun, result *BatchResult) {
	remote := result.Remote

	e.status.update(func(c *store.Counters) {
		c.FilesCompleted = remote.FilesCompleted
		c.FilesFailed += remote.FilesFailed
	})

	for _, msg := range remote.Errors {
		run.FileErrors = append(run.FileErrors, store.FileItem{Error: msg})
	}

	if remote.FilesFailed > 0 {
		e.logger.Warn("remote processing reported failures",
			slog.String("run_id", run.ID),
			slog.Int("failed", remote.FilesFailed),
		)

		// The remote does not say which files failed processing, so the
		// affected records stay pending; the next run's hash check
		// settles them either way.
		return
	}

	now := time.Now().UnixMilli()

	for _, cand := range result.Uploaded {
		rec, err := e.store.GetFileRecord(cand.File.AbsPath)
		if err != nil || rec == nil {
			continue
		}

		rec.Status = store.FileStatusSynced
		rec.LastSyncedAt = now

		if err := e.store.UpsertFileRecord(*rec); err != nil {
			e.logger.Warn("settling uploaded record",
				slog.String("path", cand.File.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deletionPhase removes remote documents for tracked files that are
// gone both from the current scan and from disk. The disk check guards
// against a transiently unreadable folder looking like a mass delete.
// Deletion is content-addressed, so a hash is only sent to the remote
// once no surviving path carries that content: duplicate files deleted
// from one location must never destroy the document behind the copy
// that is still on disk. Failures here are logged, never fatal to the
// run.
func (e *Engine) deletionPhase(ctx context.Context, inventory map[string]inventoryEntry) {
	defer e.status.setProgress(progressDeletions)

	synced, err := e.store.FileRecordsByStatus(store.FileStatusSynced)
	if err != nil {
		e.logger.Warn("loading synced records for deletion check", slog.String("error", err.Error()))
		return
	}

	// Hashes reachable from a live path: everything in the current scan
	// plus synced records that stay tracked.
	liveHashes := make(map[string]struct{}, len(inventory))
	for _, entry := range inventory {
		liveHashes[entry.file.ContentHash] = struct{}{}
	}

	var gone []store.FileRecord

	for _, rec := range synced {
		if _, inScan := inventory[rec.Path]; inScan {
			continue
		}

		if _, statErr := os.Stat(rec.Path); statErr == nil {
			// Still on disk; the scan must have missed it (filter
			// change or unreadable parent). Not a delete.
			liveHashes[rec.ContentHash] = struct{}{}
			continue
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			e.logger.Warn("cannot verify file absence, keeping record",
				slog.String("path", rec.Path),
				slog.String("error", statErr.Error()),
			)

			liveHashes[rec.ContentHash] = struct{}{}

			continue
		}

		gone = append(gone, rec)
	}

	if len(gone) == 0 {
		return
	}

	var (
		paths   []string
		hashes  []string
		hashSet = make(map[string]struct{})
	)

	for _, rec := range gone {
		paths = append(paths, rec.Path)

		if _, live := liveHashes[rec.ContentHash]; live {
			// Another path still carries this content. Drop only the
			// record; the remote document stays.
			e.logger.Debug("content still referenced, keeping remote document",
				slog.String("path", rec.Path),
				slog.String("hash", rec.ContentHash),
			)

			continue
		}

		if _, ok := hashSet[rec.ContentHash]; !ok {
			hashSet[rec.ContentHash] = struct{}{}
			hashes = append(hashes, rec.ContentHash)
		}
	}

	e.logger.Info("reconciling deletions",
		slog.Int("files", len(paths)),
		slog.Int("hashes", len(hashes)),
	)

	if len(hashes) > 0 {
		resp, err := e.gateway.DeleteByHashes(ctx, hashes)
		if err != nil {
			e.logger.Warn("remote deletion failed, records kept",
				slog.String("error", err.Error()),
			)

			return
		}

		if len(resp.Errors) > 0 {
			e.logger.Warn("remote deletion partially failed, records kept",
				slog.Int("errors", len(resp.Errors)),
				slog.String("first_error", resp.Errors[0]),
			)

			return
		}

		e.status.update(func(c *store.Counters) {
			c.FilesDeleted += resp.DeletedCount
		})
	}

	if err := e.store.DeleteFileRecords(paths); err != nil {
		e.logger.Warn("removing deleted records", slog.String("error", err.Error()))
	}
}

// finalize reports the terminal status to the remote and persists run
// history. A run with per-file failures alongside successes finishes as
// partial, not failed.
func (e *Engine) finalize(ctx context.Context, run *store.SyncRun) error {
	snap := e.status.Snapshot()

	terminal := store.RunStatusCompleted
	if snap.Counters.FilesFailed > 0 {
		terminal = store.RunStatusPartial
	}

	if err := e.gateway.CompleteRun(ctx, run.ID, terminal, e.summary(snap.Counters, run.FileErrors, "")); err != nil {
		return e.failRun(ctx, run, fmt.Errorf("finalizing run: %w", err))
	}

	now := time.Now()

	run.Status = terminal
	run.CompletedAt = now.UnixMilli()
	run.Counters = snap.Counters

	if err := e.store.SaveSyncRun(*run); err != nil {
		e.logger.Warn("persisting run history", slog.String("error", err.Error()))
	}

	if err := e.store.SetLastSyncAt(now); err != nil {
		e.logger.Warn("persisting last sync time", slog.String("error", err.Error()))
	}

	e.logger.Info("sync run finished",
		slog.String("run_id", run.ID),
		slog.String("status", terminal),
		slog.Int("scanned", snap.Counters.FilesScanned),
		slog.Int("new", snap.Counters.FilesNew),
		slog.Int("updated", snap.Counters.FilesUpdated),
		slog.Int("skipped", snap.Counters.FilesSkipped),
		slog.Int("failed", snap.Counters.FilesFailed),
		slog.Int("deleted", snap.Counters.FilesDeleted),
		slog.Int64("bytes", snap.Counters.BytesProcessed),
	)

	return nil
}

// failRun best-effort reports a failed run to the remote and persists
// the failure locally, then returns the original error. A secondary
// failure while reporting never masks the one that sank the run.
func (e *Engine) failRun(ctx context.Context, run *store.SyncRun, cause error) error {
	snap := e.status.Snapshot()

	if cerr := e.gateway.CompleteRun(ctx, run.ID, store.RunStatusFailed, e.summary(snap.Counters, run.FileErrors, cause.Error())); cerr != nil {
		e.logger.Warn("reporting failed run to remote",
			slog.String("run_id", run.ID),
			slog.String("error", cerr.Error()),
		)
	}

	run.Status = store.RunStatusFailed
	run.CompletedAt = time.Now().UnixMilli()
	run.Counters = snap.Counters
	run.ErrorMessage = cause.Error()

	if err := e.store.SaveSyncRun(*run); err != nil {
		e.logger.Warn("persisting failed run", slog.String("error", err.Error()))
	}

	e.logger.Error("sync run failed",
		slog.String("run_id", run.ID),
		slog.String("error", cause.Error()),
	)

	return cause
}

func (e *Engine) summary(c store.Counters, fileErrors []store.FileItem, errMsg string) api.RunSummary {
	s := api.RunSummary{
		FilesScanned:   c.FilesScanned,
		FilesNew:       c.FilesNew,
		FilesUpdated:   c.FilesUpdated,
		FilesDeleted:   c.FilesDeleted,
		FilesFailed:    c.FilesFailed,
		FilesSkipped:   c.FilesSkipped,
		FilesCompleted: c.FilesCompleted,
		BytesProcessed: c.BytesProcessed,
		ErrorMessage:   errMsg,
	}

	for _, fe := range fileErrors {
		s.FileErrors = append(s.FileErrors, api.RunError{Path: fe.Path, Error: fe.Error})
	}

	return s
}
