package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/kb-sync/internal/api"
	"github.com/alexjbarnes/kb-sync/internal/config"
	"github.com/alexjbarnes/kb-sync/internal/logging"
	"github.com/alexjbarnes/kb-sync/internal/schedule"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"github.com/alexjbarnes/kb-sync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("kb-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("run_once", cfg.RunOnce),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading tracking store: %w", err)
	}
	defer st.Close()

	if cfg.FoldersFile != "" {
		n, err := st.ImportFolderConfigs(cfg.FoldersFile)
		if err != nil {
			return fmt.Errorf("importing folder configurations: %w", err)
		}

		logger.Info("folder configurations imported",
			slog.String("file", cfg.FoldersFile),
			slog.Int("count", n),
		)
	}

	machineID, err := st.MachineID()
	if err != nil {
		return fmt.Errorf("resolving machine id: %w", err)
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken, &http.Client{
		Timeout: 5 * time.Minute,
	})

	validateGroups(ctx, client, st, logger)

	engine := syncer.New(st, client, logging.ForComponent(logger, "engine"), syncer.Options{
		MachineID:    machineID,
		OS:           runtime.GOOS,
		Concurrency:  cfg.UploadConcurrency,
		PollInterval: cfg.PollInterval,
		ConfirmBatch: confirmBatch(cfg.AutoConfirmBytes, logger),
	})

	go logStatus(ctx, engine, logger)

	if cfg.ResumeIncomplete {
		if err := engine.Resume(ctx, nil); err != nil {
			logger.Warn("resume check failed", slog.String("error", err.Error()))
		}
	}

	if cfg.RunOnce {
		return engine.StartSync(ctx, "manual")
	}

	g, gctx := errgroup.WithContext(ctx)

	scheduler := schedule.NewScheduler(engine, cfg.SyncInterval, logging.ForComponent(logger, "scheduler"))
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.WatchFolders {
		folders, err := st.EnabledFolderConfigs()
		if err != nil {
			return fmt.Errorf("loading folders for watcher: %w", err)
		}

		watcher := schedule.NewWatcher(engine, folders, logging.ForComponent(logger, "watcher"))
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	return g.Wait()
}

// validateGroups warns when configured folder group IDs are unknown to
// the remote. Purely advisory; sync proceeds regardless.
func validateGroups(ctx context.Context, client *api.Client, st *store.Store, logger *slog.Logger) {
	folders, err := st.AllFolderConfigs()
	if err != nil || len(folders) == 0 {
		return
	}

	groups, err := client.ListGroups(ctx)
	if err != nil {
		logger.Debug("listing groups for validation", slog.String("error", err.Error()))
		return
	}

	known := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		known[g.ID] = struct{}{}
	}

	for _, fc := range folders {
		for _, gid := range fc.GroupIDs {
			if _, ok := known[gid]; !ok {
				logger.Warn("folder references unknown group",
					slog.String("folder", fc.ID),
					slog.String("group", gid),
				)
			}
		}
	}
}

// confirmBatch builds the large-batch approval callback. With a zero
// threshold everything is approved; otherwise batches above the
// threshold are declined, since a headless daemon has nobody to ask.
func confirmBatch(autoConfirmBytes int64, logger *slog.Logger) func(totalBytes int64, fileCount int) bool {
	return func(totalBytes int64, fileCount int) bool {
		if autoConfirmBytes > 0 && totalBytes > autoConfirmBytes {
			logger.Warn("declining upload batch over confirmation threshold",
				slog.Int64("bytes", totalBytes),
				slog.Int("files", fileCount),
				slog.Int64("threshold", autoConfirmBytes),
			)

			return false
		}

		return true
	}
}

// logStatus drains the engine's status feed so progress shows up in the
// logs. Snapshots can be dropped under load; this consumer only needs a
// recent one, not all of them.
func logStatus(ctx context.Context, engine *syncer.Engine, logger *slog.Logger) {
	feed, cancel := engine.Subscribe()
	defer cancel()

	var lastProgress int

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-feed:
			if !ok {
				return
			}

			if !snap.IsRunning || snap.Progress == lastProgress {
				continue
			}

			lastProgress = snap.Progress
			logger.Info("sync progress",
				slog.String("run_id", snap.CurrentSyncRunID),
				slog.Int("percent", snap.Progress),
				slog.Int("scanned", snap.Counters.FilesScanned),
				slog.Int("completed", snap.Counters.FilesCompleted),
				slog.Int("failed", snap.Counters.FilesFailed),
			)
		}
	}
}
