package scanner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/kb-sync/internal/store"
)

// hashConcurrency bounds parallel fingerprinting during a scan. Hashing
// is CPU and disk bound; unbounded fan-out risks file-descriptor
// exhaustion on large trees.
const hashConcurrency = 4

// ScannedFile is one inventory entry produced by a scan: a file that
// passed every filter of its folder configuration, with its fingerprint.
type ScannedFile struct {
	// Path is the normalized path relative to the folder root. Unique
	// within one folder configuration.
	Path string
	// AbsPath is the absolute on-disk location, used for the byte
	// transfer and the deletion-safety disk check.
	AbsPath        string
	ContentHash    string
	Size           int64
	LastModified   int64
	FolderConfigID string
}

// Scan walks the folder configuration's root and returns entries for
// every file passing its filters, fingerprinted. Filters are applied in
// cheap-to-expensive order so hashing only happens for files that will
// actually be considered: hidden check, subfolder descent, extension,
// size, then hash. Unreadable subtrees are logged and skipped; they
// never abort the scan.
func Scan(cfg store.FolderConfig, logger *slog.Logger) ([]ScannedFile, error) {
	root, err := filepath.Abs(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("resolving folder root: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("folder root %s: %w", root, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("folder root %s is not a directory", root)
	}

	extFilter := extensionSet(cfg.FileExtensionFilter)

	var maxBytes int64
	if cfg.MaxFileSizeMB > 0 {
		maxBytes = cfg.MaxFileSizeMB * 1024 * 1024
	}

	var candidates []ScannedFile

	err = filepath.WalkDir(root, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			// A subtree we cannot read is skipped, not fatal.
			logger.Warn("skipping unreadable path",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if absPath == root {
			return nil
		}

		base := filepath.Base(absPath)

		if cfg.IgnoreHidden && strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if !cfg.IncludeSubfolders {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks are never followed: they can point outside the
		// configured root or at special files that hang a read.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink", slog.String("path", absPath))
			return nil
		}

		if extFilter != nil {
			ext := strings.ToLower(filepath.Ext(base))
			if _, ok := extFilter[ext]; !ok {
				return nil
			}
		}

		fi, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)

			return nil
		}

		if maxBytes > 0 && fi.Size() > maxBytes {
			logger.Debug("skipping oversized file",
				slog.String("path", absPath),
				slog.Int64("size", fi.Size()),
			)

			return nil
		}

		relPath, err := filepath.Rel(root, absPath)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", absPath, err)
		}

		candidates = append(candidates, ScannedFile{
			Path:           normalizePath(relPath),
			AbsPath:        absPath,
			Size:           fi.Size(),
			LastModified:   fi.ModTime().UnixMilli(),
			FolderConfigID: cfg.ID,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	files, err := fingerprintAll(candidates, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("folder scan complete",
		slog.String("folder", cfg.ID),
		slog.Int("files", len(files)),
	)

	return files, nil
}

// fingerprintAll hashes the surviving candidates with bounded
// parallelism. Files that vanish or become unreadable between the walk
// and the hash are dropped from the inventory with a warning.
func fingerprintAll(candidates []ScannedFile, logger *slog.Logger) ([]ScannedFile, error) {
	var (
		mu    sync.Mutex
		files []ScannedFile
	)

	g := new(errgroup.Group)
	g.SetLimit(hashConcurrency)

	for i := range candidates {
		sf := candidates[i]

		g.Go(func() error {
			hash, err := Fingerprint(sf.AbsPath)
			if err != nil {
				logger.Warn("fingerprint failed, dropping file from inventory",
					slog.String("path", sf.Path),
					slog.String("error", err.Error()),
				)

				return nil
			}

			sf.ContentHash = hash

			mu.Lock()
			files = append(files, sf)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Workers complete in arbitrary order; sort so repeated scans of an
	// unchanged tree produce an identical inventory.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return files, nil
}

// extensionSet lowercases the configured extensions into a lookup set.
// Entries may be given with or without the leading dot. Returns nil when
// the filter is empty, meaning all extensions pass.
func extensionSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}

		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		set[e] = struct{}{}
	}

	if len(set) == 0 {
		return nil
	}

	return set
}

// normalizePath canonicalizes a scan-relative path: forward slashes,
// collapsed separators, no leading/trailing slash, Unicode NFC. Every
// path entering the tracking store goes through this so records written
// on one platform match scans from another.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
