package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory (~/.kb-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the tracking database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	filesBucket   = []byte("files")
	foldersBucket = []byte("folders")
	runsBucket    = []byte("runs")

	machineIDKey  = []byte("machine_id")
	lastSyncAtKey = []byte("last_sync_at")
)

// FileRecord is the per-file sync state, keyed by absolute path so
// records from different folder roots never collide.
// Status transitions pending -> synced|failed; a synced record is removed
// only after the file is confirmed absent both locally and remotely.
type FileRecord struct {
	Path             string `json:"path"`
	ContentHash      string `json:"content_hash"`
	Size             int64  `json:"size"`
	LastModified     int64  `json:"last_modified"`
	RemoteDocumentID string `json:"remote_document_id,omitempty"`
	FolderConfigID   string `json:"folder_config_id"`
	LastSyncedAt     int64  `json:"last_synced_at,omitempty"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// FileRecord status values.
const (
	FileStatusPending = "pending"
	FileStatusSynced  = "synced"
	FileStatusFailed  = "failed"
)

// FolderConfig is a sync root and its scan policy. Read-only to the
// engine during a run; managed by configuration tooling.
type FolderConfig struct {
	ID                  string   `json:"id" yaml:"id"`
	LocalPath           string   `json:"local_path" yaml:"local_path"`
	IncludeSubfolders   bool     `json:"include_subfolders" yaml:"include_subfolders"`
	FileExtensionFilter []string `json:"file_extension_filter,omitempty" yaml:"file_extension_filter"`
	MaxFileSizeMB       int64    `json:"max_file_size_mb,omitempty" yaml:"max_file_size_mb"`
	GroupIDs            []string `json:"group_ids,omitempty" yaml:"group_ids"`
	IgnoreHidden        bool     `json:"ignore_hidden" yaml:"ignore_hidden"`
	Enabled             bool     `json:"enabled" yaml:"enabled"`
}

// SyncRun is the locally persisted history of one reconciliation attempt.
// The ID is issued by the remote when the run is opened.
type SyncRun struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	TriggeredBy  string     `json:"triggered_by"`
	StartedAt    int64      `json:"started_at"`
	CompletedAt  int64      `json:"completed_at,omitempty"`
	Counters     Counters   `json:"counters"`
	ErrorMessage string     `json:"error_message,omitempty"`
	FileErrors   []FileItem `json:"file_errors,omitempty"`
}

// SyncRun status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusPartial   = "partial"
)

// Counters aggregates per-run file statistics.
type Counters struct {
	FilesScanned   int   `json:"files_scanned"`
	FilesNew       int   `json:"files_new"`
	FilesUpdated   int   `json:"files_updated"`
	FilesDeleted   int   `json:"files_deleted"`
	FilesFailed    int   `json:"files_failed"`
	FilesSkipped   int   `json:"files_skipped"`
	FilesCompleted int   `json:"files_completed"`
	BytesProcessed int64 `json:"bytes_processed"`
}

// FileItem is a structured per-file error captured during a run.
type FileItem struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Store wraps a bbolt database holding all persistent tracking state.
type Store struct {
	db *bolt.DB
}

// LoadAt opens the tracking database at the given path, creating it and
// its buckets if they do not exist. Tests pass a temp-dir path for
// isolation.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening tracking db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, filesBucket, foldersBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing tracking db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value for an app-level key, or empty string.
func (s *Store) Get(key string) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get([]byte(key))
		if v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

// Set persists an app-level key/value pair.
func (s *Store) Set(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put([]byte(key), []byte(value))
	})
}

// MachineID returns the stable machine identifier, generating and
// persisting one on first use.
func (s *Store) MachineID() (string, error) {
	id := s.Get(string(machineIDKey))
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.Set(string(machineIDKey), id); err != nil {
		return "", fmt.Errorf("persisting machine id: %w", err)
	}

	return id, nil
}

// LastSyncAt returns the completion time of the most recent finalized
// run, or zero time if none has finished.
func (s *Store) LastSyncAt() time.Time {
	v := s.Get(string(lastSyncAtKey))
	if v == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}

	return t
}

// SetLastSyncAt records the completion time of a finalized run.
func (s *Store) SetLastSyncAt(t time.Time) error {
	return s.Set(string(lastSyncAtKey), t.UTC().Format(time.RFC3339))
}

// GetFileRecord returns the record for a path, or nil if not tracked.
func (s *Store) GetFileRecord(path string) (*FileRecord, error) {
	var fr *FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		fr = &FileRecord{}

		return json.Unmarshal(v, fr)
	})

	return fr, err
}

// UpsertFileRecord persists the record, keyed by its path.
func (s *Store) UpsertFileRecord(fr FileRecord) error {
	if fr.Path == "" {
		return fmt.Errorf("file record path is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fr)
		if err != nil {
			return err
		}

		return tx.Bucket(filesBucket).Put([]byte(fr.Path), data)
	})
}

// DeleteFileRecords removes the records for the given paths in one
// transaction. Unknown paths are ignored.
func (s *Store) DeleteFileRecords(paths []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		for _, path := range paths {
			if err := b.Delete([]byte(path)); err != nil {
				return err
			}
		}

		return nil
	})
}

// FileRecordsByStatus returns all records currently in the given status.
func (s *Store) FileRecordsByStatus(status string) ([]FileRecord, error) {
	var records []FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var fr FileRecord
			if err := json.Unmarshal(v, &fr); err != nil {
				return err
			}

			if fr.Status == status {
				records = append(records, fr)
			}

			return nil
		})
	})

	return records, err
}

// AllFileRecords returns every tracked file, keyed by path.
func (s *Store) AllFileRecords() (map[string]FileRecord, error) {
	result := make(map[string]FileRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var fr FileRecord
			if err := json.Unmarshal(v, &fr); err != nil {
				return err
			}

			result[string(k)] = fr

			return nil
		})
	})

	return result, err
}

// SaveFolderConfig persists a folder configuration, keyed by its ID.
func (s *Store) SaveFolderConfig(fc FolderConfig) error {
	if fc.ID == "" {
		return fmt.Errorf("folder config id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fc)
		if err != nil {
			return err
		}

		return tx.Bucket(foldersBucket).Put([]byte(fc.ID), data)
	})
}

// GetFolderConfig returns a folder configuration by ID, or nil.
func (s *Store) GetFolderConfig(id string) (*FolderConfig, error) {
	var fc *FolderConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(foldersBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		fc = &FolderConfig{}

		return json.Unmarshal(v, fc)
	})

	return fc, err
}

// DeleteFolderConfig removes a folder configuration by ID.
func (s *Store) DeleteFolderConfig(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(foldersBucket).Delete([]byte(id))
	})
}

// AllFolderConfigs returns every folder configuration.
func (s *Store) AllFolderConfigs() ([]FolderConfig, error) {
	var configs []FolderConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(foldersBucket).ForEach(func(k, v []byte) error {
			var fc FolderConfig
			if err := json.Unmarshal(v, &fc); err != nil {
				return err
			}

			configs = append(configs, fc)

			return nil
		})
	})

	return configs, err
}

// EnabledFolderConfigs returns only the folder configurations the engine
// should scan.
func (s *Store) EnabledFolderConfigs() ([]FolderConfig, error) {
	all, err := s.AllFolderConfigs()
	if err != nil {
		return nil, err
	}

	var enabled []FolderConfig
	for _, fc := range all {
		if fc.Enabled {
			enabled = append(enabled, fc)
		}
	}

	return enabled, nil
}

// SaveSyncRun persists run history, keyed by the remote-issued run ID.
func (s *Store) SaveSyncRun(run SyncRun) error {
	if run.ID == "" {
		return fmt.Errorf("sync run id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}

		return tx.Bucket(runsBucket).Put([]byte(run.ID), data)
	})
}

// GetSyncRun returns run history by ID, or nil.
func (s *Store) GetSyncRun(id string) (*SyncRun, error) {
	var run *SyncRun

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(runsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		run = &SyncRun{}

		return json.Unmarshal(v, run)
	})

	return run, err
}

// AllSyncRuns returns every persisted run.
func (s *Store) AllSyncRuns() ([]SyncRun, error) {
	var runs []SyncRun

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var run SyncRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}

			runs = append(runs, run)

			return nil
		})
	})

	return runs, err
}
