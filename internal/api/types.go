package api

// CreateRunRequest opens a new sync run on the remote.
type CreateRunRequest struct {
	TriggeredBy string `json:"triggered_by"`
	MachineID   string `json:"machine_id"`
}

// CreateRunResponse carries the remote-issued run identifier.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// HashCheckRequest asks which content hashes are already known remotely.
type HashCheckRequest struct {
	Hashes []string `json:"hashes"`
}

// HashCheck is the per-hash answer to a deduplication query.
type HashCheck struct {
	Exists     bool   `json:"exists"`
	DocumentID string `json:"document_id,omitempty"`
}

// HashCheckResponse maps each queried hash to its remote state.
type HashCheckResponse struct {
	Results map[string]HashCheck `json:"results"`
}

// GrantFile describes one file for which an upload grant is requested.
type GrantFile struct {
	ContentHash string   `json:"content_hash"`
	FileName    string   `json:"file_name"`
	Size        int64    `json:"size"`
	GroupIDs    []string `json:"group_ids,omitempty"`
}

// GrantRequest asks the remote for presigned upload grants.
type GrantRequest struct {
	Files     []GrantFile `json:"files"`
	MachineID string      `json:"machine_id"`
	OS        string      `json:"os"`
	RunID     string      `json:"run_id,omitempty"`
}

// UploadGrant is a short-lived permission to write one file's bytes
// directly to object storage. Consumed at most once; an expired grant is
// re-issued, never retried.
type UploadGrant struct {
	ContentHash    string `json:"content_hash"`
	UploadEndpoint string `json:"upload_endpoint"`
	StorageKey     string `json:"storage_key"`
}

// KnownFile identifies a file the remote already stores, returned from a
// grant request so the client skips the transfer.
type KnownFile struct {
	ContentHash string `json:"content_hash"`
	DocumentID  string `json:"document_id,omitempty"`
}

// GrantResponse carries the issued grants plus batch metadata.
type GrantResponse struct {
	RunID                string        `json:"run_id"`
	Grants               []UploadGrant `json:"grants"`
	AlreadyKnown         []KnownFile   `json:"already_known"`
	TotalBytes           int64         `json:"total_bytes"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

// FailedUpload reports one transfer that did not complete.
type FailedUpload struct {
	ContentHash string `json:"content_hash"`
	Error       string `json:"error"`
}

// ConfirmRequest reports batch outcomes after all transfers resolve.
type ConfirmRequest struct {
	RunID           string         `json:"run_id"`
	SucceededHashes []string       `json:"succeeded_hashes"`
	FailedHashes    []FailedUpload `json:"failed_hashes,omitempty"`
}

// ConfirmResponse acknowledges a confirmation call.
type ConfirmResponse struct {
	Status          string `json:"status"`
	QueuedCount     int    `json:"queued_count"`
	ProcessingCount int    `json:"processing_count"`
}

// RunStatus is one poll of the remote's asynchronous processing state.
type RunStatus struct {
	FilesCompleted  int      `json:"files_completed"`
	FilesFailed     int      `json:"files_failed"`
	FilesSkipped    int      `json:"files_skipped"`
	ProgressPercent int      `json:"progress_percent"`
	IsComplete      bool     `json:"is_complete"`
	IsResumable     bool     `json:"is_resumable"`
	Errors          []string `json:"errors,omitempty"`
}

// DeleteRequest removes remote documents by content hash.
type DeleteRequest struct {
	Hashes []string `json:"hashes"`
}

// DeleteResponse reports the outcome of a batched deletion.
type DeleteResponse struct {
	DeletedCount int      `json:"deleted_count"`
	Errors       []string `json:"errors,omitempty"`
}

// RunSummary finalizes a run's counters and error detail on the remote.
type RunSummary struct {
	FilesScanned   int        `json:"files_scanned"`
	FilesNew       int        `json:"files_new"`
	FilesUpdated   int        `json:"files_updated"`
	FilesDeleted   int        `json:"files_deleted"`
	FilesFailed    int        `json:"files_failed"`
	FilesSkipped   int        `json:"files_skipped"`
	FilesCompleted int        `json:"files_completed"`
	BytesProcessed int64      `json:"bytes_processed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	FileErrors     []RunError `json:"file_errors,omitempty"`
}

// RunError is a structured per-file error attached to a run summary.
type RunError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CompleteRunRequest is the terminal report for a run.
type CompleteRunRequest struct {
	Status  string     `json:"status"`
	Summary RunSummary `json:"summary"`
}

// Group is an access-control tag files can be registered under.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GroupListResponse carries the groups visible to the caller.
type GroupListResponse struct {
	Groups []Group `json:"groups"`
}

// IncompleteRun describes a run a prior process instance left
// unfinished, as reported by the remote for resumption.
type IncompleteRun struct {
	RunID            string   `json:"run_id"`
	StartedAt        int64    `json:"started_at"`
	ConfirmedHashes  []string `json:"confirmed_hashes"`
	OutstandingCount int      `json:"outstanding_count"`
}

// IncompleteRunsResponse lists resumable runs.
type IncompleteRunsResponse struct {
	Runs []IncompleteRun `json:"runs"`
}
