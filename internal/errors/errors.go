package errors

import "errors"

// Run-level errors. These fail a sync run before any remote mutation.
var (
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrNoFolderConfigs = errors.New("no folder configurations found")
	ErrNotConfigured   = errors.New("remote integration not configured")
)

// Gateway/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrGrantExpired = errors.New("upload grant expired")
)
