package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
)

// Client talks to the knowledge-base REST API with bearer-token auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for the given base URL and token.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// do sends a JSON request and decodes the response into result.
// Non-2xx responses become errors carrying the server's error message
// when one can be extracted from the body.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %v", kberr.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := errorMessage(respBody); msg != "" {
			return fmt.Errorf("%w: %s (%d): %s", kberr.ErrAPIRequest, endpoint, resp.StatusCode, msg)
		}

		return fmt.Errorf("%w: %s returned status %d", kberr.ErrAPIRequest, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %v", kberr.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// errorMessage pulls a human-readable message out of an error body.
// The API is not consistent about the field name across endpoints, so
// sniff the common ones rather than binding a struct per shape.
func errorMessage(body []byte) string {
	for _, field := range []string{"error", "message", "detail"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

// CreateRun opens a new sync run and returns its remote-issued ID.
func (c *Client) CreateRun(ctx context.Context, triggeredBy, machineID string) (string, error) {
	req := CreateRunRequest{TriggeredBy: triggeredBy, MachineID: machineID}

	var resp CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/sync/runs", req, &resp); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	if resp.RunID == "" {
		return "", fmt.Errorf("%w: run id missing from create response", kberr.ErrAPIResponse)
	}

	return resp.RunID, nil
}

// CheckHashes asks which of the given content hashes the remote already
// stores. One batched call regardless of inventory size.
func (c *Client) CheckHashes(ctx context.Context, hashes []string) (map[string]HashCheck, error) {
	req := HashCheckRequest{Hashes: hashes}

	var resp HashCheckResponse
	if err := c.do(ctx, http.MethodPost, "/documents/check-hashes", req, &resp); err != nil {
		return nil, fmt.Errorf("checking hashes: %w", err)
	}

	if resp.Results == nil {
		resp.Results = make(map[string]HashCheck)
	}

	return resp.Results, nil
}

// RequestUploadGrants asks for presigned upload grants covering the
// whole queue in one call.
func (c *Client) RequestUploadGrants(ctx context.Context, req GrantRequest) (*GrantResponse, error) {
	var resp GrantResponse
	if err := c.do(ctx, http.MethodPost, "/uploads/grants", req, &resp); err != nil {
		return nil, fmt.Errorf("requesting upload grants: %w", err)
	}

	return &resp, nil
}

// ConfirmUploads reports which transfers succeeded and which failed once
// all of them have resolved.
func (c *Client) ConfirmUploads(ctx context.Context, runID string, succeeded []string, failed []FailedUpload) (*ConfirmResponse, error) {
	req := ConfirmRequest{RunID: runID, SucceededHashes: succeeded, FailedHashes: failed}

	var resp ConfirmResponse
	if err := c.do(ctx, http.MethodPost, "/uploads/confirm", req, &resp); err != nil {
		return nil, fmt.Errorf("confirming uploads: %w", err)
	}

	return &resp, nil
}

// PollStatus reads the remote's asynchronous processing state for a run.
func (c *Client) PollStatus(ctx context.Context, runID string) (*RunStatus, error) {
	var resp RunStatus
	if err := c.do(ctx, http.MethodGet, "/sync/runs/"+runID+"/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("polling run status: %w", err)
	}

	return &resp, nil
}

// DeleteByHashes removes remote documents by content hash in one
// batched call.
func (c *Client) DeleteByHashes(ctx context.Context, hashes []string) (*DeleteResponse, error) {
	req := DeleteRequest{Hashes: hashes}

	var resp DeleteResponse
	if err := c.do(ctx, http.MethodPost, "/documents/delete-by-hashes", req, &resp); err != nil {
		return nil, fmt.Errorf("deleting by hashes: %w", err)
	}

	return &resp, nil
}

// CompleteRun finalizes a run on the remote with its terminal status,
// counters, and error detail.
func (c *Client) CompleteRun(ctx context.Context, runID, status string, summary RunSummary) error {
	req := CompleteRunRequest{Status: status, Summary: summary}

	if err := c.do(ctx, http.MethodPost, "/sync/runs/"+runID+"/complete", req, nil); err != nil {
		return fmt.Errorf("completing run: %w", err)
	}

	return nil
}

// ListGroups returns the access-control groups visible to the caller.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var resp GroupListResponse
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	return resp.Groups, nil
}

// ListIncompleteRuns returns runs left in a resumable state by a prior
// process instance.
func (c *Client) ListIncompleteRuns(ctx context.Context) ([]IncompleteRun, error) {
	var resp IncompleteRunsResponse
	if err := c.do(ctx, http.MethodGet, "/sync/runs/incomplete", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing incomplete runs: %w", err)
	}

	return resp.Runs, nil
}

// UploadFile streams the file's bytes to the grant's presigned endpoint.
// The grant itself authorizes the write, so no bearer header is sent.
// A 403 from an expired grant maps to ErrGrantExpired; the caller must
// re-issue rather than retry.
func (c *Client) UploadFile(ctx context.Context, grant UploadGrant, absPath string, size int64) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", absPath, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.UploadEndpoint, f)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}

	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: uploading %s: %v", kberr.ErrAPIRequest, grant.StorageKey, err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused across the batch.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", kberr.ErrGrantExpired, grant.StorageKey)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := errorMessage(body); msg != "" {
			return fmt.Errorf("%w: upload of %s returned %d: %s", kberr.ErrAPIRequest, grant.StorageKey, resp.StatusCode, msg)
		}

		return fmt.Errorf("%w: upload of %s returned status %d", kberr.ErrAPIRequest, grant.StorageKey, resp.StatusCode)
	}

	return nil
}
