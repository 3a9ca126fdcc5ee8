package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/notevault/notesync/internal/model"
)

// HTTPGateway talks to the NoteVault sync server over HTTP.
//
// Endpoints:
//
//	POST   /v1/changes/push          push a change batch
//	GET    /v1/changes/pull          pull changes since a cursor
//	HEAD   /v1/blobs/by-hash/{hash}  content-hash existence check
//	PUT    /v1/blobs/by-hash/{hash}  upload bytes
//	GET    /v1/blobs/{key}           download bytes
//	DELETE /v1/blobs/{key}           delete a blob
//
// Transport-level failures and 5xx responses map to ErrTransient; auth,
// quota, and conflict responses map to their sentinel kinds so callers can
// route them per policy.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPConfig configures the HTTP gateway client.
type HTTPConfig struct {
	// BaseURL is the sync server root, e.g. "https://sync.notevault.app".
	BaseURL string
	// Token is the bearer token attached to every request.
	Token string
	// Timeout bounds each request (default: 30s).
	Timeout time.Duration
}

// NewHTTPGateway creates a Gateway backed by the NoteVault sync server.
func NewHTTPGateway(config HTTPConfig) (*HTTPGateway, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		client:  &http.Client{Timeout: config.Timeout},
	}, nil
}

type pushRequest struct {
	OwnerID string                  `json:"owner_id"`
	Entries []model.ChangeLogEntry `json:"entries"`
}

// PushChanges implements Gateway.
func (g *HTTPGateway) PushChanges(ctx context.Context, ownerID string, entries []model.ChangeLogEntry) (*PushResult, error) {
	body, err := json.Marshal(pushRequest{OwnerID: ownerID, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	var result PushResult
	if err := g.doJSON(ctx, http.MethodPost, "/v1/changes/push", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PullChanges implements Gateway.
func (g *HTTPGateway) PullChanges(ctx context.Context, ownerID string, sinceVersion int64) (*PullResult, error) {
	q := url.Values{}
	q.Set("owner_id", ownerID)
	q.Set("since", strconv.FormatInt(sinceVersion, 10))

	var result PullResult
	if err := g.doJSON(ctx, http.MethodGet, "/v1/changes/pull?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BlobExists implements Gateway.
func (g *HTTPGateway) BlobExists(ctx context.Context, contentHash string) (bool, error) {
	resp, err := g.do(ctx, http.MethodHead, "/v1/blobs/by-hash/"+url.PathEscape(contentHash), nil)
	if err != nil {
		return false, err
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode)
	}
}

// UploadBlob implements Gateway.
func (g *HTTPGateway) UploadBlob(ctx context.Context, contentHash string, data []byte) (string, error) {
	resp, err := g.do(ctx, http.MethodPut, "/v1/blobs/by-hash/"+url.PathEscape(contentHash), data)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp.StatusCode)
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return out.Key, nil
}

// DownloadBlob implements Gateway.
func (g *HTTPGateway) DownloadBlob(ctx context.Context, remoteBlobKey string) ([]byte, error) {
	resp, err := g.do(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(remoteBlobKey), nil)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, remoteBlobKey)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob body: %v", ErrTransient, err)
	}
	return data, nil
}

// DeleteBlob implements Gateway.
func (g *HTTPGateway) DeleteBlob(ctx context.Context, remoteBlobKey string) error {
	resp, err := g.do(ctx, http.MethodDelete, "/v1/blobs/"+url.PathEscape(remoteBlobKey), nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	// 404 means already gone; deletion is idempotent.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError(resp.StatusCode)
}

// do issues a request with auth headers. Transport errors map to ErrTransient.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return resp, nil
}

// doJSON issues a request and decodes a JSON response into out.
func (g *HTTPGateway) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := g.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps HTTP status codes to the gateway error taxonomy.
func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthenticated, code)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: HTTP %d", ErrVersionConflict, code)
	case code == http.StatusPaymentRequired || code == http.StatusRequestEntityTooLarge ||
		code == http.StatusInsufficientStorage:
		return fmt.Errorf("%w: HTTP %d", ErrQuotaExceeded, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrTransient, code)
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
