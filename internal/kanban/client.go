package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

var ErrConflict = errors.New("git conflict")

type HTTPError struct {
	StatusCode int
	Message    string
	ErrorData  json.RawMessage
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// APIError is a 2xx response whose envelope reports success=false.
type APIError struct {
	Message   string
	ErrorData json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// ErrorType returns the "type" tag of the structured error payload, if any.
func (e *APIError) ErrorType() string {
	var tagged struct {
		Type string `json:"type"`
	}
	if len(e.ErrorData) == 0 || json.Unmarshal(e.ErrorData, &tagged) != nil {
		return ""
	}
	return tagged.Type
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	ErrorData json.RawMessage `json:"error_data"`
	Message   string          `json:"message"`
}

type CherryPickToNewBranchRequest struct {
	RepoID        string `json:"repo_id"`
	NewBranchName string `json:"new_branch_name"`
	BaseBranch    string `json:"base_branch"`
}

type CherryPickToNewBranchResponse struct {
	Branch       string `json:"branch"`
	CommitsAdded int    `json:"commits_added"`
}

type RebaseRequest struct {
	RepoID        string `json:"repo_id"`
	OldBaseBranch string `json:"old_base_branch,omitempty"`
	NewBaseBranch string `json:"new_base_branch,omitempty"`
}

type BranchStatus struct {
	RepoID            string   `json:"repo_id"`
	RepoName          string   `json:"repo_name"`
	TargetBranchName  string   `json:"target_branch_name"`
	CommitsAhead      *int     `json:"commits_ahead"`
	CommitsBehind     *int     `json:"commits_behind"`
	HasUncommitted    *bool    `json:"has_uncommitted_changes"`
	IsRebaseInProcess bool     `json:"is_rebase_in_progress"`
	ConflictedFiles   []string `json:"conflicted_files"`
}

type ClientOptions struct {
	Refresh *patchstream.RefreshRegistry
	Logger  patchstream.Logger
}

// Client talks to the REST side of the backend. Git operations that move an
// attempt's base invalidate the attempt's diff stream on success.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	refresh    *patchstream.RefreshRegistry
	logger     patchstream.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		refresh:    opts.Refresh,
		logger:     opts.Logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) CherryPickToNewBranch(ctx context.Context, attemptID string, req CherryPickToNewBranchRequest) (CherryPickToNewBranchResponse, error) {
	var out CherryPickToNewBranchResponse
	if strings.TrimSpace(attemptID) == "" {
		return out, fmt.Errorf("%w: attempt id is required", patchstream.ErrInvalidInput)
	}
	err := c.doJSON(ctx, http.MethodPost, attemptPath(attemptID, "cherry-pick-to-new-branch"), req, &out)
	if err != nil {
		return out, err
	}
	c.invalidateDiff(attemptID, "cherry-pick")
	return out, nil
}

func (c *Client) Rebase(ctx context.Context, attemptID string, req RebaseRequest) error {
	if strings.TrimSpace(attemptID) == "" {
		return fmt.Errorf("%w: attempt id is required", patchstream.ErrInvalidInput)
	}
	if err := c.doJSON(ctx, http.MethodPost, attemptPath(attemptID, "rebase"), req, nil); err != nil {
		return err
	}
	c.invalidateDiff(attemptID, "rebase")
	return nil
}

func (c *Client) GetBranchStatus(ctx context.Context, attemptID string) ([]BranchStatus, error) {
	var out []BranchStatus
	if strings.TrimSpace(attemptID) == "" {
		return nil, fmt.Errorf("%w: attempt id is required", patchstream.ErrInvalidInput)
	}
	err := c.doJSON(ctx, http.MethodGet, attemptPath(attemptID, "branch-status"), nil, &out)
	return out, err
}

func (c *Client) invalidateDiff(attemptID, reason string) {
	if c.refresh == nil {
		return
	}
	nonce := c.refresh.Invalidate(DiffRefreshKey(attemptID))
	c.logf("%s on attempt %s: diff stream refresh nonce now %d", reason, attemptID, nonce)
}

func attemptPath(attemptID, action string) string {
	return "/api/task-attempts/" + url.PathEscape(strings.TrimSpace(attemptID)) + "/" + action
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retryable := method == http.MethodGet || method == http.MethodHead
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", patchstream.NewCorrelationID("kanban"))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var envelope apiResponse
		decodeErr := json.Unmarshal(payload, &envelope)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode}
			if decodeErr == nil {
				httpErr.Message = envelope.Message
				httpErr.ErrorData = envelope.ErrorData
			}
			return httpErr
		}
		if decodeErr != nil {
			return fmt.Errorf("decode %s %s response: %w", method, requestPath, decodeErr)
		}
		if !envelope.Success {
			return &APIError{Message: envelope.Message, ErrorData: envelope.ErrorData}
		}
		if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil
		}
		return json.Unmarshal(envelope.Data, out)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
