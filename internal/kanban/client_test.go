package kanban

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, registry *patchstream.RefreshRegistry) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, "token", server.Client(), ClientOptions{Refresh: registry})
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestCherryPickInvalidatesDiffStream(t *testing.T) {
	registry := patchstream.NewRefreshRegistry()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/task-attempts/att_1/cherry-pick-to-new-branch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token")
		}
		var req CherryPickToNewBranchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RepoID != "repo_1" || req.NewBranchName != "feature/copy" || req.BaseBranch != "main" {
			t.Errorf("unexpected request body %+v", req)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"branch":"feature/copy","commits_added":2},"error_data":null,"message":null}`))
	}, registry)

	resp, err := client.CherryPickToNewBranch(context.Background(), "att_1", CherryPickToNewBranchRequest{
		RepoID:        "repo_1",
		NewBranchName: "feature/copy",
		BaseBranch:    "main",
	})
	if err != nil {
		t.Fatalf("cherry-pick failed: %v", err)
	}
	if resp.Branch != "feature/copy" || resp.CommitsAdded != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := registry.Nonce(DiffRefreshKey("att_1")); got != 1 {
		t.Fatalf("expected diff refresh nonce 1, got %d", got)
	}
	if got := registry.Nonce(DiffRefreshKey("att_2")); got != 0 {
		t.Fatalf("expected other attempts untouched, got %d", got)
	}
}

func TestRebaseFailureDoesNotInvalidate(t *testing.T) {
	registry := patchstream.NewRefreshRegistry()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"data":null,"error_data":{"type":"merge_conflicts","conflicted_files":["a.go"]},"message":"Merge conflicts"}`))
	}, registry)

	err := client.Rebase(context.Background(), "att_1", RebaseRequest{RepoID: "repo_1", NewBaseBranch: "main"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.ErrorType() != "merge_conflicts" || apiErr.Message != "Merge conflicts" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if got := registry.Nonce(DiffRefreshKey("att_1")); got != 0 {
		t.Fatalf("expected no invalidation on failure, got nonce %d", got)
	}
}

func TestRebaseConflictStatus(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"message":"rebase in progress"}`))
	}, nil)

	err := client.Rebase(context.Background(), "att_1", RebaseRequest{RepoID: "repo_1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "rebase in progress" {
		t.Fatalf("expected message from envelope, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single call, got %d", got)
	}
}

func TestPostIsNotRetriedOnServerError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	err := client.Rebase(context.Background(), "att_1", RebaseRequest{RepoID: "repo_1"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one call, got %d", got)
	}
}

func TestGetBranchStatusRetriesTransientFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task-attempts/att_1/branch-status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[{"repo_id":"repo_1","repo_name":"web","target_branch_name":"main","commits_ahead":2,"commits_behind":1,"is_rebase_in_progress":false,"conflicted_files":[]}]}`))
	}, nil)

	statuses, err := client.GetBranchStatus(context.Background(), "att_1")
	if err != nil {
		t.Fatalf("branch status failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].RepoName != "web" || statuses[0].CommitsAhead == nil || *statuses[0].CommitsAhead != 2 {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected three calls, got %d", got)
	}
}

func TestClientRejectsEmptyAttempt(t *testing.T) {
	client := NewClient("", "", nil, ClientOptions{})
	if _, err := client.GetBranchStatus(context.Background(), " "); !errors.Is(err, patchstream.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	client := NewClient("", "", nil, ClientOptions{})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected retry-after capped at max delay, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected retry-after honored, got %s", got)
	}
}
