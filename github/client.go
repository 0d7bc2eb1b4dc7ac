package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/auth"
	"github.com/forrest-runner/forrest/types"
)

// ErrTransient marks CI-provider failures worth retrying: network errors
// and 5xx responses. Everything else is terminal for the calling operation.
var ErrTransient = errors.New("transient CI provider error")

const (
	maxRetries   = 3
	retryBackoff = time.Second
	pageSize     = 100
)

// Client is a minimal typed client for the handful of REST endpoints
// Forrest needs. Installation-scoped tokens come from auth.
type Client struct {
	auth *auth.Auth
	hc   *http.Client
	// Base is the REST endpoint, overridable in tests.
	Base string
}

func NewClient(a *auth.Auth) *Client {
	return &Client{
		auth: a,
		hc:   &http.Client{Timeout: 30 * time.Second},
		Base: "https://api.github.com",
	}
}

// JITConfig is the opaque registration blob a JIT runner boots with.
type JITConfig struct {
	RunnerID int64
	Encoded  string
}

// Runner is a registered self-hosted runner as the API reports it.
type Runner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // online / offline
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// WorkflowRun carries the run fields needed to judge ref trust.
type WorkflowRun struct {
	ID             int64  `json:"id"`
	Event          string `json:"event"`
	HeadBranch     string `json:"head_branch"`
	HeadRepository struct {
		FullName string `json:"full_name"`
	} `json:"head_repository"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Trusted reports whether the run executes for a branch push on the
// repository itself, as opposed to a pull request from outside it.
func (r *WorkflowRun) Trusted() bool {
	if r.Event == "pull_request" || r.Event == "pull_request_target" {
		return false
	}
	return r.HeadRepository.FullName == "" || r.HeadRepository.FullName == r.Repository.FullName
}

// CreateJITRunner registers a just-in-time runner for one job and returns
// the encoded config the guest agent boots with.
func (c *Client) CreateJITRunner(ctx context.Context, or types.OwnerRepo, name string, labels []string) (*JITConfig, error) {
	body := map[string]any{
		"name":            name,
		"runner_group_id": 1,
		"labels":          labels,
	}
	var resp struct {
		Runner struct {
			ID int64 `json:"id"`
		} `json:"runner"`
		EncodedJITConfig string `json:"encoded_jit_config"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runners/generate-jitconfig", or.Owner, or.Repo)
	if err := c.do(ctx, or.Owner, http.MethodPost, path, body, http.StatusCreated, &resp); err != nil {
		return nil, fmt.Errorf("create JIT runner for %s: %w", or, err)
	}
	return &JITConfig{RunnerID: resp.Runner.ID, Encoded: resp.EncodedJITConfig}, nil
}

// DeleteRunner removes a runner registration.
func (c *Client) DeleteRunner(ctx context.Context, or types.OwnerRepo, runnerID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runners/%d", or.Owner, or.Repo, runnerID)
	if err := c.do(ctx, or.Owner, http.MethodDelete, path, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("delete runner %d on %s: %w", runnerID, or, err)
	}
	return nil
}

// ListRunners returns all self-hosted runners registered on the repository.
func (c *Client) ListRunners(ctx context.Context, or types.OwnerRepo) ([]Runner, error) {
	var out []Runner
	for page := 1; ; page++ {
		var resp struct {
			Runners []Runner `json:"runners"`
		}
		path := fmt.Sprintf("/repos/%s/%s/actions/runners?per_page=%d&page=%d", or.Owner, or.Repo, pageSize, page)
		if err := c.do(ctx, or.Owner, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
			return nil, fmt.Errorf("list runners on %s: %w", or, err)
		}
		out = append(out, resp.Runners...)
		if len(resp.Runners) < pageSize {
			return out, nil
		}
	}
}

// GetWorkflowRun fetches one workflow run.
func (c *Client) GetWorkflowRun(ctx context.Context, or types.OwnerRepo, runID int64) (*WorkflowRun, error) {
	var run WorkflowRun
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", or.Owner, or.Repo, runID)
	if err := c.do(ctx, or.Owner, http.MethodGet, path, nil, http.StatusOK, &run); err != nil {
		return nil, fmt.Errorf("get workflow run %d on %s: %w", runID, or, err)
	}
	return &run, nil
}

// ListQueuedJobs returns normalized job events for every queued job of every
// queued workflow run on the repository. This is the polling backstop for
// webhooks lost to outages; the jobs manager deduplicates against events
// already seen.
func (c *Client) ListQueuedJobs(ctx context.Context, or types.OwnerRepo) ([]types.JobEvent, error) {
	var events []types.JobEvent

	for page := 1; ; page++ {
		var runsResp struct {
			WorkflowRuns []WorkflowRun `json:"workflow_runs"`
		}
		path := fmt.Sprintf("/repos/%s/%s/actions/runs?status=queued&per_page=%d&page=%d", or.Owner, or.Repo, pageSize, page)
		if err := c.do(ctx, or.Owner, http.MethodGet, path, nil, http.StatusOK, &runsResp); err != nil {
			return nil, fmt.Errorf("list queued runs on %s: %w", or, err)
		}

		for i := range runsResp.WorkflowRuns {
			run := &runsResp.WorkflowRuns[i]
			jobs, err := c.listRunJobs(ctx, or, run.ID)
			if err != nil {
				log.WithFunc("github.ListQueuedJobs").Warnf(ctx, "jobs of run %d on %s: %v", run.ID, or, err)
				continue
			}
			for _, job := range jobs {
				if job.Status != "queued" {
					continue
				}
				events = append(events, types.JobEvent{
					ID:         job.ID,
					RunID:      run.ID,
					Action:     types.JobQueued,
					Repo:       or,
					Labels:     job.Labels,
					TrustedRef: run.Trusted(),
					ReceivedAt: time.Now(),
				})
			}
		}

		if len(runsResp.WorkflowRuns) < pageSize {
			return events, nil
		}
	}
}

type workflowJob struct {
	ID     int64    `json:"id"`
	RunID  int64    `json:"run_id"`
	Status string   `json:"status"`
	Labels []string `json:"labels"`
}

func (c *Client) listRunJobs(ctx context.Context, or types.OwnerRepo, runID int64) ([]workflowJob, error) {
	var out []workflowJob
	for page := 1; ; page++ {
		var resp struct {
			Jobs []workflowJob `json:"jobs"`
		}
		path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=%d&page=%d", or.Owner, or.Repo, runID, pageSize, page)
		if err := c.do(ctx, or.Owner, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Jobs...)
		if len(resp.Jobs) < pageSize {
			return out, nil
		}
	}
}

// do performs one authenticated request with capped exponential backoff on
// transient failures.
func (c *Client) do(ctx context.Context, owner, method, path string, body any, wantStatus int, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		lastErr = c.doOnce(ctx, owner, method, path, payload, wantStatus, out)
		if lastErr == nil || !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, owner, method, path string, payload []byte, wantStatus int, out any) error {
	token, err := c.auth.InstallationToken(ctx, owner)
	if err != nil {
		return err
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: %s", ErrTransient, method, path, res.Status)
	}
	if res.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, res.Status, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
