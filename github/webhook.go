package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forrest-runner/forrest/types"
)

// Webhook header names, as GitHub sends them.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
)

// VerifySignature checks the body's HMAC-SHA256 against the signature
// header ("sha256=<hex>"). Comparison is constant time.
func VerifySignature(secret, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// WebhookEvent is the decoded, normalized result of one webhook delivery.
type WebhookEvent struct {
	Job            types.JobEvent
	InstallationID int64
}

type workflowJobPayload struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID         int64    `json:"id"`
		RunID      int64    `json:"run_id"`
		Status     string   `json:"status"`
		Labels     []string `json:"labels"`
		RunnerName string   `json:"runner_name"`
	} `json:"workflow_job"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// ParseWorkflowJobEvent decodes a workflow_job webhook body.
// Returns (nil, nil) for event types and actions we acknowledge but ignore.
func ParseWorkflowJobEvent(eventType string, body []byte) (*WebhookEvent, error) {
	if eventType != "workflow_job" {
		return nil, nil
	}

	var payload workflowJobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode workflow_job payload: %w", err)
	}

	var action types.JobAction
	switch payload.Action {
	case "queued":
		action = types.JobQueued
	case "in_progress":
		action = types.JobInProgress
	case "completed":
		action = types.JobCompleted
	default:
		return nil, nil
	}

	if payload.Repository.Owner.Login == "" || payload.Repository.Name == "" {
		return nil, fmt.Errorf("workflow_job event is missing the repository identity")
	}
	if payload.Installation.ID == 0 {
		return nil, fmt.Errorf("workflow_job event was not sent by an app installation")
	}

	return &WebhookEvent{
		Job: types.JobEvent{
			ID:         payload.WorkflowJob.ID,
			RunID:      payload.WorkflowJob.RunID,
			Action:     action,
			Repo:       types.NewOwnerRepo(payload.Repository.Owner.Login, payload.Repository.Name),
			Labels:     payload.WorkflowJob.Labels,
			RunnerName: payload.WorkflowJob.RunnerName,
			ReceivedAt: time.Now(),
		},
		InstallationID: payload.Installation.ID,
	}, nil
}
