package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrest-runner/forrest/types"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("hunter2")
	body := []byte(`{"action":"queued"}`)

	assert.True(t, VerifySignature(secret, body, sign(secret, body)))

	assert.False(t, VerifySignature(secret, body, sign([]byte("wrong"), body)))
	assert.False(t, VerifySignature(secret, []byte("tampered"), sign(secret, body)))
	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature(secret, body, "sha256=nothex"))
	assert.False(t, VerifySignature(secret, body, "sha1=deadbeef"))
}

const queuedPayload = `{
  "action": "queued",
  "workflow_job": {
    "id": 42,
    "run_id": 7,
    "status": "queued",
    "labels": ["self-hosted", "forrest", "build"]
  },
  "repository": {
    "name": "widgets",
    "owner": {"login": "acme"}
  },
  "installation": {"id": 999}
}`

func TestParseWorkflowJobEvent(t *testing.T) {
	ev, err := ParseWorkflowJobEvent("workflow_job", []byte(queuedPayload))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, int64(42), ev.Job.ID)
	assert.Equal(t, int64(7), ev.Job.RunID)
	assert.Equal(t, types.JobQueued, ev.Job.Action)
	assert.Equal(t, types.NewOwnerRepo("acme", "widgets"), ev.Job.Repo)
	assert.Equal(t, []string{"self-hosted", "forrest", "build"}, ev.Job.Labels)
	assert.Equal(t, int64(999), ev.InstallationID)
}

func TestParseIgnoredEvents(t *testing.T) {
	// Other event types are acknowledged but produce nothing.
	ev, err := ParseWorkflowJobEvent("push", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	// Unhandled workflow_job actions likewise.
	body := []byte(`{"action":"waiting","workflow_job":{"id":1},"repository":{"name":"r","owner":{"login":"o"}},"installation":{"id":1}}`)
	ev, err = ParseWorkflowJobEvent("workflow_job", body)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := ParseWorkflowJobEvent("workflow_job", []byte(`not json`))
	assert.Error(t, err)

	// Missing repository identity.
	body := []byte(`{"action":"queued","workflow_job":{"id":1},"installation":{"id":1}}`)
	_, err = ParseWorkflowJobEvent("workflow_job", body)
	assert.Error(t, err)

	// Missing installation.
	body = []byte(`{"action":"queued","workflow_job":{"id":1},"repository":{"name":"r","owner":{"login":"o"}}}`)
	_, err = ParseWorkflowJobEvent("workflow_job", body)
	assert.Error(t, err)
}

func TestWorkflowRunTrusted(t *testing.T) {
	run := WorkflowRun{Event: "push"}
	run.Repository.FullName = "acme/widgets"
	run.HeadRepository.FullName = "acme/widgets"
	assert.True(t, run.Trusted())

	run.Event = "pull_request"
	assert.False(t, run.Trusted())

	run.Event = "push"
	run.HeadRepository.FullName = "fork/widgets"
	assert.False(t, run.Trusted())
}
