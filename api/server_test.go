package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrest-runner/forrest/auth"
	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/jobs"
	"github.com/forrest-runner/forrest/scheduler"
)

const webhookSecret = "hunter2"

func newTestServer(t *testing.T) (*Server, *scheduler.Scheduler) {
	t.Helper()

	tmpl := t.TempDir()
	doc := strings.ReplaceAll(`
host:
  base_dir: /srv/forrest
  ram_budget: 16G
github:
  app_id: 1
  app_key_file: /k.pem
  webhook_secret: hunter2
repositories:
  acme:
    widgets:
      machines:
        build:
          cpus: 2
          ram: 4G
          disk: 20G
          setup_template: {path: TEMPLATE}
`, "TEMPLATE", tmpl)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := config.Open(path)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	authn, err := auth.New(1, keyPEM, webhookSecret)
	require.NoError(t, err)

	sched := scheduler.New(func() int64 { return 16 << 30 })
	jobManager := jobs.New(cfg, sched)

	return New(filepath.Join(t.TempDir(), "api.sock"), cfg, authn, jobManager, nil, sched), sched
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const queuedPayload = `{
  "action": "queued",
  "workflow_job": {
    "id": 42,
    "run_id": 7,
    "status": "queued",
    "labels": ["self-hosted", "forrest", "build"]
  },
  "repository": {"name": "widgets", "owner": {"login": "acme"}},
  "installation": {"id": 999}
}`

func postWebhook(s *Server, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(github.HeaderEvent, event)
	req.Header.Set(github.HeaderSignature, signature)
	w := httptest.NewRecorder()
	s.handleWebhook(w, req)
	return w
}

func TestWebhookInvalidSignatureNeverEnqueues(t *testing.T) {
	s, sched := newTestServer(t)
	body := []byte(queuedPayload)

	w := postWebhook(s, "workflow_job", body, "sha256=deadbeef")
	assert.Equal(t, 401, w.Code)
	assert.Empty(t, sched.QueuedJobIDs())

	w = postWebhook(s, "workflow_job", body, "")
	assert.Equal(t, 401, w.Code)
	assert.Empty(t, sched.QueuedJobIDs())
}

func TestWebhookValidQueuedJob(t *testing.T) {
	s, sched := newTestServer(t)
	body := []byte(queuedPayload)

	w := postWebhook(s, "workflow_job", body, sign(body))
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, []int64{42}, sched.QueuedJobIDs())
}

func TestWebhookUnlistedRepositoryRejected(t *testing.T) {
	s, sched := newTestServer(t)
	body := []byte(strings.ReplaceAll(queuedPayload, `"login": "acme"`, `"login": "stranger"`))

	w := postWebhook(s, "workflow_job", body, sign(body))
	assert.Equal(t, 401, w.Code)
	assert.Empty(t, sched.QueuedJobIDs())
}

func TestWebhookIgnoredEventAcknowledged(t *testing.T) {
	s, sched := newTestServer(t)
	body := []byte(`{"zen": "keep it simple"}`)

	w := postWebhook(s, "ping", body, sign(body))
	assert.Equal(t, 204, w.Code)
	assert.Empty(t, sched.QueuedJobIDs())
}

func TestWebhookMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"action":"queued","workflow_job":{"id":1}}`)

	w := postWebhook(s, "workflow_job", body, sign(body))
	assert.Equal(t, 400, w.Code)
}
