package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/auth"
	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/jobs"
	"github.com/forrest-runner/forrest/machines"
	"github.com/forrest-runner/forrest/scheduler"
)

// maxWebhookBody bounds webhook request bodies. GitHub caps payloads at
// 25 MB; anything bigger is not a webhook.
const maxWebhookBody = 25 << 20

// Server is the unix domain socket surface behind the reverse proxy:
// webhook deliveries come in here, and operators can read the run status.
type Server struct {
	socketPath string
	cfg        *config.Store
	auth       *auth.Auth
	jobs       *jobs.Manager
	machines   *machines.Manager
	sched      *scheduler.Scheduler
}

func New(socketPath string, cfg *config.Store, a *auth.Auth, j *jobs.Manager, m *machines.Manager, s *scheduler.Scheduler) *Server {
	return &Server{socketPath: socketPath, cfg: cfg, auth: a, jobs: j, machines: m, sched: s}
}

// Run serves on the socket until ctx is cancelled. The listener is closed
// before anything else during shutdown so no new webhook can arrive while
// live runs drain.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	// The reverse proxy runs as a different user; let it connect.
	if err := os.Chmod(s.socketPath, 0o777); err != nil {
		_ = ln.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /status", s.handleStatus)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		_ = os.Remove(s.socketPath)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithFunc("api.handleWebhook")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !github.VerifySignature(s.auth.WebhookSecret(), body, r.Header.Get(github.HeaderSignature)) {
		logger.Warnf(ctx, "rejected webhook with invalid signature")
		http.Error(w, "signature validation failed", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get(github.HeaderEvent)
	ev, err := github.ParseWorkflowJobEvent(eventType, body)
	if err != nil {
		logger.Warnf(ctx, "malformed %s event: %v", eventType, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev == nil {
		// Not an event we consume; acknowledge and move on.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, ok := s.cfg.Snapshot().Repository(ev.Job.Repo); !ok {
		logger.Infof(ctx, "refusing webhook for unlisted repository %s", ev.Job.Repo)
		http.Error(w, "unknown repository", http.StatusUnauthorized)
		return
	}

	// Remember the installation so API calls on this owner's behalf work.
	s.auth.SetInstallation(ev.Job.Repo.Owner, ev.InstallationID)

	s.jobs.Handle(ctx, ev.Job)
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is the operator-facing daemon overview.
type statusResponse struct {
	Runs        []machines.RunStatus `json:"runs"`
	ReservedRAM int64                `json:"reserved_ram"`
	QueuedJobs  []int64              `json:"queued_jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Runs:        s.machines.Runs(),
		ReservedRAM: s.sched.Reserved(),
		QueuedJobs:  s.sched.QueuedJobIDs(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
