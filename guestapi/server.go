package guestapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/machines"
)

// maxPersistBody bounds the /persist request body; persistence tokens are
// short operator-chosen secrets.
const maxPersistBody = 4096

// Registry resolves per-run bearer tokens. Implemented by machines.Manager.
type Registry interface {
	RunByToken(token string) (machines.Control, bool)
}

// Server is the control API the guest reaches at http://10.0.2.2:8080
// through QEMU's user-mode networking. Every request authenticates with the
// per-run token delivered via cloud-init.
type Server struct {
	addr     string
	registry Registry
}

func New(addr string, registry Registry) *Server {
	return &Server{addr: addr, registry: registry}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /run-token", s.handleRunToken)
	mux.HandleFunc("POST /persist", s.handlePersist)
	mux.HandleFunc("PUT /artifact/", s.handleArtifact)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// tokens splits the Authorization header into the run token and the
// optional extra artifact token: "Bearer <run-token> [extra-token]".
func tokens(r *http.Request) (string, string) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || fields[0] != "Bearer" {
		return "", ""
	}
	runToken := fields[1]
	extra := ""
	if len(fields) > 2 {
		extra = fields[2]
	}
	return runToken, extra
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (machines.Control, string, bool) {
	runToken, extra := tokens(r)
	ctrl, ok := s.registry.RunByToken(runToken)
	if !ok {
		http.Error(w, "unknown run token", http.StatusUnauthorized)
		return nil, "", false
	}
	return ctrl, extra, true
}

// handleRunToken tells the guest the repository's persistence token — but
// only when the originating event was a branch push on the repository
// itself. Pull requests get an empty body and therefore can never persist.
func (s *Server) handleRunToken(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !ctrl.Trusted() {
		return // 200 with empty body
	}
	_, _ = io.WriteString(w, ctrl.PersistenceToken())
}

// handlePersist sets the run's persistence bit when the guest presents the
// repository's persistence token. Mismatches are 403 and otherwise
// harmless: the job still completes normally, the image is just discarded.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPersistBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	presented := strings.TrimSpace(string(body))

	configured := ctrl.PersistenceToken()
	if configured == "" || !ctrl.Trusted() ||
		subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		http.Error(w, "persistence denied", http.StatusForbidden)
		return
	}

	ctrl.RequestPersist()
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact stores an uploaded file into a named artifact store,
// bounded by the store's per-run quota.
//
// URL shape: /artifact/<store name>/<path inside the store...>
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithFunc("guestapi.handleArtifact")

	ctrl, extra, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	name, relPath, ok := artifactPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid artifact path", http.StatusBadRequest)
		return
	}

	handle, ok := ctrl.Artifact(name, extra)
	if !ok {
		http.Error(w, "unknown artifact store", http.StatusNotFound)
		return
	}

	target := filepath.Join(handle.Dir(), relPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		logger.Warnf(ctx, "create artifact dir: %v", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		logger.Warnf(ctx, "create artifact temp file: %v", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	written, err := copyWithQuota(tmp, r.Body, handle)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, errQuotaExceeded) {
			http.Error(w, "artifact quota exceeded", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Warnf(ctx, "store artifact %s: %v", target, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	if err := os.Rename(tmpPath, target); err != nil {
		logger.Warnf(ctx, "finalize artifact %s: %v", target, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	logger.Infof(ctx, "stored artifact %s (%d bytes)", target, written)
	w.Header().Set("Location", handle.URL()+relPath)
	w.WriteHeader(http.StatusCreated)
}

var errQuotaExceeded = errors.New("artifact quota exceeded")

// copyWithQuota streams body to dst, charging the artifact quota chunk by
// chunk so oversized uploads stop early instead of after the fact.
func copyWithQuota(dst io.Writer, src io.Reader, handle machines.Artifact) (int64, error) {
	var written int64
	buf := make([]byte, 128<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if !handle.ConsumeQuota(int64(n)) {
				return written, errQuotaExceeded
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// artifactPath splits "/artifact/<name>/<a>/<b>" into the store name and
// the cleaned relative path, rejecting traversal and empty paths.
func artifactPath(urlPath string) (string, string, bool) {
	parts := strings.Split(urlPath, "/")
	var components []string
	for _, p := range parts {
		if p != "" {
			components = append(components, p)
		}
	}
	if len(components) < 3 || components[0] != "artifact" {
		return "", "", false
	}
	name := components[1]
	rest := components[2:]
	for _, c := range rest {
		if c == "." || c == ".." {
			return "", "", false
		}
	}
	return name, filepath.Join(rest...), true
}
