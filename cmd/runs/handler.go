package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	cmdcore "github.com/forrest-runner/forrest/cmd/core"
	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/console"
	"github.com/forrest-runner/forrest/machines"
)

// Handler implements the runs commands by talking to a running daemon over
// its api.sock.
type Handler struct{}

type statusResponse struct {
	Runs        []machines.RunStatus `json:"runs"`
	ReservedRAM int64                `json:"reserved_ram"`
	QueuedJobs  []int64              `json:"queued_jobs"`
}

// List prints the live runs of the daemon configured in CONFIG.
func (Handler) List(cmd *cobra.Command, args []string) error {
	ctx := cmdcore.CommandContext(cmd)

	cfg, err := config.Load(cmdcore.ConfigPath(args))
	if err != nil {
		return err
	}

	status, err := fetchStatus(ctx, cfg.SocketPath())
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}

	out := cmd.OutOrStdout()
	if len(status.Runs) == 0 {
		fmt.Fprintln(out, "No live runs.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tMACHINE\tSTATE\tRUNNER\tRAM")
		for _, r := range status.Runs {
			id := r.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				id, r.Triplet, r.State, r.RunnerName, units.BytesSize(float64(r.RAM)))
		}
		_ = w.Flush()
	}

	fmt.Fprintf(out, "\nReserved RAM: %s", units.BytesSize(float64(status.ReservedRAM)))
	if n := len(status.QueuedJobs); n > 0 {
		fmt.Fprintf(out, ", %d jobs waiting for admission", n)
	}
	fmt.Fprintln(out)
	return nil
}

// Shell attaches the terminal to a run directory's serial console.
func (Handler) Shell(cmd *cobra.Command, args []string) error {
	ctx := cmdcore.CommandContext(cmd)

	socketPath := args[0]
	if info, err := os.Stat(socketPath); err == nil && info.IsDir() {
		socketPath = filepath.Join(socketPath, "shell.sock")
	}
	return console.Attach(ctx, socketPath)
}

// fetchStatus GETs /status over the daemon's unix socket.
func fetchStatus(ctx context.Context, socketPath string) (*statusResponse, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://forrest/status", nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", res.Status)
	}

	var status statusResponse
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}
