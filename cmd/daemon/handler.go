package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/forrest-runner/forrest/api"
	"github.com/forrest-runner/forrest/auth"
	cmdcore "github.com/forrest-runner/forrest/cmd/core"
	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/guestapi"
	"github.com/forrest-runner/forrest/images"
	"github.com/forrest-runner/forrest/jobs"
	"github.com/forrest-runner/forrest/lock/flock"
	"github.com/forrest-runner/forrest/machines"
	"github.com/forrest-runner/forrest/poll"
	"github.com/forrest-runner/forrest/scheduler"
)

// shutdownGrace bounds how long live runs get to power off after the daemon
// receives a termination signal.
const shutdownGrace = 60 * time.Second

// Handler implements the daemon commands.
type Handler struct{}

// Validate parses the config and reports the first problem, if any.
func (Handler) Validate(cmd *cobra.Command, args []string) error {
	path := cmdcore.ConfigPath(args)
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", path)
	return nil
}

// Serve wires every component together and runs until a termination signal.
func (Handler) Serve(cmd *cobra.Command, args []string) error {
	ctx := cmdcore.CommandContext(cmd)
	return serve(ctx, cmdcore.ConfigPath(args))
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Open(configPath)
	if err != nil {
		return err
	}
	snapshot := cfg.Snapshot()

	if err := log.SetupLog(ctx, &snapshot.Host.Log, ""); err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	logger := log.WithFunc("daemon.serve")

	// One daemon per base_dir.
	instanceLock := flock.New(filepath.Join(snapshot.Host.BaseDir, "forrest.lock"))
	locked, err := instanceLock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("another forrest instance is already running on %s", snapshot.Host.BaseDir)
	}
	defer instanceLock.Unlock(context.Background()) //nolint:errcheck

	// Credentials are frozen here; later edits to the key file or the
	// webhook secret only take effect on restart.
	keyPEM, err := os.ReadFile(snapshot.GitHub.AppKeyFile) //nolint:gosec // path from validated config
	if err != nil {
		return fmt.Errorf("read app key file: %w", err)
	}
	authn, err := auth.New(snapshot.GitHub.AppID, keyPEM, snapshot.GitHub.WebhookSecret)
	if err != nil {
		return err
	}
	gh := github.NewClient(authn)

	img, err := images.New(snapshot.Host.BaseDir)
	if err != nil {
		return err
	}

	sched := scheduler.New(func() int64 {
		return cfg.Snapshot().Host.RAMBudget.Bytes()
	})
	jobManager := jobs.New(cfg, sched)
	machineManager := machines.NewManager(snapshot.Host.BaseDir, img, sched, gh, jobManager)
	sched.Wire(machineManager.Busy, machineManager.Dispatch)

	guest := guestapi.New(snapshot.Host.GuestAPI, machineManager)
	apiServer := api.New(snapshot.SocketPath(), cfg, authn, jobManager, machineManager, sched)
	poller, err := poll.New(cfg, gh, jobManager, machineManager)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof(runCtx, "startup complete, serving on %s", snapshot.SocketPath())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return cfg.Watch(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })
	g.Go(func() error { return guest.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })

	err = g.Wait()

	// The webhook socket is already closed at this point; drain the VMs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	machineManager.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infof(context.Background(), "shutdown complete")
	return nil
}
