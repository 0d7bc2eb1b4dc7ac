package machines

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/utils"
)

const qemuBinary = "/usr/bin/qemu-system-x86_64"

// Filenames inside a run directory. QEMU is started with the run directory
// as its working directory, so the argv below uses the bare names.
const (
	diskFile    = "disk.img"
	seedFile    = "seed.iso"
	shellSocket = "shell.sock"
	monitorSock = "monitor.sock"
	bootlogFile = "log.txt"
	tokenFile   = "token"
	runLogFile  = "log"
)

const (
	// acpiTimeout bounds how long a guest gets to power off after the ACPI
	// button press before the ladder escalates.
	acpiTimeout = 30 * time.Second
	// termTimeout is the SIGTERM→SIGKILL window.
	termTimeout = 5 * time.Second

	acpiPollInterval = 500 * time.Millisecond
)

// ErrVMCrashed is returned when QEMU exits non-zero or is killed.
var ErrVMCrashed = errors.New("VM crashed")

// qemuArgs assembles the full QEMU argv for a machine class.
// The static part mirrors the boot environment the setup templates expect:
// q35 with KVM, virtio disk/net/rng, two serial ports (boot log file and the
// operator shell socket) and a human monitor socket for the stop ladder.
func qemuArgs(class *config.Machine) []string {
	args := []string{
		"-enable-kvm",
		"-nodefaults",
		"-nographic",
		"-M", "type=q35,accel=kvm,smm=on",
		"-cpu", "max",
		"-m", fmt.Sprintf("%d", class.RAM.Megabytes()),
		"-smp", fmt.Sprintf("%d", class.CPUs),
		"-global", "ICH9-LPC.disable_s3=1",
		"-device", "virtio-net-pci,netdev=uplink",
		// Guest address 10.0.2.2 reaches the host loopback, where the
		// in-guest control API listens.
		"-netdev", "user,id=uplink,ipv4=on,ipv6=on,ipv6-net=::/0",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-device", "virtio-rng-pci,rng=rng0,id=rng-device0",
		"-device", "isa-serial,chardev=bootlog",
		"-device", "isa-serial,chardev=shell",
		"-chardev", "file,id=bootlog,path=" + bootlogFile,
		"-chardev", "socket,id=shell,server=on,wait=off,path=" + shellSocket,
		"-monitor", "unix:" + monitorSock + ",server=on,wait=off",
		"-drive", "if=virtio,format=raw,discard=unmap,cache.writeback=on,cache.direct=on,cache.no-flush=on,file=" + diskFile,
		"-drive", "if=virtio,format=raw,readonly=on,file=" + seedFile,
	}

	for _, dir := range class.Shared {
		readonly := "on"
		if dir.Writable {
			readonly = "off"
		}
		args = append(args, "-virtfs",
			fmt.Sprintf("local,security_model=none,mount_tag=%s,readonly=%s,path=%s", dir.Tag, readonly, dir.Path))
	}
	return args
}

// runQEMU spawns QEMU for the run and waits for it to exit. When ctx is
// cancelled while the guest is alive, the stop ladder runs: ACPI power
// button via the monitor socket, then SIGTERM, then SIGKILL.
func (r *run) runQEMU(ctx context.Context) error {
	logger := log.WithFunc("machines.runQEMU")

	cmd := exec.Command(qemuBinary, qemuArgs(r.class)...) //nolint:gosec
	cmd.Dir = r.dir
	// Own process group, so a daemon signal does not take the guests down
	// with it before the ladder has a say.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn qemu: %w", err)
	}
	logger.Infof(ctx, "run %s: qemu started (pid %d)", r.id, cmd.Process.Pid)

	if err := r.waitForShellSocket(ctx); err != nil {
		logger.Warnf(ctx, "run %s: console socket did not appear: %v", r.id, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return qemuExit(err)
	case <-ctx.Done():
	}

	// Shutdown requested while the guest is up.
	r.stopLadder(ctx, cmd, waitCh)
	return fmt.Errorf("%w: shut down before job completion", ErrVMCrashed)
}

func qemuExit(err error) error {
	if err == nil {
		return nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return fmt.Errorf("%w: qemu exited with %s", ErrVMCrashed, exit.ProcessState)
	}
	return fmt.Errorf("wait for qemu: %w", err)
}

// stopLadder walks ACPI → SIGTERM → SIGKILL with bounded waits.
func (r *run) stopLadder(ctx context.Context, cmd *exec.Cmd, waitCh <-chan error) {
	logger := log.WithFunc("machines.stopLadder")
	// The daemon context is already cancelled here; use a detached one for
	// the bounded escalation.
	ladderCtx, cancel := context.WithTimeout(context.Background(), acpiTimeout+termTimeout+5*time.Second)
	defer cancel()

	if err := r.acpiPowerButton(); err != nil {
		logger.Warnf(ladderCtx, "run %s: ACPI power button: %v", r.id, err)
	} else if waitForExit(waitCh, acpiTimeout) {
		logger.Infof(ladderCtx, "run %s: guest powered off", r.id)
		return
	}

	logger.Warnf(ladderCtx, "run %s: escalating to SIGTERM", r.id)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if waitForExit(waitCh, termTimeout) {
		return
	}

	logger.Warnf(ladderCtx, "run %s: escalating to SIGKILL", r.id)
	_ = cmd.Process.Kill()
	<-waitCh
}

func waitForExit(waitCh <-chan error, timeout time.Duration) bool {
	select {
	case <-waitCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// acpiPowerButton asks the guest OS to shut down cleanly by pressing the
// virtual power button through QEMU's human monitor.
func (r *run) acpiPowerButton() error {
	conn, err := net.DialTimeout("unix", r.path(monitorSock), time.Second)
	if err != nil {
		return fmt.Errorf("dial monitor: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte("system_powerdown\n")); err != nil {
		return fmt.Errorf("send system_powerdown: %w", err)
	}
	return nil
}

// waitForShellSocket blocks until QEMU has created the serial console
// socket, a cheap readiness signal that the process came up at all.
func (r *run) waitForShellSocket(ctx context.Context) error {
	return utils.WaitFor(ctx, 5*time.Second, 100*time.Millisecond, func() (bool, error) {
		conn, err := net.DialTimeout("unix", r.path(shellSocket), 100*time.Millisecond)
		if err != nil {
			return false, nil //nolint:nilerr // not up yet
		}
		_ = conn.Close()
		return true, nil
	})
}
