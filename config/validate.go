package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/forrest-runner/forrest/types"
)

// ErrInvalid marks configuration errors. They are fatal at startup; during a
// hot reload the previous snapshot stays active instead.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the whole document. It is called by Parse, so a *File
// obtained from Parse or Load is always valid.
func (f *File) Validate() error {
	if f.Host.BaseDir == "" {
		return fmt.Errorf("%w: host.base_dir is required", ErrInvalid)
	}
	if f.Host.RAMBudget <= 0 {
		return fmt.Errorf("%w: host.ram_budget is required", ErrInvalid)
	}
	if f.GitHub.AppID == 0 {
		return fmt.Errorf("%w: github.app_id is required", ErrInvalid)
	}
	if f.GitHub.AppKeyFile == "" {
		return fmt.Errorf("%w: github.app_key_file is required", ErrInvalid)
	}
	if f.GitHub.WebhookSecret == "" {
		return fmt.Errorf("%w: github.webhook_secret is required", ErrInvalid)
	}

	for _, t := range f.Triplets() {
		m, _ := f.Machine(t)
		if m == nil {
			return fmt.Errorf("%w: machine %s: empty definition", ErrInvalid, t)
		}
		if err := f.validateMachine(t, m); err != nil {
			return err
		}
	}

	return f.checkBaseCycles()
}

func (f *File) validateMachine(t types.Triplet, m *Machine) error {
	if m.CPUs <= 0 {
		return fmt.Errorf("%w: machine %s: cpus must be positive", ErrInvalid, t)
	}
	if m.RAM <= 0 {
		return fmt.Errorf("%w: machine %s: ram is required", ErrInvalid, t)
	}
	if m.Disk <= 0 {
		return fmt.Errorf("%w: machine %s: disk is required", ErrInvalid, t)
	}

	if m.BaseImage != "" && m.BaseMachine != "" {
		return fmt.Errorf("%w: machine %s: base_image and base_machine are mutually exclusive", ErrInvalid, t)
	}
	if m.BaseMachine != "" {
		base, err := types.ParseTriplet(m.BaseMachine)
		if err != nil {
			return fmt.Errorf("%w: machine %s: %s", ErrInvalid, t, err)
		}
		if _, ok := f.Machine(base); !ok {
			return fmt.Errorf("%w: machine %s: base_machine %s is not defined", ErrInvalid, t, base)
		}
	}

	switch m.UseBase {
	case UseBaseIfNewer, UseBaseAlways, UseBaseNever:
	default:
		return fmt.Errorf("%w: machine %s: use_base must be one of if_newer, always, never", ErrInvalid, t)
	}

	if m.SetupTemplate.Path == "" {
		return fmt.Errorf("%w: machine %s: setup_template.path is required", ErrInvalid, t)
	}
	info, err := os.Stat(m.SetupTemplate.Path)
	if err != nil {
		return fmt.Errorf("%w: machine %s: setup_template.path: %s", ErrInvalid, t, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: machine %s: setup_template.path %s is not a directory", ErrInvalid, t, m.SetupTemplate.Path)
	}

	for i, s := range m.Shared {
		if s.Path == "" || s.Tag == "" {
			return fmt.Errorf("%w: machine %s: shared[%d]: path and tag are required", ErrInvalid, t, i)
		}
	}
	for i, a := range m.Artifacts {
		if a.Name == "" || a.Path == "" {
			return fmt.Errorf("%w: machine %s: artifacts[%d]: name and path are required", ErrInvalid, t, i)
		}
	}
	return nil
}

// checkBaseCycles rejects base_machine reference cycles. The lineage forms a
// directed graph over machine classes; a cycle would deadlock the
// base-machine interlock forever.
func (f *File) checkBaseCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[types.Triplet]int)

	var visit func(t types.Triplet) error
	visit = func(t types.Triplet) error {
		switch state[t] {
		case visiting:
			return fmt.Errorf("%w: base_machine cycle involving %s", ErrInvalid, t)
		case done:
			return nil
		}
		state[t] = visiting
		if m, ok := f.Machine(t); ok {
			if base, ok := m.BaseTriplet(); ok {
				if err := visit(base); err != nil {
					return err
				}
			}
		}
		state[t] = done
		return nil
	}

	for _, t := range f.Triplets() {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}
