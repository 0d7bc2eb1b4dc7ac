package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	coretypes "github.com/projecteru2/core/types"
	"gopkg.in/yaml.v3"

	"github.com/forrest-runner/forrest/types"
)

// UseBasePolicy decides which image a new run is forked from.
type UseBasePolicy string

const (
	// UseBaseIfNewer forks from the declared base when its mtime is strictly
	// newer than the machine image; the machine image wins ties.
	UseBaseIfNewer UseBasePolicy = "if_newer"
	// UseBaseAlways forks from the declared base, never the machine image.
	UseBaseAlways UseBasePolicy = "always"
	// UseBaseNever forks from the machine image only.
	UseBaseNever UseBasePolicy = "never"
)

// File is one parsed, validated configuration snapshot. Snapshots are
// immutable once loaded; runs pin the snapshot they were admitted under.
type File struct {
	Host         Host                              `yaml:"host"`
	GitHub       GitHub                            `yaml:"github"`
	Repositories map[string]map[string]*Repository `yaml:"repositories"`
}

// Host carries host-wide limits and paths.
type Host struct {
	BaseDir   string `yaml:"base_dir"`
	RAMBudget Size   `yaml:"ram_budget"`
	// GuestAPI is the host-side listen address for the in-guest control API.
	// QEMU user-mode networking maps guest 10.0.2.2 onto the host loopback.
	GuestAPI string `yaml:"guest_api"`

	Log coretypes.ServerLogConfig `yaml:"log"`
}

// GitHub carries the app credentials and polling cadence.
// The key file and webhook secret are read once at startup and frozen;
// editing them requires a restart.
type GitHub struct {
	AppID           int64    `yaml:"app_id"`
	AppKeyFile      string   `yaml:"app_key_file"`
	WebhookSecret   string   `yaml:"webhook_secret"`
	PollingInterval Duration `yaml:"polling_interval"`
}

// Repository configures one (owner, repo) pair.
type Repository struct {
	PersistenceToken string              `yaml:"persistence_token"`
	Machines         map[string]*Machine `yaml:"machines"`
}

// Machine is one machine class: the VM template CI jobs select via their
// runs-on labels.
type Machine struct {
	CPUs int  `yaml:"cpus"`
	RAM  Size `yaml:"ram"`
	Disk Size `yaml:"disk"`

	SetupTemplate Template `yaml:"setup_template"`

	// At most one of BaseImage / BaseMachine may be set.
	BaseImage   string `yaml:"base_image"`
	BaseMachine string `yaml:"base_machine"` // "owner/repo/machine"

	UseBase UseBasePolicy `yaml:"use_base"`

	Shared    []SharedDir `yaml:"shared"`
	Artifacts []Artifact  `yaml:"artifacts"`
}

// Template points at a directory of cloud-init files with <NAME> tokens.
type Template struct {
	Path       string            `yaml:"path"`
	Parameters map[string]string `yaml:"parameters"`
}

// SharedDir is a host directory exported into the guest via 9p.
type SharedDir struct {
	Path     string `yaml:"path"`
	Tag      string `yaml:"tag"`
	Writable bool   `yaml:"writable"`
}

// Artifact is an upload target the guest may write to through the control
// API, bounded by a per-run quota.
type Artifact struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	URL   string `yaml:"url"`
	Quota Size   `yaml:"quota"`
	Token string `yaml:"token"`
}

// BaseTriplet returns the parsed base_machine reference, if any.
// Validate guarantees the parse succeeds on a validated snapshot.
func (m *Machine) BaseTriplet() (types.Triplet, bool) {
	if m.BaseMachine == "" {
		return types.Triplet{}, false
	}
	t, err := types.ParseTriplet(m.BaseMachine)
	if err != nil {
		return types.Triplet{}, false
	}
	return t, true
}

// Clone deep-copies the machine class so an admitted run is immune to later
// config reloads.
func (m *Machine) Clone() *Machine {
	c := *m
	c.SetupTemplate.Parameters = make(map[string]string, len(m.SetupTemplate.Parameters))
	for k, v := range m.SetupTemplate.Parameters {
		c.SetupTemplate.Parameters[k] = v
	}
	c.Shared = append([]SharedDir(nil), m.Shared...)
	c.Artifacts = append([]Artifact(nil), m.Artifacts...)
	return &c
}

// Repository looks up the repository record for an (owner, repo) pair.
func (f *File) Repository(or types.OwnerRepo) (*Repository, bool) {
	repos, ok := f.Repositories[or.Owner]
	if !ok {
		return nil, false
	}
	repo, ok := repos[or.Repo]
	return repo, ok
}

// Machine looks up the machine class for a triplet.
func (f *File) Machine(t types.Triplet) (*Machine, bool) {
	repo, ok := f.Repository(t.OwnerRepo())
	if !ok || repo == nil {
		return nil, false
	}
	m, ok := repo.Machines[t.Machine]
	return m, ok
}

// Triplets returns every configured machine triplet.
func (f *File) Triplets() []types.Triplet {
	var out []types.Triplet
	for owner, repos := range f.Repositories {
		for repo, rec := range repos {
			if rec == nil {
				continue
			}
			for machine := range rec.Machines {
				out = append(out, types.NewTriplet(owner, repo, machine))
			}
		}
	}
	return out
}

// SocketPath is the operator/webhook unix socket under base_dir.
func (f *File) SocketPath() string {
	return filepath.Join(f.Host.BaseDir, "api.sock")
}

// Parse decodes and validates a configuration document.
//
// The document may use YAML anchors and `<<:` merges to share fragments;
// any top-level key ending in `_snippets` exists only to host those
// fragments and is discarded before strict decoding.
func Parse(data []byte) (*File, error) {
	// First pass resolves anchors, aliases and merge keys.
	var loose map[string]any
	if err := yaml.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	for key := range loose {
		if strings.HasSuffix(key, "_snippets") {
			delete(loose, key)
		}
	}

	resolved, err := yaml.Marshal(loose)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(resolved))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	f.applyDefaults()

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI argument
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func (f *File) applyDefaults() {
	if f.Host.GuestAPI == "" {
		f.Host.GuestAPI = "127.0.0.1:8080"
	}
	if f.GitHub.PollingInterval == 0 {
		f.GitHub.PollingInterval = Duration(15 * time.Minute)
	}
	if f.Host.Log.Level == "" {
		f.Host.Log.Level = "info"
	}
	for _, repos := range f.Repositories {
		for _, repo := range repos {
			if repo == nil {
				continue
			}
			for _, m := range repo.Machines {
				if m != nil && m.UseBase == "" {
					m.UseBase = UseBaseIfNewer
				}
				if m != nil && m.SetupTemplate.Parameters == nil {
					m.SetupTemplate.Parameters = make(map[string]string)
				}
			}
		}
	}
}
