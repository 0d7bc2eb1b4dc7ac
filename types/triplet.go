package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OwnerRepo identifies a repository on the CI provider.
type OwnerRepo struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// Triplet identifies a machine class within a repository.
// It is the unit the image lineage and the scheduler key on.
type Triplet struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Machine string `json:"machine"`
}

func NewOwnerRepo(owner, repo string) OwnerRepo {
	return OwnerRepo{Owner: owner, Repo: repo}
}

func (or OwnerRepo) String() string {
	return or.Owner + "/" + or.Repo
}

// Triplet extends the repository identity with a machine class name.
func (or OwnerRepo) Triplet(machine string) Triplet {
	return Triplet{Owner: or.Owner, Repo: or.Repo, Machine: machine}
}

// TripletFromLabels maps a CI job's runs-on labels to a machine triplet.
// Jobs carry exactly {self-hosted, forrest, <machine>}; anything else is
// not addressed to us and returns false.
func (or OwnerRepo) TripletFromLabels(labels []string) (Triplet, bool) {
	if len(labels) != 3 || labels[0] != "self-hosted" || labels[1] != "forrest" {
		return Triplet{}, false
	}
	return or.Triplet(labels[2]), true
}

func NewTriplet(owner, repo, machine string) Triplet {
	return Triplet{Owner: owner, Repo: repo, Machine: machine}
}

// ParseTriplet parses the "owner/repo/machine" form used in config files.
func ParseTriplet(s string) (Triplet, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Triplet{}, fmt.Errorf("invalid triplet %q: expected owner/repo/machine", s)
	}
	return NewTriplet(parts[0], parts[1], parts[2]), nil
}

func (t Triplet) String() string {
	return t.Owner + "/" + t.Repo + "/" + t.Machine
}

func (t Triplet) OwnerRepo() OwnerRepo {
	return OwnerRepo{Owner: t.Owner, Repo: t.Repo}
}

// MachineImagePath is where the persisted machine image for this class lives.
func (t Triplet) MachineImagePath(baseDir string) string {
	return filepath.Join(baseDir, "machines", t.Owner, t.Repo, t.Machine+".img")
}

// RunDirPath is the per-run directory for a run of this class.
func (t Triplet) RunDirPath(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", t.Owner, t.Repo, t.Machine, runID)
}
