// Package checkpoint decides where a training run resumes from.
//
// A run is stored under Directory/Name. The training loop writes numbered
// checkpoint_N directories there, either directly or inside per-trial
// directories, and each may hold a checkpoint-N state file.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrCheckpointNotFound means restore was requested but the run has no checkpoint.
	ErrCheckpointNotFound = errors.New("no checkpoint found")
	// ErrRunAlreadyExists means the run directory holds data and overwrite was not requested.
	ErrRunAlreadyExists = errors.New("run directory is not empty")
	// ErrConflictingFlags means restore and overwrite were both requested.
	ErrConflictingFlags = errors.New("restore and overwrite cannot both be set")
)

var validate = validator.New()

// RunIdentity names the storage location of a run.
type RunIdentity struct {
	Name      string `validate:"required,excludesall=/\\"`
	Directory string `validate:"required"`
}

// Path returns the run directory.
func (id RunIdentity) Path() string {
	return filepath.Join(id.Directory, id.Name)
}

// Validate checks that both fields are usable as a path.
func (id RunIdentity) Validate() error {
	if err := validate.Struct(id); err != nil {
		return fmt.Errorf("invalid run identity %q in %q: %w", id.Name, id.Directory, err)
	}
	return nil
}

// Decision is derived once per invocation and never changed.
type Decision struct {
	// ResumeFrom is empty for a fresh start.
	ResumeFrom string
	// Sequence is the number of the checkpoint resumed from.
	Sequence int
	// ClearExisting tells the caller the run directory must be emptied
	// before the run starts. Set only when overwrite was requested and the
	// directory exists.
	ClearExisting bool
}

// IsFresh reports whether the run starts without restoring state.
func (d Decision) IsFresh() bool {
	return d.ResumeFrom == ""
}

func (d Decision) String() string {
	switch {
	case !d.IsFresh():
		return fmt.Sprintf("resume from %s (checkpoint %d)", d.ResumeFrom, d.Sequence)
	case d.ClearExisting:
		return "clear existing run and start fresh"
	default:
		return "fresh start"
	}
}

// Policy decides checkpoint continuation. It only reads the filesystem.
type Policy struct{}

// NewPolicy creates a checkpoint policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// Decide applies the restore/overwrite flags to the state on disk.
func (p *Policy) Decide(id RunIdentity, restore, overwrite bool) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	if restore && overwrite {
		return Decision{}, ErrConflictingFlags
	}

	runDir := id.Path()
	exists, empty, err := dirState(runDir)
	if err != nil {
		return Decision{}, err
	}

	if overwrite {
		return Decision{ClearExisting: exists}, nil
	}

	if restore {
		latest, err := Latest(id)
		if err != nil {
			return Decision{}, err
		}
		return Decision{ResumeFrom: latest.Path, Sequence: latest.Sequence}, nil
	}

	if exists && !empty {
		return Decision{}, fmt.Errorf("%w: %s (use --overwrite to remove its contents or --restore to continue)",
			ErrRunAlreadyExists, runDir)
	}
	return Decision{}, nil
}

// Clear removes the run directory. Callers use it after a decision with
// ClearExisting set; the policy never deletes on its own.
func Clear(id RunIdentity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(id.Path()); err != nil {
		return fmt.Errorf("failed to clear run directory %s: %w", id.Path(), err)
	}
	return nil
}

// dirState reports whether dir exists and whether it is empty.
func dirState(dir string) (exists bool, empty bool, err error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read run directory %s: %w", dir, err)
	}
	return true, len(entries) == 0, nil
}
