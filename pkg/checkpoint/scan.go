package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const dirPrefix = "checkpoint_"

// Checkpoint is one numbered checkpoint found on disk.
type Checkpoint struct {
	Sequence int `json:"sequence"`
	// Dir is the checkpoint_N directory.
	Dir string `json:"dir"`
	// Path is what a restore should load: the checkpoint-N state file when
	// present, otherwise Dir.
	Path string `json:"path"`
	// Trial is the trial directory name, empty when the checkpoint sits
	// directly in the run directory.
	Trial string `json:"trial,omitempty"`
}

// Scan lists every checkpoint of a run in ascending sequence order.
// A missing run directory yields an empty list.
func Scan(id RunIdentity) ([]Checkpoint, error) {
	runDir := id.Path()
	entries, err := os.ReadDir(runDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", runDir, err)
	}

	var found []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if seq, ok := ParseSequence(entry.Name()); ok {
			found = append(found, newCheckpoint(runDir, "", entry.Name(), seq))
			continue
		}

		trialDir := filepath.Join(runDir, entry.Name())
		inner, err := os.ReadDir(trialDir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trial %s: %w", trialDir, err)
		}
		for _, c := range inner {
			if !c.IsDir() {
				continue
			}
			if seq, ok := ParseSequence(c.Name()); ok {
				found = append(found, newCheckpoint(trialDir, entry.Name(), c.Name(), seq))
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Sequence != found[j].Sequence {
			return found[i].Sequence < found[j].Sequence
		}
		return found[i].Dir < found[j].Dir
	})
	return found, nil
}

// Latest returns the checkpoint with the highest sequence number.
func Latest(id RunIdentity) (Checkpoint, error) {
	all, err := Scan(id)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(all) == 0 {
		return Checkpoint{}, fmt.Errorf("%w in %s", ErrCheckpointNotFound, id.Path())
	}
	return all[len(all)-1], nil
}

// ParseSequence extracts N from a "checkpoint_N" directory name.
func ParseSequence(name string) (int, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, dirPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// DirName formats the directory name for checkpoint seq.
func DirName(seq int) string {
	return fmt.Sprintf("%s%06d", dirPrefix, seq)
}

// StateFileName formats the state file name stored inside a checkpoint directory.
func StateFileName(seq int) string {
	return fmt.Sprintf("checkpoint-%d", seq)
}

func newCheckpoint(parent, trial, name string, seq int) Checkpoint {
	dir := filepath.Join(parent, name)
	path := dir
	state := filepath.Join(dir, StateFileName(seq))
	if info, err := os.Stat(state); err == nil && !info.IsDir() {
		path = state
	}
	return Checkpoint{Sequence: seq, Dir: dir, Path: path, Trial: trial}
}
