package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Prune keeps the newest keep checkpoint_N directories directly under
// trialDir and removes the rest, returning the removed paths oldest first.
// keep <= 0 keeps everything.
func Prune(trialDir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(trialDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", trialDir, err)
	}

	type numbered struct {
		seq  int
		path string
	}
	var found []numbered
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if seq, ok := ParseSequence(e.Name()); ok {
			found = append(found, numbered{seq, filepath.Join(trialDir, e.Name())})
		}
	}
	if len(found) <= keep {
		return nil, nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	var removed []string
	for _, c := range found[:len(found)-keep] {
		if err := os.RemoveAll(c.path); err != nil {
			return removed, fmt.Errorf("failed to remove checkpoint %s: %w", c.path, err)
		}
		removed = append(removed, c.path)
	}
	return removed, nil
}
