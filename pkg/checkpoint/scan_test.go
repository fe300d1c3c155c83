package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSequence(t *testing.T) {
	tests := []struct {
		name string
		seq  int
		ok   bool
	}{
		{"checkpoint_000005", 5, true},
		{"checkpoint_12", 12, true},
		{"checkpoint_", 0, false},
		{"checkpoint-5", 0, false},
		{"checkpoint_abc", 0, false},
		{"params.json", 0, false},
	}
	for _, tt := range tests {
		seq, ok := ParseSequence(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.seq, seq, tt.name)
	}
}

func TestDirNameRoundTrip(t *testing.T) {
	seq, ok := ParseSequence(DirName(42))
	require.True(t, ok)
	assert.Equal(t, 42, seq)
	assert.Equal(t, "checkpoint_000042", DirName(42))
}

func TestScan(t *testing.T) {
	id := newIdentity(t)
	writeCheckpoints(t, filepath.Join(id.Path(), "trial"), 2, 1)
	// a directory without a state file still counts
	require.NoError(t, os.MkdirAll(filepath.Join(id.Path(), "checkpoint_3"), 0755))
	// stray files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(id.Path(), "checkpoint_9"), nil, 0644))

	all, err := Scan(id)
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, []int{1, 2, 3}, []int{all[0].Sequence, all[1].Sequence, all[2].Sequence})
	assert.Equal(t, "trial", all[0].Trial)
	assert.Equal(t, "", all[2].Trial)
	assert.Equal(t, all[2].Dir, all[2].Path)
	assert.Equal(t, filepath.Join(all[0].Dir, "checkpoint-1"), all[0].Path)
}

func TestScanMissingRun(t *testing.T) {
	all, err := Scan(newIdentity(t))
	require.NoError(t, err)
	assert.Empty(t, all)
}
