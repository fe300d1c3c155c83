package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) RunIdentity {
	t.Helper()
	return RunIdentity{Name: "dqn_example", Directory: t.TempDir()}
}

func writeCheckpoints(t *testing.T, dir string, seqs ...int) {
	t.Helper()
	for _, seq := range seqs {
		cp := filepath.Join(dir, DirName(seq))
		require.NoError(t, os.MkdirAll(cp, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(cp, StateFileName(seq)), []byte("state"), 0644))
	}
}

func TestDecideRestoreEmptyDirectory(t *testing.T) {
	id := newIdentity(t)
	require.NoError(t, os.MkdirAll(id.Path(), 0755))

	_, err := NewPolicy().Decide(id, true, false)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestDecideRestoreMissingDirectory(t *testing.T) {
	_, err := NewPolicy().Decide(newIdentity(t), true, false)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestDecideRestoreLatest(t *testing.T) {
	id := newIdentity(t)
	writeCheckpoints(t, filepath.Join(id.Path(), "CustomDQNTrainer_CarlaEnv_0a1b"), 1, 2, 5)

	d, err := NewPolicy().Decide(id, true, false)
	require.NoError(t, err)

	assert.False(t, d.IsFresh())
	assert.Equal(t, 5, d.Sequence)
	assert.Equal(t, filepath.Join(id.Path(), "CustomDQNTrainer_CarlaEnv_0a1b", "checkpoint_000005", "checkpoint-5"), d.ResumeFrom)
	assert.False(t, d.ClearExisting)
}

func TestDecideRestoreNumericOrdering(t *testing.T) {
	id := newIdentity(t)
	// checkpoint_9 sorts after checkpoint_10 lexically
	for _, name := range []string{"checkpoint_9", "checkpoint_10", "checkpoint_2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(id.Path(), name), 0755))
	}

	d, err := NewPolicy().Decide(id, true, false)
	require.NoError(t, err)
	assert.Equal(t, 10, d.Sequence)
	assert.Equal(t, filepath.Join(id.Path(), "checkpoint_10"), d.ResumeFrom)
}

func TestDecideRestoreAcrossTrials(t *testing.T) {
	id := newIdentity(t)
	writeCheckpoints(t, filepath.Join(id.Path(), "trial_a"), 3, 7)
	writeCheckpoints(t, filepath.Join(id.Path(), "trial_b"), 4)

	d, err := NewPolicy().Decide(id, true, false)
	require.NoError(t, err)
	assert.Equal(t, 7, d.Sequence)
	assert.Contains(t, d.ResumeFrom, "trial_a")
}

func TestDecideOverwrite(t *testing.T) {
	id := newIdentity(t)
	writeCheckpoints(t, id.Path(), 1)

	d, err := NewPolicy().Decide(id, false, true)
	require.NoError(t, err)
	assert.True(t, d.IsFresh())
	assert.True(t, d.ClearExisting)

	// the policy itself never deletes
	_, err = os.Stat(filepath.Join(id.Path(), DirName(1)))
	assert.NoError(t, err)
}

func TestDecideOverwriteWithoutDirectory(t *testing.T) {
	d, err := NewPolicy().Decide(newIdentity(t), false, true)
	require.NoError(t, err)
	assert.True(t, d.IsFresh())
	assert.False(t, d.ClearExisting)
}

func TestDecideConflictingFlags(t *testing.T) {
	_, err := NewPolicy().Decide(newIdentity(t), true, true)
	assert.ErrorIs(t, err, ErrConflictingFlags)
}

func TestDecideFresh(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, id RunIdentity)
	}{
		{"missing directory", func(t *testing.T, id RunIdentity) {}},
		{"empty directory", func(t *testing.T, id RunIdentity) {
			require.NoError(t, os.MkdirAll(id.Path(), 0755))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := newIdentity(t)
			tt.setup(t, id)

			d, err := NewPolicy().Decide(id, false, false)
			require.NoError(t, err)
			assert.Equal(t, Decision{}, d)
			assert.Equal(t, "fresh start", d.String())
		})
	}
}

func TestDecideRunAlreadyExists(t *testing.T) {
	id := newIdentity(t)
	require.NoError(t, os.MkdirAll(id.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(id.Path(), "result.json"), []byte("{}"), 0644))

	_, err := NewPolicy().Decide(id, false, false)
	assert.ErrorIs(t, err, ErrRunAlreadyExists)

	// the existing data is left in place
	_, statErr := os.Stat(filepath.Join(id.Path(), "result.json"))
	assert.NoError(t, statErr)
}

func TestDecideInvalidIdentity(t *testing.T) {
	tests := []RunIdentity{
		{Name: "", Directory: "/tmp"},
		{Name: "run", Directory: ""},
		{Name: "../escape", Directory: "/tmp"},
	}
	for _, id := range tests {
		_, err := NewPolicy().Decide(id, false, false)
		assert.Error(t, err, "%+v", id)
	}
}

func TestClear(t *testing.T) {
	id := newIdentity(t)
	writeCheckpoints(t, id.Path(), 1, 2)

	require.NoError(t, Clear(id))
	_, err := os.Stat(id.Path())
	assert.True(t, os.IsNotExist(err))

	// clearing twice is fine
	assert.NoError(t, Clear(id))
}
