package observe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTiming(t *testing.T) {
	tm := NewTiming()
	assert.False(t, tm.Done())

	time.Sleep(5 * time.Millisecond)
	tm.Complete()
	assert.True(t, tm.Done())

	d := tm.Duration()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)

	// duration is frozen once completed
	first := tm.CompletedAt
	time.Sleep(2 * time.Millisecond)
	tm.Complete()
	assert.Equal(t, first, tm.CompletedAt)
	assert.Equal(t, d, tm.Duration())
}

func TestMeasure(t *testing.T) {
	want := errors.New("step failed")
	d, err := Measure(func() error {
		time.Sleep(3 * time.Millisecond)
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.GreaterOrEqual(t, d, 3*time.Millisecond)
}
