package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVars(t *testing.T) {
	env := Environment{SimulatorRoot: "/opt/carla", VisibleDevices: "0"}
	assert.Equal(t, []string{"CARLA_ROOT=/opt/carla", "CUDA_VISIBLE_DEVICES=0"}, env.Vars())

	assert.Empty(t, Environment{}.Vars())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Environment{}.Validate())
	assert.NoError(t, Environment{SimulatorRoot: t.TempDir()}.Validate())
}

func TestValidateMissingRoot(t *testing.T) {
	assert.Error(t, Environment{SimulatorRoot: "/definitely/not/a/carla/root"}.Validate())
}
