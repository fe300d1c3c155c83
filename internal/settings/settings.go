// Package settings holds process-wide values that used to be passed through
// environment variables. They are read once at startup and handed to the
// components that launch child processes.
package settings

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Variable names exported to child processes.
const (
	SimulatorRootVar  = "CARLA_ROOT"
	VisibleDevicesVar = "CUDA_VISIBLE_DEVICES"
)

var validate = validator.New()

// Environment is fixed for the lifetime of the process.
type Environment struct {
	// SimulatorRoot is the CARLA installation directory.
	SimulatorRoot string `mapstructure:"carla_root" validate:"omitempty,dir"`
	// VisibleDevices restricts which GPUs children may use ("0", "0,1").
	VisibleDevices string `mapstructure:"visible_devices"`
}

// Validate checks the values that must be well formed before launch.
func (e Environment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid environment settings: %w", err)
	}
	return nil
}

// Vars renders the settings as KEY=value pairs for exec.Cmd.Env. Empty
// values are left out so the child inherits nothing surprising.
func (e Environment) Vars() []string {
	var vars []string
	if e.SimulatorRoot != "" {
		vars = append(vars, SimulatorRootVar+"="+e.SimulatorRoot)
	}
	if e.VisibleDevices != "" {
		vars = append(vars, VisibleDevicesVar+"="+e.VisibleDevices)
	}
	return vars
}
