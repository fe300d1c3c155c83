package simulator

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/psantana5/carlarl/pkg/config"
)

var validate = validator.New()

// Config is the env_config.carla section of a run document.
type Config struct {
	Host         string  `yaml:"host" validate:"required"`
	Timeout      float64 `yaml:"timeout" validate:"gte=0"`
	Timestep     float64 `yaml:"timestep" validate:"gte=0"`
	ResolutionX  int     `yaml:"resolution_x" validate:"gt=0"`
	ResolutionY  int     `yaml:"resolution_y" validate:"gt=0"`
	QualityLevel string  `yaml:"quality_level" validate:"oneof=Low Epic"`
	ShowDisplay  bool    `yaml:"show_display"`

	// LaunchServer starts local servers; false connects to Host as is.
	LaunchServer bool `yaml:"launch_server"`
	NumServers   int  `yaml:"num_servers" validate:"gte=0,lte=16"`
	// Port pins the RPC port of the first server; 0 picks free ports.
	Port int `yaml:"port" validate:"gte=0,lte=65534"`
	// Executable is resolved against the simulator root.
	Executable string `yaml:"executable" validate:"required"`
	// ProcessPattern selects processes KillAll terminates (case-insensitive substring).
	ProcessPattern string `yaml:"process_pattern" validate:"required"`
}

// DefaultConfig mirrors the defaults of the CARLA RLlib integration.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Timeout:        30,
		Timestep:       0.05,
		ResolutionX:    600,
		ResolutionY:    600,
		QualityLevel:   "Low",
		LaunchServer:   true,
		NumServers:     1,
		Executable:     "CarlaUE4.sh",
		ProcessPattern: "CarlaUE4",
	}
}

// LoadConfig reads env_config.carla over the defaults.
func LoadConfig(eff *config.Effective) (Config, error) {
	cfg := DefaultConfig()
	if _, ok := eff.Get(config.CarlaPath); ok {
		if err := eff.Decode(config.CarlaPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", config.CarlaPath, err)
	}
	return cfg, nil
}

// PortsPath receives the RPC ports of the servers started for a run.
const PortsPath = config.CarlaPath + ".ports"

// WithPorts returns cfg with the ports of the started servers recorded, so
// workers connect to them. The first server's port also becomes
// env_config.carla.port.
func WithPorts(cfg *config.Effective, servers []*Server) (*config.Effective, error) {
	if len(servers) == 0 {
		return cfg, nil
	}
	ports := make([]interface{}, len(servers))
	for i, s := range servers {
		ports[i] = s.Port
	}
	return config.Resolve(cfg.Tree(), config.Tree{
		PortsPath:                  ports,
		config.CarlaPath + ".port": servers[0].Port,
	})
}
