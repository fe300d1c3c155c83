package simulator

import (
	"fmt"

	"github.com/psantana5/carlarl/pkg/procgroup"
)

// Server is one simulator server process started by this process.
type Server struct {
	Host string
	Port int

	*procgroup.Process
}

// Address returns host:port of the RPC endpoint.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
