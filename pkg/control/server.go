package control

import (
	"github.com/core-tools/hsu-mounter/pkg/errors"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
)

// NewServer hosts the status plane on a localhost port: the core ping
// service for clients waiting on the daemon, and the per-resource health
// service of handler
func NewServer(port int, handler *StatusHandler, coreLogger coreLogging.Logger) (coreControl.Server, error) {
	serverOptions := coreControl.ServerOptions{
		Port: port,
	}

	server, err := coreControl.NewServer(serverOptions, coreLogger)
	if err != nil {
		return nil, errors.NewIOError("failed to create status server", err).WithContext("port", port)
	}

	// Register core services
	coreHandler := coreDomain.NewDefaultHandler(coreLogger)
	coreControl.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register resource status
	RegisterGRPCServerHandler(server.GRPC(), handler)

	return server, nil
}
