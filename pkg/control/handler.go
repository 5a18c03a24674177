package control

import (
	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/logging"
	"github.com/core-tools/hsu-mounter/pkg/mounter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusHandler publishes every resource as a gRPC health service named
// section@source. A resource is SERVING while it is mounted.
type StatusHandler struct {
	health *health.Server
	logger logging.Logger
}

var _ mounter.Observer = (*StatusHandler)(nil)

func NewStatusHandler(logger logging.Logger) *StatusHandler {
	h := &StatusHandler{
		health: health.NewServer(),
		logger: logger,
	}
	// The empty service name stands for the daemon itself
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler *StatusHandler) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, handler.health)
}

func (h *StatusHandler) StateChanged(id config.Identity, from, to mounter.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == mounter.StateMountSuccess {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(id.String(), status)
	h.logger.Debugf("Status handler, resource: %s, status: %s", id, status)
}

func (h *StatusHandler) CommandCompleted(id config.Identity, step mounter.Step, result command.Result) {}

func (h *StatusHandler) Stopped(id config.Identity, last mounter.State) {
	h.health.SetServingStatus(id.String(), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Shutdown reports every service as NOT_SERVING and ignores later updates
func (h *StatusHandler) Shutdown() {
	h.health.Shutdown()
}
