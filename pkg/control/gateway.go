package control

import (
	"context"

	"github.com/core-tools/hsu-mounter/pkg/domain"
	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	grpcClient := healthpb.NewHealthClient(grpcClientConnection)
	return &grpcClientGateway{
		grpcClient: grpcClient,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context, resource string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: resource})
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		if status.Code(err) == codes.NotFound {
			return domain.StatusUnknown, errors.NewNotFoundError("resource not found", err).WithContext("resource", resource)
		}
		return "", errors.NewIOError("status request failed", err).WithContext("resource", resource)
	}
	gw.logger.Debugf("Status client gateway done")
	return response.Status.String(), nil
}
