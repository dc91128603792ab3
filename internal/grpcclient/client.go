package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/camoverride/emotion-detector/internal/logging"
)

// HealthClient checks the serving status of a running detector instance.
type HealthClient struct {
	client healthpb.HealthClient
	logger *zap.Logger
}

// DialHealth returns a ready-to-use health client for the gRPC server at addr.
// Extra dial options are appended to the insecure, blocking defaults.
func DialHealth(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*HealthClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_health", "", err)
		logger.Error("failed to dial health server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &HealthClient{client: healthpb.NewHealthClient(conn), logger: logger}, conn, nil
}

// Check returns nil when service is SERVING. An empty service is the overall status.
func (h *HealthClient) Check(ctx context.Context, service string) error {
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.health_check", "", err)
		h.logger.Error("health check failed", zap.Error(wrapped), zap.String("service", service))
		return wrapped
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", service, resp.GetStatus())
	}
	return nil
}
