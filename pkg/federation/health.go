package federation

import (
	"context"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServingStatus is the gRPC health status of a cell
type ServingStatus = healthpb.HealthCheckResponse_ServingStatus

// CheckHealth asks every cell for the serving status of service, the whole
// server when empty. Each cell gets at most timeout.
func CheckHealth(ctx context.Context, cells []Cell, dial DialFunc, service string, timeout time.Duration) ([]CellResponse[ServingStatus], error) {
	return Collect(ctx, cells, dial, func(ctx context.Context, client grpc.ClientConnInterface) (ServingStatus, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := healthpb.NewHealthClient(client).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN, err
		}
		return resp.GetStatus(), nil
	})
}
