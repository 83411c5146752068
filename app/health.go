package app

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServiceName is the service name probed for app-level liveness,
// distinct from any per-graph health a future addon might register under
// its own name.
const healthServiceName = "dataflowrt.app"

// registerHealth wires grpc.health.v1.Health onto srv and marks the app
// service serving, so a process supervisor can probe liveness independently
// of the framed remote-connection protocol carried over the same listener's
// sibling port.
func registerHealth(srv *grpc.Server) *health.Server {
	h := health.NewServer()
	h.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, h)
	return h
}
