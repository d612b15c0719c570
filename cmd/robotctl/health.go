// cmd/robotctl/health.go: robotctl health.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/yourorg/robotq/internal/grpcserver"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	server := fs.String("server", "localhost:50051", "gRPC server address")
	service := fs.String("service", grpcserver.ServiceName, "health service name")
	_ = fs.Parse(args)

	conn, err := newConn(*server)
	if err != nil {
		fail("health", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := conn.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		fail("health", err)
	}
	fmt.Printf("service: %s\n", *service)
	fmt.Printf("status:  %s\n", resp.Status)
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}
