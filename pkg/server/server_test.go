package server

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"pgcluster/pkg/cluster"
)

func topology(t *testing.T) cluster.Topology {
	t.Helper()
	topo, err := cluster.Resolve([]cluster.Spec{{ID: "n1"}, {ID: "n2"}}, "")
	require.NoError(t, err)
	return topo
}

func check(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestServingFollowsPhases(t *testing.T) {
	topo := topology(t)
	s := NewServer(Config{}, topo, zerolog.Nop())
	n1, _ := topo.Node("n1")
	n2, _ := topo.Node("n2")

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, "node/n1"))

	s.PhaseChanged(n1, cluster.PhaseInitialized, cluster.PhaseRunning)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, "node/n1"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))

	s.PhaseChanged(n2, cluster.PhaseBootstrapped, cluster.PhaseRunning)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ""))

	s.PhaseChanged(n2, cluster.PhaseRunning, cluster.PhaseStopped)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, "node/n2"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, "node/n1"))
}

func TestHealthOverGRPC(t *testing.T) {
	topo := topology(t)
	s := NewServer(Config{}, topo, zerolog.Nop())
	n1, _ := topo.Node("n1")
	s.PhaseChanged(n1, cluster.PhaseInitialized, cluster.PhaseRunning)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName("n1")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName("n2")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "node/n9"})
	assert.Error(t, err)
}
