package health

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return res.GetStatus()
}

func TestServingStatusFollowsChecks(t *testing.T) {
	var failing error
	s := NewServer(Config{}, zerolog.New(io.Discard), Check{
		Name: "store",
		Fn:   func(context.Context) error { return failing },
	})
	client := startServer(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ServiceName))

	require.True(t, s.CheckOnce(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))

	failing = errors.New("database unreachable")
	require.False(t, s.CheckOnce(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ServiceName))
}

func TestRunStopsWithContext(t *testing.T) {
	s := NewServer(Config{CheckInterval: 10 * time.Millisecond}, zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop")
	}
}
