package proto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dial(t *testing.T, mappingReady, actuatorReady bool) (healthpb.HealthClient, func(service string, ready bool)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	h := NewHealth(mappingReady, actuatorReady)
	s := newServer(h)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn), func(service string, ready bool) { SetReady(h, service, ready) }
}

func check(t *testing.T, c healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestHealth_Components(t *testing.T) {
	c, set := dial(t, true, false)

	st, err := check(t, c, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, c, MapperService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, c, ActuatorService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	set(MapperService, false)
	st, err = check(t, c, MapperService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestHealth_UnknownService(t *testing.T) {
	c, _ := dial(t, true, true)
	_, err := check(t, c, "buttoncutter.laser")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStartGRPCServer_PortInUse(t *testing.T) {
	lis, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer lis.Close()

	_, err = StartGRPCServer(lis.Addr().(*net.TCPAddr).Port, NewHealth(true, true))
	assert.Error(t, err)
}
