package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aescanero/regorch/pkg/domain"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(&Config{Listener: lis, Logger: zap.NewNop()})
	require.NoError(t, err)

	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func TestHealthService(t *testing.T) {
	srv, client := startServer(t)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	srv.SetServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestInterceptorMapsEngineErrors(t *testing.T) {
	srv := &Server{logger: zap.NewNop()}
	info := &grpc.UnaryServerInfo{FullMethod: "/regorch.SessionEngine/Commit"}

	tests := []struct {
		err  error
		want codes.Code
	}{
		{domain.Validation("bad payload"), codes.InvalidArgument},
		{domain.NotFound("session not found"), codes.NotFound},
		{domain.Conflict("session is locked: s-1"), codes.Aborted},
		{domain.InvalidTransition(domain.WorkflowAccount, domain.StatusCompleted, domain.StatusCommitting), codes.FailedPrecondition},
		{domain.PermissionDenied("nope"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		_, err := srv.unaryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
			return nil, tt.err
		})
		assert.Equal(t, tt.want, status.Code(err), tt.err.Error())
	}

	resp, err := srv.unaryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
