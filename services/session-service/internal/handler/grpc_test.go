package handler

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/shared/interceptor"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

func newTestGRPCConn(t *testing.T, sessions *stubSessionUsecase, devices *stubDeviceSessionUsecase) *grpc.ClientConn {
	t.Helper()

	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry(), "session-service")

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		interceptor.NewSessionInterceptor(sessions, interceptor.SessionInterceptorConfig{
			RequiredGrants: map[string][]string{
				ListUserSessionsMethod: {adminGrant},
				UpdateUserGrantsMethod: {adminGrant},
			},
		}, &logger),
	))
	RegisterSessionGRPCServer(server, NewSessionGRPCHandler(sessions, devices, m, &logger))

	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func withToken(token string) context.Context {
	ctx := context.Background()
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGRPCWhoAmI(t *testing.T) {
	sessions := &stubSessionUsecase{principals: map[string]*session.Principal{
		"t1": {UserID: 7, Grants: []string{"read"}, Features: map[string]bool{"video": true}},
	}}
	conn := newTestGRPCConn(t, sessions, &stubDeviceSessionUsecase{})

	out := new(structpb.Struct)
	err := conn.Invoke(withToken("t1"), WhoAmIMethod, &emptypb.Empty{}, out)
	require.NoError(t, err)

	got := out.AsMap()
	assert.Equal(t, 7.0, got["user_id"])
	assert.Equal(t, []any{"read"}, got["grants"])
	assert.Equal(t, map[string]any{"video": true}, got["features"])

	err = conn.Invoke(withToken(""), WhoAmIMethod, &emptypb.Empty{}, new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPCListUserSessions(t *testing.T) {
	live := "eyJhbGciOiJIUzI1NiJ9.payload.signature-of-a-live-token"
	sessions := &stubSessionUsecase{
		principals: map[string]*session.Principal{"reader": {UserID: 7, Grants: []string{"read"}}},
		listActive: func(int64) ([]string, error) { return []string{live}, nil },
	}
	conn := newTestGRPCConn(t, sessions, &stubDeviceSessionUsecase{})

	err := conn.Invoke(withToken(""), ListUserSessionsMethod, wrapperspb.Int64(7), new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = conn.Invoke(withToken("reader"), ListUserSessionsMethod, wrapperspb.Int64(7), new(structpb.Struct))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out := new(structpb.Struct)
	err = conn.Invoke(withToken(adminToken), ListUserSessionsMethod, wrapperspb.Int64(7), out)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.AsMap()["count"])
	assert.Equal(t, []any{session.MaskToken(live)}, out.AsMap()["masked_tokens"])

	err = conn.Invoke(withToken(adminToken), ListUserSessionsMethod, wrapperspb.Int64(0), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCUpdateUserGrants(t *testing.T) {
	var deviceCalls int
	sessions := &stubSessionUsecase{
		updateGrant: func(userID int64, grants []string) (session.PropagationResult, error) {
			if userID == 9 {
				return session.PropagationResult{}, session.NewStoreError("list user tokens", errors.New("timeout"))
			}
			assert.Equal(t, []string{"a", "b"}, grants)
			return session.PropagationResult{Candidates: 2, MarkedForRefresh: 2}, nil
		},
	}
	devices := &stubDeviceSessionUsecase{
		updateGrant: func(int64, []string) (session.PropagationResult, error) {
			deviceCalls++
			return session.PropagationResult{Candidates: 1, Reissued: 1}, nil
		},
	}
	conn := newTestGRPCConn(t, sessions, devices)

	request := func(userID float64, grants ...any) *structpb.Struct {
		req, err := structpb.NewStruct(map[string]any{"user_id": userID, "grants": grants})
		require.NoError(t, err)
		return req
	}

	out := new(structpb.Struct)
	err := conn.Invoke(withToken(adminToken), UpdateUserGrantsMethod, request(7, "a", "b"), out)
	require.NoError(t, err)

	total, ok := out.AsMap()["total"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3.0, total["candidates"])
	assert.Equal(t, 2.0, total["marked_for_refresh"])
	assert.Equal(t, 1.0, total["reissued"])
	assert.Equal(t, 1, deviceCalls)

	err = conn.Invoke(withToken(adminToken), UpdateUserGrantsMethod, request(9, "a"), new(structpb.Struct))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 1, deviceCalls)

	err = conn.Invoke(withToken(adminToken), UpdateUserGrantsMethod, request(7.5, "a"), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(withToken(adminToken), UpdateUserGrantsMethod, request(7, ""), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(withToken(""), UpdateUserGrantsMethod, request(7, "a"), new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 1, deviceCalls)
}
