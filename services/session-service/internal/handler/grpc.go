package handler

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/usecase"
	"github.com/vasapolrittideah/session-manager/shared/interceptor"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// Full method names of the session gRPC service.
const (
	SessionServiceName     = "session.v1.SessionService"
	WhoAmIMethod           = "/session.v1.SessionService/WhoAmI"
	ListUserSessionsMethod = "/session.v1.SessionService/ListUserSessions"
	UpdateUserGrantsMethod = "/session.v1.SessionService/UpdateUserGrants"
)

// SessionGRPCServer is the gRPC surface of the session service. Its messages are
// protobuf well-known types, so callers need no generated stubs.
type SessionGRPCServer interface {
	// WhoAmI returns the principal of the calling session.
	WhoAmI(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	// ListUserSessions returns the masked ephemeral tokens recorded for a user id.
	ListUserSessions(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error)
	// UpdateUserGrants takes {"user_id": number, "grants": [string]}.
	UpdateUserGrants(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type sessionGRPCHandler struct {
	sessionUsecase       usecase.SessionUsecase
	deviceSessionUsecase usecase.DeviceSessionUsecase
	metrics              *metrics.Metrics
	logger               *zerolog.Logger
}

// NewSessionGRPCHandler creates a new SessionGRPCServer.
func NewSessionGRPCHandler(
	sessionUsecase usecase.SessionUsecase,
	deviceSessionUsecase usecase.DeviceSessionUsecase,
	metrics *metrics.Metrics,
	logger *zerolog.Logger,
) SessionGRPCServer {
	return &sessionGRPCHandler{
		sessionUsecase:       sessionUsecase,
		deviceSessionUsecase: deviceSessionUsecase,
		metrics:              metrics,
		logger:               logger,
	}
}

// RegisterSessionGRPCServer registers srv with the gRPC server.
func RegisterSessionGRPCServer(registrar grpc.ServiceRegistrar, srv SessionGRPCServer) {
	registrar.RegisterService(&sessionServiceDesc, srv)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionGRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: unaryMethod(WhoAmIMethod, SessionGRPCServer.WhoAmI)},
		{MethodName: "ListUserSessions", Handler: unaryMethod(ListUserSessionsMethod, SessionGRPCServer.ListUserSessions)},
		{MethodName: "UpdateUserGrants", Handler: unaryMethod(UpdateUserGrantsMethod, SessionGRPCServer.UpdateUserGrants)},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryMethod[Req, Resp any](
	fullMethod string,
	call func(SessionGRPCServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionGRPCServer), ctx, req.(*Req))
		}
		if ic == nil {
			return handler(ctx, in)
		}

		return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
	}
}

func (h *sessionGRPCHandler) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	principal, ok := interceptor.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing session")
	}

	features := make(map[string]any, len(principal.Features))
	for name, enabled := range principal.Features {
		features[name] = enabled
	}

	return h.newStruct(map[string]any{
		"user_id":        principal.UserID,
		"customer_id":    principal.CustomerID,
		"pbx_id":         principal.PbxID,
		"pbx_supplier":   principal.PbxSupplier,
		"application_id": principal.ApplicationID,
		"grants":         stringList(principal.Grants),
		"features":       features,
	})
}

func (h *sessionGRPCHandler) ListUserSessions(
	ctx context.Context,
	req *wrapperspb.Int64Value,
) (*structpb.Struct, error) {
	userID := req.GetValue()
	if userID <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "user id must be positive")
	}

	tokens, err := h.sessionUsecase.ListActive(ctx, userID)
	if err != nil {
		return nil, h.statusError(err, "failed to list user sessions")
	}

	return h.newStruct(map[string]any{
		"count":         len(tokens),
		"masked_tokens": stringList(maskTokens(tokens)),
	})
}

func (h *sessionGRPCHandler) UpdateUserGrants(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	rawUserID := fields["user_id"].GetNumberValue()
	if rawUserID <= 0 || rawUserID != math.Trunc(rawUserID) || rawUserID > math.MaxInt64 {
		return nil, status.Errorf(codes.InvalidArgument, "user_id must be a positive integer")
	}
	userID := int64(rawUserID)

	list := fields["grants"].GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "grants are required")
	}
	grants := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		grant := v.GetStringValue()
		if grant == "" {
			return nil, status.Errorf(codes.InvalidArgument, "grants must be non-empty strings")
		}
		grants = append(grants, grant)
	}

	result, err := propagateUserGrants(ctx, h.sessionUsecase, h.deviceSessionUsecase, h.metrics, userID, grants)
	if err != nil {
		return nil, h.statusError(err, "failed to propagate grants")
	}

	if !result.complete() {
		h.logger.Warn().
			AnErr("ephemeral", result.ephemeralErr).
			AnErr("device", result.deviceErr).
			Int64("user_id", userID).
			Msg("grant propagation incomplete")
	}

	errorMessages := make(map[string]any)
	for flavor, message := range result.errorMessages() {
		errorMessages[flavor] = message
	}

	return h.newStruct(map[string]any{
		"ephemeral": summaryFields(result.ephemeral),
		"device":    summaryFields(result.device),
		"total":     summaryFields(result.total()),
		"errors":    errorMessages,
	})
}

func (h *sessionGRPCHandler) statusError(err error, msg string) error {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return status.Errorf(codes.Unauthenticated, "invalid or expired session")
	case errors.Is(err, session.ErrNotFound):
		return status.Errorf(codes.NotFound, "session not found")
	case errors.Is(err, session.ErrStoreUnavailable):
		return status.Errorf(codes.Unavailable, "session store unavailable")
	default:
		h.logger.Error().Err(err).Msg(msg)
		return status.Errorf(codes.Internal, "something went wrong")
	}
}

func (h *sessionGRPCHandler) newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode gRPC response")
		return nil, status.Errorf(codes.Internal, "something went wrong")
	}
	return s, nil
}

func summaryFields(r session.PropagationResult) map[string]any {
	return map[string]any{
		"candidates":         r.Candidates,
		"unchanged":          r.Unchanged,
		"marked_for_refresh": r.MarkedForRefresh,
		"revoked":            r.Revoked,
		"reissued":           r.Reissued,
		"pruned":             r.Pruned,
		"failed":             r.Failed,
	}
}

func stringList(values []string) []any {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, v)
	}
	return list
}
