package httpapi

import (
	"context"
	"slices"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Health methods are always reachable without a token.
var healthMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// NewGRPCServer builds a gRPC server that authenticates every call outside
// publicMethods and serves the standard health service.
func NewGRPCServer(tokens *auth.Manager, publicMethods []string, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	public := append(slices.Clone(healthMethods), publicMethods...)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(tokens, public...)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(tokens, public...)),
	)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// UnaryAuthInterceptor verifies the bearer token in the "authorization"
// metadata and stores the principal in the handler context.
func UnaryAuthInterceptor(tokens *auth.Manager, publicMethods ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if slices.Contains(publicMethods, info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticateRPC(ctx, tokens)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(tokens *auth.Manager, publicMethods ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if slices.Contains(publicMethods, info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticateRPC(ss.Context(), tokens)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func authenticateRPC(ctx context.Context, tokens *auth.Manager) (context.Context, error) {
	var raw string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			raw = vals[0]
		}
	}
	token, err := extractBearerToken(raw)
	if err == nil {
		var principal auth.Principal
		if principal, err = tokens.Verify(ctx, token); err == nil {
			ctx = auth.ContextWithPrincipal(ctx, principal)
			return auth.ContextWithToken(ctx, token), nil
		}
	}
	code := auth.Code(err)
	obs.ObserveAuthFailure(code)
	return ctx, status.Error(grpcCode(code), code)
}

func grpcCode(code string) codes.Code {
	switch code {
	case auth.CodeAccountLocked:
		return codes.PermissionDenied
	case auth.CodeAuthInternal:
		return codes.Internal
	default:
		return codes.Unauthenticated
	}
}

// WatchReadiness mirrors probe results into the gRPC health service and the
// readiness gauge until ctx ends.
func WatchReadiness(ctx context.Context, probe readinessChecker, hs *health.Server, interval time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := probe.Check(cctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.SetReady(false)
		} else {
			obs.SetReady(true)
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
