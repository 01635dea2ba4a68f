package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	errorInvalidInput      = "invalid_input"
	errorUnknownTopup      = "unknown_topup"
	errorDuplicate         = "duplicate"
	errorNothingToUnlock   = "nothing_to_unlock"
	errorLedgerUnavailable = "ledger_unavailable"
	errorInvalidToken      = "invalid_service_token"
	errorInternal          = "internal error"

	tokenScheme     = "bearer"
	shutdownTimeout = 5 * time.Second
)

// NewServer builds the admin gRPC server: SweepService plus the standard health service.
// Every call except health checks must carry the service token as a bearer credential.
func NewServer(sweeper Sweeper, serviceToken string, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoverPanic(logger))),
			selector.UnaryServerInterceptor(
				auth.UnaryServerInterceptor(serviceTokenAuth(serviceToken)),
				selector.MatchFunc(requiresToken),
			),
		),
	)
	RegisterSweepServiceServer(server, NewSweepServiceServer(sweeper))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(SweepServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// Serve runs server on listener until ctx is cancelled.
func Serve(ctx context.Context, server *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits grpc listening", zap.String("addr", listener.Addr().String()))
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			server.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc serve: %w", err)
	}
}

func requiresToken(_ context.Context, callMeta interceptors.CallMeta) bool {
	return callMeta.Service != healthpb.Health_ServiceDesc.ServiceName
}

func serviceTokenAuth(expected string) auth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		token, err := auth.AuthFromMD(ctx, tokenScheme)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(expected) == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return nil, status.Error(codes.Unauthenticated, errorInvalidToken)
		}
		return ctx, nil
	}
}

func recoverPanic(logger *zap.Logger) recovery.RecoveryHandlerFuncContext {
	return func(ctx context.Context, recovered any) error {
		logger.Error("grpc panic",
			zap.Any("panic", recovered),
			zap.ByteString("stack", debug.Stack()),
		)
		return status.Error(codes.Internal, errorInternal)
	}
}

func mapToGRPCError(source error) error {
	switch credits.Classify(source) {
	case credits.KindInvalidInput:
		return status.Error(codes.InvalidArgument, errorInvalidInput)
	case credits.KindNotFound:
		return status.Error(codes.NotFound, errorUnknownTopup)
	case credits.KindDuplicate:
		return status.Error(codes.AlreadyExists, errorDuplicate)
	case credits.KindNothingToUnlock:
		return status.Error(codes.FailedPrecondition, errorNothingToUnlock)
	case credits.KindLedgerUnavailable:
		return status.Error(codes.Unavailable, errorLedgerUnavailable)
	}
	return status.Error(codes.Internal, source.Error())
}
