package grpcserver

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// SweepServiceName is the fully qualified gRPC service name.
	SweepServiceName = "awardcredits.v1.SweepService"
	// SweepFullMethod is the method path used by clients.
	SweepFullMethod = "/" + SweepServiceName + "/Sweep"
)

// Sweeper runs the expiry sweep.
type Sweeper interface {
	SweepExpired(ctx context.Context) (credits.SweepResult, error)
}

// SweepServiceServer is the server API for SweepService.
type SweepServiceServer interface {
	Sweep(ctx context.Context, request *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterSweepServiceServer attaches the sweep service to registrar.
func RegisterSweepServiceServer(registrar grpc.ServiceRegistrar, server SweepServiceServer) {
	registrar.RegisterService(&sweepServiceDesc, server)
}

var sweepServiceDesc = grpc.ServiceDesc{
	ServiceName: SweepServiceName,
	HandlerType: (*SweepServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sweep", Handler: sweepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "awardcredits/v1/sweep.proto",
}

func sweepHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(emptypb.Empty)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(SweepServiceServer).Sweep(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: SweepFullMethod}
	handler := func(ctx context.Context, request any) (any, error) {
		return server.(SweepServiceServer).Sweep(ctx, request.(*emptypb.Empty))
	}
	return interceptor(ctx, request, info, handler)
}

// SweepClient calls SweepService over an existing connection.
type SweepClient struct {
	conn grpc.ClientConnInterface
}

func NewSweepClient(conn grpc.ClientConnInterface) *SweepClient {
	return &SweepClient{conn: conn}
}

func (client *SweepClient) Sweep(ctx context.Context, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, SweepFullMethod, &emptypb.Empty{}, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

type sweepService struct {
	sweeper Sweeper
}

// NewSweepServiceServer adapts a Sweeper to SweepServiceServer.
func NewSweepServiceServer(sweeper Sweeper) SweepServiceServer {
	return &sweepService{sweeper: sweeper}
}

func (service *sweepService) Sweep(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result, err := service.sweeper.SweepExpired(ctx)
	if err != nil {
		return nil, sweepFailureStatus(result, err)
	}
	return sweepResultStruct(result)
}

// sweepFailureStatus carries the partial sweep report as a status detail so callers still see the counts.
func sweepFailureStatus(result credits.SweepResult, source error) error {
	failure := status.Convert(mapToGRPCError(source))
	report, err := sweepResultStruct(result)
	if err != nil {
		return failure.Err()
	}
	detailed, err := failure.WithDetails(report)
	if err != nil {
		return failure.Err()
	}
	return detailed.Err()
}

func sweepResultStruct(result credits.SweepResult) (*structpb.Struct, error) {
	details := make([]any, 0, len(result.Details))
	for _, detail := range result.Details {
		details = append(details, map[string]any{
			"award_id":      detail.AwardID.String(),
			"user_id":       detail.UserID.String(),
			"amount_locked": detail.AmountLocked.StringFixed(2),
			"expired_at":    detail.ExpiredAt.UTC().Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]any{
		"success":                    result.Success,
		"expired_count":              result.ExpiredCount,
		"credits_with_locked_amount": result.CreditsWithLockedAmount,
		"failed_count":               result.FailedCount,
		"warnings_sent":              result.WarningsSent,
		"warnings_failed":            result.WarningsFailed,
		"details":                    details,
	})
}
