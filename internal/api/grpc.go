package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
)

// TradingServiceName is the fully-qualified gRPC service name. Its health
// status follows the market gate.
const TradingServiceName = "autotrader.v1.Trading"

const defaultHealthInterval = 30 * time.Second

// GRPCServer exposes order lookups, cancellation and the market gate over
// gRPC. Messages are google.protobuf.Struct values carrying the same JSON
// documents as the HTTP API.
type GRPCServer struct {
	orders OrderService
	health *health.Server
	log    *slog.Logger
}

// NewGRPCServer creates a GRPCServer backed by the given order service.
func NewGRPCServer(orders OrderService, log *slog.Logger) *GRPCServer {
	return &GRPCServer{
		orders: orders,
		health: health.NewServer(),
		log:    log.With("transport", "grpc"),
	}
}

// Register registers the trading and health services on gs.
func (g *GRPCServer) Register(gs *grpc.Server) {
	gs.RegisterService(&tradingServiceDesc, g)
	healthpb.RegisterHealthServer(gs, g.health)
}

// Health returns the health server so callers can inspect or override it.
func (g *GRPCServer) Health() *health.Server { return g.health }

// WatchMarket keeps the trading service's health status in step with the
// market gate until ctx is cancelled.
func (g *GRPCServer) WatchMarket(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.syncHealth()
	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return
		case <-ticker.C:
			g.syncHealth()
		}
	}
}

func (g *GRPCServer) syncHealth() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if g.orders.MarketStatus(g.orders.Now()).IsOpen {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(TradingServiceName, st)
}

// MarketStatus handles {"at": RFC3339?}.
func (g *GRPCServer) MarketStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	at := g.orders.Now()
	if v := stringField(req, "at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid at: %v", err)
		}
		at = t
	}
	return toStruct(g.orders.MarketStatus(at))
}

// GetOrder handles {"id": string}.
func (g *GRPCServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	order, err := g.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, g.statusError(err)
	}
	return toStruct(order)
}

// CancelOrder handles {"id": string, "reason": string?} and returns the
// order as it stands afterwards.
func (g *GRPCServer) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if err := g.orders.CancelOrder(ctx, id, stringField(req, "reason")); err != nil {
		return nil, g.statusError(err)
	}
	order, err := g.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, g.statusError(err)
	}
	return toStruct(order)
}

func (g *GRPCServer) statusError(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		g.log.Error("rpc failed", "error", err)
	}
	return status.Error(code, err.Error())
}

// CodeFor maps a domain error to its gRPC status code.
func CodeFor(err error) codes.Code {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrBacktestNotFound),
		errors.Is(err, domain.ErrPortfolioNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrConcurrentModification):
		return codes.Aborted
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMarketClosed),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrRiskConstraint):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrPriceUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

// toStruct converts v to a Struct by way of its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

type tradingServer interface {
	MarketStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(tradingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(tradingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fmt.Sprintf("/%s/%s", TradingServiceName, method),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(tradingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var tradingServiceDesc = grpc.ServiceDesc{
	ServiceName: TradingServiceName,
	HandlerType: (*tradingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("MarketStatus", tradingServer.MarketStatus),
		unaryHandler("GetOrder", tradingServer.GetOrder),
		unaryHandler("CancelOrder", tradingServer.CancelOrder),
	},
	Metadata: "autotrader/v1/trading.proto",
}
