// Package api exposes the order engine and backtester over HTTP/JSON, a
// websocket stream of order transitions, and gRPC.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"autotrader/internal/util"
)

const defaultShutdownTimeout = 5 * time.Second

// Options configures the listeners.
type Options struct {
	HTTPAddr string
	// GRPCAddr is optional; empty disables the gRPC listener.
	GRPCAddr string
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration
	// HealthInterval is how often the gRPC health status follows the
	// market gate.
	HealthInterval time.Duration
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	orders    OrderService
	backtests BacktestService
	hub       *Hub
	grpc      *GRPCServer
	opts      Options
	log       *slog.Logger
}

// NewServer creates a Server. backtests may be nil, in which case the
// backtest routes are not registered.
func NewServer(orders OrderService, backtests BacktestService, hub *Hub, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = util.Discard()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log = log.With("component", "api")
	return &Server{
		orders:    orders,
		backtests: backtests,
		hub:       hub,
		grpc:      NewGRPCServer(orders, log),
		opts:      opts,
		log:       log,
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return s.logRequests(corsMiddleware(mux))
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Both are shut down gracefully
// before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var grpcLis net.Listener
	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			return err
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.hub != nil {
		g.Go(func() error {
			s.hub.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.log.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcServer *grpc.Server
	if grpcLis != nil {
		lis := grpcLis
		grpcServer = grpc.NewServer()
		s.grpc.Register(grpcServer)

		g.Go(func() error {
			s.log.Info("gRPC server listening", "addr", lis.Addr().String())
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			s.grpc.WatchMarket(gctx, s.opts.HealthInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
