package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SnapshotFunc takes a snapshot through the core loop and returns its
// sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

// ServerDeps holds everything the gRPC and HTTP surfaces serve from.
type ServerDeps struct {
	DB            *sql.DB
	View          *projection.View
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshot      SnapshotFunc
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	StartTime     time.Time
}

// GRPCServer runs the gRPC server (exchange service, health, reflection)
// and the gRPC-Gateway HTTP mux that carries the JSON API.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// NewGRPCServer builds both servers. The gRPC health service follows the
// health checker's readiness.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)))

	RegisterExchangeServer(grpcServer, &exchangeServer{deps: deps})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	if deps.HealthChecker != nil {
		deps.HealthChecker.OnChange(func(ready bool) {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				st = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", st)
		})
	}

	gw, err := NewGateway(deps)
	if err != nil {
		return nil, err
	}
	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", gw)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           httpMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   deps.Logger,
	}, nil
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.Stop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve runs gRPC on an existing listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop marks the service NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// StartHTTPGateway serves the HTTP/JSON API until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("grpc call")
		return resp, err
	}
}
