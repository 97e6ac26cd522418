package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"DerivLedger/internal/core"
	"DerivLedger/internal/errs"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/platform"
	"DerivLedger/internal/query"
)

// Server hosts the HTTP/JSON API and a gRPC endpoint carrying health
// and reflection. Writes are turned into commands and submitted to the
// core; reads go to the query service.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *Deps
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// Deps holds everything the API handlers need.
type Deps struct {
	DB          *sql.DB
	Submissions chan<- core.Submission
	Query       *query.Service
	Platform    *platform.Manager
	SnapshotMgr *persistence.SnapshotManager
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger

	// Requests per second across all routes; 0 disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	var limiter *rate.Limiter
	if deps.RateLimit > 0 {
		burst := deps.RateBurst
		if burst <= 0 {
			burst = int(deps.RateLimit)
		}
		limiter = rate.NewLimiter(deps.RateLimit, burst)
	}

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		limiter:    limiter,
		logger:     deps.Logger.With().Str("component", "api_server").Logger(),
	}
}

// StartGRPC serves the gRPC endpoint until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON API until ctx is cancelled (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.deps.Health != nil {
		httpMux.HandleFunc("/healthz", s.deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.Health.ReadinessHandler)
	}
	httpMux.Handle("/", s.withLimiter(mux))

	s.httpServer = &http.Server{
		Addr:         s.httpAddr,
		Handler:      httpMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withLimiter(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if s.deps.Metrics != nil {
				s.deps.Metrics.APIRateLimit.Inc()
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// httpStatusFor maps engine rejections onto HTTP status codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrPlatformSuspended),
		errors.Is(err, errs.ErrCriticalMode):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrMarginAccountNotFound),
		errors.Is(err, errs.ErrDerivativeNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrDerivativeExpired),
		errors.Is(err, errs.ErrDerivativeAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotPositionOwner),
		errors.Is(err, errs.ErrUnauthorizedUser):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrInsufficientMargin),
		errors.Is(err, errs.ErrInsufficientFunds),
		errors.Is(err, errs.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrInvalidAmount),
		errors.Is(err, errs.ErrInvalidTargetPrice),
		errors.Is(err, errs.ErrInvalidFee),
		errors.Is(err, errs.ErrInvalidPositionSize),
		errors.Is(err, errs.ErrInvalidMaturity),
		errors.Is(err, errs.ErrUnsupportedDerivativeType),
		errors.Is(err, errs.ErrInvalidDerivativeID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
