package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"

	"Aegis-Treasury/internal/decision"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/internal/payment"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/sponsorship"
	"Aegis-Treasury/pkg/logger"
)

// Sponsorships 是 API 使用的请求队列能力，由 sponsorship.Service 实现。
type Sponsorships interface {
	Enqueue(ctx context.Context, in sponsorship.EnqueueInput) (sponsorship.EnqueueResult, error)
	GetStatus(ctx context.Context, id string) (*sponsorship.Request, error)
	Cancel(ctx context.Context, id string) error
	Stats(ctx context.Context) (sponsorship.Stats, error)
}

// Eligibility 在不产生副作用的前提下评估一次代付，由 treasury.Executor 实现。
type Eligibility interface {
	CheckEligibility(ctx context.Context, d decision.Decision, requested policy.ExecutionMode) (policy.Result, error)
}

// Credits 为协议充值，由 payment.Service 实现。
type Credits interface {
	CreditProtocol(ctx context.Context, protocolID string, amountUSD float64, paymentID string) (payment.CreditResult, error)
}

// Config 控制 HTTP 服务。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// ServeMetrics 为 true 时在同一端口暴露 /metrics。
	ServeMetrics bool
}

// Dependencies 汇总 API 依赖的服务，缺失的服务对应的接口返回 503。
type Dependencies struct {
	Sponsorships Sponsorships
	Eligibility  Eligibility
	Credits      Credits
	Reasoner     decision.Reasoner
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg    Config
	deps   Dependencies
	router chi.Router
	log    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if deps.Reasoner == nil {
		deps.Reasoner = decision.RequestReasoner{}
	}
	s := &Server{cfg: cfg, deps: deps, log: logger.Named("api")}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试直接调用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.ServeMetrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requestLogger())
		r.Post("/sponsorships", s.handleCreateSponsorship)
		r.Get("/sponsorships/stats", s.handleStats)
		r.Get("/sponsorships/{id}", s.handleGetSponsorship)
		r.Delete("/sponsorships/{id}", s.handleCancelSponsorship)
		r.Post("/eligibility", s.handleEligibility)
		r.Post("/protocols/{id}/credit", s.handleCredit)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// observeRequests 以路由模板为维度记录请求数与耗时。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

func requestLogger() func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		logger.Named("api.http"),
		&httplog.Options{
			Level:              slog.LevelInfo,
			LogRequestBody:     func(*http.Request) bool { return false },
			LogResponseBody:    func(*http.Request) bool { return false },
			LogRequestHeaders:  []string{},
			LogResponseHeaders: []string{},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
				}
			},
		},
	)
}
