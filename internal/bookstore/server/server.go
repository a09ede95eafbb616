package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/config"
	"github.com/25x8/bookstore-rewards/internal/bookstore/handlers"
	"github.com/25x8/bookstore-rewards/internal/bookstore/metrics"
	"github.com/25x8/bookstore-rewards/internal/bookstore/middleware"
	"github.com/25x8/bookstore-rewards/internal/bookstore/repository"
	"github.com/25x8/bookstore-rewards/internal/bookstore/service"
)

// Server represents the HTTP server
type Server struct {
	cfg             *config.Config
	logger          *zap.Logger
	repo            repository.Repository
	statusProcessor *service.StatusProcessor
	handler         *handlers.Handler
	httpServer      *http.Server
}

// NewServer creates a new server. An empty database URI keeps every store in
// memory.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	m := metrics.Default()

	var repo repository.Repository
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	} else {
		pg := repository.NewPostgresRepository(cfg.StorageTimeout, m)
		if err := pg.InitDB(ctx, cfg.DatabaseURI); err != nil {
			return nil, err
		}
		repo = pg
	}

	var orders service.OrderLookup
	if cfg.OrderServiceAddress != "" {
		orders = service.NewOrderClient(cfg.OrderServiceAddress, cfg.OrderServiceRPS)
	}

	loyalty := service.NewLoyaltyEngine(repo, cfg.Loyalty, logger.Named("loyalty"), m)
	discounts := service.NewDiscountRegistry(repo, cfg.Discount, logger.Named("discount"), m)
	coordinator := service.NewSettlementCoordinator(loyalty, discounts, repo, orders, logger.Named("settlement"), m)
	statusProcessor := service.NewStatusProcessor(coordinator, cfg.Status, cfg.StorageTimeout*2, logger.Named("status"))

	return &Server{
		cfg:             cfg,
		logger:          logger,
		repo:            repo,
		statusProcessor: statusProcessor,
		handler:         handlers.NewHandler(loyalty, discounts, coordinator, statusProcessor, logger.Named("http")),
	}, nil
}

// NewRouter wires the routes of h
func NewRouter(h *handlers.Handler, jwtSecret string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	jwtConfig := &middleware.JWTConfig{SecretKey: jwtSecret}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtConfig))

		r.Route("/user", func(r chi.Router) {
			r.Get("/loyalty/balance", h.GetBalance)
			r.Get("/loyalty/history", h.GetHistory)
			r.Post("/checkout", h.Checkout)
		})

		r.Post("/discounts/validate", h.ValidateDiscount)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/discounts", h.CreateDiscount)
			r.Get("/discounts", h.ListDiscounts)
			r.Get("/discounts/{code}", h.GetDiscount)
			r.Patch("/discounts/{code}", h.UpdateDiscount)
			r.Post("/discounts/{code}/toggle", h.ToggleDiscount)
			r.Get("/loyalty/{userID}/reconcile", h.ReconcileBalance)
		})

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleOrderService))

			r.Post("/discount", h.ConfirmDiscount)
			r.Post("/status", h.OrderStatusChanged)
		})
	})

	return r
}

// Run starts the HTTP server
func (s *Server) Run() error {
	// Start status processor
	s.statusProcessor.Start()

	s.httpServer = &http.Server{
		Addr:    s.cfg.RunAddress,
		Handler: NewRouter(s.handler, s.cfg.JWTSecret, s.logger.Named("access")),
	}

	s.logger.Info("Starting server", zap.String("address", s.cfg.RunAddress))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	// Shutdown HTTP server
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// Finish the notifications already answered with 202
	if s.statusProcessor != nil {
		if err := s.statusProcessor.Stop(ctx); err != nil {
			s.logger.Error("Status processor did not drain", zap.Error(err))
			errs = append(errs, err)
		}
	}

	// Close repository
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
