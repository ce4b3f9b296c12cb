package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/25x8/referral-ledger/internal/referrals/config"
	"github.com/25x8/referral-ledger/internal/referrals/handlers"
	"github.com/25x8/referral-ledger/internal/referrals/middleware"
	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
	"github.com/25x8/referral-ledger/internal/referrals/service"
)

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	repo       repository.Repository
	cache      repository.LeaderboardCache
	worker     *service.SettlementWorker
	handler    *handlers.Handler
	httpServer *http.Server
}

// NewServer wires the ledger services. Without DATABASE_URI the ledger lives in memory.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var repo repository.Repository
	if cfg.DatabaseURI != "" {
		repo = repository.NewPostgresRepository(cfg.DatabaseURI)
	} else {
		logger.Warn("DATABASE_URI not set, using in-memory ledger")
		repo = repository.NewMemoryRepository()
	}

	var cache repository.LeaderboardCache
	if cfg.Cache.RedisAddr != "" {
		cache = repository.NewRedisLeaderboardCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.LeaderboardTTL)
	} else {
		cache = repository.NewMemoryLeaderboardCache(16, cfg.Cache.LeaderboardTTL)
	}

	metrics, err := service.NewMetrics(nil)
	if err != nil {
		return nil, err
	}

	schedule := models.DefaultSchedule()
	schedule.Qualified = cfg.Ledger.QualifiedBonus

	deps := service.Deps{
		Repo:    repo,
		Logger:  logger,
		Metrics: metrics,
		// the first attempt is not a retry
		Retry: service.RetryPolicy{MaxAttempts: cfg.Ledger.TxMaxRetries + 1, BaseDelay: 10 * time.Millisecond},
	}
	registry, err := service.NewRegistry(deps, service.RegistryConfig{
		Origin:          cfg.ReferralOrigin,
		MaxCodeAttempts: cfg.Ledger.CodeMaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	payouts := service.NewPayoutProcessor(deps)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
		cache:  cache,
		handler: &handlers.Handler{
			Registry:    registry,
			Tracker:     service.NewTracker(deps, registry, schedule),
			Ledger:      service.NewLedger(deps, service.LedgerConfig{Strict: cfg.Ledger.StrictTransitions}),
			Payouts:     payouts,
			Leaderboard: service.NewLeaderboard(repo, cache, logger),
		},
	}
	if cfg.PayoutProviderAddress != "" {
		provider := service.NewProviderClient(cfg.PayoutProviderAddress)
		s.worker = service.NewSettlementWorker(repo, payouts, provider, cfg.SettlementInterval, logger)
	}
	return s, nil
}

// NewRouter builds the API routes around h
func NewRouter(h *handlers.Handler, jwtConfig *middleware.JWTConfig, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Route("/api/referrals", func(r chi.Router) {
		// Public routes
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Get("/codes/{code}", h.ResolveCode)
			r.Post("/track", h.StartTracking)
			r.Get("/leaderboard", h.TopReferrers)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtConfig))

			r.Post("/account", h.CreateAccount)
			r.Get("/account", h.GetAccount)
			r.Get("/tracking", h.ListTracking)
			r.Post("/payouts", h.RequestPayout)
			r.Get("/payouts", h.ListPayouts)
			r.Get("/reconcile", h.Reconcile)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/tracking/{id}/advance", h.Advance)
				r.Post("/tracking/{id}/correct", h.Correct)
				r.Get("/tracking/{id}/corrections", h.ListCorrections)
				r.Post("/payouts/{id}/settle", h.SettlePayout)
			})
		})
	})

	return r
}

// Run starts the HTTP server
func (s *Server) Run() error {
	if err := s.repo.InitDB(context.Background()); err != nil {
		return err
	}

	if s.worker != nil {
		s.worker.Start()
	}

	router := NewRouter(s.handler,
		&middleware.JWTConfig{SecretKey: s.cfg.JWTSecret},
		middleware.NewRateLimiter(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst),
	)
	s.httpServer = &http.Server{
		Addr:    s.cfg.RunAddress,
		Handler: router,
	}

	s.logger.Info("starting server", "address", s.cfg.RunAddress)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.worker != nil {
		s.worker.Stop()
	}

	if closer, ok := s.cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("close leaderboard cache", "error", err)
		}
	}

	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			return err
		}
	}
	return nil
}
