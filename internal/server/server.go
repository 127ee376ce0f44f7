// Package server is the composition root: it opens the entity store, builds
// the services and handlers, and maps routes to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/threadline/internal/auth"
	"github.com/sakif/threadline/internal/config"
	"github.com/sakif/threadline/internal/handler"
	"github.com/sakif/threadline/internal/middleware"
	"github.com/sakif/threadline/internal/repository/mongodb"
	sqliteRepo "github.com/sakif/threadline/internal/repository/sqlite"
	"github.com/sakif/threadline/internal/revalidate"
	"github.com/sakif/threadline/internal/service"
)

// Server owns the router and every resource opened for it. Start closes
// them on shutdown.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// New opens the configured store and revalidation notifier and wires
// everything else on top.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{store}

	var notifier revalidate.Notifier = revalidate.Log{Logger: logger}
	if cfg.Redis.URL != "" {
		rn, err := revalidate.NewRedis(cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting revalidation redis: %w", err)
		}
		notifier = revalidate.Multi{revalidate.Log{Logger: logger}, rn}
		closers = append(closers, rn)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := NewWithStore(cfg, store, notifier, reg, logger)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	s.closers = closers
	return s, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (service.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := mongodb.Connect(ctx, mongodb.Options{
			URI:          cfg.Store.Mongo.URI,
			Database:     cfg.Store.Mongo.Database,
			Transactions: cfg.Store.Mongo.Transactions,
		})
		if err != nil {
			return nil, fmt.Errorf("opening mongo store: %w", err)
		}
		return store, nil

	default:
		path := cfg.Store.SQLite.Path
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(path)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		logger.Info("sqlite store opened", slog.String("path", path))
		return db, nil
	}
}

// NewWithStore wires services, handlers and routes over an existing store.
// The caller keeps ownership of store and notifier.
func NewWithStore(
	cfg *config.Config,
	store service.Store,
	notifier revalidate.Notifier,
	reg *prometheus.Registry,
	logger *slog.Logger,
) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	if err := s.setupRoutes(store, notifier, reg); err != nil {
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures middleware and routes.
//
// MIDDLEWARE ORDER:
//  1. RequestID, RealIP (only with TrustProxy), Recoverer (chi)
//  2. Logger, Metrics
//  3. OptionalIdentity on /api, so the rate limiter can key by identity
//  4. RateLimiter on /api writes
//  5. RequireProfile on routes that act as the current user
func (s *Server) setupRoutes(store service.Store, notifier revalidate.Notifier, reg *prometheus.Registry) error {
	metrics := middleware.NewMetrics(reg)

	s.router.Use(chimiddleware.RequestID)
	if s.config.Server.TrustProxy {
		s.router.Use(chimiddleware.RealIP)
	}
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(metrics.Handler)

	source := revalidationSource(notifier)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := source.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				s.logger.Error("health check: redis unreachable", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded","redis":"unreachable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	threads := service.NewThreadService(store, notifier, s.logger)
	feed := service.NewFeedService(store, s.logger)
	communities := service.NewCommunityService(store, notifier, s.logger)
	users := service.NewUserService(store, notifier, s.logger)

	threadHandler := handler.NewThreadHandler(threads, feed, s.logger)
	userHandler := handler.NewUserHandler(users, feed, s.logger)
	communityHandler := handler.NewCommunityHandler(communities, feed, s.logger)

	// Without a secret no identity can be established: reads still work,
	// everything that needs a caller answers 401.
	identity := func(next http.Handler) http.Handler { return next }
	requireIdentity := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"unauthorized","message":"authentication is not configured"}`, http.StatusUnauthorized)
		})
	}

	var authHandler *handler.AuthHandler
	if s.config.AuthEnabled() {
		tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		github := auth.NewGitHubProvider(
			s.config.Auth.GitHubClientID,
			s.config.Auth.GitHubClientSecret,
			s.config.Auth.GitHubCallbackURL,
		)
		authHandler = handler.NewAuthHandler(
			github,
			service.NewAuthService(store, tokens, s.logger),
			users,
			handler.AuthConfig{
				CookieSecure:  s.config.Auth.CookieSecure,
				HomeURL:       s.config.Auth.HomeURL,
				OnboardingURL: s.config.Auth.OnboardingURL,
			},
			s.logger,
		)
		identity = auth.OptionalIdentity(tokens)
		requireIdentity = auth.RequireIdentity(tokens)

		s.router.Route("/auth", func(r chi.Router) {
			r.Get("/github/login", authHandler.HandleGitHubLogin)
			r.Get("/github/callback", authHandler.HandleGitHubCallback)
			r.Post("/logout", authHandler.HandleLogout)
		})
	} else {
		s.logger.Warn("JWT_SECRET not set: authentication is disabled")
	}

	limiter := middleware.NewRateLimiter(s.config.RateLimit.RPS, s.config.RateLimit.Burst)
	profile := handler.RequireProfile(users)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(identity)
		r.Use(limiter.Handler)

		if source != nil {
			revalidateHandler := handler.NewRevalidateHandler(source, s.logger)
			r.Get("/revalidate", revalidateHandler.HandleLast)
			r.Get("/revalidate/stream", revalidateHandler.HandleStream)
		}

		r.Route("/me", func(r chi.Router) {
			r.Use(requireIdentity)
			if authHandler != nil {
				r.Get("/", authHandler.HandleMe)
				r.Put("/profile", authHandler.HandleSaveProfile)
			}
			r.With(profile).Get("/activity", userHandler.HandleActivity)
		})

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", threadHandler.HandleList)
			r.Get("/{id}", threadHandler.HandleGet)
			r.Group(func(r chi.Router) {
				r.Use(profile)
				r.Post("/", threadHandler.HandleCreate)
				r.Delete("/{id}", threadHandler.HandleDelete)
				r.Post("/{id}/replies", threadHandler.HandleReply)
				r.Post("/{id}/like", threadHandler.HandleLike)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", userHandler.HandleSearch)
			r.Get("/{id}", userHandler.HandleGet)
			r.Get("/{id}/threads", userHandler.HandleThreads)
			r.Get("/{id}/replies", userHandler.HandleReplies)
		})

		r.Route("/communities", func(r chi.Router) {
			r.Get("/", communityHandler.HandleSearch)
			r.Get("/{id}", communityHandler.HandleGet)
			r.Get("/{id}/threads", communityHandler.HandleThreads)
			r.Group(func(r chi.Router) {
				r.Use(profile)
				r.Post("/", communityHandler.HandleCreate)
				r.Put("/{id}", communityHandler.HandleUpdate)
				r.Delete("/{id}", communityHandler.HandleDelete)
				r.Post("/{id}/requests", communityHandler.HandleRequestJoin)
				r.Post("/{id}/requests/{userID}/accept", communityHandler.HandleAcceptJoin)
				r.Post("/{id}/members", communityHandler.HandleAddMember)
				r.Delete("/{id}/members/{userID}", communityHandler.HandleRemoveMember)
			})
		})
	})

	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// revalidationSource finds a notifier that can also be read back, looking
// inside a Multi. It returns nil when signals are only logged.
func revalidationSource(n revalidate.Notifier) handler.RevalidationSource {
	switch n := n.(type) {
	case handler.RevalidationSource:
		return n
	case revalidate.Multi:
		for _, inner := range n {
			if src := revalidationSource(inner); src != nil {
				return src
			}
		}
	}
	return nil
}

// Start serves HTTP until SIGINT/SIGTERM, drains in-flight requests for up
// to 30 seconds, then closes the store and notifier.
func (s *Server) Start() error {
	defer s.close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Server.Port)),
			slog.String("store", s.config.Store.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("closing resource", slog.String("error", err.Error()))
		}
	}
}
