package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/events"
	"github.com/digkill/voicegen/internal/service"
)

type Options struct {
	Addr               string
	AdminUsername      string
	AdminPassword      string
	CORSAllowedOrigins []string
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

type Server struct {
	opts      Options
	log       *slog.Logger
	generator *service.GenerationService
	accounts  *service.AccountService
	plans     *service.PlanService
	payments  *service.PaymentService
	broker    *events.Broker
	verifier  *auth.Verifier
	router    *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, generator *service.GenerationService, accounts *service.AccountService, plans *service.PlanService, payments *service.PaymentService, broker *events.Broker, verifier *auth.Verifier) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		opts:      opts,
		log:       log,
		generator: generator,
		accounts:  accounts,
		plans:     plans,
		payments:  payments,
		broker:    broker,
		verifier:  verifier,
		router:    r,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(api chi.Router) {
		api.Use(verifier.Middleware)
		api.Post("/generate", s.handleGenerate)
		api.Get("/account", s.handleAccount)
		api.Get("/account/events", s.handleAccountEvents)
		api.Post("/payments/orders", s.handleCreateOrder)
		api.Post("/payments/verify", s.handleVerifyPayment)
	})
	if opts.AdminUsername != "" {
		r.Route("/admin", func(protected chi.Router) {
			protected.Use(s.basicAuthMiddleware())
			protected.Route("/plans", func(r chi.Router) {
				r.Get("/", s.handleListPlans)
				r.Post("/", s.handleCreatePlan)
				r.Put("/{id}", s.handleUpdatePlan)
				r.Delete("/{id}", s.handleDeletePlan)
			})
		})
	}
	return s
}

// Handler is the router wrapped in CORS for the browser client.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
	}).Handler(s.router)
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: generation waits on the provider and the event
		// stream stays open for the life of the page.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}
