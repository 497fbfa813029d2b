// Package api exposes scanning services over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/metrics"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is a scanning service of one job family, *service.Service
// implements it.
type Service interface {
	Family() model.Family
	Submit(ctx context.Context, job model.ScanJob) (model.Ticket, error)
	Pause()
	Resume()
	Quiesce()
	UnQuiesce()
	Status() service.Status
}

// Jobs reads persisted jobs, *store.Store implements it.
type Jobs interface {
	Get(ctx context.Context, id string) (model.JobRecord, error)
	Violations(ctx context.Context, id string) ([]model.Violation, error)
	Errors(ctx context.Context, id string) ([]string, error)
}

type Config struct {
	// UploadDir keeps uploaded archives until their job finishes.
	UploadDir string
	// MaxUploadSize limits the request body of an upload, 0 means 1GiB.
	MaxUploadSize int64
	// WebhookSecret checks GitHub webhook signatures when not empty.
	WebhookSecret []byte
}

type Server struct {
	cfg      Config
	router   *chi.Mux
	jobs     Jobs
	services map[model.Family]Service
}

func NewServer(cfg Config, jobs Jobs, services ...Service) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 1 << 30
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		router:   r,
		jobs:     jobs,
		services: make(map[model.Family]Service, len(services)),
	}
	for _, svc := range services {
		s.services[svc.Family()] = svc
	}
	s.routes()
	return s
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) routes() {
	s.router.Handle("/metrics", metrics.Handler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/sarif", s.handleGetSARIF)

		for family, svc := range s.services {
			r.Route("/"+string(family), func(r chi.Router) {
				r.Get("/status", s.handleStatus(svc))
				r.Put("/paused", s.handleToggle(svc, svc.Pause, svc.Resume))
				r.Put("/quiesced", s.handleToggle(svc, svc.Quiesce, svc.UnQuiesce))
				switch family {
				case model.FamilyUpload:
					r.Post("/jobs", s.handleUpload(svc))
				case model.FamilyPullRequest:
					r.Post("/jobs", s.handlePullRequest(svc))
				case model.FamilyImage:
					r.Post("/jobs", s.handleImage(svc))
				}
			})
		}
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting server", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serving api: %w", err)
}
