package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/archive"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/report"
	"github.com/CZERTAINLY/Inspector/internal/source/github"
	"github.com/CZERTAINLY/Inspector/internal/store"

	"github.com/go-chi/chi/v5"
)

type toggleRequest struct {
	Value *bool `json:"value"`
}

type imageRequest struct {
	Image   string `json:"image"`
	Name    string `json:"name,omitempty"`
	RuleSet string `json:"ruleset,omitempty"`
}

// JobResponse is a persisted job with its findings and the errors recorded
// while scanning.
type JobResponse struct {
	Job        model.JobRecord   `json:"job"`
	Violations []model.Violation `json:"violations"`
	Errors     []string          `json:"errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, svc.Status())
	}
}

// handleToggle switches a service state, repeating the same value is a no-op.
func (s *Server) handleToggle(svc Service, on, off func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			http.Error(w, `expected {"value": bool}`, http.StatusBadRequest)
			return
		}
		if *req.Value {
			on()
		} else {
			off()
		}
		writeJSON(w, r, http.StatusOK, svc.Status())
	}
}

func (s *Server) handleUpload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
		file, hdr, err := r.FormFile("archive")
		if err != nil {
			http.Error(w, "missing archive: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()

		path, err := archive.Stage(s.cfg.UploadDir, hdr.Filename, file)
		if err != nil {
			slog.ErrorContext(r.Context(), "staging upload", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		name := r.FormValue("name")
		if name == "" {
			name = hdr.Filename
		}
		ticket, err := svc.Submit(r.Context(), model.ScanJob{
			Name:        name,
			ArchivePath: path,
			RuleSetName: r.FormValue("ruleset"),
		})
		if err != nil || ticket.Skipped {
			if rerr := os.Remove(path); rerr != nil {
				slog.WarnContext(r.Context(), "removing staged archive", "path", path, "error", rerr)
			}
		}
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) handlePullRequest(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, ok, err := github.ParseWebhook(r, s.cfg.WebhookSecret)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ticket, err := svc.Submit(r.Context(), pr.Job("", r.URL.Query().Get("ruleset"), time.Time{}))
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) handleImage(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if req.Image == "" {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		name := req.Name
		if name == "" {
			name = req.Image
		}
		ticket, err := svc.Submit(r.Context(), model.ScanJob{
			Name:        name,
			ImageRef:    req.Image,
			RuleSetName: req.RuleSet,
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.result(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Violations == nil {
		res.Violations = []model.Violation{}
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	writeJSON(w, r, http.StatusOK, JobResponse{Job: job, Violations: res.Violations, Errors: res.Errors})
}

func (s *Server) handleGetSARIF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.Status != model.StatusDone {
		http.Error(w, "job is "+string(job.Status), http.StatusConflict)
		return
	}
	res, err := s.result(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/sarif+json")
	if err := report.WriteSARIF(w, "inspector", res); err != nil {
		slog.ErrorContext(r.Context(), "writing sarif", "job_id", id, "error", err)
	}
}

func (s *Server) result(ctx context.Context, id string) (model.Report, error) {
	violations, err := s.jobs.Violations(ctx, id)
	if err != nil {
		return model.Report{}, err
	}
	errs, err := s.jobs.Errors(ctx, id)
	if err != nil {
		return model.Report{}, err
	}
	return model.Report{Violations: violations, Errors: errs}, nil
}

func (s *Server) writeTicket(w http.ResponseWriter, r *http.Request, ticket model.Ticket, err error) {
	switch {
	case err != nil:
		writeError(w, r, err)
	case ticket.Skipped:
		writeJSON(w, r, http.StatusOK, ticket)
	default:
		writeJSON(w, r, http.StatusAccepted, ticket)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrRejected), errors.Is(err, model.ErrNoAnalyzers):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "encoding response", "error", err)
	}
}
