package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mail-pipeline-broker/internal/broker"
	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/ratelimit"
	"mail-pipeline-broker/internal/telemetry"
)

// Broker is the orchestration surface the HTTP layer exposes.
type Broker interface {
	Enqueue(ctx context.Context, p broker.EnqueueParams) (*models.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (*models.Job, error)
	Cancel(ctx context.Context, jobID string) error
	GetAccountHealth(ctx context.Context, userID string) (map[string]models.AccountHealth, error)
	GetPerformanceMetrics(ctx context.Context, userID string, window time.Duration) (*models.PerformanceSummary, error)
	ListAlerts(ctx context.Context, userID string) ([]models.Alert, error)
	ResetAccountHealth(ctx context.Context, accountID string) error
}

// AccountStore registers mail accounts. Account management proper
// (credentials, folders) lives outside the broker.
type AccountStore interface {
	InsertAccount(ctx context.Context, a models.Account) error
}

// Server wires HTTP handlers for the broker API.
type Server struct {
	broker   Broker
	accounts AccountStore
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server. The limiter may be nil to disable
// rate limiting (tests).
func New(b Broker, accounts AccountStore, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{broker: b, accounts: accounts, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Post("/accounts", s.handleCreateAccount)
	r.Post("/accounts/{id}/health/reset", s.handleResetHealth)

	r.Get("/users/{userID}/health", s.handleAccountHealth)
	r.Get("/users/{userID}/metrics", s.handleMetrics)
	r.Get("/users/{userID}/alerts", s.handleAlerts)
	return r
}

type enqueueRequest struct {
	UserID         string  `json:"user_id"`
	AccountID      *string `json:"account_id"`
	Kind           string  `json:"kind"`
	MaxItems       int     `json:"max_items"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.broker.Enqueue(r.Context(), broker.EnqueueParams{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Kind:      req.Kind,
		MaxItems:  req.MaxItems,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.broker.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type createAccountRequest struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	CredentialHandle string `json:"credential_handle"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Email == "" {
		http.Error(w, "user_id and email are required", http.StatusBadRequest)
		return
	}
	acct := models.Account{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Email:            req.Email,
		Enabled:          true,
		CredentialHandle: req.CredentialHandle,
	}
	if err := s.accounts.InsertAccount(r.Context(), acct); err != nil {
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleResetHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.ResetAccountHealth(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": models.HealthHealthy})
}

func (s *Server) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	healthMap, err := s.broker.GetAccountHealth(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": healthMap})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}
	summary, err := s.broker.GetPerformanceMetrics(r.Context(), chi.URLParam(r, "userID"), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.broker.ListAlerts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrJobNotFound), errors.Is(err, broker.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, broker.ErrNoAccounts):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, broker.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
