// Package server exposes the settlement engines over an authenticated HTTP
// API. Handlers stay thin: they parse, authorize against the caller's claims
// and delegate to the engines, which own all state-machine rules.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"mizan/auth"
	"mizan/core"
	"mizan/dispute"
	"mizan/escrow"
	"mizan/fees"
	"mizan/ledger"
	"mizan/middleware"
	"mizan/schedule"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB               *gorm.DB
	Ledger           *ledger.Engine
	Holds            *escrow.Engine
	Schedules        *schedule.Engine
	Disputes         *dispute.Engine
	Auth             *auth.Authenticator
	Fees             fees.Policy
	Currency         string
	ReleaseWindow    time.Duration
	ExtensionPresets []int
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB               *gorm.DB
	Ledger           *ledger.Engine
	Holds            *escrow.Engine
	Schedules        *schedule.Engine
	Disputes         *dispute.Engine
	Auth             *auth.Authenticator
	Fees             fees.Policy
	Currency         string
	ReleaseWindow    time.Duration
	ExtensionPresets []int
	Now              func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication and idempotency
// support.
func New(cfg Config) *Server {
	if cfg.Currency == "" {
		cfg.Currency = "SAR"
	}
	if cfg.ReleaseWindow <= 0 {
		cfg.ReleaseWindow = 14 * 24 * time.Hour
	}
	if len(cfg.ExtensionPresets) == 0 {
		cfg.ExtensionPresets = []int{3, 7, 14}
	}
	srv := &Server{
		DB:               cfg.DB,
		Ledger:           cfg.Ledger,
		Holds:            cfg.Holds,
		Schedules:        cfg.Schedules,
		Disputes:         cfg.Disputes,
		Auth:             cfg.Auth,
		Fees:             cfg.Fees,
		Currency:         cfg.Currency,
		ReleaseWindow:    cfg.ReleaseWindow,
		ExtensionPresets: cfg.ExtensionPresets,
		Now:              func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.DB, next) })
		api.Use(s.Auth.Middleware)

		api.Post("/quotes", s.QuoteFees)

		api.Post("/accounts", s.CreateAccount)
		api.Get("/accounts/{id}", s.GetAccount)
		api.Get("/accounts/{id}/transactions", s.ListTransactions)
		api.Post("/accounts/{id}/deposits", s.Deposit)
		api.Post("/accounts/{id}/withdrawals", s.Withdraw)
		api.Post("/withdrawals/{id}/confirm", s.ConfirmWithdrawal)
		api.With(auth.RequireRole(auth.RoleArbiter)).Post("/accounts/{id}/deactivate", s.DeactivateAccount)

		api.Post("/schedules", s.CreateSchedule)
		api.Get("/schedules/{contractID}", s.GetSchedule)
		api.Post("/schedules/{contractID}/installments", s.AddInstallment)
		api.Post("/schedules/{contractID}/finalize", s.FinalizeSchedule)
		api.Post("/installments/{id}/pay", s.PayInstallment)

		api.Post("/holds", s.CreateHold)
		api.Get("/holds/{id}", s.GetHold)
		api.Post("/holds/{id}/release-request", s.RequestRelease)
		api.Post("/holds/{id}/approve", s.ApproveRelease)
		api.Post("/holds/{id}/reject", s.RejectRelease)
		api.Post("/holds/{id}/extend", s.ExtendDeadline)

		api.Post("/disputes", s.OpenDispute)
		api.Get("/disputes/{id}", s.GetDispute)
		api.Post("/disputes/{id}/evidence", s.SubmitEvidence)
		api.With(auth.RequireRole(auth.RoleArbiter)).Post("/disputes/{id}/decision", s.IssueDecision)
		api.Post("/disputes/{id}/appeal", s.AppealDispute)
		api.With(auth.RequireRole(auth.RoleArbiter)).Post("/disputes/{id}/finalize", s.FinalizeDispute)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps engine sentinels onto HTTP statuses. Unknown errors surface
// as 500 without leaking internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, core.ErrNotAuthorized):
		status, message = http.StatusForbidden, err.Error()
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrUnbalancedInstallments):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrInsufficientFunds):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, core.ErrStaleRequest), errors.Is(err, core.ErrInvalidState):
		status, message = http.StatusConflict, err.Error()
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
