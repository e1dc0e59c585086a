package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mizan/auth"
	"mizan/schedule"
)

// CreateSchedule derives a payment schedule from finalized contract terms.
// The caller becomes the payer.
func (s *Server) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	payerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var req struct {
		ContractID    string    `json:"contractId"`
		Method        string    `json:"method"`
		TotalAmount   int64     `json:"totalAmount"`
		Currency      string    `json:"currency"`
		BeneficiaryID uuid.UUID `json:"beneficiaryId"`
		Finalize      bool      `json:"finalize"`
		Installments  []struct {
			Amount    int64     `json:"amount"`
			DueDate   time.Time `json:"dueDate"`
			Condition string    `json:"condition"`
		} `json:"installments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = s.Currency
	}
	specs := make([]schedule.InstallmentSpec, 0, len(req.Installments))
	for _, inst := range req.Installments {
		specs = append(specs, schedule.InstallmentSpec{
			Amount:    inst.Amount,
			DueDate:   inst.DueDate,
			Condition: inst.Condition,
		})
	}
	sched, err := s.Schedules.Create(r.Context(), schedule.CreateParams{
		ContractID:    req.ContractID,
		Method:        req.Method,
		TotalAmount:   req.TotalAmount,
		Currency:      req.Currency,
		PayerID:       payerID,
		BeneficiaryID: req.BeneficiaryID,
		Installments:  specs,
		Finalize:      req.Finalize,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sched)
}

// GetSchedule returns a contract's schedule with overdue status derived as of
// now.
func (s *Server) GetSchedule(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	sched, err := s.Schedules.Get(r.Context(), contractID, s.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// AddInstallment appends a tranche to an unfinalized conditional schedule.
func (s *Server) AddInstallment(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	var req struct {
		Amount    int64     `json:"amount"`
		DueDate   time.Time `json:"dueDate"`
		Condition string    `json:"condition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	row, err := s.Schedules.AddInstallment(r.Context(), contractID, schedule.InstallmentSpec{
		Amount:    req.Amount,
		DueDate:   req.DueDate,
		Condition: req.Condition,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// FinalizeSchedule freezes the installment set once the contract is signed.
func (s *Server) FinalizeSchedule(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	if err := s.Schedules.Finalize(r.Context(), contractID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
}

// PayInstallment confirms payment of an installment, reserving its amount
// into a new escrow hold. Retrying a confirmed payment returns the existing
// hold.
func (s *Server) PayInstallment(w http.ResponseWriter, r *http.Request) {
	installmentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid installment id", http.StatusBadRequest)
		return
	}
	row, hold, err := s.Schedules.MarkPaid(r.Context(), installmentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"installment": row,
		"hold":        hold,
	})
}
