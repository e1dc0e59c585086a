package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mizan/auth"
)

// QuoteFees returns the derived VAT and escrow fee for a base amount. The
// calculation is stateless and re-derivable from the same inputs.
func (s *Server) QuoteFees(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base          int64 `json:"base"`
		VATApplicable bool  `json:"vatApplicable"`
		EscrowEnabled bool  `json:"escrowEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	totals, err := s.Fees.Compute(req.Base, req.VATApplicable, req.EscrowEnabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

// CreateAccount provisions a ledger account. The owner identity defaults to
// the caller's subject.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		OwnerID  string `json:"ownerId"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = claims.Subject
	}
	if req.Currency == "" {
		req.Currency = s.Currency
	}
	account, err := s.Ledger.CreateAccount(r.Context(), req.OwnerID, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

// GetAccount returns an account's balances.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	account, err := s.Ledger.Get(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

// ListTransactions returns the most recent transaction records for an account.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	records, err := s.Ledger.Transactions(r.Context(), accountID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// Deposit credits an account. Pay-ins arrive from external rails, so any
// authenticated caller may deposit into any account.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	balance, err := s.Ledger.Deposit(r.Context(), accountID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// Withdraw debits the caller's available balance and records a pending
// settlement. Only the account holder may withdraw.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if claims.Role != auth.RoleArbiter && claims.Subject != accountID.String() {
		http.Error(w, "not the account holder", http.StatusForbidden)
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	record, err := s.Ledger.Withdraw(r.Context(), accountID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, record)
}

// ConfirmWithdrawal marks a pending withdrawal as settled once the external
// transfer lands.
func (s *Server) ConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return
	}
	if err := s.Ledger.ConfirmWithdrawal(r.Context(), txID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// DeactivateAccount disables an account. Accounts are never deleted.
func (s *Server) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if err := s.Ledger.Deactivate(r.Context(), accountID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}
