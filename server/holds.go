package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mizan/auth"
	"mizan/escrow"
)

func (s *Server) callerParty(r *http.Request) (uuid.UUID, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, false
	}
	partyID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, false
	}
	return partyID, true
}

// CreateHold reserves funds from the caller's account into a standalone
// escrow hold. Installment payments create their holds through the schedule
// flow instead.
func (s *Server) CreateHold(w http.ResponseWriter, r *http.Request) {
	payerID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var req struct {
		ContractID        string    `json:"contractId"`
		BeneficiaryID     uuid.UUID `json:"beneficiaryId"`
		Amount            int64     `json:"amount"`
		Currency          string    `json:"currency"`
		ReleaseWindowDays int       `json:"releaseWindowDays"`
		Reference         string    `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = s.Currency
	}
	window := s.ReleaseWindow
	if req.ReleaseWindowDays > 0 {
		window = time.Duration(req.ReleaseWindowDays) * 24 * time.Hour
	}
	hold, err := s.Holds.Create(r.Context(), escrow.CreateParams{
		ContractID:    req.ContractID,
		PayerID:       payerID,
		BeneficiaryID: req.BeneficiaryID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ReleaseWindow: window,
		Reference:     req.Reference,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, hold)
}

// GetHold returns the hold with the supplied identifier.
func (s *Server) GetHold(w http.ResponseWriter, r *http.Request) {
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid hold id", http.StatusBadRequest)
		return
	}
	hold, err := s.Holds.Get(r.Context(), holdID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hold)
}

// RequestRelease asks the payer to approve paying out the hold.
func (s *Server) RequestRelease(w http.ResponseWriter, r *http.Request) {
	partyID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid hold id", http.StatusBadRequest)
		return
	}
	if err := s.Holds.RequestRelease(r.Context(), holdID, partyID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "pending_release"})
}

// ApproveRelease settles the hold in favour of the beneficiary after the
// payer reauthenticates with the supplied credential.
func (s *Server) ApproveRelease(w http.ResponseWriter, r *http.Request) {
	partyID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid hold id", http.StatusBadRequest)
		return
	}
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Holds.ApproveRelease(r.Context(), holdID, partyID, req.Credential); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// RejectRelease returns a pending hold to reserved with a fresh deadline.
func (s *Server) RejectRelease(w http.ResponseWriter, r *http.Request) {
	partyID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid hold id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Holds.RejectRelease(r.Context(), holdID, partyID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reserved"})
}

// ExtendDeadline pushes the hold deadline out by one of the configured preset
// day counts.
func (s *Server) ExtendDeadline(w http.ResponseWriter, r *http.Request) {
	partyID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid hold id", http.StatusBadRequest)
		return
	}
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !s.allowedExtension(req.Days) {
		http.Error(w, "unsupported extension length", http.StatusBadRequest)
		return
	}
	if err := s.Holds.ExtendDeadline(r.Context(), holdID, req.Days, partyID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (s *Server) allowedExtension(days int) bool {
	for _, preset := range s.ExtensionPresets {
		if days == preset {
			return true
		}
	}
	return false
}
