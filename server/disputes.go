package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mizan/escrow"
)

// OpenDispute files a dispute against a hold, freezing it immediately.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	var req struct {
		HoldID uuid.UUID `json:"holdId"`
		Claim  string    `json:"claim"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	record, err := s.Disputes.Open(r.Context(), req.HoldID, claimantID, req.Claim)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

// GetDispute returns a dispute with its evidence trail.
func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dispute id", http.StatusBadRequest)
		return
	}
	record, err := s.Disputes.Get(r.Context(), disputeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// SubmitEvidence appends an evidence reference to the dispute's audit trail.
func (s *Server) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	partyID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dispute id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	entry, err := s.Disputes.SubmitEvidence(r.Context(), disputeID, partyID, req.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

// IssueDecision records the binding outcome and starts the appeal window.
// Arbiter only.
func (s *Server) IssueDecision(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dispute id", http.StatusBadRequest)
		return
	}
	var req struct {
		Directives   []string                 `json:"directives"`
		Reallocation []escrow.ReallocationLeg `json:"reallocation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Disputes.IssueDecision(r.Context(), disputeID, req.Directives, req.Reallocation); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "decided"})
}

// AppealDispute contests a decision before its appeal deadline.
func (s *Server) AppealDispute(w http.ResponseWriter, r *http.Request) {
	appellantID, ok := s.callerParty(r)
	if !ok {
		http.Error(w, "invalid subject", http.StatusUnauthorized)
		return
	}
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dispute id", http.StatusBadRequest)
		return
	}
	if err := s.Disputes.Appeal(r.Context(), disputeID, appellantID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "evidence_exchange"})
}

// FinalizeDispute executes the decision's reallocation and closes the
// dispute. Arbiter only; the sweep finalizes expired windows automatically.
func (s *Server) FinalizeDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dispute id", http.StatusBadRequest)
		return
	}
	if err := s.Disputes.Finalize(r.Context(), disputeID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
