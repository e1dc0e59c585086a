// Package dispute implements the structured decision process that freezes an
// escrow hold, collects evidence and produces a binding reallocation of the
// held funds. A dispute follows open → evidence_exchange → decided → closed;
// a decision may be appealed once before its appeal deadline, after which
// finalization executes the reallocation exactly once.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mizan/core"
	"mizan/escrow"
	"mizan/models"
	"mizan/notify"
	"mizan/observability/metrics"
)

// Defaults applied when the engine is constructed without configuration.
const (
	DefaultMinClaimLength = 20
	DefaultAppealWindow   = 7 * 24 * time.Hour
)

// Decision is the payload stored on a decided dispute: an ordered list of
// binding directives plus the reallocation legs that must sum exactly to the
// held amount.
type Decision struct {
	Directives   []string                 `json:"directives"`
	Reallocation []escrow.ReallocationLeg `json:"reallocation"`
	IssuedAt     time.Time                `json:"issuedAt"`
}

// Config adjusts dispute policy knobs.
type Config struct {
	MinClaimLength int
	AppealWindow   time.Duration
}

// Engine wires the dispute workflow to the shared database and emitter.
type Engine struct {
	db             *gorm.DB
	emitter        notify.Emitter
	minClaimLength int
	appealWindow   time.Duration
	nowFn          func() time.Time
}

// NewEngine constructs a dispute engine.
func NewEngine(db *gorm.DB, cfg Config) *Engine {
	minLen := cfg.MinClaimLength
	if minLen <= 0 {
		minLen = DefaultMinClaimLength
	}
	window := cfg.AppealWindow
	if window <= 0 {
		window = DefaultAppealWindow
	}
	return &Engine{
		db:             db,
		emitter:        notify.NoopEmitter{},
		minClaimLength: minLen,
		appealWindow:   window,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter notify.Emitter) {
	if emitter == nil {
		e.emitter = notify.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) emit(evt notify.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Open files a dispute against a hold, freezing it in the same transaction.
// The claim must carry at least the configured minimum content length.
func (e *Engine) Open(ctx context.Context, holdID, claimantID uuid.UUID, claim string) (*models.Dispute, error) {
	if len(strings.TrimSpace(claim)) < e.minClaimLength {
		return nil, fmt.Errorf("%w: claim must be at least %d characters", core.ErrInvalidState, e.minClaimLength)
	}
	var (
		record *models.Dispute
		evt    notify.Event
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Dispute
		if err := tx.First(&existing, "hold_id = ?", holdID).Error; err == nil {
			return fmt.Errorf("%w: hold %s already has dispute %s", core.ErrInvalidState, holdID, existing.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := e.now()
		hold, err := escrow.FreezeTx(tx, holdID, now)
		if err != nil {
			return err
		}
		if claimantID != hold.PayerID && claimantID != hold.BeneficiaryID {
			return fmt.Errorf("%w: party %s is not on hold %s", core.ErrNotAuthorized, claimantID, holdID)
		}
		record = &models.Dispute{
			ID:         uuid.New(),
			HoldID:     holdID,
			ContractID: hold.ContractID,
			ClaimantID: claimantID,
			Claim:      claim,
			Status:     models.DisputeOpen,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		respondent := hold.PayerID
		if claimantID == hold.PayerID {
			respondent = hold.BeneficiaryID
		}
		evt = notify.Event{
			Type:       notify.EventDisputeOpened,
			ContractID: hold.ContractID,
			HoldID:     holdID.String(),
			DisputeID:  record.ID.String(),
			Recipient:  respondent.String(),
			Attributes: map[string]string{"claimant": claimantID.String()},
			CreatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Settlement().RecordTransition("dispute", "opened")
	e.emit(evt)
	return record, nil
}

// SubmitEvidence appends an evidence reference to the dispute's audit trail.
// Entries are never updated or deleted. The first submission advances the
// dispute from open to evidence_exchange.
func (e *Engine) SubmitEvidence(ctx context.Context, disputeID, partyID uuid.UUID, reference string) (*models.DisputeEvidence, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: evidence reference required", core.ErrInvalidState)
	}
	var entry *models.DisputeEvidence
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if err := guardDispute(record, models.DisputeOpen, models.DisputeEvidenceExchange); err != nil {
			return err
		}
		var hold models.EscrowHold
		if err := tx.First(&hold, "id = ?", record.HoldID).Error; err != nil {
			return err
		}
		if partyID != hold.PayerID && partyID != hold.BeneficiaryID {
			return fmt.Errorf("%w: party %s is not on dispute %s", core.ErrNotAuthorized, partyID, disputeID)
		}
		now := e.now()
		entry = &models.DisputeEvidence{
			ID:        uuid.New(),
			DisputeID: disputeID,
			PartyID:   partyID,
			Reference: reference,
			CreatedAt: now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if record.Status == models.DisputeOpen {
			record.Status = models.DisputeEvidenceExchange
			record.UpdatedAt = now
			return tx.Save(record).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// IssueDecision records the binding outcome and starts the appeal window.
// The reallocation legs must sum exactly to the held amount; no money is
// created or destroyed.
func (e *Engine) IssueDecision(ctx context.Context, disputeID uuid.UUID, directives []string, reallocation []escrow.ReallocationLeg) error {
	if len(reallocation) == 0 {
		return fmt.Errorf("%w: reallocation required", core.ErrInvalidState)
	}
	var evts []notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if err := guardDispute(record, models.DisputeOpen, models.DisputeEvidenceExchange); err != nil {
			return err
		}
		var hold models.EscrowHold
		if err := tx.First(&hold, "id = ?", record.HoldID).Error; err != nil {
			return err
		}
		var total int64
		for _, leg := range reallocation {
			if leg.Amount <= 0 {
				return fmt.Errorf("%w: reallocation amounts must be positive", core.ErrInvalidAmount)
			}
			total += leg.Amount
		}
		if total != hold.Amount {
			return fmt.Errorf("%w: reallocation sums to %d, held %d", core.ErrInvalidAmount, total, hold.Amount)
		}
		now := e.now()
		payload, err := json.Marshal(Decision{Directives: directives, Reallocation: reallocation, IssuedAt: now})
		if err != nil {
			return err
		}
		deadline := now.Add(e.appealWindow)
		record.Status = models.DisputeDecided
		record.DecisionJSON = string(payload)
		record.DecidedAt = &now
		record.AppealDeadline = &deadline
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		for _, recipient := range []uuid.UUID{hold.PayerID, hold.BeneficiaryID} {
			evts = append(evts, notify.Event{
				Type:       notify.EventDecisionIssued,
				ContractID: hold.ContractID,
				HoldID:     hold.ID.String(),
				DisputeID:  record.ID.String(),
				Recipient:  recipient.String(),
				Attributes: map[string]string{
					"appealDeadline": deadline.UTC().Format(time.RFC3339),
				},
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.Settlement().RecordTransition("dispute", "decided")
	for _, evt := range evts {
		e.emit(evt)
	}
	return nil
}

// Appeal contests a decision before the appeal deadline, returning the
// dispute to evidence_exchange and halting automatic reallocation. Each
// dispute permits exactly one appeal.
func (e *Engine) Appeal(ctx context.Context, disputeID, appellantID uuid.UUID) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if err := guardDispute(record, models.DisputeDecided); err != nil {
			return err
		}
		now := e.now()
		if record.AppealDeadline == nil || !now.Before(*record.AppealDeadline) {
			return fmt.Errorf("%w: appeal window closed for dispute %s", core.ErrInvalidState, disputeID)
		}
		if record.AppealedBy != nil {
			return fmt.Errorf("%w: dispute %s was already appealed", core.ErrInvalidState, disputeID)
		}
		var hold models.EscrowHold
		if err := tx.First(&hold, "id = ?", record.HoldID).Error; err != nil {
			return err
		}
		if appellantID != hold.PayerID && appellantID != hold.BeneficiaryID {
			return fmt.Errorf("%w: party %s is not on dispute %s", core.ErrNotAuthorized, appellantID, disputeID)
		}
		record.Status = models.DisputeEvidenceExchange
		record.AppealedBy = &appellantID
		record.AppealedAt = &now
		record.AppealDeadline = nil
		record.UpdatedAt = now
		return tx.Save(record).Error
	})
	if err != nil {
		return err
	}
	metrics.Settlement().RecordTransition("dispute", "appealed")
	return nil
}

// Finalize executes the decision's reallocation exactly once and closes the
// dispute. The dispute identifier acts as the idempotency key: finalizing a
// closed dispute is a no-op, and a failed transfer rolls everything back so
// the caller can retry.
func (e *Engine) Finalize(ctx context.Context, disputeID uuid.UUID) error {
	applied, err := e.finalizeOne(ctx, disputeID, false, e.now())
	if err != nil {
		return err
	}
	if applied {
		metrics.Settlement().RecordTransition("dispute", "closed")
	}
	return nil
}

// FinalizeDue closes every decided dispute whose appeal window has expired.
// Safe to run redundantly; each dispute finalizes in its own transaction.
// Returns the number of disputes closed.
func (e *Engine) FinalizeDue(ctx context.Context, now time.Time) (int, error) {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.Dispute{}).
		Where("status = ? AND appeal_deadline IS NOT NULL AND appeal_deadline <= ?", models.DisputeDecided, now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		applied, finErr := e.finalizeOne(ctx, id, true, now)
		if finErr != nil {
			return closed, finErr
		}
		if applied {
			closed++
		}
	}
	if closed > 0 {
		metrics.Settlement().RecordSweep("dispute_auto_finalize", closed)
	}
	return closed, nil
}

func (e *Engine) finalizeOne(ctx context.Context, disputeID uuid.UUID, requireExpired bool, now time.Time) (bool, error) {
	applied := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if record.Status == models.DisputeClosed {
			return nil
		}
		if record.Status != models.DisputeDecided {
			return fmt.Errorf("%w: dispute %s is %s", core.ErrInvalidState, disputeID, record.Status)
		}
		if requireExpired {
			// Re-check under the lock: an appeal may have landed since the
			// candidate scan.
			if record.AppealDeadline == nil || record.AppealDeadline.After(now) {
				return nil
			}
		}
		var decision Decision
		if err := json.Unmarshal([]byte(record.DecisionJSON), &decision); err != nil {
			return fmt.Errorf("decode decision for dispute %s: %w", disputeID, err)
		}
		if _, err := escrow.SettleDisputedTx(tx, record.HoldID, decision.Reallocation, disputeID.String(), now); err != nil {
			return err
		}
		record.Status = models.DisputeClosed
		record.ClosedAt = &now
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Get returns a dispute with its evidence trail.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var record models.Dispute
	err := e.db.WithContext(ctx).
		Preload("Evidence", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &record, nil
}

func lockDispute(tx *gorm.DB, id uuid.UUID) (*models.Dispute, error) {
	var record models.Dispute
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &record, nil
}

// guardDispute classifies an out-of-state dispute: closed disputes answer
// stale-request, anything else invalid-state.
func guardDispute(record *models.Dispute, allowed ...models.DisputeStatus) error {
	if record.Status == models.DisputeClosed {
		return fmt.Errorf("%w: dispute %s already closed", core.ErrStaleRequest, record.ID)
	}
	for _, status := range allowed {
		if record.Status == status {
			return nil
		}
	}
	return fmt.Errorf("%w: dispute %s is %s", core.ErrInvalidState, record.ID, record.Status)
}
