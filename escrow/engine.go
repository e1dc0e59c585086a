// Package escrow implements the hold state machine at the centre of the
// settlement engine. A hold reserves payer funds against one contract and
// reaches exactly one terminal transition, released or refunded. All
// transitions run under a per-hold row lock inside a database transaction so
// concurrent actions are linearized; the loser observes the new state and
// fails with an invalid-state or stale-request error instead of overwriting.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mizan/core"
	"mizan/ledger"
	"mizan/models"
	"mizan/notify"
	"mizan/observability/metrics"
)

// SystemParty identifies automatic transitions applied by the release sweep.
const SystemParty = "system"

// CredentialVerifier stands in for the external identity service's
// reauthentication step used by ApproveRelease.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, partyID, credential string) (bool, error)
}

// Engine wires the hold state machine to the shared database, the event
// emitter and the identity verifier.
type Engine struct {
	db       *gorm.DB
	emitter  notify.Emitter
	verifier CredentialVerifier
	nowFn    func() time.Time
}

// NewEngine creates an escrow engine with a no-op emitter and no credential
// verification. Callers override both via SetEmitter and SetVerifier.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{
		db:      db,
		emitter: notify.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
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

// SetVerifier configures the credential verifier used by ApproveRelease.
// Without a verifier the credential check is skipped.
func (e *Engine) SetVerifier(v CredentialVerifier) { e.verifier = v }

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

// CreateParams describes a new hold. Reference carries the originating
// record, typically the paid installment.
type CreateParams struct {
	ContractID    string
	PayerID       uuid.UUID
	BeneficiaryID uuid.UUID
	Amount        int64
	Currency      string
	ReleaseWindow time.Duration
	Reference     string
}

// Create reserves the amount from the payer's available balance and persists
// the hold in one transaction.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.EscrowHold, error) {
	var hold *models.EscrowHold
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		hold, txErr = CreateTx(tx, e.now(), p)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	metrics.Settlement().RecordTransition("hold", "reserved")
	return hold, nil
}

// CreateTx performs the reservation inside an existing transaction so
// callers (installment payment) can keep their own writes atomic with it.
func CreateTx(tx *gorm.DB, now time.Time, p CreateParams) (*models.EscrowHold, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: hold amount must be positive", core.ErrInvalidAmount)
	}
	if p.ReleaseWindow <= 0 {
		return nil, fmt.Errorf("%w: release window must be positive", core.ErrInvalidState)
	}
	if p.PayerID == p.BeneficiaryID {
		return nil, fmt.Errorf("%w: payer and beneficiary must differ", core.ErrInvalidState)
	}
	hold := &models.EscrowHold{
		ID:            uuid.New(),
		ContractID:    p.ContractID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        models.HoldReserved,
		PayerID:       p.PayerID,
		BeneficiaryID: p.BeneficiaryID,
		Deadline:      now.Add(p.ReleaseWindow),
		ReleaseWindow: int64(p.ReleaseWindow / time.Second),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	reference := p.Reference
	if reference == "" {
		reference = hold.ID.String()
	}
	if err := ledger.ReserveTx(tx, p.PayerID, p.Amount, reference, now); err != nil {
		return nil, err
	}
	if err := tx.Create(hold).Error; err != nil {
		return nil, err
	}
	return hold, nil
}

// Get returns the hold with the supplied identifier.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.EscrowHold, error) {
	var hold models.EscrowHold
	if err := e.db.WithContext(ctx).First(&hold, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: hold %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &hold, nil
}

// RequestRelease asks the payer to approve paying out the hold. Valid only in
// reserved; requesting again while pending is a no-op.
func (e *Engine) RequestRelease(ctx context.Context, holdID, partyID uuid.UUID) error {
	var evt *notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status == models.HoldPendingRelease {
			return nil
		}
		if err := guardHold(hold, models.HoldReserved); err != nil {
			return err
		}
		if err := requireParticipant(hold, partyID); err != nil {
			return err
		}
		now := e.now()
		hold.Status = models.HoldPendingRelease
		hold.ReleaseRequestedBy = &partyID
		hold.ReleaseRequestedAt = &now
		hold.UpdatedAt = now
		if err := tx.Save(hold).Error; err != nil {
			return err
		}
		evt = releaseRequestedEvent(hold, partyID, now)
		return nil
	})
	if err != nil {
		return err
	}
	if evt != nil {
		metrics.Settlement().RecordTransition("hold", "release_requested")
		e.emit(*evt)
	}
	return nil
}

// ApproveRelease settles the hold in favour of the beneficiary. Only the
// payer may approve, and only from pending_release; the credential stands in
// for a reauthentication step verified against the identity service.
func (e *Engine) ApproveRelease(ctx context.Context, holdID, partyID uuid.UUID, credential string) error {
	var evt *notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if err := guardHold(hold, models.HoldPendingRelease); err != nil {
			return err
		}
		if hold.PayerID != partyID {
			return fmt.Errorf("%w: only the payer may approve a release", core.ErrNotAuthorized)
		}
		if e.verifier != nil {
			ok, verr := e.verifier.VerifyCredential(ctx, partyID.String(), credential)
			if verr != nil {
				return fmt.Errorf("verify credential: %w", verr)
			}
			if !ok {
				return fmt.Errorf("%w: credential rejected", core.ErrNotAuthorized)
			}
		}
		now := e.now()
		if err := settleToBeneficiaryTx(tx, hold, now); err != nil {
			return err
		}
		evt = releaseApprovedEvent(hold, partyID.String(), now)
		return nil
	})
	if err != nil {
		return err
	}
	if evt != nil {
		metrics.Settlement().RecordTransition("hold", "released")
		e.emit(*evt)
	}
	return nil
}

// RejectRelease returns a pending hold to reserved. The deadline resets to a
// full release window measured from the rejection, matching the original
// countdown length.
func (e *Engine) RejectRelease(ctx context.Context, holdID, partyID uuid.UUID, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: rejection reason required", core.ErrInvalidState)
	}
	var evt *notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if err := guardHold(hold, models.HoldPendingRelease); err != nil {
			return err
		}
		if hold.PayerID != partyID {
			return fmt.Errorf("%w: only the payer may reject a release", core.ErrNotAuthorized)
		}
		now := e.now()
		hold.Status = models.HoldReserved
		hold.Deadline = now.Add(time.Duration(hold.ReleaseWindow) * time.Second)
		hold.ReleaseRequestedBy = nil
		hold.ReleaseRequestedAt = nil
		hold.UpdatedAt = now
		if err := tx.Save(hold).Error; err != nil {
			return err
		}
		evt = releaseRejectedEvent(hold, partyID, reason, now)
		return nil
	})
	if err != nil {
		return err
	}
	if evt != nil {
		metrics.Settlement().RecordTransition("hold", "release_rejected")
		e.emit(*evt)
	}
	return nil
}

// ExtendDeadline pushes the hold deadline out by the requested whole-day
// count and notifies the counter-party. Valid only in reserved.
func (e *Engine) ExtendDeadline(ctx context.Context, holdID uuid.UUID, days int, partyID uuid.UUID) error {
	if days <= 0 {
		return fmt.Errorf("%w: extension must be a positive day count", core.ErrInvalidState)
	}
	var evt *notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if err := guardHold(hold, models.HoldReserved); err != nil {
			return err
		}
		if err := requireParticipant(hold, partyID); err != nil {
			return err
		}
		now := e.now()
		hold.Deadline = hold.Deadline.AddDate(0, 0, days)
		hold.UpdatedAt = now
		if err := tx.Save(hold).Error; err != nil {
			return err
		}
		evt = deadlineExtendedEvent(hold, partyID, days, now)
		return nil
	})
	if err != nil {
		return err
	}
	if evt != nil {
		metrics.Settlement().RecordTransition("hold", "deadline_extended")
		e.emit(*evt)
	}
	return nil
}

// FreezeTx flips a hold to disputed inside the caller's transaction. Valid
// from reserved or pending_release; the dispute engine owns the surrounding
// workflow. Freezing while the sweep races the same hold is resolved by the
// row lock: whichever commits first wins.
func FreezeTx(tx *gorm.DB, holdID uuid.UUID, now time.Time) (*models.EscrowHold, error) {
	hold, err := lockHold(tx, holdID)
	if err != nil {
		return nil, err
	}
	if err := guardHold(hold, models.HoldReserved, models.HoldPendingRelease); err != nil {
		return nil, err
	}
	hold.Status = models.HoldDisputed
	hold.UpdatedAt = now
	if err := tx.Save(hold).Error; err != nil {
		return nil, err
	}
	return hold, nil
}

// ReallocationLeg directs part of a held amount to a ledger account.
type ReallocationLeg struct {
	AccountID uuid.UUID `json:"accountId"`
	Amount    int64     `json:"amount"`
}

// SettleDisputedTx executes a binding reallocation against a disputed hold
// inside the caller's transaction: one debit of the payer's earmark and one
// credit per leg, all or nothing. The hold ends refunded when the full amount
// returns to the payer and released otherwise.
func SettleDisputedTx(tx *gorm.DB, holdID uuid.UUID, legs []ReallocationLeg, reference string, now time.Time) (models.HoldStatus, error) {
	hold, err := lockHold(tx, holdID)
	if err != nil {
		return "", err
	}
	if hold.Status.Terminal() {
		return "", fmt.Errorf("%w: hold %s already closed", core.ErrStaleRequest, holdID)
	}
	if hold.Status != models.HoldDisputed {
		return "", fmt.Errorf("%w: hold %s is not disputed", core.ErrInvalidState, holdID)
	}
	var total, payerShare int64
	for _, leg := range legs {
		if leg.Amount <= 0 {
			return "", fmt.Errorf("%w: reallocation amounts must be positive", core.ErrInvalidAmount)
		}
		total += leg.Amount
		if leg.AccountID == hold.PayerID {
			payerShare += leg.Amount
		}
	}
	if total != hold.Amount {
		return "", fmt.Errorf("%w: reallocation sums to %d, held %d", core.ErrInvalidAmount, total, hold.Amount)
	}
	if err := ledger.ReleaseReservedTx(tx, hold.PayerID, hold.Amount, models.TxTypeReallocation, reference, now); err != nil {
		return "", err
	}
	for _, leg := range legs {
		if err := ledger.CreditTx(tx, leg.AccountID, leg.Amount, models.TxTypeReallocation, reference, now); err != nil {
			return "", err
		}
	}
	final := models.HoldReleased
	if payerShare == hold.Amount {
		final = models.HoldRefunded
	}
	hold.Status = final
	hold.ClosedAt = &now
	hold.UpdatedAt = now
	if err := tx.Save(hold).Error; err != nil {
		return "", err
	}
	return final, nil
}

// ExpireDue auto-releases every reserved hold whose deadline has elapsed.
// Each hold settles in its own transaction with the deadline re-validated
// under the row lock, so redundant or concurrent sweeps release exactly once
// and a dispute recorded first always wins. Returns the number of holds
// released.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.EscrowHold{}).
		Where("status = ? AND deadline <= ?", models.HoldReserved, now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		ok, expErr := e.expireOne(ctx, id, now)
		if expErr != nil {
			return released, expErr
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		metrics.Settlement().RecordSweep("hold_auto_release", released)
	}
	return released, nil
}

func (e *Engine) expireOne(ctx context.Context, holdID uuid.UUID, now time.Time) (bool, error) {
	var evt *notify.Event
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		// Re-check inside the critical section: a manual action or dispute
		// may have won the race since the candidate scan.
		if hold.Status != models.HoldReserved || hold.Deadline.After(now) {
			return nil
		}
		if err := settleToBeneficiaryTx(tx, hold, now); err != nil {
			return err
		}
		evt = releaseApprovedEvent(hold, SystemParty, now)
		return nil
	})
	if err != nil {
		return false, err
	}
	if evt != nil {
		metrics.Settlement().RecordTransition("hold", "released")
		e.emit(*evt)
		return true, nil
	}
	return false, nil
}

// settleToBeneficiaryTx pays the full held amount to the beneficiary and
// closes the hold as released. Shared by manual approval and expiry.
func settleToBeneficiaryTx(tx *gorm.DB, hold *models.EscrowHold, now time.Time) error {
	if err := ledger.ReleaseReservedTx(tx, hold.PayerID, hold.Amount, models.TxTypeRelease, hold.ID.String(), now); err != nil {
		return err
	}
	if err := ledger.CreditTx(tx, hold.BeneficiaryID, hold.Amount, models.TxTypeRelease, hold.ID.String(), now); err != nil {
		return err
	}
	hold.Status = models.HoldReleased
	hold.ClosedAt = &now
	hold.UpdatedAt = now
	return tx.Save(hold).Error
}

func lockHold(tx *gorm.DB, id uuid.UUID) (*models.EscrowHold, error) {
	var hold models.EscrowHold
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&hold, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: hold %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &hold, nil
}

// guardHold classifies an out-of-state hold: terminal holds answer
// stale-request, anything else invalid-state.
func guardHold(hold *models.EscrowHold, allowed ...models.HoldStatus) error {
	if hold.Status.Terminal() {
		return fmt.Errorf("%w: hold %s already %s", core.ErrStaleRequest, hold.ID, hold.Status)
	}
	for _, status := range allowed {
		if hold.Status == status {
			return nil
		}
	}
	return fmt.Errorf("%w: hold %s is %s", core.ErrInvalidState, hold.ID, hold.Status)
}

func requireParticipant(hold *models.EscrowHold, partyID uuid.UUID) error {
	if partyID != hold.PayerID && partyID != hold.BeneficiaryID {
		return fmt.Errorf("%w: party %s is not on hold %s", core.ErrNotAuthorized, partyID, hold.ID)
	}
	return nil
}

// counterParty returns the other participant for notification routing.
func counterParty(hold *models.EscrowHold, partyID uuid.UUID) uuid.UUID {
	if partyID == hold.PayerID {
		return hold.BeneficiaryID
	}
	return hold.PayerID
}
