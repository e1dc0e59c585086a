// Package schedule derives and manages the installment breakdown of a
// contract's total amount. For the "installments" payment method the tranche
// amounts must sum to the contract total exactly; paying an installment
// reserves its amount into a fresh escrow hold within the same transaction.
package schedule

import (
	"context"
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
	"mizan/observability/metrics"
)

// Supported payment methods.
const (
	MethodSingle       = "single"
	MethodInstallments = "installments"
	MethodConditional  = "conditional"
)

// Engine manages payment schedules. ReleaseWindow sizes the escrow countdown
// applied to holds created when installments are paid.
type Engine struct {
	db            *gorm.DB
	releaseWindow time.Duration
	nowFn         func() time.Time
}

// NewEngine constructs a schedule engine with the supplied escrow release
// window.
func NewEngine(db *gorm.DB, releaseWindow time.Duration) *Engine {
	if releaseWindow <= 0 {
		releaseWindow = 14 * 24 * time.Hour
	}
	return &Engine{
		db:            db,
		releaseWindow: releaseWindow,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
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

// InstallmentSpec describes one tranche supplied by the contract workflow.
type InstallmentSpec struct {
	Amount    int64
	DueDate   time.Time
	Condition string
}

// CreateParams describes a schedule derived from finalized financial terms.
type CreateParams struct {
	ContractID    string
	Method        string
	TotalAmount   int64
	Currency      string
	PayerID       uuid.UUID
	BeneficiaryID uuid.UUID
	Installments  []InstallmentSpec
	Finalize      bool
}

// NormalizeMethod canonicalises a payment method identifier.
func NormalizeMethod(method string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case MethodSingle:
		return MethodSingle, nil
	case MethodInstallments:
		return MethodInstallments, nil
	case MethodConditional:
		return MethodConditional, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", core.ErrInvalidState, method)
	}
}

// Create validates and persists a schedule with its installments. For the
// installments method the tranche amounts must sum to the contract total;
// the comparison is integer-exact.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.PaymentSchedule, error) {
	method, err := NormalizeMethod(p.Method)
	if err != nil {
		return nil, err
	}
	if p.ContractID == "" {
		return nil, fmt.Errorf("%w: contract id required", core.ErrInvalidState)
	}
	if p.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: total amount must be positive", core.ErrInvalidAmount)
	}
	if len(p.Installments) == 0 {
		return nil, fmt.Errorf("%w: at least one installment required", core.ErrInvalidState)
	}
	var sum int64
	for _, spec := range p.Installments {
		if spec.Amount <= 0 {
			return nil, fmt.Errorf("%w: installment amounts must be positive", core.ErrInvalidAmount)
		}
		sum += spec.Amount
	}
	if method == MethodInstallments && sum != p.TotalAmount {
		return nil, fmt.Errorf("%w: installments sum to %d, contract total is %d", core.ErrUnbalancedInstallments, sum, p.TotalAmount)
	}

	now := e.now()
	sched := &models.PaymentSchedule{
		ID:            uuid.New(),
		ContractID:    p.ContractID,
		Method:        method,
		TotalAmount:   p.TotalAmount,
		Currency:      p.Currency,
		PayerID:       p.PayerID,
		BeneficiaryID: p.BeneficiaryID,
		Finalized:     p.Finalize,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sched).Error; err != nil {
			return err
		}
		for _, spec := range p.Installments {
			row := &models.Installment{
				ID:         uuid.New(),
				ScheduleID: sched.ID,
				ContractID: sched.ContractID,
				Amount:     spec.Amount,
				DueDate:    spec.DueDate,
				Condition:  spec.Condition,
				Status:     models.InstallmentPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			sched.Installments = append(sched.Installments, *row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Settlement().RecordTransition("schedule", "created")
	return sched, nil
}

// AddInstallment appends a tranche to an unfinalized conditional schedule.
// The installments method is fixed at creation so the balance invariant
// cannot be broken after the fact.
func (e *Engine) AddInstallment(ctx context.Context, contractID string, spec InstallmentSpec) (*models.Installment, error) {
	if spec.Amount <= 0 {
		return nil, fmt.Errorf("%w: installment amounts must be positive", core.ErrInvalidAmount)
	}
	var row *models.Installment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sched, err := lockSchedule(tx, contractID)
		if err != nil {
			return err
		}
		if sched.Finalized {
			return fmt.Errorf("%w: schedule for contract %s is frozen", core.ErrInvalidState, contractID)
		}
		if sched.Method != MethodConditional {
			return fmt.Errorf("%w: installments are fixed for the %s method", core.ErrInvalidState, sched.Method)
		}
		now := e.now()
		row = &models.Installment{
			ID:         uuid.New(),
			ScheduleID: sched.ID,
			ContractID: sched.ContractID,
			Amount:     spec.Amount,
			DueDate:    spec.DueDate,
			Condition:  spec.Condition,
			Status:     models.InstallmentPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Finalize freezes the installment set once the contract is signed.
func (e *Engine) Finalize(ctx context.Context, contractID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sched, err := lockSchedule(tx, contractID)
		if err != nil {
			return err
		}
		if sched.Finalized {
			return nil
		}
		return tx.Model(sched).Update("finalized", true).Error
	})
}

// MarkPaid confirms payment of an installment and reserves its amount into a
// new escrow hold atomically. Confirming an already-paid installment is a
// no-op returning the existing state, so payment callbacks may retry safely.
func (e *Engine) MarkPaid(ctx context.Context, installmentID uuid.UUID) (*models.Installment, *models.EscrowHold, error) {
	var (
		row  *models.Installment
		hold *models.EscrowHold
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.Installment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&inst, "id = ?", installmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: installment %s", core.ErrNotFound, installmentID)
			}
			return err
		}
		row = &inst
		if inst.Status == models.InstallmentPaid {
			if inst.HoldID != nil {
				var existing models.EscrowHold
				if err := tx.First(&existing, "id = ?", *inst.HoldID).Error; err == nil {
					hold = &existing
				}
			}
			return nil
		}
		var sched models.PaymentSchedule
		if err := tx.First(&sched, "id = ?", inst.ScheduleID).Error; err != nil {
			return err
		}
		if !sched.Finalized {
			return fmt.Errorf("%w: schedule for contract %s is not finalized", core.ErrInvalidState, sched.ContractID)
		}
		now := e.now()
		created, err := escrow.CreateTx(tx, now, escrow.CreateParams{
			ContractID:    sched.ContractID,
			PayerID:       sched.PayerID,
			BeneficiaryID: sched.BeneficiaryID,
			Amount:        inst.Amount,
			Currency:      sched.Currency,
			ReleaseWindow: e.releaseWindow,
			Reference:     inst.ID.String(),
		})
		if err != nil {
			return err
		}
		hold = created
		inst.Status = models.InstallmentPaid
		inst.PaidAt = &now
		inst.HoldID = &created.ID
		inst.UpdatedAt = now
		return tx.Save(&inst).Error
	})
	if err != nil {
		return nil, nil, err
	}
	if hold != nil && row != nil && row.Status == models.InstallmentPaid {
		metrics.Settlement().RecordTransition("installment", "paid")
	}
	return row, hold, nil
}

// Get returns the schedule for a contract with overdue status derived for
// every pending installment whose due date has passed. The derivation is a
// pure function of the stored due dates and the supplied "now"; nothing is
// written back.
func (e *Engine) Get(ctx context.Context, contractID string, now time.Time) (*models.PaymentSchedule, error) {
	var sched models.PaymentSchedule
	err := e.db.WithContext(ctx).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("due_date ASC") }).
		First(&sched, "contract_id = ?", contractID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: schedule for contract %s", core.ErrNotFound, contractID)
		}
		return nil, err
	}
	for i := range sched.Installments {
		sched.Installments[i].Status = EffectiveStatus(&sched.Installments[i], now)
	}
	return &sched, nil
}

// EffectiveStatus reports the installment status as of "now", surfacing
// overdue for pending installments past their due date.
func EffectiveStatus(inst *models.Installment, now time.Time) models.InstallmentStatus {
	if inst.Status == models.InstallmentPending && inst.DueDate.Before(now) {
		return models.InstallmentOverdue
	}
	return inst.Status
}

func lockSchedule(tx *gorm.DB, contractID string) (*models.PaymentSchedule, error) {
	var sched models.PaymentSchedule
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sched, "contract_id = ?", contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: schedule for contract %s", core.ErrNotFound, contractID)
		}
		return nil, err
	}
	return &sched, nil
}
