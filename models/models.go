package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HoldStatus represents a state in the escrow hold lifecycle.
type HoldStatus string

// All hold states. Released and Refunded are terminal.
const (
	HoldReserved       HoldStatus = "reserved"
	HoldPendingRelease HoldStatus = "pending_release"
	HoldDisputed       HoldStatus = "disputed"
	HoldReleased       HoldStatus = "released"
	HoldRefunded       HoldStatus = "refunded"
)

// Terminal reports whether the status permits no further transitions.
func (s HoldStatus) Terminal() bool {
	return s == HoldReleased || s == HoldRefunded
}

// InstallmentStatus represents the stored state of an installment. Overdue is
// derived on read from the due date and is never persisted.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

// DisputeStatus represents a state in the dispute workflow.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "open"
	DisputeEvidenceExchange DisputeStatus = "evidence_exchange"
	DisputeDecided          DisputeStatus = "decided"
	DisputeClosed           DisputeStatus = "closed"
)

// Ledger transaction types.
const (
	TxTypeDeposit      = "deposit"
	TxTypeWithdrawal   = "withdrawal"
	TxTypeReserve      = "escrow_reserve"
	TxTypeRelease      = "escrow_release"
	TxTypeRefund       = "escrow_refund"
	TxTypeReallocation = "dispute_reallocation"
)

// Ledger transaction settlement states.
const (
	TxStatusCompleted = "completed"
	TxStatusPending   = "pending"
)

// LedgerAccount is a per-user pool of funds. Balance holds the available
// amount; Reserved tracks funds earmarked into escrow holds. Both are integer
// minor units. Accounts are deactivated, never deleted.
type LedgerAccount struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID   string    `gorm:"size:128;uniqueIndex"`
	Balance   int64     `gorm:"not null"`
	Reserved  int64     `gorm:"not null"`
	Currency  string    `gorm:"size:8"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerTransaction is the immutable record paired with every debit and
// credit. Amount is signed from the account's perspective.
type LedgerTransaction struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`
	TxType       string    `gorm:"size:32;index"`
	Amount       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Reference    string    `gorm:"size:128;index"`
	Status       string    `gorm:"size:16"`
	CreatedAt    time.Time
}

// EscrowHold is a reservation of payer funds tied to one contract. The
// reserved amount stays unavailable to both parties until the single terminal
// transition. ReleaseWindow preserves the original countdown so a rejected
// release request can reset the deadline to the full window.
type EscrowHold struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ContractID         string     `gorm:"size:128;index"`
	Amount             int64      `gorm:"not null"`
	Currency           string     `gorm:"size:8"`
	Status             HoldStatus `gorm:"size:32;index"`
	PayerID            uuid.UUID  `gorm:"type:uuid;index"`
	BeneficiaryID      uuid.UUID  `gorm:"type:uuid;index"`
	Deadline           time.Time  `gorm:"index"`
	ReleaseWindow      int64      `gorm:"not null"` // seconds
	ReleaseRequestedBy *uuid.UUID `gorm:"type:uuid"`
	ReleaseRequestedAt *time.Time
	ClosedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentSchedule groups the installments derived from a contract's financial
// terms. Method is one of "single", "installments" or "conditional".
type PaymentSchedule struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContractID    string    `gorm:"size:128;uniqueIndex"`
	Method        string    `gorm:"size:32"`
	TotalAmount   int64     `gorm:"not null"`
	Currency      string    `gorm:"size:8"`
	PayerID       uuid.UUID `gorm:"type:uuid;index"`
	BeneficiaryID uuid.UUID `gorm:"type:uuid;index"`
	Finalized     bool          `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Installments  []Installment `gorm:"foreignKey:ScheduleID"`
}

// Installment is one scheduled tranche of a contract's total amount. HoldID
// links the escrow hold created when the installment is paid.
type Installment struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ScheduleID uuid.UUID         `gorm:"type:uuid;index"`
	ContractID string            `gorm:"size:128;index"`
	Amount     int64             `gorm:"not null"`
	DueDate    time.Time         `gorm:"index"`
	Condition  string            `gorm:"type:text"`
	Status     InstallmentStatus `gorm:"size:16;index"`
	PaidAt     *time.Time
	HoldID     *uuid.UUID `gorm:"type:uuid"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Dispute tracks the structured decision process frozen over an escrow hold.
// DecisionJSON stores the binding directives and reallocation legs.
type Dispute struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey"`
	HoldID         uuid.UUID     `gorm:"type:uuid;uniqueIndex"`
	ContractID     string        `gorm:"size:128;index"`
	ClaimantID     uuid.UUID     `gorm:"type:uuid;index"`
	Claim          string        `gorm:"type:text"`
	Status         DisputeStatus `gorm:"size:32;index"`
	DecisionJSON   string        `gorm:"type:text"`
	AppealDeadline *time.Time    `gorm:"index"`
	AppealedBy     *uuid.UUID    `gorm:"type:uuid"`
	AppealedAt     *time.Time
	DecidedAt      *time.Time
	ClosedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Evidence       []DisputeEvidence `gorm:"foreignKey:DisputeID"`
}

// DisputeEvidence is an append-only audit trail entry. Rows are never updated
// or deleted once written.
type DisputeEvidence struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DisputeID uuid.UUID `gorm:"type:uuid;index"`
	PartyID   uuid.UUID `gorm:"type:uuid;index"`
	Reference string    `gorm:"size:512"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerAccount{},
		&LedgerTransaction{},
		&EscrowHold{},
		&PaymentSchedule{},
		&Installment{},
		&Dispute{},
		&DisputeEvidence{},
		&IdempotencyKey{},
	)
}
