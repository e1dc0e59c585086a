// Package ledger manages per-user fund pools. Every debit and credit is
// paired with an immutable transaction record; the available balance never
// goes negative. Amounts are integer minor units of a single ledger currency.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mizan/core"
	"mizan/models"
)

// Engine exposes ledger account operations backed by the shared database.
type Engine struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewEngine constructs a ledger engine.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
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

// CreateAccount provisions an account for the supplied owner identity.
func (e *Engine) CreateAccount(ctx context.Context, ownerID, currency string) (*models.LedgerAccount, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", core.ErrInvalidState)
	}
	account := &models.LedgerAccount{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Currency: currency,
		Active:   true,
	}
	if err := e.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

// Get returns the account with the supplied identifier.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := e.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &account, nil
}

// Deposit credits the account and returns the new available balance.
func (e *Engine) Deposit(ctx context.Context, accountID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", core.ErrInvalidAmount)
	}
	var newBalance int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return fmt.Errorf("%w: account %s is deactivated", core.ErrInvalidState, accountID)
		}
		account.Balance += amount
		newBalance = account.Balance
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		return recordTx(tx, account, models.TxTypeDeposit, amount, "", models.TxStatusCompleted, e.now())
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Withdraw debits the available balance and records a pending transaction.
// External settlement is asynchronous; ConfirmWithdrawal completes the record
// once the out-of-band transfer lands.
func (e *Engine) Withdraw(ctx context.Context, accountID uuid.UUID, amount int64) (*models.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: withdrawal must be positive", core.ErrInvalidAmount)
	}
	var record *models.LedgerTransaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return fmt.Errorf("%w: account %s is deactivated", core.ErrInvalidState, accountID)
		}
		if amount > account.Balance {
			return fmt.Errorf("%w: available %d, requested %d", core.ErrInsufficientFunds, account.Balance, amount)
		}
		account.Balance -= amount
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		record = &models.LedgerTransaction{
			ID:           uuid.New(),
			AccountID:    account.ID,
			TxType:       models.TxTypeWithdrawal,
			Amount:       -amount,
			BalanceAfter: account.Balance,
			Status:       models.TxStatusPending,
			CreatedAt:    e.now(),
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ConfirmWithdrawal marks a pending withdrawal as settled.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, txID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.LedgerTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", txID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: transaction %s", core.ErrNotFound, txID)
			}
			return err
		}
		if record.TxType != models.TxTypeWithdrawal {
			return fmt.Errorf("%w: transaction %s is not a withdrawal", core.ErrInvalidState, txID)
		}
		if record.Status == models.TxStatusCompleted {
			return nil
		}
		return tx.Model(&record).Update("status", models.TxStatusCompleted).Error
	})
}

// Deactivate disables an account. Accounts are never deleted; a deactivated
// account rejects deposits, withdrawals and new reservations.
func (e *Engine) Deactivate(ctx context.Context, accountID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return nil
		}
		return tx.Model(account).Update("active", false).Error
	})
}

// Transactions returns the most recent transaction records for an account.
func (e *Engine) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.LedgerTransaction
	err := e.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// LockAccount loads an account under a row lock inside the supplied
// transaction. Used by the escrow and dispute engines to keep multi-account
// movements serialized.
func LockAccount(tx *gorm.DB, id uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return &account, nil
}

// ReserveTx moves amount from the payer's available balance into the escrow
// earmark. Must run in the same transaction as the hold creation.
func ReserveTx(tx *gorm.DB, accountID uuid.UUID, amount int64, reference string, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: reservation must be positive", core.ErrInvalidAmount)
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return fmt.Errorf("%w: account %s is deactivated", core.ErrInvalidState, accountID)
	}
	if amount > account.Balance {
		return fmt.Errorf("%w: available %d, requested %d", core.ErrInsufficientFunds, account.Balance, amount)
	}
	account.Balance -= amount
	account.Reserved += amount
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	return recordTx(tx, account, models.TxTypeReserve, -amount, reference, models.TxStatusCompleted, now)
}

// ReleaseReservedTx removes amount from the payer's earmarked funds at a
// hold's terminal transition. The funds leave the payer entirely; the matching
// credit lands on the recipient via CreditTx in the same transaction.
func ReleaseReservedTx(tx *gorm.DB, accountID uuid.UUID, amount int64, txType, reference string, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: release must be positive", core.ErrInvalidAmount)
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	if amount > account.Reserved {
		return fmt.Errorf("%w: reserved %d, requested %d", core.ErrInsufficientFunds, account.Reserved, amount)
	}
	account.Reserved -= amount
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	return recordTx(tx, account, txType, -amount, reference, models.TxStatusCompleted, now)
}

// CreditTx adds amount to an account's available balance with the supplied
// record type. Used for releases, refunds and dispute reallocations.
func CreditTx(tx *gorm.DB, accountID uuid.UUID, amount int64, txType, reference string, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit must be positive", core.ErrInvalidAmount)
	}
	account, err := LockAccount(tx, accountID)
	if err != nil {
		return err
	}
	account.Balance += amount
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	return recordTx(tx, account, txType, amount, reference, models.TxStatusCompleted, now)
}

func recordTx(tx *gorm.DB, account *models.LedgerAccount, txType string, amount int64, reference, status string, now time.Time) error {
	return tx.Create(&models.LedgerTransaction{
		ID:           uuid.New(),
		AccountID:    account.ID,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: account.Balance,
		Reference:    reference,
		Status:       status,
		CreatedAt:    now,
	}).Error
}
