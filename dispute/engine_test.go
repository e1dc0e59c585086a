package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mizan/core"
	"mizan/escrow"
	"mizan/ledger"
	"mizan/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fixture struct {
	db          *gorm.DB
	ledger      *ledger.Engine
	holds       *escrow.Engine
	engine      *Engine
	payer       uuid.UUID
	beneficiary uuid.UUID
	hold        *models.EscrowHold
	now         time.Time
}

const validClaim = "the delivered work does not match the agreed scope"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledgerEngine := ledger.NewEngine(db)
	holdEngine := escrow.NewEngine(db)
	holdEngine.SetNowFunc(func() time.Time { return now })
	engine := NewEngine(db, Config{})
	engine.SetNowFunc(func() time.Time { return now })

	payer, err := ledgerEngine.CreateAccount(ctx, "payer", "SAR")
	if err != nil {
		t.Fatalf("create payer: %v", err)
	}
	beneficiary, err := ledgerEngine.CreateAccount(ctx, "beneficiary", "SAR")
	if err != nil {
		t.Fatalf("create beneficiary: %v", err)
	}
	if _, err := ledgerEngine.Deposit(ctx, payer.ID, 100_000); err != nil {
		t.Fatalf("fund payer: %v", err)
	}

	hold, err := holdEngine.Create(ctx, escrow.CreateParams{
		ContractID:    "contract-1",
		PayerID:       payer.ID,
		BeneficiaryID: beneficiary.ID,
		Amount:        20_000,
		Currency:      "SAR",
		ReleaseWindow: 14 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	return &fixture{
		db:          db,
		ledger:      ledgerEngine,
		holds:       holdEngine,
		engine:      engine,
		payer:       payer.ID,
		beneficiary: beneficiary.ID,
		hold:        hold,
		now:         now,
	}
}

func TestOpenFreezesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if record.Status != models.DisputeOpen {
		t.Fatalf("status = %s, want open", record.Status)
	}

	hold, err := f.holds.Get(ctx, f.hold.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if hold.Status != models.HoldDisputed {
		t.Fatalf("hold status = %s, want disputed", hold.Status)
	}

	// One dispute per hold.
	if _, err := f.engine.Open(ctx, f.hold.ID, f.payer, validClaim); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second dispute: expected ErrInvalidState, got %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Open(ctx, f.hold.ID, f.beneficiary, "too short"); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("short claim: expected ErrInvalidState, got %v", err)
	}
	outsider := uuid.New()
	if _, err := f.engine.Open(ctx, f.hold.ID, outsider, validClaim); !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("outsider: expected ErrNotAuthorized, got %v", err)
	}
	// The failed open must not leave the hold frozen.
	hold, _ := f.holds.Get(ctx, f.hold.ID)
	if hold.Status != models.HoldReserved {
		t.Fatalf("hold status = %s, want reserved after rolled-back open", hold.Status)
	}
}

func TestEvidenceAdvancesExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.engine.SubmitEvidence(ctx, record.ID, f.beneficiary, "s3://evidence/1"); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	stored, err := f.engine.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.DisputeEvidenceExchange {
		t.Fatalf("status = %s, want evidence_exchange", stored.Status)
	}

	if _, err := f.engine.SubmitEvidence(ctx, record.ID, f.payer, "s3://evidence/2"); err != nil {
		t.Fatalf("second evidence: %v", err)
	}
	stored, _ = f.engine.Get(ctx, record.ID)
	if len(stored.Evidence) != 2 {
		t.Fatalf("evidence entries = %d, want 2", len(stored.Evidence))
	}

	outsider := uuid.New()
	if _, err := f.engine.SubmitEvidence(ctx, record.ID, outsider, "s3://evidence/3"); !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("outsider evidence: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := f.engine.SubmitEvidence(ctx, record.ID, f.payer, "  "); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("blank reference: expected ErrInvalidState, got %v", err)
	}
}

func TestDecisionRequiresExactSum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = f.engine.IssueDecision(ctx, record.ID, []string{"split"}, []escrow.ReallocationLeg{
		{AccountID: f.payer, Amount: 5_000},
		{AccountID: f.beneficiary, Amount: 5_000},
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("short legs: expected ErrInvalidAmount, got %v", err)
	}

	err = f.engine.IssueDecision(ctx, record.ID, []string{"split"}, []escrow.ReallocationLeg{
		{AccountID: f.payer, Amount: 8_000},
		{AccountID: f.beneficiary, Amount: 12_000},
	})
	if err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	stored, _ := f.engine.Get(ctx, record.ID)
	if stored.Status != models.DisputeDecided {
		t.Fatalf("status = %s, want decided", stored.Status)
	}
	if stored.AppealDeadline == nil || !stored.AppealDeadline.Equal(f.now.Add(DefaultAppealWindow)) {
		t.Fatalf("appeal deadline = %v, want %v", stored.AppealDeadline, f.now.Add(DefaultAppealWindow))
	}
	if !strings.Contains(stored.DecisionJSON, "split") {
		t.Fatal("decision payload should carry the directives")
	}
}

func TestAppealOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.IssueDecision(ctx, record.ID, nil, []escrow.ReallocationLeg{
		{AccountID: f.beneficiary, Amount: 20_000},
	}); err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	if err := f.engine.Appeal(ctx, record.ID, f.payer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	stored, _ := f.engine.Get(ctx, record.ID)
	if stored.Status != models.DisputeEvidenceExchange {
		t.Fatalf("status = %s, want evidence_exchange after appeal", stored.Status)
	}
	if stored.AppealDeadline != nil {
		t.Fatal("appeal deadline should be cleared")
	}

	// Re-decide, then the second appeal is rejected.
	if err := f.engine.IssueDecision(ctx, record.ID, nil, []escrow.ReallocationLeg{
		{AccountID: f.beneficiary, Amount: 20_000},
	}); err != nil {
		t.Fatalf("re-issue decision: %v", err)
	}
	if err := f.engine.Appeal(ctx, record.ID, f.beneficiary); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second appeal: expected ErrInvalidState, got %v", err)
	}
}

func TestAppealWindowClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.IssueDecision(ctx, record.ID, nil, []escrow.ReallocationLeg{
		{AccountID: f.beneficiary, Amount: 20_000},
	}); err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	f.engine.SetNowFunc(func() time.Time { return f.now.Add(DefaultAppealWindow + time.Minute) })
	if err := f.engine.Appeal(ctx, record.ID, f.payer); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("late appeal: expected ErrInvalidState, got %v", err)
	}
}

func TestFinalizeAppliesReallocationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.IssueDecision(ctx, record.ID, []string{"refund payer partially"}, []escrow.ReallocationLeg{
		{AccountID: f.payer, Amount: 8_000},
		{AccountID: f.beneficiary, Amount: 12_000},
	}); err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	if err := f.engine.Finalize(ctx, record.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// Finalizing a closed dispute is a no-op, not a double payout.
	if err := f.engine.Finalize(ctx, record.ID); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	stored, _ := f.engine.Get(ctx, record.ID)
	if stored.Status != models.DisputeClosed {
		t.Fatalf("status = %s, want closed", stored.Status)
	}

	payer, _ := f.ledger.Get(ctx, f.payer)
	if payer.Balance != 88_000 || payer.Reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want 88000/0", payer.Balance, payer.Reserved)
	}
	beneficiary, _ := f.ledger.Get(ctx, f.beneficiary)
	if beneficiary.Balance != 12_000 {
		t.Fatalf("beneficiary balance = %d, want 12000", beneficiary.Balance)
	}

	hold, _ := f.holds.Get(ctx, f.hold.ID)
	if hold.Status != models.HoldReleased {
		t.Fatalf("hold status = %s, want released", hold.Status)
	}
}

func TestFinalizeRequiresDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.Finalize(ctx, record.ID); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFinalizeDueSkipsAppealed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.IssueDecision(ctx, record.ID, nil, []escrow.ReallocationLeg{
		{AccountID: f.payer, Amount: 20_000},
	}); err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	// Before the window expires nothing finalizes.
	closed, err := f.engine.FinalizeDue(ctx, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("early sweep closed %d, want 0", closed)
	}

	// An appeal before expiry halts automatic reallocation.
	if err := f.engine.Appeal(ctx, record.ID, f.beneficiary); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	closed, err = f.engine.FinalizeDue(ctx, f.now.Add(DefaultAppealWindow+time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("sweep closed %d after appeal, want 0", closed)
	}
}

func TestFinalizeDueClosesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, _ := f.engine.Open(ctx, f.hold.ID, f.beneficiary, validClaim)
	if err := f.engine.IssueDecision(ctx, record.ID, nil, []escrow.ReallocationLeg{
		{AccountID: f.payer, Amount: 20_000},
	}); err != nil {
		t.Fatalf("issue decision: %v", err)
	}

	after := f.now.Add(DefaultAppealWindow + time.Minute)
	closed, err := f.engine.FinalizeDue(ctx, after)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		t.Fatalf("sweep closed %d, want 1", closed)
	}
	// Redundant sweep is a no-op.
	closed, err = f.engine.FinalizeDue(ctx, after)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if closed != 0 {
		t.Fatalf("second sweep closed %d, want 0", closed)
	}

	// Full return to the payer ends the hold refunded.
	hold, _ := f.holds.Get(ctx, f.hold.ID)
	if hold.Status != models.HoldRefunded {
		t.Fatalf("hold status = %s, want refunded", hold.Status)
	}
	payer, _ := f.ledger.Get(ctx, f.payer)
	if payer.Balance != 100_000 || payer.Reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want 100000/0", payer.Balance, payer.Reserved)
	}
}
