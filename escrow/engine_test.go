package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mizan/core"
	"mizan/ledger"
	"mizan/models"
	"mizan/notify"
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

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingEmitter) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) byType(eventType string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, evt := range r.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type staticVerifier struct{ ok bool }

func (v staticVerifier) VerifyCredential(context.Context, string, string) (bool, error) {
	return v.ok, nil
}

type fixture struct {
	db          *gorm.DB
	ledger      *ledger.Engine
	engine      *Engine
	emitter     *recordingEmitter
	payer       uuid.UUID
	beneficiary uuid.UUID
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ledgerEngine := ledger.NewEngine(db)
	engine := NewEngine(db)
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.SetNowFunc(func() time.Time { return now })

	ctx := context.Background()
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

	return &fixture{
		db:          db,
		ledger:      ledgerEngine,
		engine:      engine,
		emitter:     emitter,
		payer:       payer.ID,
		beneficiary: beneficiary.ID,
		now:         now,
	}
}

func (f *fixture) createHold(t *testing.T, amount int64) *models.EscrowHold {
	t.Helper()
	hold, err := f.engine.Create(context.Background(), CreateParams{
		ContractID:    "contract-1",
		PayerID:       f.payer,
		BeneficiaryID: f.beneficiary,
		Amount:        amount,
		Currency:      "SAR",
		ReleaseWindow: 14 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	return hold
}

func (f *fixture) balances(t *testing.T, id uuid.UUID) (int64, int64) {
	t.Helper()
	account, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance, account.Reserved
}

func TestCreateReservesFunds(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 30_000)

	if hold.Status != models.HoldReserved {
		t.Fatalf("status = %s, want reserved", hold.Status)
	}
	if got, want := hold.Deadline, f.now.Add(14*24*time.Hour); !got.Equal(want) {
		t.Fatalf("deadline = %v, want %v", got, want)
	}
	balance, reserved := f.balances(t, f.payer)
	if balance != 70_000 || reserved != 30_000 {
		t.Fatalf("payer balance=%d reserved=%d, want 70000/30000", balance, reserved)
	}
}

func TestCreateRejectsSameParty(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), CreateParams{
		ContractID:    "contract-x",
		PayerID:       f.payer,
		BeneficiaryID: f.payer,
		Amount:        1_000,
		ReleaseWindow: time.Hour,
	})
	if !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCreateInsufficientFundsRollsBack(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), CreateParams{
		ContractID:    "contract-x",
		PayerID:       f.payer,
		BeneficiaryID: f.beneficiary,
		Amount:        100_001,
		ReleaseWindow: time.Hour,
	})
	if !errors.Is(err, core.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, reserved := f.balances(t, f.payer)
	if balance != 100_000 || reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want untouched 100000/0", balance, reserved)
	}
}

func TestReleaseRequestApproveFlow(t *testing.T) {
	f := newFixture(t)
	f.engine.SetVerifier(staticVerifier{ok: true})
	hold := f.createHold(t, 30_000)
	ctx := context.Background()

	if err := f.engine.RequestRelease(ctx, hold.ID, f.beneficiary); err != nil {
		t.Fatalf("request release: %v", err)
	}
	// Requesting again while pending is a no-op.
	if err := f.engine.RequestRelease(ctx, hold.ID, f.beneficiary); err != nil {
		t.Fatalf("repeat request: %v", err)
	}

	// Only the payer may approve.
	err := f.engine.ApproveRelease(ctx, hold.ID, f.beneficiary, "cred")
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("beneficiary approve: expected ErrNotAuthorized, got %v", err)
	}

	if err := f.engine.ApproveRelease(ctx, hold.ID, f.payer, "cred"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	stored, err := f.engine.Get(ctx, hold.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if stored.Status != models.HoldReleased {
		t.Fatalf("status = %s, want released", stored.Status)
	}
	balance, reserved := f.balances(t, f.payer)
	if balance != 70_000 || reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want 70000/0", balance, reserved)
	}
	benBalance, _ := f.balances(t, f.beneficiary)
	if benBalance != 30_000 {
		t.Fatalf("beneficiary balance = %d, want 30000", benBalance)
	}

	// Terminal holds answer stale-request, not invalid-state.
	err = f.engine.RequestRelease(ctx, hold.ID, f.beneficiary)
	if !errors.Is(err, core.ErrStaleRequest) {
		t.Fatalf("request on released hold: expected ErrStaleRequest, got %v", err)
	}

	if got := f.emitter.byType(notify.EventReleaseApproved); len(got) != 1 {
		t.Fatalf("release_approved events = %d, want 1", len(got))
	}
}

func TestApproveRejectedCredential(t *testing.T) {
	f := newFixture(t)
	f.engine.SetVerifier(staticVerifier{ok: false})
	hold := f.createHold(t, 10_000)
	ctx := context.Background()

	if err := f.engine.RequestRelease(ctx, hold.ID, f.beneficiary); err != nil {
		t.Fatalf("request release: %v", err)
	}
	err := f.engine.ApproveRelease(ctx, hold.ID, f.payer, "bad-cred")
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	stored, _ := f.engine.Get(ctx, hold.ID)
	if stored.Status != models.HoldPendingRelease {
		t.Fatalf("status = %s, want pending_release", stored.Status)
	}
}

func TestRejectResetsDeadline(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 10_000)
	ctx := context.Background()

	if err := f.engine.RequestRelease(ctx, hold.ID, f.beneficiary); err != nil {
		t.Fatalf("request release: %v", err)
	}

	rejectedAt := f.now.Add(5 * 24 * time.Hour)
	f.engine.SetNowFunc(func() time.Time { return rejectedAt })

	if err := f.engine.RejectRelease(ctx, hold.ID, f.payer, "deliverable incomplete"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	stored, _ := f.engine.Get(ctx, hold.ID)
	if stored.Status != models.HoldReserved {
		t.Fatalf("status = %s, want reserved", stored.Status)
	}
	if want := rejectedAt.Add(14 * 24 * time.Hour); !stored.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want reset to %v", stored.Deadline, want)
	}
	if stored.ReleaseRequestedBy != nil || stored.ReleaseRequestedAt != nil {
		t.Fatal("release request fields should be cleared")
	}
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 10_000)
	ctx := context.Background()
	if err := f.engine.RequestRelease(ctx, hold.ID, f.beneficiary); err != nil {
		t.Fatalf("request release: %v", err)
	}
	if err := f.engine.RejectRelease(ctx, hold.ID, f.payer, ""); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestExtendDeadline(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 10_000)
	ctx := context.Background()

	if err := f.engine.ExtendDeadline(ctx, hold.ID, 7, f.payer); err != nil {
		t.Fatalf("extend: %v", err)
	}
	stored, _ := f.engine.Get(ctx, hold.ID)
	if want := hold.Deadline.AddDate(0, 0, 7); !stored.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", stored.Deadline, want)
	}

	evts := f.emitter.byType(notify.EventDeadlineExtended)
	if len(evts) != 1 {
		t.Fatalf("deadline_extended events = %d, want 1", len(evts))
	}
	if evts[0].Recipient != f.beneficiary.String() {
		t.Fatalf("extension notice sent to %s, want counter-party %s", evts[0].Recipient, f.beneficiary)
	}

	outsider := uuid.New()
	if err := f.engine.ExtendDeadline(ctx, hold.ID, 7, outsider); !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("outsider extend: expected ErrNotAuthorized, got %v", err)
	}
}

func TestExpireDueReleasesOnce(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 20_000)
	ctx := context.Background()

	after := hold.Deadline.Add(time.Minute)
	released, err := f.engine.ExpireDue(ctx, after)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	// A redundant sweep over the same window is a no-op.
	released, err = f.engine.ExpireDue(ctx, after)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if released != 0 {
		t.Fatalf("second sweep released = %d, want 0", released)
	}

	benBalance, _ := f.balances(t, f.beneficiary)
	if benBalance != 20_000 {
		t.Fatalf("beneficiary balance = %d, want exactly one payout of 20000", benBalance)
	}

	evts := f.emitter.byType(notify.EventReleaseApproved)
	if len(evts) != 1 {
		t.Fatalf("release_approved events = %d, want 1", len(evts))
	}
	if evts[0].Attributes["approvedBy"] != SystemParty {
		t.Fatalf("approvedBy = %s, want %s", evts[0].Attributes["approvedBy"], SystemParty)
	}
}

func TestExpireSkipsFutureDeadlines(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 20_000)
	ctx := context.Background()

	released, err := f.engine.ExpireDue(ctx, hold.Deadline.Add(-time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != 0 {
		t.Fatalf("released = %d, want 0", released)
	}
}

func TestFreezeBlocksExpiryAndApproval(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 20_000)
	ctx := context.Background()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, frzErr := FreezeTx(tx, hold.ID, f.now)
		return frzErr
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	released, err := f.engine.ExpireDue(ctx, hold.Deadline.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if released != 0 {
		t.Fatalf("disputed hold auto-released; released = %d, want 0", released)
	}

	err = f.engine.RequestRelease(ctx, hold.ID, f.beneficiary)
	if !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("request on disputed hold: expected ErrInvalidState, got %v", err)
	}
}

func TestSettleDisputedTx(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 20_000)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, frzErr := FreezeTx(tx, hold.ID, f.now)
		return frzErr
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Legs must sum exactly to the held amount.
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, settleErr := SettleDisputedTx(tx, hold.ID, []ReallocationLeg{
			{AccountID: f.payer, Amount: 5_000},
			{AccountID: f.beneficiary, Amount: 10_000},
		}, "dispute-1", f.now)
		return settleErr
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("short reallocation: expected ErrInvalidAmount, got %v", err)
	}

	var final models.HoldStatus
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var settleErr error
		final, settleErr = SettleDisputedTx(tx, hold.ID, []ReallocationLeg{
			{AccountID: f.payer, Amount: 8_000},
			{AccountID: f.beneficiary, Amount: 12_000},
		}, "dispute-1", f.now)
		return settleErr
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if final != models.HoldReleased {
		t.Fatalf("final = %s, want released for a split", final)
	}

	balance, reserved := f.balances(t, f.payer)
	if balance != 88_000 || reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want 88000/0", balance, reserved)
	}
	benBalance, _ := f.balances(t, f.beneficiary)
	if benBalance != 12_000 {
		t.Fatalf("beneficiary balance = %d, want 12000", benBalance)
	}
}

func TestSettleDisputedFullRefund(t *testing.T) {
	f := newFixture(t)
	hold := f.createHold(t, 20_000)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, frzErr := FreezeTx(tx, hold.ID, f.now); frzErr != nil {
			return frzErr
		}
		final, settleErr := SettleDisputedTx(tx, hold.ID, []ReallocationLeg{
			{AccountID: f.payer, Amount: 20_000},
		}, "dispute-2", f.now)
		if settleErr != nil {
			return settleErr
		}
		if final != models.HoldRefunded {
			t.Fatalf("final = %s, want refunded when everything returns to payer", final)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	balance, reserved := f.balances(t, f.payer)
	if balance != 100_000 || reserved != 0 {
		t.Fatalf("payer balance=%d reserved=%d, want full 100000/0", balance, reserved)
	}
}
