package pack

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutorpay/internal/money"
	"tutorpay/internal/wallet"
)

type MockLedger struct{ mock.Mock }

func (m *MockLedger) HoldTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error) {
	args := m.Called(ctx, userID, amount, typ, idemKey)
	return nil, args.Bool(0), args.Error(1)
}

func (m *MockLedger) CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, status wallet.TxStatus, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error) {
	args := m.Called(ctx, userID, amount, typ, status, idemKey)
	return nil, args.Bool(0), args.Error(1)
}

func (m *MockLedger) ReleasePendingTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, chargeIdemKey string) error {
	return m.Called(ctx, userID, amount, chargeIdemKey).Error(0)
}

func (m *MockLedger) RefundPendingTx(ctx context.Context, tx *sqlx.Tx, userID string, held, refund money.Cents, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error) {
	args := m.Called(ctx, userID, held, refund, idemKey)
	return nil, args.Bool(0), args.Error(1)
}

func newTestEngine(t *testing.T, ledger Ledger) (*Engine, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	engine := NewEngine(NewRepository(sqlxDB), ledger, decimal.RequireFromString("0.18"))
	return engine, sqlxDB, sqlMock
}

func emptyPackageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "payer_id", "teacher_id", "subject", "tier_id", "session_count", "sessions_used",
		"recurring_count", "floating_count", "session_price_cents", "total_paid_cents", "escrow_remaining_cents",
		"status", "flagged_for_review", "purchase_key", "purchased_at", "expires_at",
	})
}

func packageRows(p *StudentPackage) *sqlmock.Rows {
	return emptyPackageRows().AddRow(
		p.ID, p.PayerID, p.TeacherID, p.Subject, p.TierID, p.SessionCount, p.SessionsUsed,
		p.RecurringCount, p.FloatingCount, int64(p.SessionPriceCents), int64(p.TotalPaidCents), int64(p.EscrowRemainingCents),
		string(p.Status), p.FlaggedForReview, p.PurchaseKey, time.Now(), p.ExpiresAt,
	)
}

func tierRows(id string, sessions int, discount, ratio string, validityDays int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "session_count", "discount_percent", "recurring_ratio", "validity_days", "active", "created_at",
	}).AddRow(id, "Standard", sessions, discount, ratio, validityDays, true, time.Now())
}

func emptyRedemptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "package_id", "booking_id", "status", "created_at", "released_at"})
}

func redemptionRows(id, packageID, bookingID string, status RedemptionStatus) *sqlmock.Rows {
	return emptyRedemptionRows().AddRow(id, packageID, bookingID, string(status), time.Now(), nil)
}

func activePackage(id string, sessions, used int, sessionPrice, escrow money.Cents) *StudentPackage {
	return &StudentPackage{
		ID:                   id,
		PayerID:              "guardian-1",
		TeacherID:            "teacher-1",
		Subject:              "math",
		TierID:               "tier-1",
		SessionCount:         sessions,
		SessionsUsed:         used,
		SessionPriceCents:    sessionPrice,
		TotalPaidCents:       sessionPrice * money.Cents(sessions),
		EscrowRemainingCents: escrow,
		Status:               PackageActive,
		PurchaseKey:          "pkg:b0",
		ExpiresAt:            time.Now().Add(30 * 24 * time.Hour),
	}
}

func TestEngine_PurchaseTx_DiscountAndSingleDebit(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	// 4 sessions at 100.00/hr with 10% discount: 90.00 per session, one
	// debit of 360.00 with the escrow starting at the full amount.
	created := activePackage("pkg-1", 4, 0, 9000, 36000)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM student_packages WHERE purchase_key = \$1`).
		WithArgs("pkg:b1").
		WillReturnRows(emptyPackageRows())
	sqlMock.ExpectQuery(`FROM package_tiers WHERE id = \$1`).
		WithArgs("tier-1").
		WillReturnRows(tierRows("tier-1", 4, "10", "0.5", 30))
	ledger.On("HoldTx", ctx, "guardian-1", money.Cents(36000), wallet.TxPackagePurchase, "pkg:b1").
		Return(true, nil).Once()
	sqlMock.ExpectQuery(`INSERT INTO student_packages`).
		WillReturnRows(packageRows(created))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	got, err := engine.PurchaseTx(ctx, tx, PurchaseInput{
		PayerID:      "guardian-1",
		TeacherID:    "teacher-1",
		Subject:      "math",
		TierID:       "tier-1",
		PricePerHour: 10000,
		IdemKey:      "pkg:b1",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Cents(9000), got.SessionPriceCents)
	assert.Equal(t, money.Cents(36000), got.TotalPaidCents)
	assert.Equal(t, money.Cents(36000), got.EscrowRemainingCents)

	require.NoError(t, tx.Commit())
	ledger.AssertExpectations(t)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestEngine_PurchaseTx_IdempotentRetry(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	existing := activePackage("pkg-1", 4, 1, 9000, 27000)
	existing.PurchaseKey = "pkg:b1"

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM student_packages WHERE purchase_key = \$1`).
		WithArgs("pkg:b1").
		WillReturnRows(packageRows(existing))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	got, err := engine.PurchaseTx(ctx, tx, PurchaseInput{
		PayerID: "guardian-1",
		TierID:  "tier-1",
		IdemKey: "pkg:b1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", got.ID)

	require.NoError(t, tx.Commit())
	ledger.AssertNotCalled(t, "HoldTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_PurchaseTx_ConcurrentLoserReturnsSettledPackage(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	settled := activePackage("pkg-1", 4, 0, 9000, 36000)
	settled.PurchaseKey = "pkg:b1"

	sqlMock.ExpectBegin()
	// The pre-lock lookup sees nothing because the competing purchase has
	// not committed yet.
	sqlMock.ExpectQuery(`FROM student_packages WHERE purchase_key = \$1`).
		WithArgs("pkg:b1").
		WillReturnRows(emptyPackageRows())
	sqlMock.ExpectQuery(`FROM package_tiers WHERE id = \$1`).
		WithArgs("tier-1").
		WillReturnRows(tierRows("tier-1", 4, "10", "0.5", 30))
	// By the time the wallet lock is acquired the winner has committed, so
	// the idempotent hold applies nothing and the settled package is
	// returned instead of a second insert.
	ledger.On("HoldTx", ctx, "guardian-1", money.Cents(36000), wallet.TxPackagePurchase, "pkg:b1").
		Return(false, nil).Once()
	sqlMock.ExpectQuery(`FROM student_packages WHERE purchase_key = \$1`).
		WithArgs("pkg:b1").
		WillReturnRows(packageRows(settled))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	got, err := engine.PurchaseTx(ctx, tx, PurchaseInput{
		PayerID:      "guardian-1",
		TeacherID:    "teacher-1",
		Subject:      "math",
		TierID:       "tier-1",
		PricePerHour: 10000,
		IdemKey:      "pkg:b1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", got.ID)

	require.NoError(t, tx.Commit())
	ledger.AssertExpectations(t)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestEngine_RedeemTx_ExhaustedPackage(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	pkg := activePackage("pkg-1", 4, 4, 9000, 9000)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b5").
		WillReturnRows(emptyRedemptionRows())
	sqlMock.ExpectQuery(`FROM student_packages WHERE id = \$1 FOR UPDATE`).
		WithArgs("pkg-1").
		WillReturnRows(packageRows(pkg))
	sqlMock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	_, err = engine.RedeemTx(ctx, tx, "pkg-1", "b5")
	assert.ErrorIs(t, err, ErrPackageExhausted)

	require.NoError(t, tx.Rollback())
}

func TestEngine_RedeemTx_BookingAlreadyRedeemedIsNoOp(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b2").
		WillReturnRows(redemptionRows("r1", "pkg-1", "b2", RedemptionReserved))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	red, err := engine.RedeemTx(ctx, tx, "pkg-1", "b2")
	require.NoError(t, err)
	assert.Equal(t, "r1", red.ID)

	require.NoError(t, tx.Commit())
}

func TestEngine_ReleaseTx_MidPackageSession(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	// Second of four sessions: escrow drops by exactly one session price and
	// the purchase charge stays held.
	pkg := activePackage("pkg-1", 4, 2, 9000, 27000)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b2").
		WillReturnRows(redemptionRows("r2", "pkg-1", "b2", RedemptionReserved))
	sqlMock.ExpectQuery(`FROM student_packages WHERE id = \$1 FOR UPDATE`).
		WithArgs("pkg-1").
		WillReturnRows(packageRows(pkg))
	ledger.On("ReleasePendingTx", ctx, "guardian-1", money.Cents(9000), "").Return(nil).Once()
	// 9000 less the 18% platform fee.
	ledger.On("CreditTx", ctx, "teacher-1", money.Cents(7380), wallet.TxTeacherPayout, wallet.StatusPaid, "release:b2").
		Return(true, nil).Once()
	sqlMock.ExpectQuery(`UPDATE student_packages`).
		WillReturnRows(sqlmock.NewRows([]string{"escrow_remaining_cents"}).AddRow(18000))
	sqlMock.ExpectExec(`UPDATE package_redemptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	require.NoError(t, engine.ReleaseTx(ctx, tx, "b2", "release:b2"))

	require.NoError(t, tx.Commit())
	ledger.AssertExpectations(t)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestEngine_ReleaseTx_LastSessionPaysEscrowRemainder(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	// Final session with 9050 left in escrow after rounding drift: the whole
	// remainder is released and the original purchase charge flips to PAID
	// through its purchase key.
	pkg := activePackage("pkg-1", 4, 4, 9000, 9050)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b4").
		WillReturnRows(redemptionRows("r4", "pkg-1", "b4", RedemptionReserved))
	sqlMock.ExpectQuery(`FROM student_packages WHERE id = \$1 FOR UPDATE`).
		WithArgs("pkg-1").
		WillReturnRows(packageRows(pkg))
	ledger.On("ReleasePendingTx", ctx, "guardian-1", money.Cents(9050), "pkg:b0").Return(nil).Once()
	ledger.On("CreditTx", ctx, "teacher-1", money.Share(9050, decimal.RequireFromString("0.18")), wallet.TxTeacherPayout, wallet.StatusPaid, "release:b4").
		Return(true, nil).Once()
	sqlMock.ExpectQuery(`UPDATE student_packages`).
		WillReturnRows(sqlmock.NewRows([]string{"escrow_remaining_cents"}).AddRow(0))
	sqlMock.ExpectExec(`UPDATE package_redemptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	require.NoError(t, engine.ReleaseTx(ctx, tx, "b4", "release:b4"))

	require.NoError(t, tx.Commit())
	ledger.AssertExpectations(t)
}

func TestEngine_ReleaseTx_AlreadyReleasedIsNoOp(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b2").
		WillReturnRows(redemptionRows("r2", "pkg-1", "b2", RedemptionReleased))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	require.NoError(t, engine.ReleaseTx(ctx, tx, "b2", "release:b2"))

	require.NoError(t, tx.Commit())
	ledger.AssertNotCalled(t, "ReleasePendingTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_CancelRedemptionTx_RejectsNonConservingSplit(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	pkg := activePackage("pkg-1", 4, 2, 9000, 27000)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b2").
		WillReturnRows(redemptionRows("r2", "pkg-1", "b2", RedemptionReserved))
	sqlMock.ExpectQuery(`FROM student_packages WHERE id = \$1 FOR UPDATE`).
		WithArgs("pkg-1").
		WillReturnRows(packageRows(pkg))
	sqlMock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	// 4500 + 5000 != 9000: the split must conserve the session price.
	err = engine.CancelRedemptionTx(ctx, tx, "b2", 4500, 5000)
	require.Error(t, err)

	require.NoError(t, tx.Rollback())
	ledger.AssertNotCalled(t, "RefundPendingTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_CancelRedemptionTx_SplitsEscrow(t *testing.T) {
	ledger := new(MockLedger)
	engine, db, sqlMock := newTestEngine(t, ledger)
	ctx := context.Background()

	pkg := activePackage("pkg-1", 4, 2, 9000, 27000)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM package_redemptions WHERE booking_id = \$1`).
		WithArgs("b2").
		WillReturnRows(redemptionRows("r2", "pkg-1", "b2", RedemptionReserved))
	sqlMock.ExpectQuery(`FROM student_packages WHERE id = \$1 FOR UPDATE`).
		WithArgs("pkg-1").
		WillReturnRows(packageRows(pkg))
	ledger.On("RefundPendingTx", ctx, "guardian-1", money.Cents(9000), money.Cents(4500), "cancel:b2").
		Return(true, nil).Once()
	ledger.On("CreditTx", ctx, "teacher-1", money.Cents(4500), wallet.TxTeacherPayout, wallet.StatusPaid, "cancelcomp:b2").
		Return(true, nil).Once()
	sqlMock.ExpectQuery(`UPDATE student_packages`).
		WillReturnRows(sqlmock.NewRows([]string{"escrow_remaining_cents"}).AddRow(18000))
	sqlMock.ExpectExec(`UPDATE package_redemptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	require.NoError(t, engine.CancelRedemptionTx(ctx, tx, "b2", 4500, 4500))

	require.NoError(t, tx.Commit())
	ledger.AssertExpectations(t)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}
