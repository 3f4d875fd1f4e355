package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"tutorpay/internal/money"
)

func setupMock(t *testing.T) (*Repository, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	return NewRepository(sqlxDB), sqlxDB, mock
}

func walletRow(id, userID string, balance, pending money.Cents) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "balance_cents", "pending_cents", "currency", "version", "created_at", "updated_at",
	}).AddRow(id, userID, int64(balance), int64(pending), "USD", 1, now, now)
}

func txnRow(id, walletID, typ, status string, amount money.Cents, idemKey string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "wallet_id", "type", "status", "amount_cents", "idempotency_key", "booking_id", "package_id", "note", "created_at",
	}).AddRow(id, walletID, typ, status, int64(amount), idemKey, nil, nil, "", time.Now())
}

func emptyTxnRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "wallet_id", "type", "status", "amount_cents", "idempotency_key", "booking_id", "package_id", "note", "created_at",
	})
}

func TestHoldTx_MovesBalanceToPending(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 10000, 0))
	mock.ExpectQuery(`FROM wallet_transactions`).
		WithArgs("w1", "charge:b1").
		WillReturnRows(emptyTxnRows())
	mock.ExpectQuery(`INSERT INTO wallet_transactions`).
		WillReturnRows(txnRow("t1", "w1", "BOOKING_CHARGE", "APPROVED", 9000, "charge:b1"))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(int64(1000), int64(9000), "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	txn, applied, err := repo.HoldTx(ctx, tx, "guardian-1", 9000, TxBookingCharge, "charge:b1", Ref{})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, money.Cents(9000), txn.AmountCents)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHoldTx_IdempotentRetry(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 1000, 9000))
	// The key was already used: return the original charge, expect no insert
	// and no balance update.
	mock.ExpectQuery(`FROM wallet_transactions`).
		WithArgs("w1", "charge:b1").
		WillReturnRows(txnRow("t1", "w1", "BOOKING_CHARGE", "APPROVED", 9000, "charge:b1"))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	txn, applied, err := repo.HoldTx(ctx, tx, "guardian-1", 9000, TxBookingCharge, "charge:b1", Ref{})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, "t1", txn.ID)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitTx_InsufficientFunds(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 100, 0))
	mock.ExpectQuery(`FROM wallet_transactions`).
		WithArgs("w1", "charge:b1").
		WillReturnRows(emptyTxnRows())
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	_, _, err = repo.DebitTx(ctx, tx, "guardian-1", 500, TxBookingCharge, "charge:b1", Ref{})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitTx_RejectsNonPositiveAmount(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	_, _, err = repo.DebitTx(ctx, tx, "guardian-1", 0, TxWithdrawal, "withdraw:t1", Ref{})
	require.Error(t, err)

	require.NoError(t, tx.Rollback())
}

func TestReleasePendingTx_DrainsEscrowAndFinalizesCharge(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 1000, 9000))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(int64(1000), int64(0), "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wallet_transactions`).
		WithArgs("w1", "charge:b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	require.NoError(t, repo.ReleasePendingTx(ctx, tx, "guardian-1", 9000, "charge:b1"))

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleasePendingTx_EscrowUnderflow(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 1000, 500))
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	err = repo.ReleasePendingTx(ctx, tx, "guardian-1", 9000, "charge:b1")
	require.Error(t, err)

	require.NoError(t, tx.Rollback())
}

func TestRefundPendingTx_PartialRefund(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	// Held 10000, refund 5000: escrow fully drained, half comes back to the
	// available balance, the rest is credited to the teacher elsewhere.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 0, 10000))
	mock.ExpectQuery(`FROM wallet_transactions`).
		WithArgs("w1", "cancel:b1").
		WillReturnRows(emptyTxnRows())
	mock.ExpectQuery(`INSERT INTO wallet_transactions`).
		WillReturnRows(txnRow("t2", "w1", "BOOKING_REFUND", "APPROVED", 5000, "cancel:b1"))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(int64(5000), int64(0), "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	txn, applied, err := repo.RefundPendingTx(ctx, tx, "guardian-1", 10000, 5000, "cancel:b1", Ref{})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, money.Cents(5000), txn.AmountCents)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundPendingTx_ZeroRefundWritesNoEntry(t *testing.T) {
	repo, db, mock := setupMock(t)
	ctx := context.Background()

	// No-show: escrow drains with no refund row, the ledger shows only the
	// original charge and the teacher compensation.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("guardian-1").
		WillReturnRows(walletRow("w1", "guardian-1", 0, 10000))
	mock.ExpectQuery(`FROM wallet_transactions`).
		WithArgs("w1", "cancel:b1").
		WillReturnRows(emptyTxnRows())
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(int64(0), int64(0), "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	txn, applied, err := repo.RefundPendingTx(ctx, tx, "guardian-1", 10000, 0, "cancel:b1", Ref{})
	require.NoError(t, err)
	require.True(t, applied)
	require.Nil(t, txn)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateWallet_CreatesLazily(t *testing.T) {
	repo, _, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1`).
		WithArgs("new-user").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "balance_cents", "pending_cents", "currency", "version", "created_at", "updated_at",
		}))
	mock.ExpectQuery(`INSERT INTO wallets`).
		WithArgs("new-user").
		WillReturnRows(walletRow("w9", "new-user", 0, 0))

	w, err := repo.GetOrCreateWallet(ctx, "new-user")
	require.NoError(t, err)
	require.Equal(t, "w9", w.ID)
	require.Equal(t, money.Cents(0), w.BalanceCents)

	require.NoError(t, mock.ExpectationsWereMet())
}
