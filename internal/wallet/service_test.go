package wallet

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorpay/internal/money"
)

func setupService(t *testing.T) (Service, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	return NewService(sqlxDB, NewRepository(sqlxDB)), mock
}

func pendingTxnRow(id, walletID string, typ TxType, amount money.Cents) *sqlmock.Rows {
	return txnRow(id, walletID, string(typ), string(StatusPending), amount, "")
}

func TestProcessTransaction_ApproveDeposit(t *testing.T) {
	svc, mock := setupService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallet_transactions\s+WHERE id = \$1\s+FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(pendingTxnRow("t1", "w1", TxDeposit, 5000))
	mock.ExpectQuery(`FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("w1").
		WillReturnRows(walletRow("w1", "guardian-1", 1000, 0))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(int64(6000), int64(0), "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wallet_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, err := svc.ProcessTransaction(ctx, "t1", true, "verified bank transfer")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, txn.Status)
	assert.Equal(t, "verified bank transfer", txn.Note)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessTransaction_RejectLeavesBalance(t *testing.T) {
	svc, mock := setupService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallet_transactions\s+WHERE id = \$1\s+FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(pendingTxnRow("t1", "w1", TxWithdrawal, 5000))
	mock.ExpectExec(`UPDATE wallet_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, err := svc.ProcessTransaction(ctx, "t1", false, "suspicious destination")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, txn.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessTransaction_AlreadyProcessed(t *testing.T) {
	svc, mock := setupService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallet_transactions\s+WHERE id = \$1\s+FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(txnRow("t1", "w1", string(TxDeposit), string(StatusApproved), 5000, ""))
	mock.ExpectRollback()

	_, err := svc.ProcessTransaction(ctx, "t1", true, "")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestProcessTransaction_WithdrawalInsufficientAtApproval(t *testing.T) {
	svc, mock := setupService(t)
	ctx := context.Background()

	// Balance shrank between request and approval.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM wallet_transactions\s+WHERE id = \$1\s+FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(pendingTxnRow("t1", "w1", TxWithdrawal, 5000))
	mock.ExpectQuery(`FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("w1").
		WillReturnRows(walletRow("w1", "teacher-1", 2000, 0))
	mock.ExpectRollback()

	_, err := svc.ProcessTransaction(ctx, "t1", true, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestRequestWithdrawal_PreChecksBalance(t *testing.T) {
	svc, mock := setupService(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM wallets WHERE user_id = \$1`).
		WithArgs("teacher-1").
		WillReturnRows(walletRow("w1", "teacher-1", 2000, 0))

	_, err := svc.RequestWithdrawal(ctx, "teacher-1", 5000, "payday")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}
