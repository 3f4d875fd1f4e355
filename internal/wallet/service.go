package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/db"
	"tutorpay/internal/money"
)

// Service covers the collaborator-facing wallet operations: balance lookup,
// deposits and withdrawal requests (settled by an admin), and the history
// listing. Booking and package flows use the Repository Tx primitives directly
// so their wallet effects commit together with the status transition.
type Service interface {
	GetBalance(ctx context.Context, userID string) (*Wallet, error)
	Deposit(ctx context.Context, userID string, amount money.Cents, note string) (*Transaction, error)
	RequestWithdrawal(ctx context.Context, userID string, amount money.Cents, note string) (*Transaction, error)
	ProcessTransaction(ctx context.Context, txnID string, approve bool, adminNote string) (*Transaction, error)
	GetTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
}

type service struct {
	db   *sqlx.DB
	repo *Repository
}

func NewService(database *sqlx.DB, repo *Repository) Service {
	return &service{db: database, repo: repo}
}

func (s *service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	return s.repo.GetOrCreateWallet(ctx, userID)
}

func (s *service) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	return s.repo.GetTransactions(ctx, userID, limit, offset)
}

// Deposit records a PENDING deposit. The balance moves only when an admin
// approves it via ProcessTransaction.
func (s *service) Deposit(ctx context.Context, userID string, amount money.Cents, note string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("deposit amount must be positive")
	}

	w, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	var txn *Transaction
	err = db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		txn, err = s.repo.insertTxnTx(ctx, tx, w.ID, TxDeposit, StatusPending, amount, nil, Ref{Note: note})
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// RequestWithdrawal records a PENDING withdrawal. Funds are not locked; the
// sufficiency check happens at approval time inside the idempotent debit.
func (s *service) RequestWithdrawal(ctx context.Context, userID string, amount money.Cents, note string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("withdrawal amount must be positive")
	}

	w, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.BalanceCents < amount {
		return nil, ErrInsufficientFunds
	}

	var txn *Transaction
	err = db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		txn, err = s.repo.insertTxnTx(ctx, tx, w.ID, TxWithdrawal, StatusPending, amount, nil, Ref{Note: note})
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ProcessTransaction settles a PENDING deposit or withdrawal. The status flip
// and the balance change commit atomically; re-processing returns
// ErrAlreadyProcessed.
func (s *service) ProcessTransaction(ctx context.Context, txnID string, approve bool, adminNote string) (*Transaction, error) {
	var result *Transaction

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		txn := &Transaction{}
		err := tx.GetContext(ctx, txn, `
			SELECT id, wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note, created_at
			FROM wallet_transactions
			WHERE id = $1
			FOR UPDATE
		`, txnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if txn.Status != StatusPending {
			return ErrAlreadyProcessed
		}

		newStatus := StatusRejected
		if approve {
			newStatus = StatusApproved

			w := &Wallet{}
			if err := tx.QueryRowxContext(ctx,
				`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`,
				txn.WalletID,
			).StructScan(w); err != nil {
				return err
			}

			switch txn.Type {
			case TxDeposit:
				if err := s.repo.updateBalancesTx(ctx, tx, w, w.BalanceCents+txn.AmountCents, w.PendingCents); err != nil {
					return err
				}
			case TxWithdrawal:
				if w.BalanceCents < txn.AmountCents {
					return ErrInsufficientFunds
				}
				if err := s.repo.updateBalancesTx(ctx, tx, w, w.BalanceCents-txn.AmountCents, w.PendingCents); err != nil {
					return err
				}
			default:
				return errors.New("only deposits and withdrawals can be processed")
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE wallet_transactions
			SET status = $1, note = CASE WHEN $2 <> '' THEN $2 ELSE note END
			WHERE id = $3
		`, newStatus, adminNote, txnID); err != nil {
			return err
		}

		txn.Status = newStatus
		if adminNote != "" {
			txn.Note = adminNote
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
