package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/money"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient wallet balance")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyProcessed    = errors.New("transaction already processed")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const walletColumns = `id, user_id, balance_cents, pending_cents, currency, version, created_at, updated_at`

func (r *Repository) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := r.db.GetContext(ctx, w,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = r.db.QueryRowxContext(ctx,
		`INSERT INTO wallets (user_id)
		 VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING `+walletColumns,
		userID,
	).StructScan(w)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// GetForUpdateTx locks the wallet row for the duration of tx, creating the
// wallet lazily if it does not exist yet. Concurrent debits on the same wallet
// serialize on this lock.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := tx.QueryRowxContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).StructScan(w)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO wallets (user_id)
		 VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING `+walletColumns,
		userID,
	).StructScan(w)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// FindByIdempotencyKeyTx returns the existing non-rejected transaction for the
// key, or nil when the key has not been used on this wallet.
func (r *Repository) FindByIdempotencyKeyTx(ctx context.Context, tx *sqlx.Tx, walletID, key string) (*Transaction, error) {
	t := &Transaction{}
	err := tx.GetContext(ctx, t, `
		SELECT id, wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1 AND idempotency_key = $2 AND status <> 'REJECTED'
	`, walletID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) insertTxnTx(ctx context.Context, tx *sqlx.Tx, walletID string, typ TxType, status TxStatus, amount money.Cents, idemKey *string, ref Ref) (*Transaction, error) {
	t := &Transaction{}
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO wallet_transactions (wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note, created_at
	`, walletID, typ, status, amount, idemKey, ref.BookingID, ref.PackageID, ref.Note).StructScan(t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) updateBalancesTx(ctx context.Context, tx *sqlx.Tx, w *Wallet, balance, pending money.Cents) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance_cents = $1, pending_cents = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3
	`, balance, pending, w.ID)
	return err
}

// DebitTx removes amount from the wallet's available balance and appends an
// APPROVED ledger entry. If idemKey was already used, the existing transaction
// is returned and nothing is re-applied (applied == false).
func (r *Repository) DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ TxType, idemKey string, ref Ref) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	w, err := r.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if existing, err := r.FindByIdempotencyKeyTx(ctx, tx, w.ID, idemKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	if w.BalanceCents < amount {
		return nil, false, ErrInsufficientFunds
	}

	txn, err := r.insertTxnTx(ctx, tx, w.ID, typ, StatusApproved, amount, &idemKey, ref)
	if err != nil {
		return nil, false, err
	}
	if err := r.updateBalancesTx(ctx, tx, w, w.BalanceCents-amount, w.PendingCents); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

// CreditTx adds amount to the wallet's available balance and appends a ledger
// entry with the given status. Same idempotency contract as DebitTx.
func (r *Repository) CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ TxType, status TxStatus, idemKey string, ref Ref) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	w, err := r.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if existing, err := r.FindByIdempotencyKeyTx(ctx, tx, w.ID, idemKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	txn, err := r.insertTxnTx(ctx, tx, w.ID, typ, status, amount, &idemKey, ref)
	if err != nil {
		return nil, false, err
	}
	if err := r.updateBalancesTx(ctx, tx, w, w.BalanceCents+amount, w.PendingCents); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

// HoldTx moves amount from available balance into escrow (pending) and records
// the charge. The teacher wallet is untouched until release.
func (r *Repository) HoldTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ TxType, idemKey string, ref Ref) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("hold amount must be positive, got %d", amount)
	}

	w, err := r.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if existing, err := r.FindByIdempotencyKeyTx(ctx, tx, w.ID, idemKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	if w.BalanceCents < amount {
		return nil, false, ErrInsufficientFunds
	}

	txn, err := r.insertTxnTx(ctx, tx, w.ID, typ, StatusApproved, amount, &idemKey, ref)
	if err != nil {
		return nil, false, err
	}
	if err := r.updateBalancesTx(ctx, tx, w, w.BalanceCents-amount, w.PendingCents+amount); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

// ReleasePendingTx drops amount from escrow and finalizes the held charge row
// to PAID. The matching teacher credit is a separate CreditTx in the same tx.
func (r *Repository) ReleasePendingTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, chargeIdemKey string) error {
	w, err := r.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	if w.PendingCents < amount {
		return fmt.Errorf("escrow underflow: pending %d, release %d", w.PendingCents, amount)
	}

	if err := r.updateBalancesTx(ctx, tx, w, w.BalanceCents, w.PendingCents-amount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET status = 'PAID'
		WHERE wallet_id = $1 AND idempotency_key = $2 AND status = 'APPROVED'
	`, w.ID, chargeIdemKey)
	return err
}

// RefundPendingTx returns amount from escrow back to available balance and
// appends a BOOKING_REFUND entry. Used on cancellation settlements.
func (r *Repository) RefundPendingTx(ctx context.Context, tx *sqlx.Tx, userID string, held, refund money.Cents, idemKey string, ref Ref) (*Transaction, bool, error) {
	w, err := r.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if existing, err := r.FindByIdempotencyKeyTx(ctx, tx, w.ID, idemKey); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	if w.PendingCents < held {
		return nil, false, fmt.Errorf("escrow underflow: pending %d, held %d", w.PendingCents, held)
	}

	var txn *Transaction
	if refund > 0 {
		txn, err = r.insertTxnTx(ctx, tx, w.ID, TxBookingRefund, StatusApproved, refund, &idemKey, ref)
		if err != nil {
			return nil, false, err
		}
	}
	if err := r.updateBalancesTx(ctx, tx, w, w.BalanceCents+refund, w.PendingCents-held); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t := &Transaction{}
	err := r.db.GetContext(ctx, t, `
		SELECT id, wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note, created_at
		FROM wallet_transactions
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var walletID string
	err := r.db.GetContext(ctx, &walletID, `SELECT id FROM wallets WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []Transaction{}, nil
		}
		return nil, err
	}

	var txs []Transaction
	err = r.db.SelectContext(ctx, &txs, `
		SELECT id, wallet_id, type, status, amount_cents, idempotency_key, booking_id, package_id, note, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}

	return txs, nil
}
