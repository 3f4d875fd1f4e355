package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/money"
)

const logColumns = `id, status, wallets_checked, discrepancies, details, error_message,
	resolved, resolved_by, resolution_note, resolved_at, created_at`

type walletSnapshot struct {
	ID           string      `db:"id"`
	UserID       string      `db:"user_id"`
	BalanceCents money.Cents `db:"balance_cents"`
}

type settledRow struct {
	WalletID    string      `db:"wallet_id"`
	Type        string      `db:"type"`
	AmountCents money.Cents `db:"amount_cents"`
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SnapshotWalletsTx reads every wallet inside the audit's repeatable-read
// transaction so balances and transaction sums come from the same snapshot.
func (r *Repository) SnapshotWalletsTx(ctx context.Context, tx *sqlx.Tx) ([]walletSnapshot, error) {
	var out []walletSnapshot
	err := tx.SelectContext(ctx, &out,
		`SELECT id, user_id, balance_cents FROM wallets ORDER BY id`)
	return out, err
}

// SettledTransactionsTx streams every APPROVED or PAID transaction in the same
// snapshot. REJECTED and PENDING rows never count toward the balance.
func (r *Repository) SettledTransactionsTx(ctx context.Context, tx *sqlx.Tx) ([]settledRow, error) {
	var out []settledRow
	err := tx.SelectContext(ctx, &out, `
		SELECT wallet_id, type, amount_cents
		FROM wallet_transactions
		WHERE status IN ('APPROVED', 'PAID')
	`)
	return out, err
}

func (r *Repository) InsertLog(ctx context.Context, status RunStatus, checked, found int, details []byte, errMsg *string) (*Log, error) {
	l := &Log{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO ledger_audit_logs (status, wallets_checked, discrepancies, details, error_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+logColumns,
		status, checked, found, details, errMsg,
	).StructScan(l)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *Repository) GetLog(ctx context.Context, id string) (*Log, error) {
	l := &Log{}
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+logColumns+` FROM ledger_audit_logs WHERE id = $1`, id,
	).StructScan(l)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuditLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Resolve is conditional on the log being unresolved; a second resolution
// attempt reports a conflict instead of overwriting the first reviewer's note.
func (r *Repository) Resolve(ctx context.Context, id, resolvedBy, note string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_audit_logs
		SET resolved = TRUE, resolved_by = $1, resolution_note = $2, resolved_at = $3
		WHERE id = $4 AND resolved = FALSE
	`, resolvedBy, note, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) ListLogs(ctx context.Context, limit, offset int) ([]Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []Log
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+logColumns+` FROM ledger_audit_logs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	return out, err
}
