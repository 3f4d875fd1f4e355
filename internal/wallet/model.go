package wallet

import (
	"time"

	"tutorpay/internal/money"
)

type TxType string

const (
	TxDeposit         TxType = "DEPOSIT"
	TxWithdrawal      TxType = "WITHDRAWAL"
	TxBookingCharge   TxType = "BOOKING_CHARGE"
	TxBookingRefund   TxType = "BOOKING_REFUND"
	TxTeacherPayout   TxType = "TEACHER_PAYOUT"
	TxPackagePurchase TxType = "PACKAGE_PURCHASE"
)

type TxStatus string

const (
	StatusPending  TxStatus = "PENDING"
	StatusApproved TxStatus = "APPROVED"
	StatusRejected TxStatus = "REJECTED"
	StatusPaid     TxStatus = "PAID"
)

// Credits reports whether a settled transaction of this type increases the
// wallet's available balance. The audit job relies on this being the single
// source of truth for transaction direction.
func (t TxType) Credits() bool {
	switch t {
	case TxDeposit, TxBookingRefund, TxTeacherPayout:
		return true
	default:
		return false
	}
}

// Wallet is the materialized balance cache over the transaction log.
// BalanceCents is spendable; PendingCents is escrow held for bookings that
// have been paid but not yet confirmed.
type Wallet struct {
	ID           string      `db:"id" json:"id"`
	UserID       string      `db:"user_id" json:"user_id"`
	BalanceCents money.Cents `db:"balance_cents" json:"balance_cents"`
	PendingCents money.Cents `db:"pending_cents" json:"pending_cents"`
	Currency     string      `db:"currency" json:"currency"`
	Version      int64       `db:"version" json:"version"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger entry. Amounts are always positive; the
// direction comes from Type. Status is the only mutable field (PENDING rows
// settle to APPROVED/REJECTED, held charges finalize to PAID).
type Transaction struct {
	ID             string      `db:"id" json:"id"`
	WalletID       string      `db:"wallet_id" json:"wallet_id"`
	Type           TxType      `db:"type" json:"type"`
	Status         TxStatus    `db:"status" json:"status"`
	AmountCents    money.Cents `db:"amount_cents" json:"amount_cents"`
	IdempotencyKey *string     `db:"idempotency_key" json:"idempotency_key,omitempty"`
	BookingID      *string     `db:"booking_id" json:"booking_id,omitempty"`
	PackageID      *string     `db:"package_id" json:"package_id,omitempty"`
	Note           string      `db:"note" json:"note"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Ref carries optional references attached to a ledger entry.
type Ref struct {
	BookingID *string
	PackageID *string
	Note      string
}
