package pack

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tutorpay/internal/money"
)

var (
	ErrTierNotFound     = errors.New("package tier not found")
	ErrPackageNotFound  = errors.New("package not found")
	ErrPackageInactive  = errors.New("package is not active")
	ErrPackageExpired   = errors.New("package has expired")
	ErrPackageExhausted = errors.New("all sessions in this package have been used")
	ErrNoRedemption     = errors.New("no redemption found for this booking")
)

// Tier is a catalog entry managed by admins; the ledger engine reads it only.
type Tier struct {
	ID              string          `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	SessionCount    int             `db:"session_count" json:"session_count"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	// RecurringRatio splits entitled sessions into auto-scheduled weekly
	// (recurring) and guardian-scheduled ad hoc (floating) sessions.
	RecurringRatio decimal.Decimal `db:"recurring_ratio" json:"recurring_ratio"`
	ValidityDays   int             `db:"validity_days" json:"validity_days"`
	Active         bool            `db:"active" json:"active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

type PackageStatus string

const (
	PackageActive    PackageStatus = "ACTIVE"
	PackageCompleted PackageStatus = "COMPLETED"
	PackageExpired   PackageStatus = "EXPIRED"
	PackageCancelled PackageStatus = "CANCELLED"
)

type StudentPackage struct {
	ID           string `db:"id" json:"id"`
	PayerID      string `db:"payer_id" json:"payer_id"`
	TeacherID    string `db:"teacher_id" json:"teacher_id"`
	Subject      string `db:"subject" json:"subject"`
	TierID       string `db:"tier_id" json:"tier_id"`
	SessionCount int    `db:"session_count" json:"session_count"`
	SessionsUsed int    `db:"sessions_used" json:"sessions_used"`

	RecurringCount int `db:"recurring_count" json:"recurring_count"`
	FloatingCount  int `db:"floating_count" json:"floating_count"`

	// SessionPriceCents is the discounted per-session price; the purchase
	// debit equals SessionPriceCents × SessionCount except that the last
	// release absorbs any escrow remainder, so releases sum to TotalPaidCents
	// exactly.
	SessionPriceCents    money.Cents `db:"session_price_cents" json:"session_price_cents"`
	TotalPaidCents       money.Cents `db:"total_paid_cents" json:"total_paid_cents"`
	EscrowRemainingCents money.Cents `db:"escrow_remaining_cents" json:"escrow_remaining_cents"`

	Status           PackageStatus `db:"status" json:"status"`
	FlaggedForReview bool          `db:"flagged_for_review" json:"flagged_for_review"`
	PurchaseKey      string        `db:"purchase_key" json:"-"`

	PurchasedAt time.Time `db:"purchased_at" json:"purchased_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

type RedemptionStatus string

const (
	RedemptionReserved  RedemptionStatus = "RESERVED"
	RedemptionReleased  RedemptionStatus = "RELEASED"
	RedemptionCancelled RedemptionStatus = "CANCELLED"
)

// Redemption ties one entitled session to one booking. The unique constraint
// on booking_id is the guard that keeps a booking from consuming more than one
// session no matter how many times its transitions are retried.
type Redemption struct {
	ID         string           `db:"id" json:"id"`
	PackageID  string           `db:"package_id" json:"package_id"`
	BookingID  string           `db:"booking_id" json:"booking_id"`
	Status     RedemptionStatus `db:"status" json:"status"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	ReleasedAt *time.Time       `db:"released_at" json:"released_at,omitempty"`
}
