package booking

import (
	"time"

	"tutorpay/internal/money"
)

type Role string

const (
	RoleGuardian Role = "GUARDIAN"
	RoleTeacher  Role = "TEACHER"
	RoleAdmin    Role = "ADMIN"
)

// CancellationPolicy is the teacher's declared policy tier. It selects the
// free-cancellation window and the inside-window refund split.
type CancellationPolicy string

const (
	PolicyFlexible CancellationPolicy = "FLEXIBLE"
	PolicyModerate CancellationPolicy = "MODERATE"
	PolicyStrict   CancellationPolicy = "STRICT"
)

type Booking struct {
	ID         string             `db:"id" json:"id"`
	GuardianID string             `db:"guardian_id" json:"guardian_id"`
	TeacherID  string             `db:"teacher_id" json:"teacher_id"`
	Subject    string             `db:"subject" json:"subject"`
	StartTime  time.Time          `db:"start_time" json:"start_time"`
	EndTime    time.Time          `db:"end_time" json:"end_time"`
	Status     Status             `db:"status" json:"status"`
	PriceCents money.Cents        `db:"price_cents" json:"price_cents"`
	Policy     CancellationPolicy `db:"policy" json:"policy"`

	// PendingTierID marks a package purchase intent; it is consumed on pay.
	// PackageID links the booking to the package it redeemed against.
	PendingTierID *string `db:"pending_tier_id" json:"pending_tier_id,omitempty"`
	PackageID     *string `db:"package_id" json:"package_id,omitempty"`

	PaymentDeadline *time.Time `db:"payment_deadline" json:"payment_deadline,omitempty"`
	DeliveredAt     *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	AutoConfirmAt   *time.Time `db:"auto_confirm_at" json:"auto_confirm_at,omitempty"`

	Disputed         bool        `db:"disputed" json:"disputed"`
	CancelledBy      *string     `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelReason     *string     `db:"cancel_reason" json:"cancel_reason,omitempty"`
	RefundCents      money.Cents `db:"refund_cents" json:"refund_cents"`
	TeacherCompCents money.Cents `db:"teacher_comp_cents" json:"teacher_comp_cents"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CreateInput is the intake produced by the scheduling subsystem. At most one
// of PendingTierID (buy a new package on pay) and PackageID (redeem a session
// from an already purchased package) may be set.
type CreateInput struct {
	GuardianID    string
	TeacherID     string
	Subject       string
	StartTime     time.Time
	EndTime       time.Time
	PriceCents    money.Cents
	Policy        CancellationPolicy
	PendingTierID *string
	PackageID     *string
}
