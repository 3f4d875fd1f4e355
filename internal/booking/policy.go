package booking

import (
	"math"
	"time"

	"tutorpay/internal/money"
)

// policyTerms defines, per cancellation policy, how many hours before the
// session start the free-cancellation window closes and what percentage of the
// price the guardian gets back when cancelling inside the window. Teacher
// compensation is always the exact complement of the refund, so
// refund + compensation == price.
type policyTerms struct {
	WindowHours     int
	InsideRefundPct int
}

var policyTable = map[CancellationPolicy]policyTerms{
	PolicyFlexible: {WindowHours: 48, InsideRefundPct: 50},
	PolicyModerate: {WindowHours: 24, InsideRefundPct: 50},
	PolicyStrict:   {WindowHours: 12, InsideRefundPct: 50},
}

// graceWindow after booking creation during which cancellation is always free.
const graceWindow = time.Hour

type EstimateInput struct {
	Status     Status
	PriceCents money.Cents
	Policy     CancellationPolicy
	Initiator  Role
	CreatedAt  time.Time
	StartTime  time.Time
	Disputed   bool
	Now        time.Time
}

type Estimate struct {
	CanCancel        bool        `json:"can_cancel"`
	Reason           string      `json:"reason,omitempty"`
	RefundPercent    int         `json:"refund_percent"`
	RefundCents      money.Cents `json:"refund_cents"`
	TeacherCompCents money.Cents `json:"teacher_comp_cents"`
	HoursRemaining   float64     `json:"hours_remaining"`
}

// EstimateCancellation is a pure function of booking state and timing. Callers
// use it both for the dry-run endpoint and to execute the settlement.
func EstimateCancellation(in EstimateInput) Estimate {
	hoursRemaining := math.Max(0, in.StartTime.Sub(in.Now).Hours())
	hoursRemaining = math.Round(hoursRemaining*10) / 10

	if in.Status.Terminal() {
		return Estimate{CanCancel: false, Reason: "booking is already finalized", HoursRemaining: hoursRemaining}
	}

	// Nothing was charged yet; cancellation moves no money.
	if !in.Status.Paid() {
		return Estimate{CanCancel: true, RefundPercent: 100, HoursRemaining: hoursRemaining}
	}

	full := Estimate{
		CanCancel:      true,
		RefundPercent:  100,
		RefundCents:    in.PriceCents,
		HoursRemaining: hoursRemaining,
	}

	// Teacher or admin cancellation always refunds the guardian in full.
	if in.Initiator == RoleTeacher || in.Initiator == RoleAdmin {
		return full
	}

	// Grace period right after booking.
	if in.Now.Sub(in.CreatedAt) < graceWindow {
		return full
	}

	// No-show: the session started, nobody confirmed, nobody disputed.
	if hoursRemaining == 0 && in.Now.After(in.StartTime) && !in.Disputed {
		return Estimate{
			CanCancel:        true,
			Reason:           "session time passed without confirmation",
			RefundPercent:    0,
			RefundCents:      0,
			TeacherCompCents: in.PriceCents,
			HoursRemaining:   0,
		}
	}

	terms, ok := policyTable[in.Policy]
	if !ok {
		terms = policyTable[PolicyModerate]
	}

	if hoursRemaining > float64(terms.WindowHours) {
		return full
	}

	refund := money.Percent(in.PriceCents, terms.InsideRefundPct)
	return Estimate{
		CanCancel:        true,
		RefundPercent:    terms.InsideRefundPct,
		RefundCents:      refund,
		TeacherCompCents: in.PriceCents - refund,
		HoursRemaining:   hoursRemaining,
	}
}
