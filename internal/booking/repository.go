package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/money"
)

var ErrBookingNotFound = errors.New("booking not found")

const bookingColumns = `id, guardian_id, teacher_id, subject, start_time, end_time, status, price_cents, policy,
	pending_tier_id, package_id, payment_deadline, delivered_at, auto_confirm_at,
	disputed, cancelled_by, cancel_reason, refund_cents, teacher_comp_cents, created_at, updated_at`

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, in CreateInput) (*Booking, error) {
	b := &Booking{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO bookings (guardian_id, teacher_id, subject, start_time, end_time, status, price_cents, policy, pending_tier_id, package_id)
		VALUES ($1, $2, $3, $4, $5, 'PENDING_TEACHER_APPROVAL', $6, $7, $8, $9)
		RETURNING `+bookingColumns,
		in.GuardianID, in.TeacherID, in.Subject, in.StartTime, in.EndTime,
		in.PriceCents, in.Policy, in.PendingTierID, in.PackageID,
	).StructScan(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*Booking, error) {
	b := &Booking{}
	err := r.db.GetContext(ctx, b, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*Booking, error) {
	b := &Booking{}
	err := tx.QueryRowxContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id,
	).StructScan(b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// TransitionTx performs the status write conditionally on the expected current
// status. A false return means another caller won the race.
func (r *repository) TransitionTx(ctx context.Context, tx *sqlx.Tx, id string, from, to Status) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) SetPaymentDeadlineTx(ctx context.Context, tx *sqlx.Tx, id string, deadline time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE bookings SET payment_deadline = $1, updated_at = NOW() WHERE id = $2`,
		deadline, id)
	return err
}

// MarkPaidTx flips WAITING_FOR_PAYMENT to SCHEDULED, consuming any pending
// tier intent and linking the redeemed package. For package bookings the price
// is rewritten to the discounted per-session price.
func (r *repository) MarkPaidTx(ctx context.Context, tx *sqlx.Tx, id string, packageID *string, price money.Cents) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'SCHEDULED', pending_tier_id = NULL, package_id = $1, price_cents = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'WAITING_FOR_PAYMENT'
	`, packageID, price, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) MarkDeliveredTx(ctx context.Context, tx *sqlx.Tx, id string, deliveredAt, autoConfirmAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'PENDING_CONFIRMATION', delivered_at = $1, auto_confirm_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'SCHEDULED'
	`, deliveredAt, autoConfirmAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) CompleteTx(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = 'COMPLETED', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING_CONFIRMATION'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) CancelTx(ctx context.Context, tx *sqlx.Tx, id string, from, to Status, by Role, reason string, refund, comp money.Cents) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = $1, cancelled_by = $2, cancel_reason = $3, refund_cents = $4, teacher_comp_cents = $5, updated_at = NOW()
		WHERE id = $6 AND status = $7
	`, to, by, reason, refund, comp, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) SetDisputed(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bookings SET disputed = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('SCHEDULED', 'PENDING_CONFIRMATION')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireUnpaid sweeps WAITING_FOR_PAYMENT bookings past their deadline. No
// wallet was touched for those, so there is nothing to release.
func (r *repository) ExpireUnpaid(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE bookings SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'WAITING_FOR_PAYMENT' AND payment_deadline IS NOT NULL AND payment_deadline < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListAutoConfirmable returns bookings whose confirmation window elapsed
// without a guardian response or dispute.
func (r *repository) ListAutoConfirmable(ctx context.Context, now time.Time) ([]Booking, error) {
	var bookings []Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'PENDING_CONFIRMATION' AND disputed = FALSE
		  AND auto_confirm_at IS NOT NULL AND auto_confirm_at <= $1
		ORDER BY auto_confirm_at
	`, now)
	if err != nil {
		return nil, err
	}
	return bookings, nil
}

func (r *repository) ListByGuardian(ctx context.Context, guardianID string, limit, offset int) ([]Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	var bookings []Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE guardian_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, guardianID, limit, offset)
	if err != nil {
		return nil, err
	}
	return bookings, nil
}
