package pack

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/money"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const tierColumns = `id, name, session_count, discount_percent, recurring_ratio, validity_days, active, created_at`

const packageColumns = `id, payer_id, teacher_id, subject, tier_id, session_count, sessions_used,
	recurring_count, floating_count, session_price_cents, total_paid_cents, escrow_remaining_cents,
	status, flagged_for_review, purchase_key, purchased_at, expires_at`

const redemptionColumns = `id, package_id, booking_id, status, created_at, released_at`

func (r *Repository) GetTier(ctx context.Context, id string) (*Tier, error) {
	t := &Tier{}
	err := r.db.GetContext(ctx, t, `SELECT `+tierColumns+` FROM package_tiers WHERE id = $1 AND active = TRUE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTierNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) GetPackage(ctx context.Context, id string) (*StudentPackage, error) {
	p := &StudentPackage{}
	err := r.db.GetContext(ctx, p, `SELECT `+packageColumns+` FROM student_packages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) GetPackageForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*StudentPackage, error) {
	p := &StudentPackage{}
	err := tx.QueryRowxContext(ctx,
		`SELECT `+packageColumns+` FROM student_packages WHERE id = $1 FOR UPDATE`, id,
	).StructScan(p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindByPurchaseKeyTx resolves an idempotent purchase retry to the package the
// first attempt created.
func (r *Repository) FindByPurchaseKeyTx(ctx context.Context, tx *sqlx.Tx, key string) (*StudentPackage, error) {
	p := &StudentPackage{}
	err := tx.QueryRowxContext(ctx,
		`SELECT `+packageColumns+` FROM student_packages WHERE purchase_key = $1`, key,
	).StructScan(p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) InsertPackageTx(ctx context.Context, tx *sqlx.Tx, p *StudentPackage) (*StudentPackage, error) {
	created := &StudentPackage{}
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO student_packages (payer_id, teacher_id, subject, tier_id, session_count, sessions_used,
			recurring_count, floating_count, session_price_cents, total_paid_cents, escrow_remaining_cents,
			status, purchase_key, expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9, 'ACTIVE', $10, $11)
		RETURNING `+packageColumns,
		p.PayerID, p.TeacherID, p.Subject, p.TierID, p.SessionCount,
		p.RecurringCount, p.FloatingCount, p.SessionPriceCents, p.TotalPaidCents,
		p.PurchaseKey, p.ExpiresAt,
	).StructScan(created)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *Repository) GetRedemptionByBookingTx(ctx context.Context, tx *sqlx.Tx, bookingID string) (*Redemption, error) {
	red := &Redemption{}
	err := tx.QueryRowxContext(ctx,
		`SELECT `+redemptionColumns+` FROM package_redemptions WHERE booking_id = $1`, bookingID,
	).StructScan(red)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return red, nil
}

// ConsumeSessionTx increments sessions_used only while entitlement remains and
// the package is still usable. Zero rows updated means the package was
// exhausted or deactivated by a concurrent caller.
func (r *Repository) ConsumeSessionTx(ctx context.Context, tx *sqlx.Tx, packageID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE student_packages
		SET sessions_used = sessions_used + 1
		WHERE id = $1 AND sessions_used < session_count AND status = 'ACTIVE' AND expires_at > $2
	`, packageID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) InsertRedemptionTx(ctx context.Context, tx *sqlx.Tx, packageID, bookingID string) (*Redemption, error) {
	red := &Redemption{}
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO package_redemptions (package_id, booking_id, status)
		VALUES ($1, $2, 'RESERVED')
		RETURNING `+redemptionColumns,
		packageID, bookingID,
	).StructScan(red)
	if err != nil {
		return nil, err
	}
	return red, nil
}

func (r *Repository) SetRedemptionStatusTx(ctx context.Context, tx *sqlx.Tx, id string, from, to RedemptionStatus, releasedAt *time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE package_redemptions SET status = $1, released_at = $2
		WHERE id = $3 AND status = $4
	`, to, releasedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DrainEscrowTx reduces the package escrow and finalizes the package when the
// escrow reaches zero.
func (r *Repository) DrainEscrowTx(ctx context.Context, tx *sqlx.Tx, packageID string, amount money.Cents) (money.Cents, error) {
	var remaining money.Cents
	err := tx.QueryRowxContext(ctx, `
		UPDATE student_packages
		SET escrow_remaining_cents = escrow_remaining_cents - $1,
		    status = CASE WHEN escrow_remaining_cents - $1 <= 0 THEN 'COMPLETED' ELSE status END
		WHERE id = $2 AND escrow_remaining_cents >= $1
		RETURNING escrow_remaining_cents
	`, amount, packageID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrPackageInactive
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// ExpireActive marks ACTIVE packages past expiry and flags those with unused
// sessions for admin review instead of silently dropping them.
func (r *Repository) ExpireActive(ctx context.Context, now time.Time) ([]StudentPackage, error) {
	var expired []StudentPackage
	err := r.db.SelectContext(ctx, &expired, `
		UPDATE student_packages
		SET status = 'EXPIRED', flagged_for_review = (sessions_used < session_count)
		WHERE status = 'ACTIVE' AND expires_at <= $1
		RETURNING `+packageColumns,
		now)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *Repository) ListFlagged(ctx context.Context) ([]StudentPackage, error) {
	var flagged []StudentPackage
	err := r.db.SelectContext(ctx, &flagged, `
		SELECT `+packageColumns+`
		FROM student_packages
		WHERE flagged_for_review = TRUE
		ORDER BY expires_at
	`)
	if err != nil {
		return nil, err
	}
	return flagged, nil
}
