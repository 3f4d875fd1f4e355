package pack

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"tutorpay/internal/logger"
	"tutorpay/internal/metrics"
	"tutorpay/internal/money"
	"tutorpay/internal/wallet"
)

// Ledger is the subset of wallet operations the package engine drives. All of
// them take the caller's transaction so a purchase or release commits together
// with the booking transition that triggered it.
type Ledger interface {
	HoldTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
	CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, status wallet.TxStatus, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
	ReleasePendingTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, chargeIdemKey string) error
	RefundPendingTx(ctx context.Context, tx *sqlx.Tx, userID string, held, refund money.Cents, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
}

type PurchaseInput struct {
	PayerID      string
	TeacherID    string
	Subject      string
	TierID       string
	PricePerHour money.Cents
	// IdemKey is derived from the booking that carried the purchase intent,
	// so a retried pay call resolves to the same package.
	IdemKey string
}

// Engine owns StudentPackage bookkeeping: purchase, redemption, per-session
// escrow release and expiry.
type Engine struct {
	repo    *Repository
	ledger  Ledger
	feeRate decimal.Decimal
	now     func() time.Time
}

func NewEngine(repo *Repository, ledger Ledger, feeRate decimal.Decimal) *Engine {
	return &Engine{repo: repo, ledger: ledger, feeRate: feeRate, now: time.Now}
}

// PurchaseTx debits the payer once for the whole package and creates the
// StudentPackage. Retries with the same key return the originally created
// package without touching the wallet again.
func (e *Engine) PurchaseTx(ctx context.Context, tx *sqlx.Tx, in PurchaseInput) (*StudentPackage, error) {
	if existing, err := e.repo.FindByPurchaseKeyTx(ctx, tx, in.IdemKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tier, err := e.repo.GetTier(ctx, in.TierID)
	if err != nil {
		return nil, err
	}

	sessionPrice := money.DiscountedPrice(in.PricePerHour, tier.DiscountPercent)
	total := sessionPrice * money.Cents(tier.SessionCount)

	recurring := int(decimal.NewFromInt(int64(tier.SessionCount)).Mul(tier.RecurringRatio).Round(0).IntPart())
	if recurring > tier.SessionCount {
		recurring = tier.SessionCount
	}

	pkgRef := wallet.Ref{Note: fmt.Sprintf("package purchase, tier %s", tier.Name)}
	_, applied, err := e.ledger.HoldTx(ctx, tx, in.PayerID, total, wallet.TxPackagePurchase, in.IdemKey, pkgRef)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent purchase with the same key committed while this one
		// waited on the wallet lock: the hold was suppressed, so the package
		// row must exist now. Return it instead of double-inserting.
		existing, err := e.repo.FindByPurchaseKeyTx(ctx, tx, in.IdemKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("purchase %s already debited but package row is missing", in.IdemKey)
		}
		return existing, nil
	}

	created, err := e.repo.InsertPackageTx(ctx, tx, &StudentPackage{
		PayerID:           in.PayerID,
		TeacherID:         in.TeacherID,
		Subject:           in.Subject,
		TierID:            tier.ID,
		SessionCount:      tier.SessionCount,
		RecurringCount:    recurring,
		FloatingCount:     tier.SessionCount - recurring,
		SessionPriceCents: sessionPrice,
		TotalPaidCents:    total,
		PurchaseKey:       in.IdemKey,
		ExpiresAt:         e.now().Add(time.Duration(tier.ValidityDays) * 24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	metrics.PackagePurchasesTotal.Inc()
	return created, nil
}

// RedeemTx consumes exactly one entitled session for the booking. A booking
// that already redeemed (against any package) is a no-op returning the
// existing redemption; later status transitions never touch sessions_used.
func (e *Engine) RedeemTx(ctx context.Context, tx *sqlx.Tx, packageID, bookingID string) (*Redemption, error) {
	if existing, err := e.repo.GetRedemptionByBookingTx(ctx, tx, bookingID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	pkg, err := e.repo.GetPackageForUpdateTx(ctx, tx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != PackageActive {
		return nil, ErrPackageInactive
	}
	if e.now().After(pkg.ExpiresAt) {
		return nil, ErrPackageExpired
	}
	if pkg.SessionsUsed >= pkg.SessionCount {
		return nil, ErrPackageExhausted
	}

	consumed, err := e.repo.ConsumeSessionTx(ctx, tx, packageID, e.now())
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Lost a race despite the row lock; treat as exhausted.
		return nil, ErrPackageExhausted
	}

	red, err := e.repo.InsertRedemptionTx(ctx, tx, packageID, bookingID)
	if err != nil {
		return nil, err
	}

	metrics.PackageRedemptionsTotal.Inc()
	return red, nil
}

// ReleaseTx settles one redeemed session on booking completion: the payer's
// escrow drops by the session price and the teacher is credited the session
// price minus the platform fee. The last release pays out whatever escrow
// remains so the releases sum exactly to the purchase debit.
func (e *Engine) ReleaseTx(ctx context.Context, tx *sqlx.Tx, bookingID, idemKey string) error {
	red, err := e.repo.GetRedemptionByBookingTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if red == nil {
		return ErrNoRedemption
	}
	if red.Status != RedemptionReserved {
		// Already released or cancelled; safe retry.
		return nil
	}

	pkg, err := e.repo.GetPackageForUpdateTx(ctx, tx, red.PackageID)
	if err != nil {
		return err
	}

	// sessions_used was already incremented at redemption time.
	last := pkg.SessionsUsed >= pkg.SessionCount
	amount := pkg.SessionPriceCents
	if last {
		amount = pkg.EscrowRemainingCents
	}

	chargeKey := ""
	if last {
		chargeKey = pkg.PurchaseKey
	}
	if err := e.ledger.ReleasePendingTx(ctx, tx, pkg.PayerID, amount, chargeKey); err != nil {
		return err
	}

	teacherShare := money.Share(amount, e.feeRate)
	bid := bookingID
	pid := pkg.ID
	if _, _, err := e.ledger.CreditTx(ctx, tx, pkg.TeacherID, teacherShare, wallet.TxTeacherPayout, wallet.StatusPaid, idemKey, wallet.Ref{
		BookingID: &bid,
		PackageID: &pid,
		Note:      "package session payout",
	}); err != nil {
		return err
	}

	if _, err := e.repo.DrainEscrowTx(ctx, tx, pkg.ID, amount); err != nil {
		return err
	}

	now := e.now()
	if _, err := e.repo.SetRedemptionStatusTx(ctx, tx, red.ID, RedemptionReserved, RedemptionReleased, &now); err != nil {
		return err
	}

	metrics.EscrowReleasesTotal.Inc()
	return nil
}

// CancelRedemptionTx settles a cancelled package session. The entitlement
// stays consumed (sessions_used is never decremented once a session carried
// money), and the session price leaves escrow split between guardian refund
// and teacher compensation per the policy estimate.
func (e *Engine) CancelRedemptionTx(ctx context.Context, tx *sqlx.Tx, bookingID string, refund, comp money.Cents) error {
	red, err := e.repo.GetRedemptionByBookingTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if red == nil {
		return ErrNoRedemption
	}
	if red.Status != RedemptionReserved {
		return nil
	}

	pkg, err := e.repo.GetPackageForUpdateTx(ctx, tx, red.PackageID)
	if err != nil {
		return err
	}

	amount := pkg.SessionPriceCents
	if refund+comp != amount {
		return fmt.Errorf("cancellation split %d+%d does not conserve session price %d", refund, comp, amount)
	}

	bid := bookingID
	pid := pkg.ID
	if _, _, err := e.ledger.RefundPendingTx(ctx, tx, pkg.PayerID, amount, refund, "cancel:"+bookingID, wallet.Ref{
		BookingID: &bid,
		PackageID: &pid,
		Note:      "package session cancellation refund",
	}); err != nil {
		return err
	}

	if comp > 0 {
		if _, _, err := e.ledger.CreditTx(ctx, tx, pkg.TeacherID, comp, wallet.TxTeacherPayout, wallet.StatusPaid, "cancelcomp:"+bookingID, wallet.Ref{
			BookingID: &bid,
			PackageID: &pid,
			Note:      "package session cancellation compensation",
		}); err != nil {
			return err
		}
	}

	if _, err := e.repo.DrainEscrowTx(ctx, tx, pkg.ID, amount); err != nil {
		return err
	}

	if _, err := e.repo.SetRedemptionStatusTx(ctx, tx, red.ID, RedemptionReserved, RedemptionCancelled, nil); err != nil {
		return err
	}
	return nil
}

func (e *Engine) GetPackage(ctx context.Context, id string) (*StudentPackage, error) {
	return e.repo.GetPackage(ctx, id)
}

// GetPackageForUpdateTx locks the package row for callers that pair a
// redemption with their own writes in the same transaction.
func (e *Engine) GetPackageForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*StudentPackage, error) {
	return e.repo.GetPackageForUpdateTx(ctx, tx, id)
}

func (e *Engine) ListFlagged(ctx context.Context) ([]StudentPackage, error) {
	return e.repo.ListFlagged(ctx)
}

// ExpireSweep deactivates packages past their validity window. Unused floating
// sessions are flagged for admin review, never refunded automatically.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := e.repo.ExpireActive(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, p := range expired {
		if p.FlaggedForReview {
			logger.Warn("package expired with unused sessions, flagged for review",
				"package_id", p.ID,
				"sessions_used", p.SessionsUsed,
				"session_count", p.SessionCount,
				"escrow_remaining_cents", int64(p.EscrowRemainingCents))
		}
	}
	return len(expired), nil
}
