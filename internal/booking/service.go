package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"tutorpay/internal/db"
	"tutorpay/internal/logger"
	"tutorpay/internal/metrics"
	"tutorpay/internal/money"
	"tutorpay/internal/pack"
	"tutorpay/internal/wallet"
)

var (
	ErrNotYourBooking         = errors.New("booking belongs to another user")
	ErrNotYourPackage         = errors.New("package belongs to another user")
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")

	// errConcurrentTransition aborts the transaction when the conditional
	// status write finds the booking already moved; the caller re-reads and
	// usually reports idempotent success.
	errConcurrentTransition = errors.New("booking status changed by another operation")
)

// WalletLedger is the wallet surface the booking flows drive inside their own
// transaction.
type WalletLedger interface {
	HoldTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
	CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, typ wallet.TxType, status wallet.TxStatus, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
	ReleasePendingTx(ctx context.Context, tx *sqlx.Tx, userID string, amount money.Cents, chargeIdemKey string) error
	RefundPendingTx(ctx context.Context, tx *sqlx.Tx, userID string, held, refund money.Cents, idemKey string, ref wallet.Ref) (*wallet.Transaction, bool, error)
}

// PackageEngine is the package surface used when a booking carries a tier
// intent or redeems against a package.
type PackageEngine interface {
	GetPackage(ctx context.Context, id string) (*pack.StudentPackage, error)
	GetPackageForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*pack.StudentPackage, error)
	PurchaseTx(ctx context.Context, tx *sqlx.Tx, in pack.PurchaseInput) (*pack.StudentPackage, error)
	RedeemTx(ctx context.Context, tx *sqlx.Tx, packageID, bookingID string) (*pack.Redemption, error)
	ReleaseTx(ctx context.Context, tx *sqlx.Tx, bookingID, idemKey string) error
	CancelRedemptionTx(ctx context.Context, tx *sqlx.Tx, bookingID string, refund, comp money.Cents) error
}

// Notifier delivers user-facing notifications asynchronously; dedupe keys keep
// retried transitions from double-notifying.
type Notifier interface {
	Notify(ctx context.Context, userID, notifType, message, dedupeKey string) error
}

type Service interface {
	Create(ctx context.Context, in CreateInput) (*Booking, error)
	Get(ctx context.Context, id string) (*Booking, error)
	ListByGuardian(ctx context.Context, guardianID string, limit, offset int) ([]Booking, error)
	Approve(ctx context.Context, teacherID, bookingID string) (*Booking, error)
	Reject(ctx context.Context, teacherID, bookingID string) (*Booking, error)
	Pay(ctx context.Context, guardianID, bookingID string) (*Booking, error)
	MarkDelivered(ctx context.Context, teacherID, bookingID string) (*Booking, error)
	Confirm(ctx context.Context, guardianID, bookingID string) (*Booking, error)
	Cancel(ctx context.Context, userID string, role Role, bookingID, reason string) (*Booking, error)
	CancelEstimate(ctx context.Context, userID string, role Role, bookingID string) (*Estimate, error)
	Dispute(ctx context.Context, guardianID, bookingID string) error
	ExpireUnpaid(ctx context.Context) (int, error)
	AutoConfirmDue(ctx context.Context) (int, error)
}

type service struct {
	db      *sqlx.DB
	repo    Repository
	wallets WalletLedger
	packs   PackageEngine
	notify  Notifier

	feeRate          decimal.Decimal
	paymentDeadline  time.Duration
	autoConfirmAfter time.Duration
	now              func() time.Time
}

func NewService(
	database *sqlx.DB,
	repo Repository,
	wallets WalletLedger,
	packs PackageEngine,
	notifier Notifier,
	feeRate decimal.Decimal,
	paymentDeadline, autoConfirmAfter time.Duration,
) Service {
	return &service{
		db:               database,
		repo:             repo,
		wallets:          wallets,
		packs:            packs,
		notify:           notifier,
		feeRate:          feeRate,
		paymentDeadline:  paymentDeadline,
		autoConfirmAfter: autoConfirmAfter,
		now:              time.Now,
	}
}

func (s *service) Create(ctx context.Context, in CreateInput) (*Booking, error) {
	if in.PriceCents < 0 {
		return nil, errors.New("price must not be negative")
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, errors.New("end time must be after start time")
	}
	if in.Policy == "" {
		in.Policy = PolicyModerate
	}
	if in.PendingTierID != nil && in.PackageID != nil {
		return nil, errors.New("booking cannot carry both a tier intent and a package")
	}
	if in.PackageID != nil {
		sp, err := s.packs.GetPackage(ctx, *in.PackageID)
		if err != nil {
			return nil, err
		}
		if sp.PayerID != in.GuardianID || sp.TeacherID != in.TeacherID {
			return nil, ErrNotYourPackage
		}
	}
	return s.repo.Create(ctx, in)
}

func (s *service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) ListByGuardian(ctx context.Context, guardianID string, limit, offset int) ([]Booking, error) {
	return s.repo.ListByGuardian(ctx, guardianID, limit, offset)
}

func (s *service) Approve(ctx context.Context, teacherID, bookingID string) (*Booking, error) {
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		b, err := s.repo.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.TeacherID != teacherID {
			return ErrNotYourBooking
		}
		if b.Status == StatusWaitingForPayment {
			return nil // already approved
		}
		if err := ValidateTransition(b.Status, StatusWaitingForPayment); err != nil {
			return err
		}
		ok, err := s.repo.TransitionTx(ctx, tx, bookingID, b.Status, StatusWaitingForPayment)
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentTransition
		}
		return s.repo.SetPaymentDeadlineTx(ctx, tx, bookingID, s.now().Add(s.paymentDeadline))
	})
	if err != nil && !errors.Is(err, errConcurrentTransition) {
		return nil, err
	}
	return s.repo.GetByID(ctx, bookingID)
}

func (s *service) Reject(ctx context.Context, teacherID, bookingID string) (*Booking, error) {
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		b, err := s.repo.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.TeacherID != teacherID {
			return ErrNotYourBooking
		}
		if b.Status == StatusRejectedByTeacher {
			return nil
		}
		if err := ValidateTransition(b.Status, StatusRejectedByTeacher); err != nil {
			return err
		}
		ok, err := s.repo.TransitionTx(ctx, tx, bookingID, b.Status, StatusRejectedByTeacher)
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentTransition
		}
		return nil
	})
	if err != nil && !errors.Is(err, errConcurrentTransition) {
		return nil, err
	}
	return s.repo.GetByID(ctx, bookingID)
}

// Pay moves the booking from WAITING_FOR_PAYMENT to SCHEDULED together with
// its financial effect, all in one transaction. Re-invoking after a crash or
// timeout is safe: a booking that already advanced returns as-is, and the
// wallet debit carries an idempotency key derived from the booking id.
func (s *service) Pay(ctx context.Context, guardianID, bookingID string) (*Booking, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.GuardianID != guardianID {
		return nil, ErrNotYourBooking
	}
	if b.Status.Paid() {
		return b, nil
	}
	if b.Status != StatusWaitingForPayment {
		return nil, fmt.Errorf("%w: cannot pay from %s", ErrInvalidStateTransition, b.Status)
	}

	payMethod := "wallet"
	err = db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var (
			ok     bool
			txErr  error
			bookID = b.ID
		)

		if b.PendingTierID != nil {
			payMethod = "package"
			sp, err := s.packs.PurchaseTx(ctx, tx, pack.PurchaseInput{
				PayerID:      guardianID,
				TeacherID:    b.TeacherID,
				Subject:      b.Subject,
				TierID:       *b.PendingTierID,
				PricePerHour: b.PriceCents,
				IdemKey:      "pkg:" + b.ID,
			})
			if err != nil {
				return err
			}
			if _, err := s.packs.RedeemTx(ctx, tx, sp.ID, b.ID); err != nil {
				return err
			}
			ok, txErr = s.repo.MarkPaidTx(ctx, tx, b.ID, &sp.ID, sp.SessionPriceCents)
		} else if b.PackageID != nil {
			// Redeeming sessions 2..N of a previously purchased package:
			// the escrow was held at purchase time, so no wallet debit here.
			payMethod = "package"
			sp, err := s.packs.GetPackageForUpdateTx(ctx, tx, *b.PackageID)
			if err != nil {
				return err
			}
			if _, err := s.packs.RedeemTx(ctx, tx, sp.ID, b.ID); err != nil {
				return err
			}
			ok, txErr = s.repo.MarkPaidTx(ctx, tx, b.ID, &sp.ID, sp.SessionPriceCents)
		} else {
			if _, _, err := s.wallets.HoldTx(ctx, tx, guardianID, b.PriceCents, wallet.TxBookingCharge, "charge:"+b.ID, wallet.Ref{
				BookingID: &bookID,
				Note:      "booking payment hold",
			}); err != nil {
				return err
			}
			ok, txErr = s.repo.MarkPaidTx(ctx, tx, b.ID, nil, b.PriceCents)
		}
		if txErr != nil {
			return txErr
		}
		if !ok {
			return errConcurrentTransition
		}
		return nil
	})
	if errors.Is(err, errConcurrentTransition) {
		// The losing attempt observes the settled result.
		cur, gerr := s.repo.GetByID(ctx, bookingID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status.Paid() {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: cannot pay from %s", ErrInvalidStateTransition, cur.Status)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordPayment(payMethod)
	s.notifyQuietly(ctx, b.TeacherID, "PAYMENT_SUCCESS", "A new booking was confirmed.", "PAYMENT_SUCCESS:"+b.ID+":"+b.TeacherID)
	s.notifyQuietly(ctx, guardianID, "PAYMENT_SUCCESS", "Payment confirmed.", "PAYMENT_SUCCESS:"+b.ID+":"+guardianID)

	return s.repo.GetByID(ctx, bookingID)
}

// MarkDelivered records that the teacher held the session. Completion metadata
// only; no money moves until confirmation.
func (s *service) MarkDelivered(ctx context.Context, teacherID, bookingID string) (*Booking, error) {
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		b, err := s.repo.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.TeacherID != teacherID {
			return ErrNotYourBooking
		}
		if b.Status == StatusPendingConfirmation {
			return nil
		}
		if err := ValidateTransition(b.Status, StatusPendingConfirmation); err != nil {
			return err
		}
		now := s.now()
		ok, err := s.repo.MarkDeliveredTx(ctx, tx, bookingID, now, now.Add(s.autoConfirmAfter))
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentTransition
		}
		return nil
	})
	if err != nil && !errors.Is(err, errConcurrentTransition) {
		return nil, err
	}
	return s.repo.GetByID(ctx, bookingID)
}

func (s *service) Confirm(ctx context.Context, guardianID, bookingID string) (*Booking, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.GuardianID != guardianID {
		return nil, ErrNotYourBooking
	}
	return s.release(ctx, bookingID)
}

// release finalizes PENDING_CONFIRMATION → COMPLETED and pays the teacher
// price × (1 − feeRate) out of escrow. Shared by guardian confirmation and the
// auto-confirm sweep.
func (s *service) release(ctx context.Context, bookingID string) (*Booking, error) {
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		b, err := s.repo.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status == StatusCompleted {
			return nil // safe retry
		}
		if err := ValidateTransition(b.Status, StatusCompleted); err != nil {
			return err
		}

		if b.PackageID != nil {
			if err := s.packs.ReleaseTx(ctx, tx, b.ID, "release:"+b.ID); err != nil {
				return err
			}
		} else {
			if err := s.wallets.ReleasePendingTx(ctx, tx, b.GuardianID, b.PriceCents, "charge:"+b.ID); err != nil {
				return err
			}
			share := money.Share(b.PriceCents, s.feeRate)
			bookID := b.ID
			if _, _, err := s.wallets.CreditTx(ctx, tx, b.TeacherID, share, wallet.TxTeacherPayout, wallet.StatusPaid, "release:"+b.ID, wallet.Ref{
				BookingID: &bookID,
				Note:      "session payout",
			}); err != nil {
				return err
			}
			metrics.EscrowReleasesTotal.Inc()
		}

		ok, err := s.repo.CompleteTx(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentTransition
		}
		return nil
	})
	if err != nil && !errors.Is(err, errConcurrentTransition) {
		return nil, err
	}
	return s.repo.GetByID(ctx, bookingID)
}

func cancelStatusFor(role Role) Status {
	switch role {
	case RoleTeacher:
		return StatusCancelledByTeacher
	case RoleAdmin:
		return StatusCancelledByAdmin
	default:
		return StatusCancelledByParent
	}
}

// Cancel runs the refund policy and settles at most two wallet credits
// together with the status transition in one transaction. Cancelling an
// already-cancelled booking is an idempotent no-op.
func (s *service) Cancel(ctx context.Context, userID string, role Role, bookingID, reason string) (*Booking, error) {
	var (
		est     Estimate
		applied bool
	)

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		b, err := s.repo.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status.Cancelled() {
			return nil
		}
		if err := s.checkActor(b, userID, role); err != nil {
			return err
		}

		newStatus := cancelStatusFor(role)
		if err := ValidateTransition(b.Status, newStatus); err != nil {
			return err
		}

		est = EstimateCancellation(EstimateInput{
			Status:     b.Status,
			PriceCents: b.PriceCents,
			Policy:     b.Policy,
			Initiator:  role,
			CreatedAt:  b.CreatedAt,
			StartTime:  b.StartTime,
			Disputed:   b.Disputed,
			Now:        s.now(),
		})
		if !est.CanCancel {
			return fmt.Errorf("%w: %s", ErrCancellationNotAllowed, est.Reason)
		}

		if b.Status.Paid() && b.PriceCents > 0 {
			if b.PackageID != nil {
				if err := s.packs.CancelRedemptionTx(ctx, tx, b.ID, est.RefundCents, est.TeacherCompCents); err != nil {
					return err
				}
			} else {
				bookID := b.ID
				if _, _, err := s.wallets.RefundPendingTx(ctx, tx, b.GuardianID, b.PriceCents, est.RefundCents, "cancel:"+b.ID, wallet.Ref{
					BookingID: &bookID,
					Note:      "booking cancellation refund",
				}); err != nil {
					return err
				}
				if est.TeacherCompCents > 0 {
					if _, _, err := s.wallets.CreditTx(ctx, tx, b.TeacherID, est.TeacherCompCents, wallet.TxTeacherPayout, wallet.StatusPaid, "cancelcomp:"+b.ID, wallet.Ref{
						BookingID: &bookID,
						Note:      "booking cancellation compensation",
					}); err != nil {
						return err
					}
				}
			}
		}

		ok, err := s.repo.CancelTx(ctx, tx, b.ID, b.Status, newStatus, role, reason, est.RefundCents, est.TeacherCompCents)
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentTransition
		}
		applied = true
		return nil
	})
	if err != nil && !errors.Is(err, errConcurrentTransition) {
		return nil, err
	}

	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// No-op retry or concurrent loser: the settlement already happened,
		// so no metrics and no second notification.
		return b, nil
	}

	metrics.RecordCancellation(string(role))
	metrics.RefundCentsTotal.Add(float64(est.RefundCents))

	recipient := b.TeacherID
	if role == RoleTeacher {
		recipient = b.GuardianID
	}
	if role != RoleAdmin {
		s.notifyQuietly(ctx, recipient, "BOOKING_CANCELLED", "The booking was cancelled.", "BOOKING_CANCELLED:"+b.ID+":"+recipient)
	}
	return b, nil
}

// CancelEstimate is the dry-run of the policy engine; it never writes.
func (s *service) CancelEstimate(ctx context.Context, userID string, role Role, bookingID string) (*Estimate, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.checkActor(b, userID, role); err != nil {
		return nil, err
	}

	est := EstimateCancellation(EstimateInput{
		Status:     b.Status,
		PriceCents: b.PriceCents,
		Policy:     b.Policy,
		Initiator:  role,
		CreatedAt:  b.CreatedAt,
		StartTime:  b.StartTime,
		Disputed:   b.Disputed,
		Now:        s.now(),
	})
	return &est, nil
}

func (s *service) Dispute(ctx context.Context, guardianID, bookingID string) error {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.GuardianID != guardianID {
		return ErrNotYourBooking
	}
	ok, err := s.repo.SetDisputed(ctx, bookingID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot dispute from %s", ErrInvalidStateTransition, b.Status)
	}
	return nil
}

// ExpireUnpaid releases payment deadlines that lapsed. No wallet effect: an
// unpaid booking never debited anything.
func (s *service) ExpireUnpaid(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpireUnpaid(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		logger.Info("booking expired before payment", "booking_id", id)
	}
	return len(ids), nil
}

// AutoConfirmDue completes bookings whose confirmation window elapsed without
// a guardian response or dispute, releasing escrow through the same path as a
// manual confirmation.
func (s *service) AutoConfirmDue(ctx context.Context) (int, error) {
	due, err := s.repo.ListAutoConfirmable(ctx, s.now())
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, b := range due {
		if _, err := s.release(ctx, b.ID); err != nil {
			logger.Error("auto-confirm failed", "booking_id", b.ID, "error", err)
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

func (s *service) checkActor(b *Booking, userID string, role Role) error {
	switch role {
	case RoleGuardian:
		if b.GuardianID != userID {
			return ErrNotYourBooking
		}
	case RoleTeacher:
		if b.TeacherID != userID {
			return ErrNotYourBooking
		}
	case RoleAdmin:
		// admins act on any booking
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

func (s *service) notifyQuietly(ctx context.Context, userID, notifType, message, dedupeKey string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, userID, notifType, message, dedupeKey); err != nil {
		logger.Warn("notification enqueue failed", "type", notifType, "user_id", userID, "error", err)
	}
}
