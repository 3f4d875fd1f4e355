package booking

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/money"
)

type Repository interface {
	Create(ctx context.Context, in CreateInput) (*Booking, error)
	GetByID(ctx context.Context, id string) (*Booking, error)
	GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*Booking, error)
	TransitionTx(ctx context.Context, tx *sqlx.Tx, id string, from, to Status) (bool, error)
	SetPaymentDeadlineTx(ctx context.Context, tx *sqlx.Tx, id string, deadline time.Time) error
	MarkPaidTx(ctx context.Context, tx *sqlx.Tx, id string, packageID *string, price money.Cents) (bool, error)
	MarkDeliveredTx(ctx context.Context, tx *sqlx.Tx, id string, deliveredAt, autoConfirmAt time.Time) (bool, error)
	CompleteTx(ctx context.Context, tx *sqlx.Tx, id string) (bool, error)
	CancelTx(ctx context.Context, tx *sqlx.Tx, id string, from, to Status, by Role, reason string, refund, comp money.Cents) (bool, error)
	SetDisputed(ctx context.Context, id string) (bool, error)
	ExpireUnpaid(ctx context.Context, now time.Time) ([]string, error)
	ListAutoConfirmable(ctx context.Context, now time.Time) ([]Booking, error)
	ListByGuardian(ctx context.Context, guardianID string, limit, offset int) ([]Booking, error)
}
