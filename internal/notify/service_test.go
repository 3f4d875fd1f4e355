package notify

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"tutorpay/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func newMockService(rdb *redis.Client) *Service {
	return &Service{redis: rdb, sink: noopSink{}}
}

type noopSink struct{}

func (noopSink) Deliver(ctx context.Context, job Job) error { return nil }

func TestNotify_Enqueues(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()

	mock.Regexp().ExpectSetNX(dedupePrefix+"PAYMENT_SUCCESS:b1:u1", `.*`, dedupeTTL).SetVal(true)
	mock.Regexp().ExpectLPush(queueKey, `.*`).SetVal(1)

	svc := newMockService(db)

	err := svc.Notify(ctx, "u1", "PAYMENT_SUCCESS", "Payment confirmed.", "PAYMENT_SUCCESS:b1:u1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_DuplicateSuppressed(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()

	// Dedupe key already set: nothing gets pushed.
	mock.Regexp().ExpectSetNX(dedupePrefix+"PAYMENT_SUCCESS:b1:u1", `.*`, dedupeTTL).SetVal(false)

	svc := newMockService(db)

	err := svc.Notify(ctx, "u1", "PAYMENT_SUCCESS", "Payment confirmed.", "PAYMENT_SUCCESS:b1:u1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_NoDedupeKeySkipsCheck(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()

	mock.Regexp().ExpectLPush(queueKey, `.*`).SetVal(1)

	svc := newMockService(db)

	err := svc.Notify(ctx, "u1", "GENERIC", "hello", "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
