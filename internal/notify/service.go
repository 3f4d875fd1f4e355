package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tutorpay/internal/logger"
	"tutorpay/internal/metrics"
)

const (
	queueKey     = "notifications"
	failedKey    = "notifications:failed"
	dedupePrefix = "notifications:seen:"
	dedupeTTL    = 24 * time.Hour
	maxTries     = 3
)

type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	DedupeKey string    `json:"dedupe_key,omitempty"`
	Tries     int       `json:"tries"`
	Created   time.Time `json:"created"`
}

// Service queues user notifications through a redis list; a worker goroutine
// drains it. Delivery here just persists the notification row, so a booking
// transition is never blocked on a downstream channel.
type Service struct {
	redis *redis.Client
	sink  Sink
}

// Sink is where a drained notification ends up (a notifications table, a push
// gateway). Implementations must tolerate redelivery.
type Sink interface {
	Deliver(ctx context.Context, job Job) error
}

func New(redisAddr string, sink Sink) *Service {
	return &Service{
		redis: redis.NewClient(&redis.Options{
			Addr: redisAddr,
		}),
		sink: sink,
	}
}

// Notify enqueues a notification. A non-empty dedupeKey suppresses repeats of
// the same event within the dedupe window, so retried booking operations do
// not double-notify.
func (s *Service) Notify(ctx context.Context, userID, notifType, message, dedupeKey string) error {
	if dedupeKey != "" {
		fresh, err := s.redis.SetNX(ctx, dedupePrefix+dedupeKey, 1, dedupeTTL).Result()
		if err != nil {
			logger.Warn("notification dedupe check failed", "key", dedupeKey, "error", err)
		} else if !fresh {
			return nil
		}
	}

	job := Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      notifType,
		Message:   message,
		DedupeKey: dedupeKey,
		Created:   time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := s.redis.LPush(ctx, queueKey, data).Err(); err != nil {
		logger.Error("failed to queue notification", "user_id", userID, "type", notifType, "error", err)
		return err
	}

	metrics.RecordNotification(notifType, "queued")
	return nil
}

func (s *Service) Start(ctx context.Context) {
	logger.Info("notification worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification worker stopped")
			return
		default:
			s.processNext(ctx)
		}
	}
}

func (s *Service) processNext(ctx context.Context) {
	result, err := s.redis.BRPop(ctx, 2*time.Second, queueKey).Result()
	if err != nil {
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		logger.Error("bad notification payload", "error", err)
		return
	}

	job.Tries++
	if err := s.sink.Deliver(ctx, job); err != nil {
		logger.Error("notification delivery failed", "job_id", job.ID, "user_id", job.UserID, "type", job.Type, "attempt", job.Tries, "error", err)

		if job.Tries < maxTries {
			data, _ := json.Marshal(job)
			s.redis.LPush(context.Background(), queueKey, data)
		} else {
			metrics.RecordNotification(job.Type, "failed")
			s.saveFailed(job)
		}
		return
	}

	metrics.RecordNotification(job.Type, "delivered")
	if n, err := s.redis.LLen(ctx, queueKey).Result(); err == nil {
		metrics.NotificationQueueLength.Set(float64(n))
	}
}

func (s *Service) saveFailed(job Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.LPush(ctx, failedKey, data).Err(); err != nil {
		logger.Error("failed to park dead notification", "user_id", job.UserID, "error", err)
	}
}

func (s *Service) Close() error {
	return s.redis.Close()
}
