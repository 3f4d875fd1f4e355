package booking

import (
	"context"
	"time"

	"tutorpay/internal/logger"
)

// Sweeper drives the time-based transitions: expiring unpaid bookings past
// their payment deadline and auto-confirming delivered sessions the guardian
// never responded to.
type Sweeper struct {
	service  Service
	interval time.Duration
}

func NewSweeper(service Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

// Start blocks until ctx is cancelled. Run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("booking sweeper started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("booking sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.service.ExpireUnpaid(ctx)
	if err != nil {
		logger.Error("unpaid booking sweep failed", "error", err)
	} else if expired > 0 {
		logger.Info("expired unpaid bookings", "count", expired)
	}

	confirmed, err := s.service.AutoConfirmDue(ctx)
	if err != nil {
		logger.Error("auto-confirm sweep failed", "error", err)
	} else if confirmed > 0 {
		logger.Info("auto-confirmed bookings", "count", confirmed)
	}
}
