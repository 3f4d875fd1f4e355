package notify

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// DBSink persists notifications to the notifications table. The partial unique
// index on dedupe_key makes redelivery after a worker crash a no-op.
type DBSink struct {
	db *sqlx.DB
}

func NewDBSink(db *sqlx.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Deliver(ctx context.Context, job Job) error {
	var dedupe *string
	if job.DedupeKey != "" {
		dedupe = &job.DedupeKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, type, message, dedupe_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, job.UserID, job.Type, job.Message, dedupe)
	return err
}
