package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"tutorpay/internal/db"
	"tutorpay/internal/logger"
	"tutorpay/internal/metrics"
	"tutorpay/internal/money"
	"tutorpay/internal/wallet"
)

// Service recomputes every wallet's available balance from its settled
// transaction history and flags mismatches. Reporting only: a discrepancy is
// recorded for a human reviewer, never auto-corrected.
type Service struct {
	db   *sqlx.DB
	repo *Repository
	now  func() time.Time
}

func NewService(database *sqlx.DB, repo *Repository) *Service {
	return &Service{db: database, repo: repo, now: time.Now}
}

// Run executes one full audit pass. The wallet snapshot and the transaction
// sums are read inside a single repeatable-read transaction so concurrent
// bookings cannot produce phantom discrepancies.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	var (
		wallets []walletSnapshot
		rows    []settledRow
	)
	err := db.WithSnapshotTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		if wallets, err = s.repo.SnapshotWalletsTx(ctx, tx); err != nil {
			return err
		}
		rows, err = s.repo.SettledTransactionsTx(ctx, tx)
		return err
	})
	if err != nil {
		msg := err.Error()
		if _, logErr := s.repo.InsertLog(ctx, RunError, 0, 0, nil, &msg); logErr != nil {
			logger.Error("failed to record audit error", "error", logErr)
		}
		metrics.RecordAuditRun(string(RunError), 0)
		return nil, err
	}

	expected := make(map[string]money.Cents, len(wallets))
	for _, row := range rows {
		if wallet.TxType(row.Type).Credits() {
			expected[row.WalletID] += row.AmountCents
		} else {
			expected[row.WalletID] -= row.AmountCents
		}
	}

	var items []Discrepancy
	for _, w := range wallets {
		want := expected[w.ID]
		if w.BalanceCents == want {
			continue
		}
		items = append(items, Discrepancy{
			WalletID:      w.ID,
			UserID:        w.UserID,
			StoredCents:   w.BalanceCents,
			ExpectedCents: want,
			DeltaCents:    w.BalanceCents - want,
		})
		logger.Warn("ledger discrepancy",
			"wallet_id", w.ID,
			"stored_cents", int64(w.BalanceCents),
			"expected_cents", int64(want),
		)
	}

	status := RunSuccess
	var details []byte
	if len(items) > 0 {
		status = RunDiscrepancyFound
		if details, err = json.Marshal(items); err != nil {
			return nil, err
		}
	}

	l, err := s.repo.InsertLog(ctx, status, len(wallets), len(items), details, nil)
	if err != nil {
		return nil, err
	}

	metrics.RecordAuditRun(string(status), len(items))
	logger.Info("ledger audit complete",
		"status", string(status),
		"wallets_checked", len(wallets),
		"discrepancies", len(items),
	)

	return &Report{Log: *l, Items: items}, nil
}

// Resolve marks a discrepancy run as reviewed. The note should say what the
// reviewer found and what, if anything, was corrected out of band.
func (s *Service) Resolve(ctx context.Context, id, resolvedBy, note string) (*Log, error) {
	ok, err := s.repo.Resolve(ctx, id, resolvedBy, note, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.repo.GetLog(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.repo.GetLog(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	l, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return reportOf(l)
}

func (s *Service) Recent(ctx context.Context, limit, offset int) ([]Log, error) {
	return s.repo.ListLogs(ctx, limit, offset)
}

func reportOf(l *Log) (*Report, error) {
	rep := &Report{Log: *l}
	if len(l.Details) > 0 {
		if err := json.Unmarshal(l.Details, &rep.Items); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// Scheduler runs the audit on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	return &Scheduler{service: service, interval: interval}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("ledger audit scheduler started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("ledger audit scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.service.Run(ctx); err != nil {
				logger.Error("scheduled ledger audit failed", "error", err)
			}
		}
	}
}
