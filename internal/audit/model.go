package audit

import (
	"errors"
	"time"

	"tutorpay/internal/money"
)

var (
	ErrAuditLogNotFound = errors.New("audit log not found")
	ErrAlreadyResolved  = errors.New("audit log already resolved")
)

type RunStatus string

const (
	RunSuccess          RunStatus = "SUCCESS"
	RunDiscrepancyFound RunStatus = "DISCREPANCY_FOUND"
	RunError            RunStatus = "ERROR"
)

// Discrepancy records one wallet whose stored balance disagrees with the
// signed sum of its settled transactions. The job reports; it never corrects.
type Discrepancy struct {
	WalletID      string      `json:"wallet_id"`
	UserID        string      `json:"user_id"`
	StoredCents   money.Cents `json:"stored_cents"`
	ExpectedCents money.Cents `json:"expected_cents"`
	DeltaCents    money.Cents `json:"delta_cents"`
}

type Log struct {
	ID             string     `db:"id" json:"id"`
	Status         RunStatus  `db:"status" json:"status"`
	WalletsChecked int        `db:"wallets_checked" json:"wallets_checked"`
	Discrepancies  int        `db:"discrepancies" json:"discrepancies"`
	Details        []byte     `db:"details" json:"-"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	Resolved       bool       `db:"resolved" json:"resolved"`
	ResolvedBy     *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote *string    `db:"resolution_note" json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Report is the API shape of a run with its discrepancy details unpacked.
type Report struct {
	Log
	Items []Discrepancy `json:"items,omitempty"`
}
