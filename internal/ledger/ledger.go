package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no record matches the identifier.
	ErrNotFound = errors.New("transfer record not found")

	// ErrInvalidTransition indicates an update against a record that already
	// reached a terminal status.
	ErrInvalidTransition = errors.New("transfer record is not pending")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid transfer record")

	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("transfer record exists")
)

// Kind distinguishes ledger-to-ledger transfers from withdrawals to outside addresses.
type Kind string

const (
	KindInternal         Kind = "INTERNAL"
	KindExternalOutgoing Kind = "EXTERNAL_OUTGOING"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// OnChainStatus is what the reconciler observed on the network for a record.
type OnChainStatus string

const (
	OnChainUnknown   OnChainStatus = ""
	OnChainConfirmed OnChainStatus = "CONFIRMED"
	OnChainReverted  OnChainStatus = "REVERTED"
	OnChainNotFound  OnChainStatus = "NOT_FOUND"
)

// Record is the durable trace of one transfer attempt.
type Record struct {
	ID              string
	Kind            Kind
	Currency        string
	Amount          decimal.Decimal
	FromWalletID    string
	ToWalletID      string
	ExternalAddress string
	Status          Status
	TransactionID   string
	FeeNative       int64
	FeeInToken      decimal.Decimal
	FailureStage    string
	FailureReason   string
	OnChainStatus   OnChainStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the destination fields agree with the kind.
func (r Record) Validate() error {
	if r.ID == "" || r.FromWalletID == "" || r.Currency == "" {
		return fmt.Errorf("%w: id, source wallet and currency are required", ErrInvalidRecord)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRecord)
	}
	switch r.Kind {
	case KindInternal:
		if r.ToWalletID == "" || r.ExternalAddress != "" {
			return fmt.Errorf("%w: internal transfer needs a destination wallet only", ErrInvalidRecord)
		}
	case KindExternalOutgoing:
		if r.ExternalAddress == "" || r.ToWalletID != "" {
			return fmt.Errorf("%w: external transfer needs a destination address only", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	return nil
}

// IsTerminal reports whether the record can no longer change status.
func (r Record) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Completion carries the settled fee of a successful transfer.
type Completion struct {
	FeeNative  int64
	FeeInToken decimal.Decimal
}

// Failure describes why a pending record failed. FeeNative is zero when the
// network fee is unknown.
type Failure struct {
	Stage         string
	Reason        string
	FeeNative     int64
	OnChainStatus OnChainStatus
}

// Store persists transfer records. Status changes only apply to PENDING
// records; anything else yields ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	AttachTransaction(ctx context.Context, id, txID string) error
	Complete(ctx context.Context, id string, c Completion) (Record, error)
	Fail(ctx context.Context, id string, f Failure) (Record, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]Record, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
	ListUnreconciledFailures(ctx context.Context, limit int) ([]Record, error)
	RecordChainOutcome(ctx context.Context, id string, status OnChainStatus, feeNative int64) error
}

const defaultListLimit = 50

// NormalizeLimit maps a missing or out-of-range list limit to the default.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
