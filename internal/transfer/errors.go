package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the pipeline step a transfer failed in.
type Stage string

const (
	StageValidate     Stage = "validate"
	StageResolve      Stage = "resolve"
	StageLock         Stage = "lock"
	StageDecrypt      Stage = "decrypt"
	StageKeyCheck     Stage = "key_check"
	StageBalanceCheck Stage = "balance_check"
	StageRecord       Stage = "record"
	StageBuild        Stage = "build"
	StageSign         Stage = "sign"
	StageBroadcast    Stage = "broadcast"
	StageReceipt      Stage = "receipt"
	StageRate         Stage = "rate"
	StageFinalize     Stage = "finalize"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrKeyMismatch       = errors.New("wallet key does not match wallet address")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBroadcastRejected = errors.New("broadcast rejected")
	ErrRateUnavailable   = errors.New("exchange rate unavailable")
	ErrChainError        = errors.New("chain error")
	ErrDecryption        = errors.New("wallet key decryption failed")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrWalletBusy        = errors.New("wallet busy")
	ErrStore             = errors.New("ledger store error")
	ErrInvalidOwner      = errors.New("invalid owner id")

	// ErrSameWallet is an ErrInvalidAmount: moving funds to the source itself.
	ErrSameWallet = fmt.Errorf("%w: source and destination are the same", ErrInvalidAmount)
)

// Error is the single error type returned by the engine. Kind is one of the
// package sentinels; Err is the underlying cause. Both are visible to errors.Is.
type Error struct {
	Stage         Stage
	Kind          error
	TransferID    string
	TransactionID string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("transfer")
	if e.TransferID != "" {
		b.WriteString(" ")
		b.WriteString(e.TransferID)
	}
	b.WriteString(" failed at ")
	b.WriteString(string(e.Stage))
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.TransactionID != "" {
		b.WriteString(" (tx ")
		b.WriteString(e.TransactionID)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// StageOf returns the stage carried by err, or "" when err is not an *Error.
func StageOf(err error) Stage {
	var te *Error
	if errors.As(err, &te) {
		return te.Stage
	}
	return ""
}

// TransactionIDOf returns the chain transaction id carried by err, if any.
func TransactionIDOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.TransactionID
	}
	return ""
}
