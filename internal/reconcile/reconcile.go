package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/metrics"
	"github.com/tronvault/tronvault/internal/rates"
	"github.com/tronvault/tronvault/internal/transfer"
)

// StageReconcile is recorded as the failure stage of records the reconciler
// closes itself.
const StageReconcile = "reconcile"

// Config holds reconciler settings.
type Config struct {
	Interval       time.Duration
	PendingTimeout time.Duration
	BatchSize      int
	CallTimeout    time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	Completed int
	Abandoned int
	Confirmed int
	Reverted  int
	NotFound  int
	Skipped   int
}

// Reconciler resolves transfers the engine could not finish: PENDING records
// older than PendingTimeout and FAILED records whose on-chain outcome is
// still unknown.
type Reconciler struct {
	cfg     Config
	records ledger.Store
	chain   chain.Client
	oracle  rates.Oracle
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a reconciler.
func New(cfg Config, records ledger.Store, client chain.Client, oracle rates.Oracle, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:     cfg,
		records: records,
		chain:   client,
		oracle:  oracle,
		logger:  logger.With(slog.String("component", "reconciler")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles once immediately and then on every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", slog.Any("error", err))
		} else if report != (Report{}) {
			r.logger.Info("reconcile pass finished",
				slog.Int("completed", report.Completed),
				slog.Int("abandoned", report.Abandoned),
				slog.Int("confirmed", report.Confirmed),
				slog.Int("reverted", report.Reverted),
				slog.Int("not_found", report.NotFound),
				slog.Int("skipped", report.Skipped))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass over stale PENDING records and unaudited
// FAILED records.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	cutoff := r.now().Add(-r.cfg.PendingTimeout)

	var errs []error
	pending, err := r.records.ListPendingBefore(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list pending: %w", err))
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		r.resolvePending(ctx, rec, &report)
	}

	failed, err := r.records.ListUnreconciledFailures(ctx, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list failures: %w", err))
	}
	for _, rec := range failed {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		r.auditFailure(ctx, rec, cutoff, &report)
	}
	return report, errors.Join(errs...)
}

func (r *Reconciler) resolvePending(ctx context.Context, rec ledger.Record, report *Report) {
	log := r.logger.With(slog.String("transfer_id", rec.ID), slog.String("tx_id", rec.TransactionID))

	if rec.TransactionID == "" {
		r.fail(ctx, log, rec, ledger.Failure{
			Stage:  StageReconcile,
			Reason: "abandoned before a transaction was built",
		}, "abandoned", &report.Abandoned, report)
		return
	}

	receipt, err := r.receipt(ctx, rec.TransactionID)
	switch {
	case errors.Is(err, chain.ErrReceiptNotFound):
		r.fail(ctx, log, rec, ledger.Failure{
			Stage:         StageReconcile,
			Reason:        "transaction not found on chain",
			OnChainStatus: ledger.OnChainNotFound,
		}, "not_found", &report.NotFound, report)
		return
	case err != nil:
		log.Warn("receipt lookup failed", slog.Any("error", err))
		report.Skipped++
		return
	case !receipt.Success:
		r.fail(ctx, log, rec, ledger.Failure{
			Stage:         string(transfer.StageReceipt),
			Reason:        fmt.Sprintf("execution failed: %s %s", receipt.Result, receipt.Message),
			FeeNative:     receipt.FeeSun,
			OnChainStatus: ledger.OnChainReverted,
		}, "reverted", &report.Reverted, report)
		return
	}

	rateCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	rate, err := r.oracle.NativeToTokenRate(rateCtx)
	cancel()
	if err != nil {
		log.Warn("rate unavailable, retrying next pass", slog.Any("error", err))
		report.Skipped++
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	_, err = r.records.Complete(writeCtx, rec.ID, ledger.Completion{
		FeeNative:  receipt.FeeSun,
		FeeInToken: transfer.FeeInToken(receipt.FeeSun, rate),
	})
	if err != nil {
		r.writeFailed(log, err, report)
		return
	}
	report.Completed++
	metrics.ReconciledTotal.WithLabelValues("completed").Inc()
	log.Info("pending transfer completed", slog.Int64("fee_sun", receipt.FeeSun))
}

func (r *Reconciler) auditFailure(ctx context.Context, rec ledger.Record, cutoff time.Time, report *Report) {
	log := r.logger.With(slog.String("transfer_id", rec.ID), slog.String("tx_id", rec.TransactionID))

	var (
		status ledger.OnChainStatus
		fee    int64
		result string
		count  *int
	)
	receipt, err := r.receipt(ctx, rec.TransactionID)
	switch {
	case errors.Is(err, chain.ErrReceiptNotFound):
		if rec.UpdatedAt.After(cutoff) {
			report.Skipped++
			return
		}
		status, result, count = ledger.OnChainNotFound, "not_found", &report.NotFound
	case err != nil:
		log.Warn("receipt lookup failed", slog.Any("error", err))
		report.Skipped++
		return
	case receipt.Success:
		status, fee, result, count = ledger.OnChainConfirmed, receipt.FeeSun, "confirmed", &report.Confirmed
	default:
		status, fee, result, count = ledger.OnChainReverted, receipt.FeeSun, "reverted", &report.Reverted
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if err := r.records.RecordChainOutcome(writeCtx, rec.ID, status, fee); err != nil {
		r.writeFailed(log, err, report)
		return
	}
	*count++
	metrics.ReconciledTotal.WithLabelValues(result).Inc()
	if status == ledger.OnChainConfirmed {
		log.Warn("failed transfer settled on chain", slog.Int64("fee_sun", fee))
		return
	}
	log.Info("failed transfer audited", slog.String("on_chain_status", string(status)))
}

func (r *Reconciler) receipt(ctx context.Context, txID string) (chain.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.chain.Receipt(callCtx, txID)
}

func (r *Reconciler) fail(ctx context.Context, log *slog.Logger, rec ledger.Record, f ledger.Failure, result string, count *int, report *Report) {
	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if _, err := r.records.Fail(writeCtx, rec.ID, f); err != nil {
		r.writeFailed(log, err, report)
		return
	}
	*count++
	metrics.ReconciledTotal.WithLabelValues(result).Inc()
	log.Info("pending transfer failed", slog.String("reason", f.Reason))
}

// writeFailed handles a store error. A record the engine finished in the
// meantime is not an error.
func (r *Reconciler) writeFailed(log *slog.Logger, err error, report *Report) {
	report.Skipped++
	if errors.Is(err, ledger.ErrInvalidTransition) {
		log.Debug("record already settled")
		return
	}
	log.Error("update record", slog.Any("error", err))
}
