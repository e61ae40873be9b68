package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/logging"
	"github.com/tronvault/tronvault/internal/rates"
)

type receiptChain struct {
	chain.Client

	mu       sync.Mutex
	receipts map[string]chain.Receipt
	errs     map[string]error
	lookups  int
}

func (c *receiptChain) Receipt(_ context.Context, txID string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if err, ok := c.errs[txID]; ok {
		return chain.Receipt{}, err
	}
	if r, ok := c.receipts[txID]; ok {
		return r, nil
	}
	return chain.Receipt{}, chain.ErrReceiptNotFound
}

type fixedOracle struct {
	rate decimal.Decimal
	err  error
}

func (o fixedOracle) NativeToTokenRate(context.Context) (decimal.Decimal, error) {
	return o.rate, o.err
}

func newRecord(t *testing.T, store ledger.Store, age time.Duration, txID string) ledger.Record {
	t.Helper()
	rec := ledger.Record{
		ID:              uuid.NewString(),
		Kind:            ledger.KindExternalOutgoing,
		Currency:        "USDT",
		Amount:          decimal.RequireFromString("1"),
		FromWalletID:    uuid.NewString(),
		ExternalAddress: "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8",
		Status:          ledger.StatusPending,
		CreatedAt:       time.Now().UTC().Add(-age),
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if txID != "" {
		if err := store.AttachTransaction(context.Background(), rec.ID, txID); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	return rec
}

func newReconciler(store ledger.Store, c chain.Client, oracle rates.Oracle) *Reconciler {
	return New(Config{PendingTimeout: 10 * time.Minute, CallTimeout: time.Second}, store, c, oracle, logging.Discard())
}

func mustGet(t *testing.T, store ledger.Store, id string) ledger.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestRunOnceResolvesStalePending(t *testing.T) {
	store := ledger.NewInMemory()
	c := &receiptChain{
		receipts: map[string]chain.Receipt{
			"tx-ok":       {TxID: "tx-ok", Success: true, Result: "SUCCESS", FeeSun: 345_000},
			"tx-reverted": {TxID: "tx-reverted", Success: false, Result: "OUT_OF_ENERGY", FeeSun: 1_000},
		},
		errs: map[string]error{"tx-flaky": errors.New("node timeout")},
	}
	r := newReconciler(store, c, fixedOracle{rate: decimal.RequireFromString("0.25")})

	abandoned := newRecord(t, store, time.Hour, "")
	settled := newRecord(t, store, time.Hour, "tx-ok")
	reverted := newRecord(t, store, time.Hour, "tx-reverted")
	lost := newRecord(t, store, time.Hour, "tx-lost")
	flaky := newRecord(t, store, time.Hour, "tx-flaky")
	fresh := newRecord(t, store, time.Minute, "tx-ok-fresh")

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	want := Report{Completed: 1, Abandoned: 1, Reverted: 1, NotFound: 1, Skipped: 1}
	if report != want {
		t.Fatalf("unexpected report: %+v", report)
	}

	if rec := mustGet(t, store, abandoned.ID); rec.Status != ledger.StatusFailed || rec.FailureStage != StageReconcile {
		t.Fatalf("abandoned record: %+v", rec)
	}
	rec := mustGet(t, store, settled.ID)
	if rec.Status != ledger.StatusCompleted || !rec.FeeInToken.Equal(decimal.RequireFromString("0.08625")) {
		t.Fatalf("settled record: %+v", rec)
	}
	rec = mustGet(t, store, reverted.ID)
	if rec.Status != ledger.StatusFailed || rec.OnChainStatus != ledger.OnChainReverted || rec.FeeNative != 1_000 {
		t.Fatalf("reverted record: %+v", rec)
	}
	if rec := mustGet(t, store, lost.ID); rec.OnChainStatus != ledger.OnChainNotFound || rec.Status != ledger.StatusFailed {
		t.Fatalf("lost record: %+v", rec)
	}
	if rec := mustGet(t, store, flaky.ID); rec.Status != ledger.StatusPending {
		t.Fatalf("flaky record should stay pending: %+v", rec)
	}
	if rec := mustGet(t, store, fresh.ID); rec.Status != ledger.StatusPending {
		t.Fatalf("fresh record should be left alone: %+v", rec)
	}
}

func TestRunOnceWaitsForRateBeforeCompleting(t *testing.T) {
	store := ledger.NewInMemory()
	c := &receiptChain{receipts: map[string]chain.Receipt{"tx-ok": {TxID: "tx-ok", Success: true, FeeSun: 345_000}}}
	r := newReconciler(store, c, fixedOracle{err: rates.ErrUnavailable})
	rec := newRecord(t, store, time.Hour, "tx-ok")

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Skipped != 1 || report.Completed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := mustGet(t, store, rec.ID); got.Status != ledger.StatusPending {
		t.Fatalf("record should stay pending: %+v", got)
	}
}

func TestRunOnceAuditsFailedAfterBroadcast(t *testing.T) {
	store := ledger.NewInMemory()
	c := &receiptChain{receipts: map[string]chain.Receipt{
		"tx-moved":    {TxID: "tx-moved", Success: true, FeeSun: 345_000},
		"tx-reverted": {TxID: "tx-reverted", Success: false, FeeSun: 2_000},
	}}
	r := newReconciler(store, c, fixedOracle{rate: decimal.RequireFromString("0.25")})

	moved := newRecord(t, store, time.Minute, "tx-moved")
	reverted := newRecord(t, store, time.Minute, "tx-reverted")
	unseen := newRecord(t, store, time.Minute, "tx-unseen")
	prebroadcast := newRecord(t, store, time.Minute, "")
	for _, rec := range []ledger.Record{moved, reverted, unseen, prebroadcast} {
		if _, err := store.Fail(context.Background(), rec.ID, ledger.Failure{Stage: "receipt", Reason: "timeout"}); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Confirmed != 1 || report.Reverted != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got := mustGet(t, store, moved.ID)
	if got.Status != ledger.StatusFailed || got.OnChainStatus != ledger.OnChainConfirmed || got.FeeNative != 345_000 {
		t.Fatalf("moved record: %+v", got)
	}
	if got := mustGet(t, store, reverted.ID); got.OnChainStatus != ledger.OnChainReverted {
		t.Fatalf("reverted record: %+v", got)
	}
	if got := mustGet(t, store, unseen.ID); got.OnChainStatus != ledger.OnChainUnknown {
		t.Fatalf("recent unseen record should wait: %+v", got)
	}

	// Once the failure is older than the pending timeout a missing transaction is final.
	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.NotFound != 1 {
		t.Fatalf("unexpected second report: %+v", report)
	}
	if got := mustGet(t, store, unseen.ID); got.OnChainStatus != ledger.OnChainNotFound {
		t.Fatalf("unseen record: %+v", got)
	}

	report, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report != (Report{}) {
		t.Fatalf("audited records must not be revisited: %+v", report)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	store := ledger.NewInMemory()
	c := &receiptChain{}
	r := New(Config{Interval: 5 * time.Millisecond}, store, c, fixedOracle{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
