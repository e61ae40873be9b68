package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/custody"
	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/lock"
	"github.com/tronvault/tronvault/internal/metrics"
	"github.com/tronvault/tronvault/internal/notification"
	"github.com/tronvault/tronvault/internal/rates"
	"github.com/tronvault/tronvault/internal/wallet"
)

// nativeDecimals is the number of SUN per TRX expressed as a power of ten.
const nativeDecimals = 6

// Wallets resolves wallet records.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]wallet.Wallet, error)
}

// KeyOpener recovers a wallet's signing key from its sealed bundle.
type KeyOpener interface {
	Open(bundle, address string) ([]byte, error)
}

// Config holds engine settings.
type Config struct {
	TokenContract   string
	Currency        string
	Decimals        int32
	FeeLimitSun     int64
	CallTimeout     time.Duration
	ReceiptTimeout  time.Duration
	ReceiptInterval time.Duration
	LockWait        time.Duration
}

// Deps are the engine collaborators.
type Deps struct {
	Wallets  Wallets
	Keys     KeyOpener
	Chain    chain.Client
	Oracle   rates.Oracle
	Records  ledger.Store
	Locker   lock.Locker
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Engine executes transfers: every transfer is signed, broadcast and settled
// on-chain, and its lifecycle is kept in the ledger store.
type Engine struct {
	cfg      Config
	wallets  Wallets
	keys     KeyOpener
	chain    chain.Client
	oracle   rates.Oracle
	records  ledger.Store
	locker   lock.Locker
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewEngine builds a transfer engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = time.Minute
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = 3 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		wallets:  deps.Wallets,
		keys:     deps.Keys,
		chain:    deps.Chain,
		oracle:   deps.Oracle,
		records:  deps.Records,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		logger:   logger,
	}
}

// Result is returned for a settled transfer.
type Result struct {
	TransferID    string
	TransactionID string
	FeeInToken    decimal.Decimal
}

// StatusView is the public projection of a transfer record.
type StatusView struct {
	ID            string
	Status        ledger.Status
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// plan is a validated transfer ready for the pipeline.
type plan struct {
	kind            ledger.Kind
	source          wallet.Wallet
	destination     wallet.Wallet
	externalAddress string
	toAddress       string
	amount          decimal.Decimal
	units           *big.Int
}

// InternalTransfer moves amount from one custodial wallet to another.
func (e *Engine) InternalTransfer(ctx context.Context, fromWalletID, toWalletID string, amount decimal.Decimal) (Result, error) {
	units, err := e.toUnits(amount)
	if err != nil {
		return Result{}, err
	}
	if fromWalletID == toWalletID {
		return Result{}, &Error{Stage: StageValidate, Kind: ErrSameWallet}
	}

	source, err := e.resolve(ctx, fromWalletID)
	if err != nil {
		return Result{}, err
	}
	destination, err := e.resolve(ctx, toWalletID)
	if err != nil {
		return Result{}, err
	}

	return e.execute(ctx, plan{
		kind:        ledger.KindInternal,
		source:      source,
		destination: destination,
		toAddress:   destination.Address,
		amount:      amount,
		units:       units,
	})
}

// ExternalTransfer sends amount from a custodial wallet to an arbitrary address.
func (e *Engine) ExternalTransfer(ctx context.Context, fromWalletID, address string, amount decimal.Decimal) (Result, error) {
	units, err := e.toUnits(amount)
	if err != nil {
		return Result{}, err
	}
	if err := e.chain.ValidateAddress(address); err != nil {
		return Result{}, &Error{Stage: StageValidate, Kind: ErrInvalidAddress, Err: err}
	}

	source, err := e.resolve(ctx, fromWalletID)
	if err != nil {
		return Result{}, err
	}
	if source.Address == address {
		return Result{}, &Error{Stage: StageValidate, Kind: ErrSameWallet}
	}

	return e.execute(ctx, plan{
		kind:            ledger.KindExternalOutgoing,
		source:          source,
		externalAddress: address,
		toAddress:       address,
		amount:          amount,
		units:           units,
	})
}

// Status reports the current state of a transfer. Terminal records always
// yield the same view.
func (e *Engine) Status(ctx context.Context, transferID string) (StatusView, error) {
	rec, err := e.records.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return StatusView{}, &Error{Stage: StageResolve, Kind: ErrNotFound, TransferID: transferID, Err: err}
		}
		return StatusView{}, &Error{Stage: StageResolve, Kind: ErrStore, TransferID: transferID, Err: err}
	}
	return toView(rec), nil
}

// History lists the transfers a wallet took part in, newest first.
func (e *Engine) History(ctx context.Context, walletID string, limit int) ([]ledger.Record, error) {
	if _, err := e.resolve(ctx, walletID); err != nil {
		return nil, err
	}
	records, err := e.records.ListByWallet(ctx, walletID, limit)
	if err != nil {
		return nil, &Error{Stage: StageResolve, Kind: ErrStore, Err: err}
	}
	return records, nil
}

// OwnerHistory lists the transfers of every wallet an owner holds, newest
// first. A transfer between two of the owner's wallets appears once.
func (e *Engine) OwnerHistory(ctx context.Context, ownerID string, limit int) ([]ledger.Record, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, &Error{Stage: StageValidate, Kind: ErrInvalidOwner, Err: err}
	}
	wallets, err := e.wallets.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, &Error{Stage: StageResolve, Kind: ErrStore, Err: err}
	}

	limit = ledger.NormalizeLimit(limit)
	seen := make(map[string]struct{})
	out := make([]ledger.Record, 0)
	for _, w := range wallets {
		records, err := e.records.ListByWallet(ctx, w.ID, limit)
		if err != nil {
			return nil, &Error{Stage: StageResolve, Kind: ErrStore, Err: err}
		}
		for _, r := range records {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toView(rec ledger.Record) StatusView {
	return StatusView{
		ID:            rec.ID,
		Status:        rec.Status,
		Currency:      rec.Currency,
		Amount:        rec.Amount,
		TransactionID: rec.TransactionID,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// toUnits converts a token amount to the contract's smallest unit. Amounts
// must be positive and fit the token's decimals exactly.
func (e *Engine) toUnits(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, &Error{Stage: StageValidate, Kind: ErrInvalidAmount, Err: fmt.Errorf("amount %s must be positive", amount)}
	}
	shifted := amount.Shift(e.cfg.Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, &Error{Stage: StageValidate, Kind: ErrInvalidAmount, Err: fmt.Errorf("amount %s has more than %d decimal places", amount, e.cfg.Decimals)}
	}
	return shifted.BigInt(), nil
}

func (e *Engine) resolve(ctx context.Context, walletID string) (wallet.Wallet, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	w, err := e.wallets.Get(callCtx, walletID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return wallet.Wallet{}, &Error{Stage: StageResolve, Kind: ErrNotFound, Err: fmt.Errorf("wallet %s: %w", walletID, err)}
		}
		return wallet.Wallet{}, &Error{Stage: StageResolve, Kind: ErrStore, Err: err}
	}
	return w, nil
}

// execute runs the pipeline for a validated plan while holding the source
// wallet lock. Nothing is persisted before the balance check passes; after
// the record exists every failure marks it FAILED.
func (e *Engine) execute(ctx context.Context, p plan) (Result, error) {
	log := e.logger.With(
		slog.String("kind", string(p.kind)),
		slog.String("wallet_id", p.source.ID),
		slog.String("amount", p.amount.String()))

	unlock, err := e.acquire(ctx, p.source.ID)
	if err != nil {
		return Result{}, e.reject(log, p, err)
	}
	defer unlock()

	stageStart := time.Now()
	key, err := e.keys.Open(p.source.EncryptedKey, p.source.Address)
	e.observe(StageDecrypt, stageStart)
	if err != nil {
		return Result{}, e.reject(log, p, &Error{Stage: StageDecrypt, Kind: ErrDecryption, Err: err})
	}
	defer custody.Zero(key)

	stageStart = time.Now()
	derived, err := e.chain.DeriveAddress(key)
	e.observe(StageKeyCheck, stageStart)
	if err != nil {
		return Result{}, e.reject(log, p, &Error{Stage: StageKeyCheck, Kind: ErrKeyMismatch, Err: err})
	}
	if derived != p.source.Address {
		return Result{}, e.reject(log, p, &Error{Stage: StageKeyCheck, Kind: ErrKeyMismatch,
			Err: fmt.Errorf("derived %s, stored %s", derived, p.source.Address)})
	}

	stageStart = time.Now()
	balance, err := e.balance(ctx, p.source.Address)
	e.observe(StageBalanceCheck, stageStart)
	if err != nil {
		return Result{}, e.reject(log, p, &Error{Stage: StageBalanceCheck, Kind: ErrChainError, Err: err})
	}
	if balance.Cmp(p.units) < 0 {
		return Result{}, e.reject(log, p, &Error{Stage: StageBalanceCheck, Kind: ErrInsufficientFunds,
			Err: fmt.Errorf("balance %s below %s", balance, p.units)})
	}

	rec := ledger.Record{
		ID:              uuid.NewString(),
		Kind:            p.kind,
		Currency:        e.cfg.Currency,
		Amount:          p.amount,
		FromWalletID:    p.source.ID,
		ToWalletID:      p.destination.ID,
		ExternalAddress: p.externalAddress,
		Status:          ledger.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	stageStart = time.Now()
	err = e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		return e.records.Create(ctx, rec)
	})
	e.observe(StageRecord, stageStart)
	if err != nil {
		return Result{}, e.reject(log, p, &Error{Stage: StageRecord, Kind: ErrStore, Err: err})
	}
	log = log.With(slog.String("transfer_id", rec.ID))
	log.Debug("transfer recorded")

	return e.settle(ctx, log, p, rec, key)
}

// settle performs the on-chain part of the pipeline for a PENDING record.
func (e *Engine) settle(ctx context.Context, log *slog.Logger, p plan, rec ledger.Record, key []byte) (Result, error) {
	var unsigned *chain.UnsignedTx
	stageStart := time.Now()
	err := e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		unsigned, err = e.chain.BuildTransfer(ctx, chain.TransferRequest{
			Contract:    e.cfg.TokenContract,
			From:        p.source.Address,
			To:          p.toAddress,
			Amount:      p.units,
			FeeLimitSun: e.cfg.FeeLimitSun,
		})
		return err
	})
	e.observe(StageBuild, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageBuild, kind: ErrChainError, err: err})
	}
	txID := unsigned.TxID
	log = log.With(slog.String("tx_id", txID))

	err = e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		return e.records.AttachTransaction(ctx, rec.ID, txID)
	})
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageBuild, kind: ErrStore, err: err})
	}
	log.Debug("transaction built")

	stageStart = time.Now()
	signed, err := e.chain.Sign(unsigned, key)
	custody.Zero(key)
	e.observe(StageSign, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageSign, kind: ErrChainError, err: err, txID: txID})
	}

	var broadcast chain.BroadcastResult
	stageStart = time.Now()
	err = e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		broadcast, err = e.chain.Broadcast(ctx, signed)
		return err
	})
	e.observe(StageBroadcast, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageBroadcast, kind: ErrChainError, err: err, txID: txID})
	}
	if !broadcast.Accepted {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageBroadcast, kind: ErrBroadcastRejected, txID: txID,
			err: fmt.Errorf("%s: %s", broadcast.Code, broadcast.Message)})
	}
	log.Debug("transaction broadcast")

	var receipt chain.Receipt
	stageStart = time.Now()
	err = e.withTimeout(ctx, e.cfg.ReceiptTimeout, func(ctx context.Context) error {
		var err error
		receipt, err = chain.WaitForReceipt(ctx, e.chain, txID, e.cfg.ReceiptInterval)
		return err
	})
	e.observe(StageReceipt, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{stage: StageReceipt, kind: ErrChainError, err: err, txID: txID})
	}
	if !receipt.Success {
		return Result{}, e.fail(ctx, log, p, rec, failure{
			stage:     StageReceipt,
			kind:      ErrChainError,
			err:       fmt.Errorf("execution failed: %s %s", receipt.Result, receipt.Message),
			txID:      txID,
			feeNative: receipt.FeeSun,
			onChain:   ledger.OnChainReverted,
		})
	}
	log.Debug("receipt confirmed", slog.Int64("fee_sun", receipt.FeeSun))

	var rate decimal.Decimal
	stageStart = time.Now()
	err = e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		rate, err = e.oracle.NativeToTokenRate(ctx)
		return err
	})
	e.observe(StageRate, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{
			stage:     StageRate,
			kind:      ErrRateUnavailable,
			err:       err,
			txID:      txID,
			feeNative: receipt.FeeSun,
			onChain:   ledger.OnChainConfirmed,
		})
	}

	feeInToken := FeeInToken(receipt.FeeSun, rate)

	var settled ledger.Record
	stageStart = time.Now()
	err = e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		settled, err = e.records.Complete(ctx, rec.ID, ledger.Completion{FeeNative: receipt.FeeSun, FeeInToken: feeInToken})
		return err
	})
	e.observe(StageFinalize, stageStart)
	if err != nil {
		return Result{}, e.fail(ctx, log, p, rec, failure{
			stage:     StageFinalize,
			kind:      ErrStore,
			err:       err,
			txID:      txID,
			feeNative: receipt.FeeSun,
			onChain:   ledger.OnChainConfirmed,
		})
	}

	metrics.TransfersTotal.WithLabelValues(string(p.kind), "completed").Inc()
	log.Info("transfer completed",
		slog.Int64("fee_sun", receipt.FeeSun),
		slog.String("fee_in_token", feeInToken.String()),
		slog.String("rate", rate.String()))
	e.notifyCompleted(ctx, log, p, settled)

	return Result{TransferID: rec.ID, TransactionID: txID, FeeInToken: feeInToken}, nil
}

// FeeInToken converts a network fee in SUN to token units at rate.
func FeeInToken(feeSun int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.New(feeSun, -nativeDecimals).Mul(rate)
}

func (e *Engine) acquire(ctx context.Context, walletID string) (func(), error) {
	stageStart := time.Now()
	defer e.observe(StageLock, stageStart)

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockWait)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, walletID)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, &Error{Stage: StageLock, Kind: ErrWalletBusy, Err: err}
		}
		return nil, &Error{Stage: StageLock, Kind: ErrStore, Err: err}
	}
	return unlock, nil
}

func (e *Engine) balance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := e.withTimeout(ctx, e.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		balance, err = e.chain.TokenBalance(ctx, e.cfg.TokenContract, address)
		return err
	})
	return balance, err
}

func (e *Engine) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(callCtx)
}

func (e *Engine) observe(stage Stage, start time.Time) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// reject reports a failure that happened before any record existed.
func (e *Engine) reject(log *slog.Logger, p plan, err error) error {
	stage := StageOf(err)
	metrics.StageFailuresTotal.WithLabelValues(string(stage), string(p.kind)).Inc()
	metrics.TransfersTotal.WithLabelValues(string(p.kind), "rejected").Inc()
	log.Warn("transfer rejected", slog.String("stage", string(stage)), slog.Any("error", err))
	return err
}

type failure struct {
	stage     Stage
	kind      error
	err       error
	txID      string
	feeNative int64
	onChain   ledger.OnChainStatus
}

// fail marks the record FAILED with a context that survives caller
// cancellation. If that write fails the record stays PENDING for the
// reconciler and the original error is still returned.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, p plan, rec ledger.Record, f failure) error {
	terr := &Error{Stage: f.stage, Kind: f.kind, TransferID: rec.ID, TransactionID: f.txID, Err: f.err}

	reason := f.kind.Error()
	if f.err != nil {
		reason = reason + ": " + f.err.Error()
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if _, err := e.records.Fail(failCtx, rec.ID, ledger.Failure{
		Stage:         string(f.stage),
		Reason:        reason,
		FeeNative:     f.feeNative,
		OnChainStatus: f.onChain,
	}); err != nil {
		log.Error("mark transfer failed", slog.String("stage", string(f.stage)), slog.Any("error", err))
	}

	metrics.StageFailuresTotal.WithLabelValues(string(f.stage), string(p.kind)).Inc()
	metrics.TransfersTotal.WithLabelValues(string(p.kind), "failed").Inc()
	log.Warn("transfer failed", slog.String("stage", string(f.stage)), slog.Any("error", terr))

	e.notify(ctx, log, notification.Message{
		Kind:          notification.KindTransferFailed,
		Destination:   p.source.OwnerID,
		TransferID:    rec.ID,
		TransactionID: f.txID,
		Body:          fmt.Sprintf("Transfer of %s %s failed at %s", p.amount, e.cfg.Currency, f.stage),
	})
	return terr
}

func (e *Engine) notifyCompleted(ctx context.Context, log *slog.Logger, p plan, rec ledger.Record) {
	e.notify(ctx, log, notification.Message{
		Kind:          notification.KindTransferCompleted,
		Destination:   p.source.OwnerID,
		TransferID:    rec.ID,
		TransactionID: rec.TransactionID,
		Body:          fmt.Sprintf("Sent %s %s to %s", p.amount, e.cfg.Currency, p.toAddress),
	})
	if p.kind == ledger.KindInternal {
		e.notify(ctx, log, notification.Message{
			Kind:          notification.KindTransferReceived,
			Destination:   p.destination.OwnerID,
			TransferID:    rec.ID,
			TransactionID: rec.TransactionID,
			Body:          fmt.Sprintf("You received %s %s from wallet %s", p.amount, e.cfg.Currency, p.source.ID),
		})
	}
}

// notify delivers m even when the caller has gone away. Delivery errors are
// logged and never change the transfer outcome.
func (e *Engine) notify(ctx context.Context, log *slog.Logger, m notification.Message) {
	if e.notifier == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.notifier.Send(sendCtx, m); err != nil {
		log.Warn("notification not delivered",
			slog.String("notification_kind", m.Kind),
			slog.String("destination", m.Destination),
			slog.Any("error", err))
	}
}
