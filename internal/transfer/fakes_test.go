package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/chain/tron"
	"github.com/tronvault/tronvault/internal/custody"
	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/lock"
	"github.com/tronvault/tronvault/internal/logging"
	"github.com/tronvault/tronvault/internal/notification"
	"github.com/tronvault/tronvault/internal/wallet"
)

const testContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

type movement struct {
	from, to string
	units    *big.Int
	applied  bool
}

// fakeChain keeps token balances in memory and settles a transfer when its
// receipt is first read. Address handling is delegated to the real adapter.
type fakeChain struct {
	keys *tron.Client

	mu           sync.Mutex
	balances     map[string]*big.Int
	movements    map[string]*movement
	txSeq        int
	builds       int
	broadcasts   int
	balanceCalls int

	balanceBarrier *sync.WaitGroup
	onBroadcast    func()

	balanceErr      error
	buildErr        error
	signErr         error
	broadcastErr    error
	rejectBroadcast bool
	receiptErr      error
	receiptPending  bool
	receiptReverted bool
	feeSun          int64
}

var _ chain.Client = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{
		keys:      tron.NewClient(tron.Config{}),
		balances:  make(map[string]*big.Int),
		movements: make(map[string]*movement),
		feeSun:    345_000,
	}
}

func (f *fakeChain) GenerateAccount() (chain.Account, error) { return f.keys.GenerateAccount() }

func (f *fakeChain) DeriveAddress(key []byte) (string, error) { return f.keys.DeriveAddress(key) }

func (f *fakeChain) ValidateAddress(address string) error { return f.keys.ValidateAddress(address) }

func (f *fakeChain) setBalance(address string, units int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = big.NewInt(units)
}

func (f *fakeChain) balanceOf(address string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address]; ok {
		return b.Int64()
	}
	return 0
}

func (f *fakeChain) TokenBalance(_ context.Context, contract, address string) (*big.Int, error) {
	if f.balanceBarrier != nil {
		f.balanceBarrier.Done()
		f.balanceBarrier.Wait()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if contract != testContract {
		return nil, fmt.Errorf("unexpected contract %s", contract)
	}
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) BuildTransfer(_ context.Context, req chain.TransferRequest) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.txSeq++
	txID := fmt.Sprintf("%064x", f.txSeq)
	f.movements[txID] = &movement{from: req.From, to: req.To, units: new(big.Int).Set(req.Amount)}
	return &chain.UnsignedTx{TxID: txID, RawDataHex: "00", Payload: []byte(`{}`)}, nil
}

func (f *fakeChain) Sign(tx *chain.UnsignedTx, key []byte) (*chain.SignedTx, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	if len(key) != 32 || bytes.Equal(key, make([]byte, 32)) {
		return nil, fmt.Errorf("unusable key")
	}
	return &chain.SignedTx{TxID: tx.TxID, Signature: make([]byte, 65), Payload: tx.Payload}, nil
}

func (f *fakeChain) Broadcast(_ context.Context, tx *chain.SignedTx) (chain.BroadcastResult, error) {
	f.mu.Lock()
	f.broadcasts++
	hook := f.onBroadcast
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.broadcastErr != nil {
		return chain.BroadcastResult{}, f.broadcastErr
	}
	if f.rejectBroadcast {
		return chain.BroadcastResult{Accepted: false, TxID: tx.TxID, Code: "SIGERROR", Message: "validate signature error"}, nil
	}
	return chain.BroadcastResult{Accepted: true, TxID: tx.TxID}, nil
}

func (f *fakeChain) Receipt(_ context.Context, txID string) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return chain.Receipt{}, f.receiptErr
	}
	if f.receiptPending {
		return chain.Receipt{}, chain.ErrReceiptNotFound
	}
	m, ok := f.movements[txID]
	if !ok {
		return chain.Receipt{}, chain.ErrReceiptNotFound
	}
	if f.receiptReverted {
		return chain.Receipt{TxID: txID, Success: false, Result: "OUT_OF_ENERGY", FeeSun: f.feeSun}, nil
	}
	if !m.applied {
		m.applied = true
		from := f.balances[m.from]
		if from == nil {
			from = big.NewInt(0)
		}
		to := f.balances[m.to]
		if to == nil {
			to = big.NewInt(0)
		}
		f.balances[m.from] = new(big.Int).Sub(from, m.units)
		f.balances[m.to] = new(big.Int).Add(to, m.units)
	}
	return chain.Receipt{TxID: txID, Success: true, Result: "SUCCESS", FeeSun: f.feeSun, BlockNumber: 1}, nil
}

type stubOracle struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	err   error
	calls int
}

func (o *stubOracle) NativeToTokenRate(context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.rate, o.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

// noopLocker never blocks; it exists to show what the wallet lock prevents.
type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type harness struct {
	engine   *Engine
	chain    *fakeChain
	records  ledger.Store
	wallets  wallet.Repository
	keeper   *custody.Custodian
	oracle   *stubOracle
	notifier *recordingNotifier
	source   wallet.Wallet
	dest     wallet.Wallet
}

type harnessOption func(*Deps)

func withLocker(l lock.Locker) harnessOption {
	return func(d *Deps) { d.Locker = l }
}

func withRecords(s ledger.Store) harnessOption {
	return func(d *Deps) { d.Records = s }
}

func withNotifier(n notification.Notifier) harnessOption {
	return func(d *Deps) { d.Notifier = n }
}

func testConfig() Config {
	return Config{
		TokenContract:   testContract,
		Currency:        "USDT",
		Decimals:        6,
		FeeLimitSun:     100_000_000,
		CallTimeout:     time.Second,
		ReceiptTimeout:  200 * time.Millisecond,
		ReceiptInterval: 5 * time.Millisecond,
		LockWait:        2 * time.Second,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	keeper, err := custody.New(map[string][]byte{"k1": bytes.Repeat([]byte{0x7e}, 32)}, "k1")
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	fc := newFakeChain()
	repo := wallet.NewMemoryRepository()
	walletSvc := wallet.NewService(repo, fc, keeper, logging.Discard())

	ctx := context.Background()
	source, err := walletSvc.Provision(ctx, wallet.ProvisionInput{OwnerID: uuid.NewString()})
	if err != nil {
		t.Fatalf("provision source: %v", err)
	}
	dest, err := walletSvc.Provision(ctx, wallet.ProvisionInput{OwnerID: uuid.NewString()})
	if err != nil {
		t.Fatalf("provision destination: %v", err)
	}

	h := &harness{
		chain:    fc,
		records:  ledger.NewInMemory(),
		wallets:  repo,
		keeper:   keeper,
		oracle:   &stubOracle{rate: decimal.RequireFromString("0.25")},
		notifier: &recordingNotifier{},
		source:   source,
		dest:     dest,
	}
	deps := Deps{
		Wallets:  repo,
		Keys:     keeper,
		Chain:    fc,
		Oracle:   h.oracle,
		Records:  h.records,
		Locker:   lock.NewMemory(),
		Notifier: h.notifier,
		Logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.records = deps.Records
	h.engine = NewEngine(testConfig(), deps)
	return h
}

func (h *harness) recordsOf(t *testing.T, walletID string) []ledger.Record {
	t.Helper()
	list, err := h.records.ListByWallet(context.Background(), walletID, 100)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return list
}

func usdt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
