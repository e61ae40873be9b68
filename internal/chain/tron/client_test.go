package tron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tronvault/tronvault/internal/chain"
)

const (
	usdtContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	ownerAddress = "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8"
	destAddress  = "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"
)

func TestDeriveAddressKnownKey(t *testing.T) {
	key := make([]byte, 32)
	key[31] = 1

	addr, err := NewClient(Config{}).DeriveAddress(key)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if addr != "TMVQGm1qAQYVdetCeGRRkTWYYrLXuHK2HC" {
		t.Fatalf("unexpected address %s", addr)
	}
}

func TestDeriveAddressRejectsBadKeys(t *testing.T) {
	c := NewClient(Config{})
	for name, key := range map[string][]byte{
		"short": {1, 2, 3},
		"zero":  make([]byte, 32),
	} {
		if _, err := c.DeriveAddress(key); !errors.Is(err, chain.ErrInvalidKey) {
			t.Fatalf("%s: expected ErrInvalidKey, got %v", name, err)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	c := NewClient(Config{})
	if err := c.ValidateAddress(usdtContract); err != nil {
		t.Fatalf("expected valid address, got %v", err)
	}
	for _, addr := range []string{
		"",
		"not-base58-0OIl",
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u",
		"1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
	} {
		if err := c.ValidateAddress(addr); !errors.Is(err, chain.ErrInvalidAddress) {
			t.Fatalf("%q: expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestHexAddress(t *testing.T) {
	got, err := HexAddress(usdtContract)
	if err != nil {
		t.Fatalf("hex address: %v", err)
	}
	if got != "41a614f803b6fd780986a42c78ec9c7f77e6ded13c" {
		t.Fatalf("unexpected hex %s", got)
	}
}

func TestGenerateAccountIsConsistent(t *testing.T) {
	c := NewClient(Config{})
	acct, err := c.GenerateAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	derived, err := c.DeriveAddress(acct.PrivateKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if derived != acct.Address {
		t.Fatalf("derived %s, generated %s", derived, acct.Address)
	}
	if !strings.HasPrefix(acct.Address, "T") {
		t.Fatalf("unexpected address %s", acct.Address)
	}
}

func unsignedFixture(t *testing.T) *chain.UnsignedTx {
	t.Helper()
	raw := []byte("0a02a1b22208c3d4e5f60718293040f8a1b2c3d4e5f6")
	sum := sha256.Sum256(raw)
	txID := hex.EncodeToString(sum[:])
	rawHex := hex.EncodeToString(raw)
	payload, err := json.Marshal(map[string]any{
		"visible":      true,
		"txID":         txID,
		"raw_data":     map[string]any{"fee_limit": 100000000},
		"raw_data_hex": rawHex,
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return &chain.UnsignedTx{TxID: txID, RawDataHex: rawHex, Payload: payload}
}

func TestSignRecoversSigner(t *testing.T) {
	c := NewClient(Config{})
	acct, err := c.GenerateAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tx := unsignedFixture(t)

	signed, err := c.Sign(tx, acct.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Signature) != 65 || (signed.Signature[64] != 27 && signed.Signature[64] != 28) {
		t.Fatalf("unexpected signature layout %x", signed.Signature)
	}
	signer, err := RecoverSigner(tx.TxID, signed.Signature)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != acct.Address {
		t.Fatalf("recovered %s, want %s", signer, acct.Address)
	}

	var body struct {
		TxID      string   `json:"txID"`
		Signature []string `json:"signature"`
	}
	if err := json.Unmarshal(signed.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.TxID != tx.TxID || len(body.Signature) != 1 || body.Signature[0] != hex.EncodeToString(signed.Signature) {
		t.Fatalf("unexpected signed payload %s", signed.Payload)
	}
}

func TestSignRejectsMismatchedTxID(t *testing.T) {
	c := NewClient(Config{})
	acct, err := c.GenerateAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tx := unsignedFixture(t)
	tx.TxID = strings.Repeat("ab", 32)

	if _, err := c.Sign(tx, acct.PrivateKey); !errors.Is(err, chain.ErrTxMismatch) {
		t.Fatalf("expected ErrTxMismatch, got %v", err)
	}
}

type nodeStub struct {
	t         *testing.T
	receipts  atomic.Int32
	broadcast atomic.Value
	fixture   *chain.UnsignedTx
}

func (n *nodeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(apiKeyHeader) != "test-key" {
		http.Error(w, "missing api key", http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	switch r.URL.Path {
	case "/wallet/triggerconstantcontract":
		if req["function_selector"] != "balanceOf(address)" {
			http.Error(w, "bad selector", http.StatusBadRequest)
			return
		}
		wantParam := "000000000000000000000000" + "5cbdd86a2fa8dc4bddd8a8f69dba48572eec07fb"
		if req["parameter"] != wantParam {
			http.Error(w, "bad parameter", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"result":true},"constant_result":["00000000000000000000000000000000000000000000000000000000004c4b40"]}`)
	case "/wallet/triggersmartcontract":
		param, _ := req["parameter"].(string)
		if len(param) != 128 || !strings.HasSuffix(param, "00000000000000000000000000000000000000000000000000000000000f4240") {
			http.Error(w, "bad parameter", http.StatusBadRequest)
			return
		}
		if req["fee_limit"] != float64(100000000) {
			http.Error(w, "bad fee limit", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"result":true},"transaction":`+string(n.fixture.Payload)+`}`)
	case "/wallet/broadcasttransaction":
		n.broadcast.Store(body)
		_, _ = io.WriteString(w, `{"result":true,"txid":"`+n.fixture.TxID+`"}`)
	case "/wallet/gettransactioninfobyid":
		if n.receipts.Add(1) < 2 {
			_, _ = io.WriteString(w, `{}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"`+n.fixture.TxID+`","fee":345000,"blockNumber":61234567,"receipt":{"result":"SUCCESS","energy_usage_total":64285}}`)
	default:
		http.NotFound(w, r)
	}
}

func TestClientTransferFlowAgainstNode(t *testing.T) {
	stub := &nodeStub{t: t, fixture: unsignedFixture(t)}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	c := NewClient(Config{NodeURL: srv.URL + "/", APIKey: "test-key"})
	ctx := context.Background()

	balance, err := c.TokenBalance(ctx, usdtContract, ownerAddress)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 5_000_000 {
		t.Fatalf("expected 5000000, got %s", balance)
	}

	unsigned, err := c.BuildTransfer(ctx, chain.TransferRequest{
		Contract:    usdtContract,
		From:        ownerAddress,
		To:          destAddress,
		Amount:      big.NewInt(1_000_000),
		FeeLimitSun: 100_000_000,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if unsigned.TxID != stub.fixture.TxID {
		t.Fatalf("unexpected txID %s", unsigned.TxID)
	}

	acct, err := c.GenerateAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signed, err := c.Sign(unsigned, acct.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, err := c.Broadcast(ctx, signed)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !res.Accepted || res.TxID != unsigned.TxID {
		t.Fatalf("unexpected broadcast result %+v", res)
	}
	sent, _ := stub.broadcast.Load().([]byte)
	if !strings.Contains(string(sent), `"signature"`) {
		t.Fatalf("broadcast body missing signature: %s", sent)
	}

	if _, err := c.Receipt(ctx, unsigned.TxID); !errors.Is(err, chain.ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound on first poll, got %v", err)
	}
	receipt, err := c.Receipt(ctx, unsigned.TxID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !receipt.Success || receipt.FeeSun != 345_000 || receipt.BlockNumber != 61234567 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestReceiptReportsExecutionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"abc","fee":27000000,"result":"FAILED","resMessage":"4f7574206f6620656e65726779","receipt":{"result":"OUT_OF_ENERGY"}}`)
	}))
	defer srv.Close()

	receipt, err := NewClient(Config{NodeURL: srv.URL}).Receipt(context.Background(), "abc")
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Success || receipt.Result != "OUT_OF_ENERGY" || receipt.Message != "Out of energy" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.FeeSun != 27_000_000 {
		t.Fatalf("expected fee to be reported on failure, got %d", receipt.FeeSun)
	}
}

func TestBroadcastRejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"SIGERROR","message":"76616c6964617465207369676e6174757265206572726f72","txid":"abc"}`)
	}))
	defer srv.Close()

	res, err := NewClient(Config{NodeURL: srv.URL}).Broadcast(context.Background(), &chain.SignedTx{TxID: "abc", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Accepted || res.Code != "SIGERROR" || res.Message != "validate signature error" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(Config{NodeURL: srv.URL}).TokenBalance(context.Background(), usdtContract, ownerAddress)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected http 503 error, got %v", err)
	}
}
