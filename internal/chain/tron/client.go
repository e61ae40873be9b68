package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/tronvault/tronvault/internal/chain"
)

const (
	apiKeyHeader     = "TRON-PRO-API-KEY"
	transferSelector = "transfer(address,uint256)"
	balanceSelector  = "balanceOf(address)"
	maxResponseBytes = 4 << 20
)

// Config holds TronGrid connection settings.
type Config struct {
	NodeURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements chain.Client against the TronGrid HTTP API.
// API docs: https://developers.tron.network/reference
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ chain.Client = (*Client)(nil)

// NewClient builds a TronGrid client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.NodeURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// GenerateAccount creates a random key pair.
func (c *Client) GenerateAccount() (chain.Account, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return chain.Account{}, fmt.Errorf("generate key: %w", err)
	}
	defer key.Zero()
	return chain.Account{
		Address:    AddressFromPublicKey(key.PubKey()),
		PrivateKey: key.Serialize(),
	}, nil
}

// DeriveAddress returns the address controlled by privateKey.
func (c *Client) DeriveAddress(privateKey []byte) (string, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return AddressFromPublicKey(key.PubKey()), nil
}

// ValidateAddress checks the base58check encoding of address.
func (c *Client) ValidateAddress(address string) error {
	_, err := DecodeAddress(address)
	return err
}

type resultStatus struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type triggerRequest struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit,omitempty"`
	CallValue        int64  `json:"call_value"`
	Visible          bool   `json:"visible"`
}

type constantResponse struct {
	Result         resultStatus `json:"result"`
	ConstantResult []string     `json:"constant_result"`
}

// TokenBalance calls balanceOf(address) on the TRC-20 contract.
func (c *Client) TokenBalance(ctx context.Context, contract, address string) (*big.Int, error) {
	param, err := encodeAddressParam(address)
	if err != nil {
		return nil, err
	}
	req := triggerRequest{
		OwnerAddress:     address,
		ContractAddress:  contract,
		FunctionSelector: balanceSelector,
		Parameter:        param,
		Visible:          true,
	}
	var resp constantResponse
	if err := c.post(ctx, "wallet/triggerconstantcontract", req, &resp); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", address, err)
	}
	if !resp.Result.Result {
		return nil, fmt.Errorf("balanceOf %s: %s %s", address, resp.Result.Code, decodeMessage(resp.Result.Message))
	}
	if len(resp.ConstantResult) == 0 {
		return nil, fmt.Errorf("balanceOf %s: empty constant_result", address)
	}
	balance, ok := new(big.Int).SetString(resp.ConstantResult[0], 16)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s: invalid result %q", address, resp.ConstantResult[0])
	}
	return balance, nil
}

type triggerResponse struct {
	Result      resultStatus    `json:"result"`
	Transaction json.RawMessage `json:"transaction"`
}

type txEnvelope struct {
	TxID       string `json:"txID"`
	RawDataHex string `json:"raw_data_hex"`
}

// BuildTransfer asks the node to build a transfer(address,uint256) call.
func (c *Client) BuildTransfer(ctx context.Context, req chain.TransferRequest) (*chain.UnsignedTx, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("build transfer: amount must be positive")
	}
	param, err := encodeTransferParams(req.To, req.Amount)
	if err != nil {
		return nil, err
	}
	body := triggerRequest{
		OwnerAddress:     req.From,
		ContractAddress:  req.Contract,
		FunctionSelector: transferSelector,
		Parameter:        param,
		FeeLimit:         req.FeeLimitSun,
		Visible:          true,
	}
	var resp triggerResponse
	if err := c.post(ctx, "wallet/triggersmartcontract", body, &resp); err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	if !resp.Result.Result || len(resp.Transaction) == 0 {
		return nil, fmt.Errorf("build transfer: %s %s", resp.Result.Code, decodeMessage(resp.Result.Message))
	}
	var env txEnvelope
	if err := json.Unmarshal(resp.Transaction, &env); err != nil {
		return nil, fmt.Errorf("build transfer: parse transaction: %w", err)
	}
	if env.TxID == "" || env.RawDataHex == "" {
		return nil, fmt.Errorf("build transfer: transaction missing txID or raw_data_hex")
	}
	return &chain.UnsignedTx{
		TxID:       env.TxID,
		RawDataHex: env.RawDataHex,
		Payload:    resp.Transaction,
	}, nil
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Broadcast submits a signed transaction. A node rejection is reported through
// BroadcastResult rather than an error.
func (c *Client) Broadcast(ctx context.Context, tx *chain.SignedTx) (chain.BroadcastResult, error) {
	var resp broadcastResponse
	if err := c.post(ctx, "wallet/broadcasttransaction", json.RawMessage(tx.Payload), &resp); err != nil {
		return chain.BroadcastResult{}, fmt.Errorf("broadcast %s: %w", tx.TxID, err)
	}
	txID := resp.TxID
	if txID == "" {
		txID = tx.TxID
	}
	return chain.BroadcastResult{
		Accepted: resp.Result,
		TxID:     txID,
		Code:     resp.Code,
		Message:  decodeMessage(resp.Message),
	}, nil
}

type transactionInfo struct {
	ID          string `json:"id"`
	Fee         int64  `json:"fee"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"`
	ResMessage  string `json:"resMessage"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

// Receipt fetches the execution outcome of txID. The node answers with an
// empty object until the transaction is in a block.
func (c *Client) Receipt(ctx context.Context, txID string) (chain.Receipt, error) {
	var info transactionInfo
	if err := c.post(ctx, "wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
		return chain.Receipt{}, fmt.Errorf("receipt %s: %w", txID, err)
	}
	if info.ID == "" {
		return chain.Receipt{}, chain.ErrReceiptNotFound
	}

	result := info.Receipt.Result
	if result == "" {
		result = info.Result
	}
	success := info.Result != "FAILED" && (info.Receipt.Result == "" || info.Receipt.Result == "SUCCESS")
	if result == "" && success {
		result = "SUCCESS"
	}
	return chain.Receipt{
		TxID:        info.ID,
		Success:     success,
		Result:      result,
		Message:     decodeMessage(info.ResMessage),
		FeeSun:      info.Fee,
		BlockNumber: info.BlockNumber,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", path, err)
	}
	return nil
}

// encodeAddressParam left-pads the 20-byte account id of address to an ABI word.
func encodeAddressParam(address string) (string, error) {
	raw, err := DecodeAddress(address)
	if err != nil {
		return "", err
	}
	word := make([]byte, 32)
	copy(word[12:], raw[1:])
	return hex.EncodeToString(word), nil
}

func encodeTransferParams(to string, amount *big.Int) (string, error) {
	addr, err := encodeAddressParam(to)
	if err != nil {
		return "", err
	}
	if amount.BitLen() > 256 {
		return "", errors.New("amount exceeds uint256")
	}
	word := make([]byte, 32)
	amount.FillBytes(word)
	return addr + hex.EncodeToString(word), nil
}

// decodeMessage turns the hex-encoded messages TronGrid returns into text.
func decodeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	if b, err := hex.DecodeString(msg); err == nil {
		return string(b)
	}
	return msg
}
