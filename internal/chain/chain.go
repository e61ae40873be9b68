package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrInvalidAddress is returned for destination addresses that are not valid
	// on the target network.
	ErrInvalidAddress = errors.New("chain: invalid address")

	// ErrReceiptNotFound indicates the transaction is not yet in a block.
	ErrReceiptNotFound = errors.New("chain: receipt not found")

	// ErrInvalidKey is returned when a private key cannot be parsed.
	ErrInvalidKey = errors.New("chain: invalid private key")

	// ErrTxMismatch is returned when a node-built transaction id does not match
	// the hash of its raw payload.
	ErrTxMismatch = errors.New("chain: transaction id does not match payload")
)

// Account is a freshly generated key pair. The caller must seal PrivateKey
// and zero it.
type Account struct {
	Address    string
	PrivateKey []byte
}

// TransferRequest describes a token transfer to build.
type TransferRequest struct {
	Contract    string
	From        string
	To          string
	Amount      *big.Int
	FeeLimitSun int64
}

// UnsignedTx is a node-built transaction awaiting a signature.
type UnsignedTx struct {
	TxID       string
	RawDataHex string
	Payload    []byte
}

// SignedTx is ready for broadcast.
type SignedTx struct {
	TxID      string
	Signature []byte
	Payload   []byte
}

// BroadcastResult reports whether the network accepted a transaction.
type BroadcastResult struct {
	Accepted bool
	TxID     string
	Code     string
	Message  string
}

// Receipt is the on-chain outcome of a mined transaction.
type Receipt struct {
	TxID        string
	Success     bool
	Result      string
	Message     string
	FeeSun      int64
	BlockNumber int64
}

// Client is the chain surface the transfer engine depends on.
type Client interface {
	GenerateAccount() (Account, error)
	DeriveAddress(privateKey []byte) (string, error)
	ValidateAddress(address string) error
	TokenBalance(ctx context.Context, contract, address string) (*big.Int, error)
	BuildTransfer(ctx context.Context, req TransferRequest) (*UnsignedTx, error)
	Sign(tx *UnsignedTx, privateKey []byte) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (BroadcastResult, error)
	Receipt(ctx context.Context, txID string) (Receipt, error)
}

// WaitForReceipt polls client until the receipt for txID is available or ctx
// ends. Only ErrReceiptNotFound is retried.
func WaitForReceipt(ctx context.Context, client Client, txID string, interval time.Duration) (Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	var (
		receipt  Receipt
		notFound bool
	)
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		r, err := client.Receipt(ctx, txID)
		if errors.Is(err, ErrReceiptNotFound) {
			notFound = true
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		if notFound && ctx.Err() != nil {
			return Receipt{}, errors.Join(ErrReceiptNotFound, ctx.Err())
		}
		return Receipt{}, err
	}
	return receipt, nil
}
