package tron

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tronvault/tronvault/internal/chain"
)

const signatureLen = 65

// Sign produces a recoverable secp256k1 signature over the transaction id.
// The id is recomputed from raw_data_hex first so a node cannot get a different
// payload signed.
func (c *Client) Sign(tx *chain.UnsignedTx, privateKey []byte) (*chain.SignedTx, error) {
	if tx == nil {
		return nil, fmt.Errorf("sign: nil transaction")
	}
	hash, err := verifyTxID(tx)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	sig := toRSV(ecdsa.SignCompact(key, hash, false))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(tx.Payload, &fields); err != nil {
		return nil, fmt.Errorf("sign: parse transaction: %w", err)
	}
	encoded, err := json.Marshal([]string{hex.EncodeToString(sig)})
	if err != nil {
		return nil, fmt.Errorf("sign: encode signature: %w", err)
	}
	fields["signature"] = encoded
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("sign: encode transaction: %w", err)
	}

	return &chain.SignedTx{TxID: tx.TxID, Signature: sig, Payload: payload}, nil
}

// RecoverSigner returns the address that produced sig over txID.
func RecoverSigner(txID string, sig []byte) (string, error) {
	hash, err := hex.DecodeString(txID)
	if err != nil {
		return "", fmt.Errorf("decode txID: %w", err)
	}
	if len(sig) != signatureLen {
		return "", fmt.Errorf("signature must be %d bytes", signatureLen)
	}
	compact := make([]byte, signatureLen)
	compact[0] = sig[64]
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return AddressFromPublicKey(pub), nil
}

func verifyTxID(tx *chain.UnsignedTx) ([]byte, error) {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, fmt.Errorf("%w: raw_data_hex: %v", chain.ErrTxMismatch, err)
	}
	sum := sha256.Sum256(raw)
	want, err := hex.DecodeString(tx.TxID)
	if err != nil || !bytes.Equal(sum[:], want) {
		return nil, chain.ErrTxMismatch
	}
	return sum[:], nil
}

// toRSV reorders a compact signature V||R||S into the R||S||V layout TRON
// nodes expect, keeping V as 27 or 28.
func toRSV(compact []byte) []byte {
	sig := make([]byte, signatureLen)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig
}
