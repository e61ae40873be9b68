package tron

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/tronvault/tronvault/internal/chain"
)

const (
	addressPrefix  = 0x41
	addressLen     = 21
	checksumLen    = 4
	privateKeySize = 32
)

// AddressFromPublicKey derives the base58check TRON address of an uncompressed
// or compressed secp256k1 public key.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	digest := h.Sum(nil)

	raw := make([]byte, 0, addressLen)
	raw = append(raw, addressPrefix)
	raw = append(raw, digest[len(digest)-20:]...)
	return encodeCheck(raw)
}

// DecodeAddress validates a base58check address and returns its 21-byte form.
func DecodeAddress(address string) ([]byte, error) {
	decoded, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidAddress, err)
	}
	if len(decoded) != addressLen+checksumLen {
		return nil, fmt.Errorf("%w: unexpected length %d", chain.ErrInvalidAddress, len(decoded))
	}
	raw, sum := decoded[:addressLen], decoded[addressLen:]
	if raw[0] != addressPrefix {
		return nil, fmt.Errorf("%w: unexpected prefix %#x", chain.ErrInvalidAddress, raw[0])
	}
	if !bytes.Equal(checksum(raw), sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", chain.ErrInvalidAddress)
	}
	return raw, nil
}

// HexAddress returns the 41-prefixed hex form used by raw node APIs.
func HexAddress(address string) (string, error) {
	raw, err := DecodeAddress(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func parsePrivateKey(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != privateKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", chain.ErrInvalidKey, privateKeySize, len(b))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, chain.ErrInvalidKey
	}
	key := secp256k1.NewPrivateKey(&scalar)
	scalar.Zero()
	return key, nil
}

func encodeCheck(raw []byte) string {
	out := make([]byte, 0, len(raw)+checksumLen)
	out = append(out, raw...)
	out = append(out, checksum(raw)...)
	return base58.Encode(out)
}

func checksum(raw []byte) []byte {
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return second[:checksumLen]
}
