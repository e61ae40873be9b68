package wallet

import "time"

// BlockchainTron is the only network wallets are provisioned on.
const BlockchainTron = "TRON"

// Wallet is a custodial on-chain account owned by one user. EncryptedKey is a
// custody bundle and never leaves the service.
type Wallet struct {
	ID           string
	OwnerID      string
	Address      string
	EncryptedKey string
	Blockchain   string
	CreatedAt    time.Time
}
