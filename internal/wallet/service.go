package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/custody"
	"github.com/tronvault/tronvault/internal/metrics"
)

// ErrInvalidOwner is returned when the owner id is not a UUID.
var ErrInvalidOwner = errors.New("invalid owner id")

// KeyGenerator creates key pairs and derives their addresses.
type KeyGenerator interface {
	GenerateAccount() (chain.Account, error)
	DeriveAddress(privateKey []byte) (string, error)
}

// Sealer protects private keys at rest.
type Sealer interface {
	Seal(privateKey []byte, address string) (string, error)
	Open(bundle, address string) ([]byte, error)
}

// Service provisions and looks up custodial wallets.
type Service struct {
	repo   Repository
	keys   KeyGenerator
	sealer Sealer
	logger *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(repo Repository, keys KeyGenerator, sealer Sealer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, keys: keys, sealer: sealer, logger: logger}
}

// ProvisionInput captures data required to create a wallet.
type ProvisionInput struct {
	OwnerID string
}

// Provision generates a key pair, seals it and stores the wallet. The sealed
// bundle is opened once before storing to prove it yields the same address.
func (s *Service) Provision(ctx context.Context, input ProvisionInput) (Wallet, error) {
	if _, err := uuid.Parse(input.OwnerID); err != nil {
		return Wallet{}, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}

	account, err := s.keys.GenerateAccount()
	if err != nil {
		return Wallet{}, fmt.Errorf("generate account: %w", err)
	}
	defer custody.Zero(account.PrivateKey)

	bundle, err := s.sealer.Seal(account.PrivateKey, account.Address)
	if err != nil {
		return Wallet{}, fmt.Errorf("seal key: %w", err)
	}
	if err := s.verifyBundle(bundle, account.Address); err != nil {
		return Wallet{}, err
	}

	wallet := Wallet{
		ID:           uuid.New().String(),
		OwnerID:      input.OwnerID,
		Address:      account.Address,
		EncryptedKey: bundle,
		Blockchain:   BlockchainTron,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, wallet); err != nil {
		return Wallet{}, fmt.Errorf("store wallet: %w", err)
	}

	metrics.WalletsProvisioned.Inc()
	s.logger.Info("wallet provisioned",
		slog.String("wallet_id", wallet.ID),
		slog.String("owner_id", wallet.OwnerID),
		slog.String("address", wallet.Address))
	return wallet, nil
}

func (s *Service) verifyBundle(bundle, address string) error {
	key, err := s.sealer.Open(bundle, address)
	if err != nil {
		return fmt.Errorf("verify sealed key: %w", err)
	}
	defer custody.Zero(key)
	derived, err := s.keys.DeriveAddress(key)
	if err != nil {
		return fmt.Errorf("verify sealed key: %w", err)
	}
	if derived != address {
		return fmt.Errorf("verify sealed key: derived address %s does not match %s", derived, address)
	}
	return nil
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// ListByOwner returns all wallets of a user.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	return s.repo.ListByOwner(ctx, ownerID)
}
