package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/tronvault/tronvault/internal/chain"
	"github.com/tronvault/tronvault/internal/chain/tron"
	"github.com/tronvault/tronvault/internal/custody"
	"github.com/tronvault/tronvault/internal/logging"
)

func newTestService(t *testing.T) (*Service, *custody.Custodian, Repository) {
	t.Helper()
	keeper, err := custody.New(map[string][]byte{"k1": bytes.Repeat([]byte{0x5a}, 32)}, "k1")
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	repo := NewMemoryRepository()
	return NewService(repo, tron.NewClient(tron.Config{}), keeper, logging.Discard()), keeper, repo
}

func TestProvisionedWalletKeyMatchesAddress(t *testing.T) {
	svc, keeper, _ := newTestService(t)
	ctx := context.Background()
	ownerID := uuid.NewString()

	for i := 0; i < 5; i++ {
		w, err := svc.Provision(ctx, ProvisionInput{OwnerID: ownerID})
		if err != nil {
			t.Fatalf("provision: %v", err)
		}
		if w.Blockchain != BlockchainTron || w.EncryptedKey == "" {
			t.Fatalf("unexpected wallet %+v", w)
		}

		key, err := keeper.Open(w.EncryptedKey, w.Address)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		derived, err := tron.NewClient(tron.Config{}).DeriveAddress(key)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		if derived != w.Address {
			t.Fatalf("derived %s, stored %s", derived, w.Address)
		}
	}

	wallets, err := svc.ListByOwner(ctx, ownerID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wallets) != 5 {
		t.Fatalf("expected 5 wallets, got %d", len(wallets))
	}
}

func TestProvisionRejectsInvalidOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Provision(context.Background(), ProvisionInput{OwnerID: "nope"}); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}

type brokenSealer struct{}

func (brokenSealer) Seal([]byte, string) (string, error) { return "bundle", nil }
func (brokenSealer) Open(string, string) ([]byte, error) { return nil, custody.ErrDecryption }

func TestProvisionRefusesUnverifiableBundle(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, tron.NewClient(tron.Config{}), brokenSealer{}, logging.Discard())

	ownerID := uuid.NewString()
	if _, err := svc.Provision(context.Background(), ProvisionInput{OwnerID: ownerID}); !errors.Is(err, custody.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	wallets, _ := repo.ListByOwner(context.Background(), ownerID)
	if len(wallets) != 0 {
		t.Fatalf("wallet must not be stored when the bundle cannot be verified")
	}
}

type fixedKeys struct {
	account chain.Account
}

func (f fixedKeys) GenerateAccount() (chain.Account, error) {
	return chain.Account{Address: f.account.Address, PrivateKey: bytes.Clone(f.account.PrivateKey)}, nil
}

func (f fixedKeys) DeriveAddress([]byte) (string, error) { return f.account.Address, nil }

func TestProvisionDuplicateAddress(t *testing.T) {
	keeper, err := custody.New(map[string][]byte{"k1": bytes.Repeat([]byte{0x01}, 32)}, "k1")
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	keys := fixedKeys{account: chain.Account{Address: "TMVQGm1qAQYVdetCeGRRkTWYYrLXuHK2HC", PrivateKey: bytes.Repeat([]byte{0x02}, 32)}}
	svc := NewService(NewMemoryRepository(), keys, keeper, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Provision(ctx, ProvisionInput{OwnerID: uuid.NewString()}); err != nil {
		t.Fatalf("first provision: %v", err)
	}
	if _, err := svc.Provision(ctx, ProvisionInput{OwnerID: uuid.NewString()}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetUnknownWallet(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
