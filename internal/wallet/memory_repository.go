package wallet

import (
	"context"
	"sort"
	"sync"
)

type memoryRepository struct {
	mu        sync.RWMutex
	storage   map[string]Wallet
	addresses map[string]string
}

// NewMemoryRepository constructs an in-memory repository for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		storage:   make(map[string]Wallet),
		addresses: make(map[string]string),
	}
}

func (r *memoryRepository) Create(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[wallet.ID]; exists {
		return ErrExists
	}
	if _, exists := r.addresses[wallet.Address]; exists {
		return ErrExists
	}
	r.storage[wallet.ID] = wallet
	r.addresses[wallet.Address] = wallet.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.storage[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return wallet, nil
}

func (r *memoryRepository) ListByOwner(_ context.Context, ownerID string) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Wallet
	for _, w := range r.storage {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
