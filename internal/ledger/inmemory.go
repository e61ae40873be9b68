package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests
// and local development.
func NewInMemory() Store {
	return &inMemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *inMemoryStore) Create(_ context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrDuplicate
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt
	if record.Status == "" {
		record.Status = StatusPending
	}
	s.records[record.ID] = record
	return nil
}

func (s *inMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// updatePending applies fn to a PENDING record under the write lock.
func (s *inMemoryStore) updatePending(id string, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status != StatusPending {
		return Record{}, ErrInvalidTransition
	}
	fn(&record)
	record.UpdatedAt = s.now()
	s.records[id] = record
	return record, nil
}

func (s *inMemoryStore) AttachTransaction(_ context.Context, id, txID string) error {
	_, err := s.updatePending(id, func(r *Record) {
		r.TransactionID = txID
	})
	return err
}

func (s *inMemoryStore) Complete(_ context.Context, id string, c Completion) (Record, error) {
	return s.updatePending(id, func(r *Record) {
		r.Status = StatusCompleted
		r.FeeNative = c.FeeNative
		r.FeeInToken = c.FeeInToken
	})
}

func (s *inMemoryStore) Fail(_ context.Context, id string, f Failure) (Record, error) {
	return s.updatePending(id, func(r *Record) {
		r.Status = StatusFailed
		r.FailureStage = f.Stage
		r.FailureReason = f.Reason
		if f.FeeNative > 0 {
			r.FeeNative = f.FeeNative
		}
		if f.OnChainStatus != OnChainUnknown {
			r.OnChainStatus = f.OnChainStatus
		}
	})
}

func (s *inMemoryStore) ListByWallet(_ context.Context, walletID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.FromWalletID == walletID || r.ToWalletID == walletID {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

func (s *inMemoryStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Status == StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sortOldestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

func (s *inMemoryStore) ListUnreconciledFailures(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Status == StatusFailed && r.TransactionID != "" && r.OnChainStatus == OnChainUnknown {
			out = append(out, r)
		}
	}
	sortOldestFirst(out)
	return truncate(out, NormalizeLimit(limit)), nil
}

func (s *inMemoryStore) RecordChainOutcome(_ context.Context, id string, status OnChainStatus, feeNative int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	record.OnChainStatus = status
	if feeNative > 0 {
		record.FeeNative = feeNative
	}
	s.records[id] = record
	return nil
}

func sortNewestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func sortOldestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func truncate(records []Record, limit int) []Record {
	if len(records) > limit {
		return records[:limit]
	}
	return records
}
