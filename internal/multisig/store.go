package multisig

import (
	"context"
	"sync"
	"time"
)

// Store persists multi-sig transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// FindPending returns the pending transaction for the same action, or
	// ErrNotFound.
	FindPending(ctx context.Context, escrowID, milestoneID, wallet string, intent Intent) (*Transaction, error)
	// Update writes tx if its stored version still equals tx.Version, then
	// advances tx.Version.
	Update(ctx context.Context, tx *Transaction) error
	ListPending(ctx context.Context, limit int) ([]*Transaction, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) FindPending(_ context.Context, escrowID, milestoneID, wallet string, intent Intent) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.txs {
		if tx.Status == StatusPending && tx.EscrowID == escrowID && tx.MilestoneID == milestoneID &&
			tx.Wallet == wallet && tx.Intent == intent {
			return tx.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txs[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != tx.Version {
		return ErrVersionChanged
	}
	tx.Version++
	tx.UpdatedAt = time.Now()
	m.txs[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if tx.Status != StatusPending {
			continue
		}
		out = append(out, tx.clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
