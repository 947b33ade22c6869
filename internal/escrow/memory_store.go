package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory Store for development mode and tests. All
// reads return copies so callers never share the stored pointers.
type MemoryStore struct {
	mu            sync.RWMutex
	escrows       map[string]*Escrow
	milestones    map[string]*Milestone
	disputes      map[string]*Dispute
	evidence      []*Evidence
	adminActions  []*AdminAction
	cancellations map[string]*CancellationRequest
	transfers     map[string]*Transfer // by reference
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:       make(map[string]*Escrow),
		milestones:    make(map[string]*Milestone),
		disputes:      make(map[string]*Dispute),
		cancellations: make(map[string]*CancellationRequest),
		transfers:     make(map[string]*Transfer),
	}
}

func (m *MemoryStore) CreateEscrow(_ context.Context, e *Escrow, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = e.clone()
	for _, ms := range milestones {
		m.milestones[ms.ID] = ms.clone()
	}
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) UpdateEscrow(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet = strings.ToLower(wallet)
	var out []*Escrow
	for _, e := range m.escrows {
		if e.BuyerWallet != wallet && e.SellerWallet != wallet {
			continue
		}
		if !cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAwaitingDeposits(_ context.Context, limit int) ([]*Escrow, error) {
	return m.filter(limit, func(e *Escrow) bool {
		return awaitingDeposits(e)
	}), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.filter(limit, func(e *Escrow) bool {
		return !e.Status.Terminal() && e.Status != StatusDisputed && e.Status != StatusReleasing &&
			e.ExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListStaleReleasing(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.filter(limit, func(e *Escrow) bool {
		return e.Status == StatusReleasing && e.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListMilestones(_ context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Milestone
	for _, ms := range m.milestones {
		if ms.EscrowID == escrowID {
			out = append(out, ms.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemoryStore) GetMilestone(_ context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return ms.clone(), nil
}

func (m *MemoryStore) UpdateMilestone(_ context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[ms.ID]
	if !ok {
		return ErrMilestoneNotFound
	}
	if cur.Version != ms.Version {
		return ErrMilestoneConflict
	}
	ms.Version++
	m.milestones[ms.ID] = ms.clone()
	return nil
}

func (m *MemoryStore) CreateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.disputes {
		if cur.EscrowID == d.EscrowID && cur.Status.Active() {
			return ErrActiveDispute
		}
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) UpdateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Version != d.Version {
		return ErrDisputeConflict
	}
	d.Version++
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveDispute(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.Status.Active() {
			return d.clone(), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) CreateEvidence(_ context.Context, ev *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.evidence = append(m.evidence, &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, escrowID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Evidence
	for _, ev := range m.evidence {
		if ev.EscrowID == escrowID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAdminAction(_ context.Context, a *AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.adminActions = append(m.adminActions, &cp)
	return nil
}

func (m *MemoryStore) GetAdminAction(_ context.Context, id string) (*AdminAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.adminActions {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAdminActionNotFound
}

func (m *MemoryStore) ListAdminActions(_ context.Context, escrowID string) ([]*AdminAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AdminAction
	for _, a := range m.adminActions {
		if a.EscrowID == escrowID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateCancellation(_ context.Context, c *CancellationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.cancellations {
		if cur.EscrowID == c.EscrowID &&
			(cur.Status == CancellationPending || cur.Status == CancellationApproved) {
			return ErrPendingCancellation
		}
	}
	m.cancellations[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) GetCancellation(_ context.Context, id string) (*CancellationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cancellations[id]
	if !ok {
		return nil, ErrCancellationNotFound
	}
	return c.clone(), nil
}

func (m *MemoryStore) UpdateCancellation(_ context.Context, c *CancellationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cancellations[c.ID]
	if !ok {
		return ErrCancellationNotFound
	}
	if cur.Version != c.Version {
		return ErrCancellationConflict
	}
	c.Version++
	m.cancellations[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) CreateTransfer(_ context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.Reference]; ok {
		return ErrDuplicateReference
	}
	m.transfers[t.Reference] = t.clone()
	return nil
}

func (m *MemoryStore) ListTransfers(_ context.Context, escrowID, prefix string) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transfer
	for _, t := range m.transfers {
		if t.EscrowID == escrowID && strings.HasPrefix(t.Reference, prefix) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Leg < out[j].Leg
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateTransfer(_ context.Context, t *Transfer, from TransferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.transfers[t.Reference]
	if !ok {
		return ErrTransferNotFound
	}
	if cur.Status != from {
		return ErrTransferConflict
	}
	m.transfers[t.Reference] = t.clone()
	return nil
}
