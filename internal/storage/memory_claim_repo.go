package storage

import (
	"context"
	"sync"

	"github.com/annel0/claim-engine/internal/claim"
)

// MemoryClaimRepo реализует ClaimRepo в памяти.
// Используется в тестах и при отключённой персистентности.
type MemoryClaimRepo struct {
	mu     sync.RWMutex
	claims map[string]*claim.Snapshot
}

// NewMemoryClaimRepo создает новый in-memory репозиторий претензий.
func NewMemoryClaimRepo() *MemoryClaimRepo {
	return &MemoryClaimRepo{
		claims: make(map[string]*claim.Snapshot),
	}
}

// Persist сохраняет копию снимка претензии.
func (r *MemoryClaimRepo) Persist(ctx context.Context, s *claim.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.ID == "" {
		return claim.ErrInvalidArgument
	}

	cp := *s
	r.mu.Lock()
	r.claims[s.ID] = &cp
	r.mu.Unlock()
	return nil
}

// Remove удаляет претензию из репозитория.
func (r *MemoryClaimRepo) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.claims, id)
	r.mu.Unlock()
	return nil
}

// LoadAll возвращает копии всех сохранённых снимков.
func (r *MemoryClaimRepo) LoadAll(ctx context.Context) ([]*claim.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*claim.Snapshot, 0, len(r.claims))
	for _, s := range r.claims {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// Close освобождает ресурсы (для памяти — no-op).
func (r *MemoryClaimRepo) Close() error {
	return nil
}
