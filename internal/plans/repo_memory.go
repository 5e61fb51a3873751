package plans

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory catalog for tests and local runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	Plans map[string]Plan
	Types map[string]PetitionType
	Packs map[string]CreditPack

	// Lookups counts repository hits (cache tests).
	Lookups int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		Plans: map[string]Plan{},
		Types: map[string]PetitionType{},
		Packs: map[string]CreditPack{},
	}
}

func (r *MemoryRepo) GetPlan(ctx context.Context, id string) (Plan, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups++
	p, ok := r.Plans[id]
	return p, ok, nil
}

func (r *MemoryRepo) GetPetitionType(ctx context.Context, code string) (PetitionType, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups++
	t, ok := r.Types[code]
	return t, ok, nil
}

func (r *MemoryRepo) GetCreditPack(ctx context.Context, id string) (CreditPack, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups++
	p, ok := r.Packs[id]
	return p, ok, nil
}
