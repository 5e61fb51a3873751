package plans

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPlanNotFound         = errors.New("plans: plan not found")
	ErrPetitionTypeNotFound = errors.New("plans: petition type not found")
	ErrCreditPackNotFound   = errors.New("plans: credit pack not found")
)

// Repository abstracts catalog persistence. Inactive rows are returned; the catalog filters them.
type Repository interface {
	GetPlan(ctx context.Context, id string) (Plan, bool, error)
	GetPetitionType(ctx context.Context, code string) (PetitionType, bool, error)
	GetCreditPack(ctx context.Context, id string) (CreditPack, bool, error)
}

// Catalog is a read-through cache over Repository.
// Entries expire after ttl so catalog edits show up without a restart.
type Catalog struct {
	repo Repository

	plans   *expirable.LRU[string, Plan]
	types   *expirable.LRU[string, PetitionType]
	packs   *expirable.LRU[string, CreditPack]
	flights singleflight.Group
}

func NewCatalog(repo Repository, size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		repo:  repo,
		plans: expirable.NewLRU[string, Plan](size, nil, ttl),
		types: expirable.NewLRU[string, PetitionType](size, nil, ttl),
		packs: expirable.NewLRU[string, CreditPack](size, nil, ttl),
	}
}

func (c *Catalog) Plan(ctx context.Context, id string) (Plan, error) {
	if p, ok := c.plans.Get(id); ok {
		return p, nil
	}
	v, err, _ := c.flights.Do("plan:"+id, func() (any, error) {
		p, ok, err := c.repo.GetPlan(ctx, id)
		if err != nil {
			return Plan{}, err
		}
		if !ok || !p.Active {
			return Plan{}, ErrPlanNotFound
		}
		c.plans.Add(id, p)
		return p, nil
	})
	if err != nil {
		return Plan{}, err
	}
	return v.(Plan), nil
}

func (c *Catalog) PetitionType(ctx context.Context, code string) (PetitionType, error) {
	if t, ok := c.types.Get(code); ok {
		return t, nil
	}
	v, err, _ := c.flights.Do("type:"+code, func() (any, error) {
		t, ok, err := c.repo.GetPetitionType(ctx, code)
		if err != nil {
			return PetitionType{}, err
		}
		if !ok || !t.Active {
			return PetitionType{}, ErrPetitionTypeNotFound
		}
		c.types.Add(code, t)
		return t, nil
	})
	if err != nil {
		return PetitionType{}, err
	}
	return v.(PetitionType), nil
}

func (c *Catalog) CreditPack(ctx context.Context, id string) (CreditPack, error) {
	if p, ok := c.packs.Get(id); ok {
		return p, nil
	}
	v, err, _ := c.flights.Do("pack:"+id, func() (any, error) {
		p, ok, err := c.repo.GetCreditPack(ctx, id)
		if err != nil {
			return CreditPack{}, err
		}
		if !ok || !p.Active {
			return CreditPack{}, ErrCreditPackNotFound
		}
		c.packs.Add(id, p)
		return p, nil
	})
	if err != nil {
		return CreditPack{}, err
	}
	return v.(CreditPack), nil
}

// Purge drops every cached entry.
func (c *Catalog) Purge() {
	c.plans.Purge()
	c.types.Purge()
	c.packs.Purge()
}
