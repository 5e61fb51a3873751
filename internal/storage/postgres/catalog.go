package postgres

import (
	"context"
	"database/sql"
	"errors"

	"petition-billing/internal/plans"

	"github.com/jackc/pgx/v5/pgtype"
)

// Catalog implements plans.Repository. Reads go straight to the pool: the
// catalog is configuration and never joins a unit of work.
type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) GetPlan(ctx context.Context, id string) (plans.Plan, bool, error) {
	const q = `
SELECT id, name, type, monthly_fee, monthly_petition_limit, monthly_credits, petition_types, active
FROM billing_plans
WHERE id = $1
`
	var (
		p     plans.Plan
		limit sql.NullInt32
		types []string
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&p.MonthlyFee,
		&limit,
		&p.MonthlyCredits,
		pgtype.NewMap().SQLScanner(&types), // pgtype.Map is not safe for concurrent use,
		&p.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return plans.Plan{}, false, nil
	}
	if err != nil {
		return plans.Plan{}, false, err
	}
	if limit.Valid {
		n := int(limit.Int32)
		p.MonthlyPetitionLimit = &n
	}
	if len(types) > 0 {
		p.PetitionTypes = types
	}
	return p, true, nil
}

func (c *Catalog) GetPetitionType(ctx context.Context, code string) (plans.PetitionType, bool, error) {
	const q = `SELECT code, name, base_price, billable, active FROM petition_types WHERE code = $1`
	var t plans.PetitionType
	err := c.db.QueryRowContext(ctx, q, code).Scan(&t.Code, &t.Name, &t.BasePrice, &t.Billable, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return plans.PetitionType{}, false, nil
	}
	if err != nil {
		return plans.PetitionType{}, false, err
	}
	return t, true, nil
}

func (c *Catalog) GetCreditPack(ctx context.Context, id string) (plans.CreditPack, bool, error) {
	const q = `SELECT id, name, credits, price, active FROM credit_packs WHERE id = $1`
	var p plans.CreditPack
	err := c.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return plans.CreditPack{}, false, nil
	}
	if err != nil {
		return plans.CreditPack{}, false, err
	}
	return p, true, nil
}
