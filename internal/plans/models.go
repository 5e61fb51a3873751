package plans

// Billing plans are configuration: the ledger only reads them.
// Money amounts are BRL centavos (int64).

type PlanType string

const (
	PlanPerUsage PlanType = "per_usage"
	PlanMonthly  PlanType = "monthly"
)

type Plan struct {
	ID   string   `json:"id" db:"id"`
	Name string   `json:"name" db:"name"`
	Type PlanType `json:"type" db:"type"`

	// MonthlyFee is charged through a recurring preapproval (monthly) or once (per_usage activation).
	MonthlyFee int64 `json:"monthly_fee" db:"monthly_fee"`
	// MonthlyPetitionLimit caps billable petitions per cycle on monthly plans; nil means unlimited.
	MonthlyPetitionLimit *int `json:"monthly_petition_limit,omitempty" db:"monthly_petition_limit"`
	// MonthlyCredits are ai_credits granted on each paid renewal.
	MonthlyCredits int64 `json:"monthly_credits" db:"monthly_credits"`

	// PetitionTypes lists supported petition type codes; empty means all.
	PetitionTypes []string `json:"petition_types,omitempty"`

	Active bool `json:"active" db:"active"`
}

func (p Plan) Supports(code string) bool {
	if len(p.PetitionTypes) == 0 {
		return true
	}
	for _, c := range p.PetitionTypes {
		if c == code {
			return true
		}
	}
	return false
}

type PetitionType struct {
	Code      string `json:"code" db:"code"`
	Name      string `json:"name" db:"name"`
	BasePrice int64  `json:"base_price" db:"base_price"`
	// Billable petitions count towards limits and are charged on per_usage plans.
	Billable bool `json:"billable" db:"billable"`
	Active   bool `json:"active" db:"active"`
}

// CreditPack is a purchasable bundle of ai_credits.
type CreditPack struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Credits int64  `json:"credits" db:"credits"`
	Price   int64  `json:"price" db:"price"`
	Active  bool   `json:"active" db:"active"`
}
