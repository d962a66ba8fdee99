package registry

import "time"

// Plan identifies a tenant's subscription tier. It does not itself change
// SheetGate's behavior; routes may consult it to vary rate limits or batch
// policy in a future extension.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// Tenant is the authoritative record mapping a tenant to its external sheet
// and plan metadata.
type Tenant struct {
	ID        string
	SheetRef  string
	Name      string
	Plan      Plan
	Enabled   bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attrs is the mutable projection of a Tenant accepted by AddOrUpdate.
type Attrs struct {
	SheetRef string
	Name     string
	Plan     Plan
	Enabled  bool
	Metadata map[string]string
}
