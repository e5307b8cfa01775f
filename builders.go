package propauthz

// Builders provide a fluent API for creating Profiles and Plans

// ProfileBuilder builds a Profile
type ProfileBuilder struct {
	p *Profile
}

func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{p: &Profile{Permissions: []ObjectPermission{}}}
}

func (b *ProfileBuilder) ID(id string) *ProfileBuilder         { b.p.ID = id; return b }
func (b *ProfileBuilder) Organization(o string) *ProfileBuilder { b.p.OrganizationID = o; return b }
func (b *ProfileBuilder) Name(n string) *ProfileBuilder         { b.p.Name = n; return b }
func (b *ProfileBuilder) Description(d string) *ProfileBuilder  { b.p.Description = d; return b }

// Grant sets the row for t, replacing an earlier one.
func (b *ProfileBuilder) Grant(t ObjectType, caps Capabilities) *ProfileBuilder {
	for i := range b.p.Permissions {
		if b.p.Permissions[i].ObjectType == t {
			b.p.Permissions[i].Capabilities = caps
			return b
		}
	}
	b.p.Permissions = append(b.p.Permissions, ObjectPermission{ObjectType: t, Capabilities: caps})
	return b
}

// GrantAll gives full capabilities on every object type.
func (b *ProfileBuilder) GrantAll() *ProfileBuilder {
	for _, t := range AllObjectTypes() {
		b.Grant(t, FullCapabilities())
	}
	return b
}

// OrganizationAdmin grants edit on Organization, which overrides every other row.
func (b *ProfileBuilder) OrganizationAdmin() *ProfileBuilder {
	return b.Grant(ObjectOrganization, FullCapabilities())
}

func (b *ProfileBuilder) Build() *Profile {
	for i := range b.p.Permissions {
		b.p.Permissions[i].ProfileID = b.p.ID
	}
	return b.p
}

// PlanBuilder builds a Plan. Limits start unlimited.
type PlanBuilder struct {
	p *Plan
}

func NewPlanBuilder() *PlanBuilder {
	return &PlanBuilder{p: &Plan{Limits: UnlimitedLimits(), Features: map[FeatureKey]bool{}}}
}

func (b *PlanBuilder) Name(n string) *PlanBuilder        { b.p.Name = n; return b }
func (b *PlanBuilder) DisplayName(n string) *PlanBuilder { b.p.DisplayName = n; return b }
func (b *PlanBuilder) Price(currency string, monthly, yearly int64) *PlanBuilder {
	b.p.Price = PriceTerms{Currency: currency, MonthlyCents: monthly, YearlyCents: yearly}
	return b
}
func (b *PlanBuilder) Lots(l Limit) *PlanBuilder            { b.p.Limits.Lots = l; return b }
func (b *PlanBuilder) Users(l Limit) *PlanBuilder           { b.p.Limits.Users = l; return b }
func (b *PlanBuilder) ExtranetTenants(l Limit) *PlanBuilder { b.p.Limits.ExtranetTenants = l; return b }
func (b *PlanBuilder) Enable(f ...FeatureKey) *PlanBuilder {
	for _, k := range f {
		b.p.Features[k] = true
	}
	return b
}
func (b *PlanBuilder) Disable(f ...FeatureKey) *PlanBuilder {
	for _, k := range f {
		b.p.Features[k] = false
	}
	return b
}
func (b *PlanBuilder) Build() *Plan { return b.p }
