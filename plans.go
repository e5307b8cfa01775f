package propauthz

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// PLAN CATALOG
// ============================================================================

// FreemiumPlanName is the fallback plan for organizations without an effective subscription.
const FreemiumPlanName = "freemium"

// Limit is a resource cap. Unlimited (-1) is the only unlimited value.
type Limit int

const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool { return l == Unlimited }

// CanAdd reports whether n more units fit next to current usage.
func (l Limit) CanAdd(current, n int) bool {
	if l.IsUnlimited() {
		return true
	}
	return current+n <= int(l)
}

// ExceededBy reports whether existing usage is already over the limit.
func (l Limit) ExceededBy(current int) bool {
	return !l.IsUnlimited() && current > int(l)
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int(l))
}

// LimitFromNullable normalizes an absent value to Unlimited.
func LimitFromNullable(v *int) Limit {
	if v == nil {
		return Unlimited
	}
	return Limit(*v)
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	*l = Limit(n)
	return nil
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" || node.Value == "" || node.Value == "~" {
		*l = Unlimited
		return nil
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	*l = Limit(n)
	return nil
}

// Resource is a plan-limited resource kind.
type Resource string

const (
	ResourceLots            Resource = "lots"
	ResourceUsers           Resource = "users"
	ResourceExtranetTenants Resource = "extranet_tenants"
)

// AllResources in reporting order.
func AllResources() []Resource {
	return []Resource{ResourceLots, ResourceUsers, ResourceExtranetTenants}
}

func (r Resource) label() string {
	switch r {
	case ResourceLots:
		return "Lots"
	case ResourceUsers:
		return "Users"
	case ResourceExtranetTenants:
		return "Extranet tenants"
	}
	return string(r)
}

// Limits are a plan's numeric caps. Missing keys decode as Unlimited.
type Limits struct {
	Lots            Limit `json:"lots" yaml:"lots"`
	Users           Limit `json:"users" yaml:"users"`
	ExtranetTenants Limit `json:"extranet_tenants" yaml:"extranet_tenants"`
}

// UnlimitedLimits has every cap set to Unlimited.
func UnlimitedLimits() Limits {
	return Limits{Lots: Unlimited, Users: Unlimited, ExtranetTenants: Unlimited}
}

func (l *Limits) UnmarshalJSON(b []byte) error {
	type raw Limits
	out := raw(UnlimitedLimits())
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*l = Limits(out)
	return nil
}

func (l *Limits) UnmarshalYAML(node *yaml.Node) error {
	type raw Limits
	out := raw(UnlimitedLimits())
	if err := node.Decode(&out); err != nil {
		return err
	}
	*l = Limits(out)
	return nil
}

// For returns the limit for a resource.
func (l Limits) For(r Resource) Limit {
	switch r {
	case ResourceLots:
		return l.Lots
	case ResourceUsers:
		return l.Users
	case ResourceExtranetTenants:
		return l.ExtranetTenants
	}
	return 0
}

func (l Limits) validate() error {
	for _, r := range AllResources() {
		if v := l.For(r); v < Unlimited {
			return fmt.Errorf("%w: %s limit %d is below -1", ErrInvalidRequest, r, int(v))
		}
	}
	return nil
}

// PriceTerms describe how a plan is billed. Amounts are in minor units.
type PriceTerms struct {
	Currency     string `json:"currency" yaml:"currency"`
	MonthlyCents int64  `json:"monthly_cents" yaml:"monthly_cents"`
	YearlyCents  int64  `json:"yearly_cents" yaml:"yearly_cents"`
}

// Plan is an immutable catalog entry referenced by subscriptions.
type Plan struct {
	Name        string              `json:"name" yaml:"name"`
	DisplayName string              `json:"display_name" yaml:"display_name"`
	Price       PriceTerms          `json:"price" yaml:"price"`
	Limits      Limits              `json:"limits" yaml:"limits"`
	Features    map[FeatureKey]bool `json:"features" yaml:"features"`
}

// UnmarshalJSON defaults a missing limits block to unlimited.
func (p *Plan) UnmarshalJSON(b []byte) error {
	type raw Plan
	out := raw{Limits: UnlimitedLimits()}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*p = Plan(out)
	return nil
}

func (p *Plan) UnmarshalYAML(node *yaml.Node) error {
	type raw Plan
	out := raw{Limits: UnlimitedLimits()}
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = Plan(out)
	return nil
}

// Validate checks a plan before it enters the catalog.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: plan name is required", ErrInvalidRequest)
	}
	if err := p.Limits.validate(); err != nil {
		return fmt.Errorf("plan %s: %w", p.Name, err)
	}
	return nil
}

// EnabledFeatures returns the feature map filtered to true values.
func (p *Plan) EnabledFeatures() FeatureSet {
	fs := make(FeatureSet, len(p.Features))
	for k, on := range p.Features {
		if on {
			fs[k] = struct{}{}
		}
	}
	return fs
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	dup := *p
	dup.Features = make(map[FeatureKey]bool, len(p.Features))
	for k, v := range p.Features {
		dup.Features[k] = v
	}
	return &dup
}

// DefaultFreemiumPlan is used when the catalog cannot supply the freemium plan.
func DefaultFreemiumPlan() *Plan {
	return &Plan{
		Name:        FreemiumPlanName,
		DisplayName: "Freemium",
		Price:       PriceTerms{Currency: "EUR"},
		Limits:      Limits{Lots: 3, Users: 1, ExtranetTenants: 0},
		Features: map[FeatureKey]bool{
			FeaturePropertiesManagement: true,
			FeatureTenantsManagement:    true,
			FeatureLeasesManagement:     true,
			FeaturePaymentsManagement:   false,
			FeatureTasksManagement:      false,
			FeatureMessaging:            false,
			FeatureAccountingFull:       false,
			FeatureReports:              false,
			FeatureCustomProfiles:       false,
		},
	}
}

// FeatureSet holds enabled feature keys.
type FeatureSet map[FeatureKey]struct{}

// Has reports whether f is enabled. FeatureAlwaysOn is always enabled.
func (fs FeatureSet) Has(f FeatureKey) bool {
	if f == FeatureAlwaysOn {
		return true
	}
	_, ok := fs[f]
	return ok
}

// Keys returns the enabled keys sorted.
func (fs FeatureSet) Keys() []FeatureKey {
	out := make([]FeatureKey, 0, len(fs))
	for k := range fs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// Effective reports whether the referenced plan applies.
func (s SubscriptionStatus) Effective() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled, SubscriptionExpired:
		return true
	}
	return false
}

// Subscription links one organization to one plan.
type Subscription struct {
	ID               string             `json:"id" yaml:"id"`
	OrganizationID   string             `json:"organization_id" yaml:"organization_id"`
	PlanName         string             `json:"plan" yaml:"plan"`
	Status           SubscriptionStatus `json:"status" yaml:"status"`
	CurrentPeriodEnd time.Time          `json:"current_period_end,omitempty" yaml:"current_period_end,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at" yaml:"-"`
}
