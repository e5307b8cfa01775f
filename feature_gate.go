package propauthz

import (
	"context"
	"errors"
	"time"

	"github.com/oarkflow/propauthz/logger"
)

// ResolverOption configures a FeatureGate or a PermissionResolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	ttl    time.Duration
	now    func() time.Time
	cache  CacheConfig
	logger logger.Logger
}

func defaultResolverOptions() resolverOptions {
	return resolverOptions{
		ttl:    DefaultPermissionCacheTTL,
		now:    time.Now,
		cache:  DefaultCacheConfig(),
		logger: logger.NewNullLogger(),
	}
}

// WithCacheTTL bounds how long a resolved value may be served. It is capped at
// MaxStaleness; zero or negative disables caching.
func WithCacheTTL(d time.Duration) ResolverOption {
	return func(o *resolverOptions) {
		if d > MaxStaleness {
			d = MaxStaleness
		}
		o.ttl = d
	}
}

// WithResolverClock injects the clock used for cache expiry.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(o *resolverOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func WithCacheConfig(cfg CacheConfig) ResolverOption {
	return func(o *resolverOptions) { o.cache = cfg }
}

func WithResolverLogger(l logger.Logger) ResolverOption {
	return func(o *resolverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// ============================================================================
// FEATURE GATE
// ============================================================================

// Entitlements is the effective plan of an organization. Features and Limits
// are shared with the cache and must be treated as read-only.
type Entitlements struct {
	OrganizationID string             `json:"organization_id"`
	PlanName       string             `json:"plan"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	Features       FeatureSet         `json:"-"`
	Limits         Limits             `json:"limits"`
	// Degraded is set when a store error forced the freemium fallback.
	Degraded bool `json:"degraded,omitempty"`
}

// FeatureGate resolves an organization's subscription to its plan.
type FeatureGate struct {
	plans  PlanCatalog
	subs   SubscriptionStore
	cache  *ttlCache[*Entitlements]
	logger logger.Logger
}

func NewFeatureGate(plans PlanCatalog, subs SubscriptionStore, opts ...ResolverOption) (*FeatureGate, error) {
	o := defaultResolverOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c, err := newTTLCache[*Entitlements](o.cache, o.ttl, o.now)
	if err != nil {
		return nil, err
	}
	return &FeatureGate{plans: plans, subs: subs, cache: c, logger: o.logger}, nil
}

// Resolve never fails: every missing or broken input degrades to freemium.
func (g *FeatureGate) Resolve(ctx context.Context, orgID string) *Entitlements {
	if ent, ok := g.cache.get(orgID); ok {
		return ent
	}
	gen := g.cache.generation()
	ent := g.load(ctx, orgID)
	if !ent.Degraded {
		g.cache.setFresh(orgID, ent, gen)
	}
	return ent
}

// Features returns the plan name and enabled feature set of an organization.
func (g *FeatureGate) Features(ctx context.Context, orgID string) (string, FeatureSet) {
	ent := g.Resolve(ctx, orgID)
	return ent.PlanName, ent.Features
}

// IsEnabled evaluates the feature mapped to t.
func (g *FeatureGate) IsEnabled(ctx context.Context, orgID string, t ObjectType) FeatureDecision {
	f := t.Feature()
	if f == FeatureAlwaysOn {
		return FeatureDecision{Enabled: true, Feature: f, Reason: ReasonAlwaysVisible}
	}
	ent := g.Resolve(ctx, orgID)
	if ent.Features.Has(f) {
		return FeatureDecision{Enabled: true, Feature: f, PlanName: ent.PlanName, Reason: ReasonFeatureEnabled}
	}
	return FeatureDecision{Enabled: false, Feature: f, PlanName: ent.PlanName, Reason: ReasonFeatureNotAvailable}
}

func (g *FeatureGate) Invalidate(orgID string) { g.cache.del(orgID) }

func (g *FeatureGate) Clear() { g.cache.clear() }

func (g *FeatureGate) Close() { g.cache.close() }

func (g *FeatureGate) load(ctx context.Context, orgID string) *Entitlements {
	if g.subs == nil {
		return g.freemium(ctx, orgID, "", false)
	}
	sub, err := g.subs.GetSubscription(ctx, orgID)
	switch {
	case errors.Is(err, ErrNotFound) || (err == nil && sub == nil):
		return g.freemium(ctx, orgID, "", false)
	case err != nil:
		g.logger.Error("subscription lookup failed, using freemium", "org", orgID, "error", err)
		return g.freemium(ctx, orgID, "", true)
	}
	if !sub.Status.Effective() {
		return g.freemium(ctx, orgID, sub.Status, false)
	}
	if sub.PlanName == FreemiumPlanName {
		return g.freemium(ctx, orgID, sub.Status, false)
	}
	plan, err := g.getPlan(ctx, sub.PlanName)
	if err != nil {
		g.logger.Error("plan lookup failed, using freemium", "org", orgID, "plan", sub.PlanName, "error", err)
		return g.freemium(ctx, orgID, sub.Status, true)
	}
	return &Entitlements{
		OrganizationID: orgID,
		PlanName:       plan.Name,
		Status:         sub.Status,
		Features:       plan.EnabledFeatures(),
		Limits:         plan.Limits,
	}
}

func (g *FeatureGate) freemium(ctx context.Context, orgID string, status SubscriptionStatus, degraded bool) *Entitlements {
	plan, err := g.getPlan(ctx, FreemiumPlanName)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Error("freemium plan lookup failed, using built-in plan", "org", orgID, "error", err)
			degraded = true
		}
		plan = DefaultFreemiumPlan()
	}
	return &Entitlements{
		OrganizationID: orgID,
		PlanName:       FreemiumPlanName,
		Status:         status,
		Features:       plan.EnabledFeatures(),
		Limits:         plan.Limits,
		Degraded:       degraded,
	}
}

func (g *FeatureGate) getPlan(ctx context.Context, name string) (*Plan, error) {
	if g.plans == nil {
		return nil, ErrNotFound
	}
	p, err := g.plans.GetPlan(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}
