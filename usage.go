package propauthz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oarkflow/propauthz/logger"
)

// NearLimitPercent is the usage share at which UI warnings start.
const NearLimitPercent = 80

var errNoUsageStore = errors.New("usage store is not configured")

// UsageGuard compares live resource counts with plan limits.
type UsageGuard struct {
	gate   *FeatureGate
	usage  UsageStore
	logger logger.Logger
}

func NewUsageGuard(gate *FeatureGate, usage UsageStore, l logger.Logger) *UsageGuard {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &UsageGuard{gate: gate, usage: usage, logger: l}
}

func (g *UsageGuard) count(ctx context.Context, orgID string) (Usage, error) {
	if g.usage == nil {
		return Usage{}, errNoUsageStore
	}
	u, err := g.usage.CountUsage(ctx, orgID)
	if err != nil {
		g.logger.Error("usage count failed", "org", orgID, "error", err)
		return Usage{}, fmt.Errorf("count usage of %s: %w", orgID, err)
	}
	return u, nil
}

// ValidatePlanChange rejects a switch to target when existing usage exceeds any
// of its limits. All violations are reported in one *LimitViolationError.
func (g *UsageGuard) ValidatePlanChange(ctx context.Context, orgID string, target *Plan) error {
	if target == nil {
		return fmt.Errorf("%w: target plan is required", ErrInvalidRequest)
	}
	u, err := g.count(ctx, orgID)
	if err != nil {
		return err
	}
	name := target.DisplayName
	if name == "" {
		name = target.Name
	}
	var violations []LimitViolation
	for _, r := range AllResources() {
		limit, current := target.Limits.For(r), u.For(r)
		if !limit.ExceededBy(current) {
			continue
		}
		violations = append(violations, LimitViolation{
			Resource: r,
			Current:  current,
			Limit:    limit,
			Message:  fmt.Sprintf("%s: you currently use %d but the %s plan allows %d", r.label(), current, name, int(limit)),
		})
	}
	if len(violations) > 0 {
		return &LimitViolationError{TargetPlan: target.Name, Violations: violations}
	}
	return nil
}

// CheckCanAdd rejects adding n units of r when the organization's current plan
// would be exceeded. It must run before any side effect of the creation.
func (g *UsageGuard) CheckCanAdd(ctx context.Context, orgID string, r Resource, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	ent := g.gate.Resolve(ctx, orgID)
	limit := ent.Limits.For(r)
	if limit.IsUnlimited() {
		return nil
	}
	u, err := g.count(ctx, orgID)
	if err != nil {
		return err
	}
	current := u.For(r)
	if !limit.CanAdd(current, n) {
		return &LimitReachedError{Resource: r, Current: current, Limit: limit, PlanName: ent.PlanName}
	}
	return nil
}

// ResourceUsage is one line of a usage report. Remaining is -1 when unlimited.
type ResourceUsage struct {
	Resource  Resource `json:"resource"`
	Current   int      `json:"current"`
	Limit     Limit    `json:"limit"`
	Remaining int      `json:"remaining"`
	AtLimit   bool     `json:"at_limit"`
	NearLimit bool     `json:"near_limit"`
}

type UsageReport struct {
	OrganizationID string          `json:"organization_id"`
	PlanName       string          `json:"plan"`
	Resources      []ResourceUsage `json:"resources"`
}

// Report returns current usage against the organization's effective plan.
func (g *UsageGuard) Report(ctx context.Context, orgID string) (*UsageReport, error) {
	ent := g.gate.Resolve(ctx, orgID)
	u, err := g.count(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rep := &UsageReport{OrganizationID: orgID, PlanName: ent.PlanName}
	for _, r := range AllResources() {
		rep.Resources = append(rep.Resources, newResourceUsage(r, u.For(r), ent.Limits.For(r)))
	}
	return rep, nil
}

func newResourceUsage(r Resource, current int, limit Limit) ResourceUsage {
	ru := ResourceUsage{Resource: r, Current: current, Limit: limit, Remaining: -1}
	if limit.IsUnlimited() {
		return ru
	}
	ru.Remaining = int(limit) - current
	if ru.Remaining < 0 {
		ru.Remaining = 0
	}
	ru.AtLimit = current >= int(limit)
	ru.NearLimit = limit > 0 && current*100 >= int(limit)*NearLimitPercent
	return ru
}

// UsageReport returns the report of p's organization. Only active members of
// that organization and super-admins may read it; anyone else gets a
// *ForbiddenError with reason not_organization_member.
func (e *Engine) UsageReport(ctx context.Context, p Principal) (*UsageReport, error) {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: user and organization are required", ErrInvalidRequest)
	}
	if err := e.checkMembership(ctx, p); err != nil {
		return nil, err
	}
	return e.usage.Report(ctx, p.OrganizationID)
}

func (e *Engine) checkMembership(ctx context.Context, p Principal) error {
	if sa, err := e.superAdmins.IsSuperAdmin(ctx, p.UserID); err == nil && sa {
		return nil
	}
	res, err := e.resolver.Resolve(ctx, p.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("resolve %s: %w", p.UserID, err)
	}
	if err != nil || res.OrganizationID != p.OrganizationID || !res.Active() {
		return &ForbiddenError{Decision: &Decision{
			ObjectType: ObjectOrganization,
			Action:     ActionRead,
			Reason:     ReasonNotOrganizationMember,
			Tier:       TierMembership,
			Timestamp:  e.now(),
		}}
	}
	return nil
}
