package propauthz

import (
	"context"
	"time"
)

// Reason is the stable vocabulary consumers branch on.
type Reason string

const (
	ReasonSuperAdmin             Reason = "super_admin"
	ReasonOrganizationAdmin      Reason = "organization_admin"
	ReasonPermissionGranted      Reason = "permission_granted"
	ReasonAlwaysVisible          Reason = "always_visible"
	ReasonFeatureEnabled         Reason = "feature_enabled"
	ReasonFeatureNotAvailable    Reason = "feature_not_available"
	ReasonPermissionDenied       Reason = "permission_denied"
	ReasonNoPermissionSpecified  Reason = "no_permission_specified"
	ReasonNoProfileAssigned      Reason = "no_profile_assigned"
	ReasonObjectPermissionDenied Reason = "object_permission_denied"
	ReasonObjectNotFound         Reason = "object_not_found"
	ReasonNotOrganizationMember  Reason = "not_organization_member"
	ReasonResolutionFailed       Reason = "resolution_failed"
	ReasonInvalidRequest         Reason = "invalid_request"
)

// Tier names the evaluation step that produced a verdict.
type Tier string

const (
	TierValidation Tier = "validation"
	TierOverride   Tier = "override"
	TierMembership Tier = "membership"
	TierFeature    Tier = "feature"
	TierProfile    Tier = "profile"
	TierInstance   Tier = "instance"
)

// Decision is the fully populated verdict returned to consumers.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     Reason     `json:"reason"`
	Tier       Tier       `json:"tier"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   string     `json:"object_id,omitempty"`
	Action     Action     `json:"action"`
	Feature    FeatureKey `json:"feature,omitempty"`
	PlanName   string     `json:"plan,omitempty"`
	ProfileID  string     `json:"profile_id,omitempty"`
	Trace      []string   `json:"trace,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// UpgradeRequired is true when the feature tier denied; consumers show an
// upgrade prompt instead of an access-denied screen.
func (d *Decision) UpgradeRequired() bool {
	return d != nil && !d.Allowed && d.Reason == ReasonFeatureNotAvailable
}

// FeatureDecision is the feature gate verdict for one object type.
type FeatureDecision struct {
	Enabled  bool       `json:"enabled"`
	Feature  FeatureKey `json:"feature"`
	PlanName string     `json:"plan"`
	Reason   Reason     `json:"reason"`
}

type decisionCtxKey struct{}

// ContextWithDecision attaches a decision for downstream handlers.
func ContextWithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// DecisionFromContext returns the decision stored by a guard, if any.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionCtxKey{}).(*Decision)
	return d, ok && d != nil
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the upstream-authenticated identity.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}
