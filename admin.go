package propauthz

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InvitationTTL is how long an invitation stays redeemable.
const InvitationTTL = 7 * 24 * time.Hour

// authorize runs Decide for an admin operation and converts a Deny into *ForbiddenError.
func (e *Engine) authorize(ctx context.Context, actor Principal, t ObjectType, a Action) (bool, error) {
	d, err := e.authorizeDecision(ctx, actor, t, a)
	if err != nil {
		return false, err
	}
	return d.Reason == ReasonSuperAdmin, nil
}

func (e *Engine) authorizeDecision(ctx context.Context, actor Principal, t ObjectType, a Action) (*Decision, error) {
	d, err := e.Decide(ctx, actor, t, a)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &ForbiddenError{Decision: d}
	}
	return d, nil
}

// checkGrant rejects handing out capabilities the actor does not hold itself.
// Super-admins and organization admins may grant anything.
func (e *Engine) checkGrant(ctx context.Context, actor Principal, d *Decision, perms []ObjectPermission) error {
	if d.Reason == ReasonSuperAdmin || d.Reason == ReasonOrganizationAdmin {
		return nil
	}
	res, err := e.resolver.Resolve(ctx, actor.UserID)
	if err != nil {
		return fmt.Errorf("resolve permissions of %s: %w", actor.UserID, err)
	}
	for _, perm := range perms {
		held, _ := res.Permissions.Lookup(perm.ObjectType)
		if !held.Covers(perm.Capabilities) {
			return fmt.Errorf("%w: %s cannot grant %s access it does not hold", ErrForbidden, actor.UserID, perm.ObjectType)
		}
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, kind InvalidationKind, id string) {
	_ = e.Invalidate(ctx, InvalidationEvent{Kind: kind, ID: id})
}

// ============================================================================
// ORGANIZATION SETUP
// ============================================================================

// OrganizationSetup provisions a new organization.
type OrganizationSetup struct {
	OrganizationID string             `json:"organization_id"`
	PlanName       string             `json:"plan"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	// OwnerUserID receives the clone of OwnerProfileID, a global profile.
	OwnerUserID    string `json:"owner_user_id,omitempty"`
	OwnerProfileID string `json:"owner_profile_id,omitempty"`
}

type SetupResult struct {
	Subscription *Subscription `json:"subscription"`
	// Profiles maps each global profile id to its organization-scoped clone.
	Profiles map[string]*Profile `json:"profiles"`
}

// SetupOrganization clones every global profile into the organization, then
// saves the subscription. It is a provisioning call made by the signup flow and
// is not authorized against a principal. Clone ids derive from the organization
// and the global profile, so a failed setup can be run again: clones already
// written are reused and the existing subscription is updated in place.
func (e *Engine) SetupOrganization(ctx context.Context, s OrganizationSetup) (*SetupResult, error) {
	if strings.TrimSpace(s.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrInvalidRequest)
	}
	if s.PlanName == "" {
		s.PlanName = FreemiumPlanName
	}
	if s.Status == "" {
		s.Status = SubscriptionActive
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown subscription status %q", ErrInvalidRequest, s.Status)
	}
	if s.PlanName != FreemiumPlanName {
		if _, err := e.stores.Plans.GetPlan(ctx, s.PlanName); err != nil {
			return nil, fmt.Errorf("plan %s: %w", s.PlanName, err)
		}
	}

	now := e.now()
	globals, err := e.stores.Profiles.ListProfiles(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list global profiles: %w", err)
	}
	res := &SetupResult{Profiles: make(map[string]*Profile)}
	for _, g := range globals {
		if !g.IsGlobal() {
			continue
		}
		clone, err := e.cloneProfile(ctx, g, s.OrganizationID, now)
		if err != nil {
			return nil, err
		}
		res.Profiles[g.ID] = clone
	}

	sub, err := e.stores.Subscriptions.GetSubscription(ctx, s.OrganizationID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{ID: uuid.NewString(), OrganizationID: s.OrganizationID}
	case err != nil:
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	sub.PlanName = s.PlanName
	sub.Status = s.Status
	sub.UpdatedAt = now
	if err := e.stores.Subscriptions.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	res.Subscription = sub

	if s.OwnerUserID != "" && s.OwnerProfileID != "" {
		clone, ok := res.Profiles[s.OwnerProfileID]
		if !ok {
			return nil, fmt.Errorf("%w: owner profile %s is not a global profile", ErrInvalidRequest, s.OwnerProfileID)
		}
		if err := e.stores.Users.AssignProfile(ctx, s.OwnerUserID, clone.ID); err != nil {
			return nil, fmt.Errorf("assign owner profile: %w", err)
		}
		e.notify(ctx, InvalidateUser, s.OwnerUserID)
	}
	e.notify(ctx, InvalidateOrganization, s.OrganizationID)
	e.logger.Info("organization set up", "org", s.OrganizationID, "plan", s.PlanName, "profiles", len(res.Profiles))
	return res, nil
}

// cloneID is stable per organization and global profile.
func cloneID(orgID, globalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(orgID+"/"+globalID)).String()
}

func (e *Engine) cloneProfile(ctx context.Context, g *Profile, orgID string, now time.Time) (*Profile, error) {
	id := cloneID(orgID, g.ID)
	existing, err := e.stores.Profiles.GetProfile(ctx, id)
	switch {
	case err == nil && existing.OrganizationID == orgID:
		return existing, nil
	case err == nil:
		return nil, fmt.Errorf("%w: profile %s belongs to another organization", ErrProfileOutOfScope, id)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	perms, err := e.stores.Profiles.ListObjectPermissions(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list permissions of %s: %w", g.ID, err)
	}
	clone := &Profile{
		ID:             id,
		OrganizationID: orgID,
		Name:           g.Name,
		Description:    g.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	clone.Permissions = NewPermissionSet(perms).Rows(clone.ID)
	if err := e.stores.Profiles.CreateProfile(ctx, clone); err != nil {
		return nil, fmt.Errorf("clone profile %s: %w", g.ID, err)
	}
	return clone, nil
}

// ============================================================================
// PROFILES
// ============================================================================

// checkProfileScope enforces that organizations only touch their own profiles.
func checkProfileScope(actor Principal, p *Profile, superAdmin bool) error {
	if superAdmin {
		return nil
	}
	if p.IsGlobal() {
		return ErrGlobalProfileImmutable
	}
	if p.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: profile %s", ErrProfileOutOfScope, p.ID)
	}
	return nil
}

// CreateProfile stores p with its permission rows. An empty ID is generated.
func (e *Engine) CreateProfile(ctx context.Context, actor Principal, p *Profile) error {
	if p == nil {
		return fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	d, err := e.authorizeDecision(ctx, actor, ObjectProfile, ActionCreate)
	if err != nil {
		return err
	}
	if err := checkProfileScope(actor, p, d.Reason == ReasonSuperAdmin); err != nil {
		return err
	}
	if err := e.checkGrant(ctx, actor, d, p.Permissions); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return err
	}
	for i := range p.Permissions {
		p.Permissions[i].ProfileID = p.ID
	}
	now := e.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := e.stores.Profiles.CreateProfile(ctx, p); err != nil {
		return fmt.Errorf("create profile %s: %w", p.ID, err)
	}
	e.notify(ctx, InvalidateProfile, p.ID)
	return nil
}

func (e *Engine) loadScopedProfile(ctx context.Context, actor Principal, profileID string, sa bool) (*Profile, error) {
	p, err := e.stores.Profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileID, err)
	}
	if err := checkProfileScope(actor, p, sa); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateObjectPermission upserts one row of a profile.
func (e *Engine) UpdateObjectPermission(ctx context.Context, actor Principal, profileID string, t ObjectType, caps Capabilities) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown object type", ErrInvalidRequest)
	}
	d, err := e.authorizeDecision(ctx, actor, ObjectProfile, ActionEdit)
	if err != nil {
		return err
	}
	if _, err := e.loadScopedProfile(ctx, actor, profileID, d.Reason == ReasonSuperAdmin); err != nil {
		return err
	}
	perm := ObjectPermission{ProfileID: profileID, ObjectType: t, Capabilities: caps}
	if err := e.checkGrant(ctx, actor, d, []ObjectPermission{perm}); err != nil {
		return err
	}
	if err := e.stores.Profiles.SetObjectPermission(ctx, perm); err != nil {
		return fmt.Errorf("set %s permission on %s: %w", t, profileID, err)
	}
	e.notify(ctx, InvalidateProfile, profileID)
	return nil
}

// ReplaceProfilePermissions swaps the whole matrix of a profile in one write.
func (e *Engine) ReplaceProfilePermissions(ctx context.Context, actor Principal, profileID string, perms []ObjectPermission) error {
	d, err := e.authorizeDecision(ctx, actor, ObjectProfile, ActionEdit)
	if err != nil {
		return err
	}
	p, err := e.loadScopedProfile(ctx, actor, profileID, d.Reason == ReasonSuperAdmin)
	if err != nil {
		return err
	}
	check := &Profile{ID: p.ID, Name: p.Name, Permissions: perms}
	if err := check.Validate(); err != nil {
		return err
	}
	if err := e.checkGrant(ctx, actor, d, perms); err != nil {
		return err
	}
	rows := make([]ObjectPermission, len(perms))
	for i, perm := range perms {
		perm.ProfileID = profileID
		rows[i] = perm
	}
	if err := e.stores.Profiles.ReplaceObjectPermissions(ctx, profileID, rows); err != nil {
		return fmt.Errorf("replace permissions of %s: %w", profileID, err)
	}
	e.notify(ctx, InvalidateProfile, profileID)
	return nil
}

// DeleteProfile removes a profile. Users still pointing at it resolve to no permissions.
func (e *Engine) DeleteProfile(ctx context.Context, actor Principal, profileID string) error {
	sa, err := e.authorize(ctx, actor, ObjectProfile, ActionDelete)
	if err != nil {
		return err
	}
	if _, err := e.loadScopedProfile(ctx, actor, profileID, sa); err != nil {
		return err
	}
	if err := e.stores.Profiles.DeleteProfile(ctx, profileID); err != nil {
		return fmt.Errorf("delete profile %s: %w", profileID, err)
	}
	e.notify(ctx, InvalidateProfile, profileID)
	return nil
}

// ListProfiles returns the profiles assignable in the actor's organization.
func (e *Engine) ListProfiles(ctx context.Context, actor Principal) ([]*Profile, error) {
	if _, err := e.authorize(ctx, actor, ObjectProfile, ActionRead); err != nil {
		return nil, err
	}
	return e.stores.Profiles.ListProfiles(ctx, actor.OrganizationID)
}

// ============================================================================
// USERS
// ============================================================================

// AssignProfile replaces the user's profile reference; an empty profileID clears it.
func (e *Engine) AssignProfile(ctx context.Context, actor Principal, userID, profileID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	d, err := e.authorizeDecision(ctx, actor, ObjectUser, ActionEdit)
	if err != nil {
		return err
	}
	sa := d.Reason == ReasonSuperAdmin
	u, err := e.stores.Users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user %s: %w", userID, err)
	}
	if !sa && u.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: user %s is not in organization %s", ErrForbidden, userID, actor.OrganizationID)
	}
	if profileID != "" {
		p, err := e.stores.Profiles.GetProfile(ctx, profileID)
		if err != nil {
			return fmt.Errorf("get profile %s: %w", profileID, err)
		}
		if !p.VisibleTo(u.OrganizationID) {
			return fmt.Errorf("%w: profile %s", ErrProfileOutOfScope, profileID)
		}
		if err := e.checkGrant(ctx, actor, d, p.Permissions); err != nil {
			return err
		}
	}
	if err := e.stores.Users.AssignProfile(ctx, userID, profileID); err != nil {
		return fmt.Errorf("assign profile to %s: %w", userID, err)
	}
	e.notify(ctx, InvalidateUser, userID)
	e.logger.Info("profile assigned", "user", userID, "profile", profileID, "by", actor.UserID)
	return nil
}

// InviteUser creates a pending invitation after checking the users limit.
// Nothing is written when the limit is reached. Invitations of one
// organization are serialized within the engine; a store implementing
// BoundedInvitationStore also enforces the limit in the insert itself.
func (e *Engine) InviteUser(ctx context.Context, actor Principal, email, profileID string) (*Invitation, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidRequest, email)
	}
	d, err := e.authorizeDecision(ctx, actor, ObjectUser, ActionCreate)
	if err != nil {
		return nil, err
	}
	if e.stores.Usage == nil {
		return nil, errNoUsageStore
	}
	if profileID != "" {
		p, err := e.stores.Profiles.GetProfile(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("get profile %s: %w", profileID, err)
		}
		if !p.VisibleTo(actor.OrganizationID) {
			return nil, fmt.Errorf("%w: profile %s", ErrProfileOutOfScope, profileID)
		}
		if err := e.checkGrant(ctx, actor, d, p.Permissions); err != nil {
			return nil, err
		}
	}

	// the count and the insert must not interleave with another invitation
	unlock := e.lockOrganization(actor.OrganizationID)
	defer unlock()
	if err := e.usage.CheckCanAdd(ctx, actor.OrganizationID, ResourceUsers, 1); err != nil {
		return nil, err
	}
	now := e.now()
	inv := &Invitation{
		ID:             uuid.NewString(),
		OrganizationID: actor.OrganizationID,
		Email:          strings.ToLower(addr.Address),
		ProfileID:      profileID,
		InvitedBy:      actor.UserID,
		Token:          uuid.NewString(),
		Status:         InvitationPending,
		ExpiresAt:      now.Add(InvitationTTL),
		CreatedAt:      now,
	}
	if err := e.createInvitation(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// BoundedInvitationStore inserts an invitation only while the users count
// (active users plus pending invitations) is below limit. It returns a
// *LimitReachedError when nothing was written.
type BoundedInvitationStore interface {
	CreateInvitationWithin(ctx context.Context, inv *Invitation, limit int) error
}

func (e *Engine) createInvitation(ctx context.Context, inv *Invitation) error {
	if bs, ok := e.stores.Usage.(BoundedInvitationStore); ok {
		ent := e.gate.Resolve(ctx, inv.OrganizationID)
		if limit := ent.Limits.For(ResourceUsers); !limit.IsUnlimited() {
			err := bs.CreateInvitationWithin(ctx, inv, int(limit))
			var lr *LimitReachedError
			if errors.As(err, &lr) {
				lr.PlanName = ent.PlanName
				return lr
			}
			if err != nil {
				return fmt.Errorf("create invitation: %w", err)
			}
			return nil
		}
	}
	if err := e.stores.Usage.CreateInvitation(ctx, inv); err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

func (e *Engine) lockOrganization(orgID string) func() {
	v, _ := e.orgLocks.LoadOrStore(orgID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ============================================================================
// PLANS
// ============================================================================

// ChangePlan moves an organization to planName after the usage hard gate.
// The billing status is left alone: a canceled or past-due subscription stays
// on freemium until UpdateSubscriptionStatus reactivates it.
func (e *Engine) ChangePlan(ctx context.Context, actor Principal, orgID, planName string) (*Subscription, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(planName) == "" {
		return nil, fmt.Errorf("%w: organization and plan are required", ErrInvalidRequest)
	}
	sa, err := e.authorize(ctx, actor, ObjectOrganization, ActionEdit)
	if err != nil {
		return nil, err
	}
	if !sa && actor.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: cannot change the plan of organization %s", ErrForbidden, orgID)
	}
	plan, err := e.stores.Plans.GetPlan(ctx, planName)
	if errors.Is(err, ErrNotFound) && planName == FreemiumPlanName {
		plan, err = DefaultFreemiumPlan(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planName, err)
	}
	if err := e.usage.ValidatePlanChange(ctx, orgID, plan); err != nil {
		return nil, err
	}

	sub, err := e.stores.Subscriptions.GetSubscription(ctx, orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{ID: uuid.NewString(), OrganizationID: orgID, Status: SubscriptionActive}
	case err != nil:
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	prev := sub.PlanName
	sub.PlanName = plan.Name
	sub.UpdatedAt = e.now()
	if err := e.stores.Subscriptions.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	e.notify(ctx, InvalidateOrganization, orgID)
	e.logger.Info("plan changed", "org", orgID, "from", prev, "to", plan.Name, "by", actor.UserID)
	return sub, nil
}

// UpdateSubscriptionStatus records a billing status change, e.g. from a payment webhook.
func (e *Engine) UpdateSubscriptionStatus(ctx context.Context, orgID string, status SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown subscription status %q", ErrInvalidRequest, status)
	}
	sub, err := e.stores.Subscriptions.GetSubscription(ctx, orgID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	sub.Status = status
	sub.UpdatedAt = e.now()
	if err := e.stores.Subscriptions.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	e.notify(ctx, InvalidateOrganization, orgID)
	return nil
}
