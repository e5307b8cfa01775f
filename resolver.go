package propauthz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/propauthz/logger"
)

const (
	// DefaultPermissionCacheTTL is how long a resolved profile may be served.
	DefaultPermissionCacheTTL = 2 * time.Minute
	// MaxStaleness caps every cache TTL the engine accepts.
	MaxStaleness = 5 * time.Minute
)

// Resolution is a user's effective profile.
type Resolution struct {
	UserID                string        `json:"user_id"`
	OrganizationID        string        `json:"organization_id"`
	Status                UserStatus    `json:"status,omitempty"`
	ProfileID             string        `json:"profile_id,omitempty"`
	ProfileOrganizationID string        `json:"profile_organization_id,omitempty"`
	Permissions           PermissionSet `json:"-"`
}

// HasProfile is false when the user has no profile reference.
func (r *Resolution) HasProfile() bool { return r.ProfileID != "" }

// Active reports whether the account may act at all.
func (r *Resolution) Active() bool { return r.Status == "" || r.Status == UserActive }

type userRef struct {
	orgID     string
	profileID string
	status    UserStatus
}

type profileRows struct {
	orgID string
	// missing marks a dangling profile reference.
	missing bool
	set     PermissionSet
}

// PermissionResolver maps a user to the permission rows of their profile.
// The user reference and the profile rows are cached separately so a
// permission edit and a reassignment each invalidate one key.
type PermissionResolver struct {
	users    UserStore
	profiles ProfileStore
	byUser   *ttlCache[userRef]
	byProf   *ttlCache[*profileRows]
	logger   logger.Logger
}

func NewPermissionResolver(users UserStore, profiles ProfileStore, opts ...ResolverOption) (*PermissionResolver, error) {
	if users == nil || profiles == nil {
		return nil, errors.New("permission resolver requires a user store and a profile store")
	}
	o := defaultResolverOptions()
	for _, opt := range opts {
		opt(&o)
	}
	byUser, err := newTTLCache[userRef](o.cache, o.ttl, o.now)
	if err != nil {
		return nil, err
	}
	byProf, err := newTTLCache[*profileRows](o.cache, o.ttl, o.now)
	if err != nil {
		byUser.close()
		return nil, err
	}
	return &PermissionResolver{users: users, profiles: profiles, byUser: byUser, byProf: byProf, logger: o.logger}, nil
}

// Resolve returns the user's profile and permission set. A user without a
// profile, or whose profile is missing or scoped to another organization,
// resolves to an empty set. Store failures are returned as errors.
func (r *PermissionResolver) Resolve(ctx context.Context, userID string) (*Resolution, error) {
	ref, err := r.userRef(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &Resolution{UserID: userID, OrganizationID: ref.orgID, Status: ref.status, ProfileID: ref.profileID}
	if ref.profileID == "" {
		return res, nil
	}
	rows, err := r.profileRows(ctx, ref.profileID)
	if err != nil {
		return nil, err
	}
	if rows.missing {
		r.logger.Error("user references a missing profile", "user", userID, "profile", ref.profileID)
		return res, nil
	}
	res.ProfileOrganizationID = rows.orgID
	if rows.orgID != "" && rows.orgID != ref.orgID {
		r.logger.Error("user profile belongs to another organization", "user", userID, "profile", ref.profileID, "org", ref.orgID)
		return res, nil
	}
	res.Permissions = rows.set
	return res, nil
}

func (r *PermissionResolver) userRef(ctx context.Context, userID string) (userRef, error) {
	if ref, ok := r.byUser.get(userID); ok {
		return ref, nil
	}
	gen := r.byUser.generation()
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return userRef{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	if u == nil {
		return userRef{}, fmt.Errorf("get user %s: %w", userID, ErrNotFound)
	}
	ref := userRef{orgID: u.OrganizationID, profileID: u.ProfileID, status: u.Status}
	r.byUser.setFresh(userID, ref, gen)
	return ref, nil
}

func (r *PermissionResolver) profileRows(ctx context.Context, profileID string) (*profileRows, error) {
	if rows, ok := r.byProf.get(profileID); ok {
		return rows, nil
	}
	gen := r.byProf.generation()
	p, err := r.profiles.GetProfile(ctx, profileID)
	if errors.Is(err, ErrNotFound) || (err == nil && p == nil) {
		rows := &profileRows{missing: true}
		r.byProf.setFresh(profileID, rows, gen)
		return rows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileID, err)
	}
	perms, err := r.profiles.ListObjectPermissions(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list permissions of %s: %w", profileID, err)
	}
	rows := &profileRows{orgID: p.OrganizationID, set: NewPermissionSet(perms)}
	r.byProf.setFresh(profileID, rows, gen)
	return rows, nil
}

// InvalidateUser drops a cached profile reference.
func (r *PermissionResolver) InvalidateUser(userID string) { r.byUser.del(userID) }

// InvalidateProfile drops cached permission rows.
func (r *PermissionResolver) InvalidateProfile(profileID string) { r.byProf.del(profileID) }

func (r *PermissionResolver) Clear() {
	r.byUser.clear()
	r.byProf.clear()
}

func (r *PermissionResolver) Close() {
	r.byUser.close()
	r.byProf.close()
}
