package propauthz

import (
	"context"
	"time"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PlanCatalog serves subscription plans.
type PlanCatalog interface {
	GetPlan(ctx context.Context, name string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	UpsertPlan(ctx context.Context, p *Plan) error
}

// SubscriptionStore holds one subscription per organization.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, orgID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, s *Subscription) error
}

// ProfileStore manages profiles and their permission rows.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	// ListProfiles returns the organization's profiles plus every global profile.
	ListProfiles(ctx context.Context, orgID string) ([]*Profile, error)
	DeleteProfile(ctx context.Context, id string) error
	SetObjectPermission(ctx context.Context, perm ObjectPermission) error
	// ReplaceObjectPermissions swaps the whole matrix in one write.
	ReplaceObjectPermissions(ctx context.Context, profileID string, perms []ObjectPermission) error
	ListObjectPermissions(ctx context.Context, profileID string) ([]ObjectPermission, error)
}

// UserStore resolves users and their single profile reference.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// AssignProfile replaces the user's profile reference in one write.
	// An empty profileID clears it.
	AssignProfile(ctx context.Context, userID, profileID string) error
}

// SuperAdminDirectory answers the platform-wide super-admin flag.
type SuperAdminDirectory interface {
	IsSuperAdmin(ctx context.Context, userID string) (bool, error)
}

// Usage is the live resource count of an organization.
type Usage struct {
	Lots               int `json:"lots"`
	ActiveUsers        int `json:"active_users"`
	PendingInvitations int `json:"pending_invitations"`
	ExtranetTenants    int `json:"extranet_tenants"`
}

// For returns the count compared against the limit of r.
// Pending invitations count against the users limit.
func (u Usage) For(r Resource) int {
	switch r {
	case ResourceLots:
		return u.Lots
	case ResourceUsers:
		return u.ActiveUsers + u.PendingInvitations
	case ResourceExtranetTenants:
		return u.ExtranetTenants
	}
	return 0
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Invitation is a pending seat in an organization.
type Invitation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Email          string           `json:"email"`
	ProfileID      string           `json:"profile_id,omitempty"`
	InvitedBy      string           `json:"invited_by"`
	Token          string           `json:"-"`
	Status         InvitationStatus `json:"status"`
	ExpiresAt      time.Time        `json:"expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

// UsageStore counts limited resources and records invitations.
type UsageStore interface {
	CountUsage(ctx context.Context, orgID string) (Usage, error)
	CreateInvitation(ctx context.Context, inv *Invitation) error
}

// RecordRef describes how a specific record relates to users.
type RecordRef struct {
	ObjectType     ObjectType `json:"object_type"`
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	CreatedBy      string     `json:"created_by,omitempty"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	Participants   []string   `json:"participants,omitempty"`
}

// LinkedTo reports whether userID created, is assigned to, or participates in the record.
func (r *RecordRef) LinkedTo(userID string) bool {
	if userID == "" {
		return false
	}
	if r.CreatedBy == userID || r.AssigneeID == userID {
		return true
	}
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// RecordLocator loads the relation data of a record for instance checks.
type RecordLocator interface {
	LocateRecord(ctx context.Context, t ObjectType, id string) (*RecordRef, error)
}

// AuditStore manages decision logs.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry represents one logged authorization decision.
type AuditEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Decision       *Decision `json:"decision"`
}

// AuditFilter for querying audit logs
type AuditFilter struct {
	OrganizationID string
	UserID         string
	ObjectType     *ObjectType
	AllowedOnly    *bool
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
}

// Stores bundles the collaborators the engine reads from.
// Plans, Subscriptions, Profiles and Users are required.
type Stores struct {
	Plans         PlanCatalog
	Subscriptions SubscriptionStore
	Profiles      ProfileStore
	Users         UserStore
	SuperAdmins   SuperAdminDirectory
	Usage         UsageStore
	Records       RecordLocator
	Audit         AuditStore
}

// UserWriter is implemented by user stores that can be seeded from config.
type UserWriter interface {
	SaveUser(ctx context.Context, u *User) error
}

// SuperAdminWriter is implemented by directories that accept grants.
type SuperAdminWriter interface {
	SetSuperAdmin(ctx context.Context, userID string, on bool) error
}
