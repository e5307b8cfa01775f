package propauthz

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// PROFILE PERMISSION MATRIX
// ============================================================================

// AccessLevel is a label summarizing a permission row. It is always derived
// from Capabilities and never stored independently.
type AccessLevel string

const (
	AccessNone      AccessLevel = "None"
	AccessRead      AccessLevel = "Read"
	AccessReadWrite AccessLevel = "ReadWrite"
	AccessAll       AccessLevel = "All"
)

// Capabilities are the operative booleans of a permission row.
type Capabilities struct {
	Create  bool `json:"can_create" yaml:"can_create"`
	Read    bool `json:"can_read" yaml:"can_read"`
	Edit    bool `json:"can_edit" yaml:"can_edit"`
	Delete  bool `json:"can_delete" yaml:"can_delete"`
	ViewAll bool `json:"can_view_all" yaml:"can_view_all"`
}

// FullCapabilities grants every action.
func FullCapabilities() Capabilities {
	return Capabilities{Create: true, Read: true, Edit: true, Delete: true, ViewAll: true}
}

// ReadOnlyCapabilities grants read of linked and organization-wide records.
func ReadOnlyCapabilities() Capabilities {
	return Capabilities{Read: true, ViewAll: true}
}

// AccessLevel derives the label for the booleans.
func (c Capabilities) AccessLevel() AccessLevel {
	switch {
	case c.Create && c.Read && c.Edit && c.Delete && c.ViewAll:
		return AccessAll
	case c.Read && (c.Create || c.Edit || c.Delete):
		return AccessReadWrite
	case c.Read:
		return AccessRead
	default:
		return AccessNone
	}
}

// Allows maps an action onto the capability booleans.
// viewAll requires both Read and ViewAll.
func (c Capabilities) Allows(a Action) bool {
	switch a {
	case ActionRead:
		return c.Read
	case ActionViewAll:
		return c.Read && c.ViewAll
	case ActionCreate:
		return c.Create
	case ActionEdit:
		return c.Edit
	case ActionDelete:
		return c.Delete
	}
	return false
}

// Covers reports whether c grants everything other grants.
func (c Capabilities) Covers(other Capabilities) bool {
	return (c.Create || !other.Create) &&
		(c.Read || !other.Read) &&
		(c.Edit || !other.Edit) &&
		(c.Delete || !other.Delete) &&
		(c.ViewAll || !other.ViewAll)
}

// ObjectPermission is one row of a profile's matrix.
type ObjectPermission struct {
	ProfileID    string       `json:"profile_id" yaml:"profile_id"`
	ObjectType   ObjectType   `json:"object_type" yaml:"object_type"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
}

func (p ObjectPermission) AccessLevel() AccessLevel { return p.Capabilities.AccessLevel() }

// MarshalJSON adds the derived access_level so UI consumers can render it.
func (p ObjectPermission) MarshalJSON() ([]byte, error) {
	type row ObjectPermission
	return json.Marshal(struct {
		row
		AccessLevel AccessLevel `json:"access_level"`
	}{row: row(p), AccessLevel: p.AccessLevel()})
}

// PermissionSet indexes a profile's rows by object type.
type PermissionSet struct {
	rows    [objectTypeCount]Capabilities
	present [objectTypeCount]bool
}

// NewPermissionSet builds a set; later rows for the same type win.
func NewPermissionSet(perms []ObjectPermission) PermissionSet {
	var ps PermissionSet
	for _, p := range perms {
		if !p.ObjectType.Valid() {
			continue
		}
		ps.rows[p.ObjectType] = p.Capabilities
		ps.present[p.ObjectType] = true
	}
	return ps
}

// Lookup returns the capabilities for t and whether a row exists.
func (ps PermissionSet) Lookup(t ObjectType) (Capabilities, bool) {
	if !t.Valid() || !ps.present[t] {
		return Capabilities{}, false
	}
	return ps.rows[t], true
}

func (ps PermissionSet) Len() int {
	n := 0
	for _, ok := range ps.present {
		if ok {
			n++
		}
	}
	return n
}

// IsOrganizationAdmin reports edit permission on Organization.
func (ps PermissionSet) IsOrganizationAdmin() bool {
	c, ok := ps.Lookup(ObjectOrganization)
	return ok && c.Edit
}

// Rows returns the set as rows for profileID, in object type order.
func (ps PermissionSet) Rows(profileID string) []ObjectPermission {
	out := make([]ObjectPermission, 0, ps.Len())
	for t := ObjectType(0); t < objectTypeCount; t++ {
		if ps.present[t] {
			out = append(out, ObjectPermission{ProfileID: profileID, ObjectType: t, Capabilities: ps.rows[t]})
		}
	}
	return out
}

// ============================================================================
// PROFILES, USERS, PRINCIPALS
// ============================================================================

// Profile is a named bundle of per-object permissions. An empty OrganizationID
// marks a global profile shared by every organization.
type Profile struct {
	ID             string             `json:"id" yaml:"id"`
	OrganizationID string             `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Name           string             `json:"name" yaml:"name"`
	Description    string             `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions    []ObjectPermission `json:"permissions" yaml:"permissions"`
	CreatedAt      time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"-"`
}

func (p *Profile) IsGlobal() bool { return p.OrganizationID == "" }

// VisibleTo reports whether orgID may assign the profile.
func (p *Profile) VisibleTo(orgID string) bool {
	return p.IsGlobal() || p.OrganizationID == orgID
}

// Validate checks the profile shape before it is written.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: profile %s: name is required", ErrInvalidRequest, p.ID)
	}
	seen := make(map[ObjectType]bool, len(p.Permissions))
	for _, perm := range p.Permissions {
		if !perm.ObjectType.Valid() {
			return fmt.Errorf("%w: profile %s: invalid object type", ErrInvalidRequest, p.ID)
		}
		if seen[perm.ObjectType] {
			return fmt.Errorf("%w: profile %s: duplicate permission row for %s", ErrInvalidRequest, p.ID, perm.ObjectType)
		}
		seen[perm.ObjectType] = true
		if perm.ProfileID != "" && perm.ProfileID != p.ID {
			return fmt.Errorf("%w: profile %s: row belongs to profile %s", ErrInvalidRequest, p.ID, perm.ProfileID)
		}
	}
	return nil
}

// UserStatus of a member account.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User is an organization member. An empty ProfileID means no permissions.
type User struct {
	ID             string     `json:"id" yaml:"id"`
	OrganizationID string     `json:"organization_id" yaml:"organization_id"`
	ProfileID      string     `json:"profile_id,omitempty" yaml:"profile_id,omitempty"`
	Email          string     `json:"email,omitempty" yaml:"email,omitempty"`
	Status         UserStatus `json:"status,omitempty" yaml:"status,omitempty"`
	SuperAdmin     bool       `json:"super_admin,omitempty" yaml:"super_admin,omitempty"`
}

// Principal is the authenticated identity handed to the engine.
type Principal struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}

func (p Principal) validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrInvalidRequest)
	}
	return nil
}
