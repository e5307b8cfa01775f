package propauthz

import (
	"fmt"
	"strings"
)

// ============================================================================
// OBJECT TYPES
// ============================================================================

// ObjectType identifies a business entity subject to permission checks.
type ObjectType uint8

const (
	ObjectProperty ObjectType = iota
	ObjectUnit
	ObjectTenant
	ObjectLease
	ObjectPayment
	ObjectTask
	ObjectMessage
	ObjectJournalEntry
	ObjectUser
	ObjectOrganization
	ObjectProfile
	ObjectReport
	ObjectActivity

	objectTypeCount
)

var objectTypeNames = [...]string{
	ObjectProperty:     "Property",
	ObjectUnit:         "Unit",
	ObjectTenant:       "Tenant",
	ObjectLease:        "Lease",
	ObjectPayment:      "Payment",
	ObjectTask:         "Task",
	ObjectMessage:      "Message",
	ObjectJournalEntry: "JournalEntry",
	ObjectUser:         "User",
	ObjectOrganization: "Organization",
	ObjectProfile:      "Profile",
	ObjectReport:       "Report",
	ObjectActivity:     "Activity",
}

// Adding an ObjectType without extending these tables fails to compile.
var (
	_ = [1]struct{}{}[len(objectTypeNames)-int(objectTypeCount)]
	_ = [1]struct{}{}[len(featureByObject)-int(objectTypeCount)]
	_ = [1]struct{}{}[len(linkScopedObjects)-int(objectTypeCount)]
)

// AllObjectTypes returns every object type in declaration order.
func AllObjectTypes() []ObjectType {
	out := make([]ObjectType, 0, objectTypeCount)
	for t := ObjectType(0); t < objectTypeCount; t++ {
		out = append(out, t)
	}
	return out
}

func (t ObjectType) Valid() bool { return t < objectTypeCount }

func (t ObjectType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("ObjectType(%d)", uint8(t))
	}
	return objectTypeNames[t]
}

func (t ObjectType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: object type %d", ErrInvalidRequest, uint8(t))
	}
	return []byte(objectTypeNames[t]), nil
}

func (t *ObjectType) UnmarshalText(b []byte) error {
	parsed, err := ParseObjectType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseObjectType accepts the PascalCase name; matching is case-insensitive.
func ParseObjectType(s string) (ObjectType, error) {
	for i, name := range objectTypeNames {
		if strings.EqualFold(name, s) {
			return ObjectType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown object type %q", ErrInvalidRequest, s)
}

// ============================================================================
// ACTIONS
// ============================================================================

// Action is what the principal wants to do with an object type.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionViewAll Action = "viewAll"
)

// AllActions lists the actions in the order UI gates render them.
func AllActions() []Action {
	return []Action{ActionRead, ActionViewAll, ActionCreate, ActionEdit, ActionDelete}
}

func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionCreate, ActionEdit, ActionDelete, ActionViewAll:
		return true
	}
	return false
}

func ParseAction(s string) (Action, error) {
	for _, a := range AllActions() {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, s)
}

// ============================================================================
// FEATURE KEYS
// ============================================================================

// FeatureKey names a plan-gated capability.
type FeatureKey string

const (
	FeatureAlwaysOn             FeatureKey = "*"
	FeaturePropertiesManagement FeatureKey = "properties_management"
	FeatureTenantsManagement    FeatureKey = "tenants_management"
	FeatureLeasesManagement     FeatureKey = "leases_management"
	FeaturePaymentsManagement   FeatureKey = "payments_management"
	FeatureTasksManagement      FeatureKey = "tasks_management"
	FeatureMessaging            FeatureKey = "messaging"
	FeatureAccountingFull       FeatureKey = "accounting_sycoda_full"
	FeatureReports              FeatureKey = "reports"
	FeatureCustomProfiles       FeatureKey = "custom_profiles"
)

var featureByObject = [...]FeatureKey{
	ObjectProperty:     FeaturePropertiesManagement,
	ObjectUnit:         FeaturePropertiesManagement,
	ObjectTenant:       FeatureTenantsManagement,
	ObjectLease:        FeatureLeasesManagement,
	ObjectPayment:      FeaturePaymentsManagement,
	ObjectTask:         FeatureTasksManagement,
	ObjectMessage:      FeatureMessaging,
	ObjectJournalEntry: FeatureAccountingFull,
	ObjectUser:         FeatureAlwaysOn,
	ObjectOrganization: FeatureAlwaysOn,
	ObjectProfile:      FeatureCustomProfiles,
	ObjectReport:       FeatureReports,
	ObjectActivity:     FeatureAlwaysOn,
}

// Feature returns the plan feature gating t.
func (t ObjectType) Feature() FeatureKey {
	if !t.Valid() {
		return ""
	}
	return featureByObject[t]
}

// linkScopedObjects marks types whose records are only visible to linked users
// (creator, assignee, participants) unless the user holds viewAll.
var linkScopedObjects = [...]bool{
	ObjectProperty:     false,
	ObjectUnit:         false,
	ObjectTenant:       true,
	ObjectLease:        false,
	ObjectPayment:      false,
	ObjectTask:         true,
	ObjectMessage:      true,
	ObjectJournalEntry: false,
	ObjectUser:         false,
	ObjectOrganization: false,
	ObjectProfile:      false,
	ObjectReport:       false,
	ObjectActivity:     false,
}

func (t ObjectType) linkScoped() bool {
	return t.Valid() && linkScopedObjects[t]
}
