package stores

import (
	"database/sql"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/propauthz"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// timeFromColumn accepts the shapes drivers return for timestamp columns.
func timeFromColumn(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlNullTimeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// limitColumn stores Unlimited as NULL.
func limitColumn(l propauthz.Limit) interface{} {
	if l.IsUnlimited() {
		return nil
	}
	return int(l)
}

func limitFromColumn(v sql.NullInt64) propauthz.Limit {
	if !v.Valid {
		return propauthz.Unlimited
	}
	n := int(v.Int64)
	return propauthz.LimitFromNullable(&n)
}

func toRowMap(perms []propauthz.ObjectPermission) map[propauthz.ObjectType]propauthz.Capabilities {
	m := make(map[propauthz.ObjectType]propauthz.Capabilities, len(perms))
	for _, p := range perms {
		if p.ObjectType.Valid() {
			m[p.ObjectType] = p.Capabilities
		}
	}
	return m
}

func fromRowMap(profileID string, m map[propauthz.ObjectType]propauthz.Capabilities) []propauthz.ObjectPermission {
	out := make([]propauthz.ObjectPermission, 0, len(m))
	for _, t := range propauthz.AllObjectTypes() {
		if caps, ok := m[t]; ok {
			out = append(out, propauthz.ObjectPermission{ProfileID: profileID, ObjectType: t, Capabilities: caps})
		}
	}
	return out
}

func matchesAuditFilter(e *propauthz.AuditEntry, f propauthz.AuditFilter) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ObjectType != nil && (e.Decision == nil || e.Decision.ObjectType != *f.ObjectType) {
		return false
	}
	if f.AllowedOnly != nil && (e.Decision == nil || e.Decision.Allowed != *f.AllowedOnly) {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
