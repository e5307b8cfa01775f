package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *propauthz.AuditEntry) error {
	d := entry.Decision
	if d == nil {
		d = &propauthz.Decision{}
	}
	traceB, _ := json.Marshal(d.Trace)
	q := `INSERT INTO audit_log(id, timestamp, organization_id, user_id, object_type, object_id, action, allowed, reason, tier, plan_name, profile_id, trace_json) VALUES(:id, :timestamp, :organization_id, :user_id, :object_type, :object_id, :action, :allowed, :reason, :tier, :plan_name, :profile_id, :trace_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              entry.ID,
		"timestamp":       entry.Timestamp,
		"organization_id": entry.OrganizationID,
		"user_id":         entry.UserID,
		"object_type":     d.ObjectType.String(),
		"object_id":       d.ObjectID,
		"action":          string(d.Action),
		"allowed":         boolToInt(d.Allowed),
		"reason":          string(d.Reason),
		"tier":            string(d.Tier),
		"plan_name":       d.PlanName,
		"profile_id":      d.ProfileID,
		"trace_json":      string(traceB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter propauthz.AuditFilter) ([]*propauthz.AuditEntry, error) {
	q := `SELECT id, timestamp, organization_id, user_id, object_type, object_id, action, allowed, reason, tier, plan_name, profile_id, trace_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.OrganizationID != "" {
		q += " AND organization_id = :organization_id"
		params["organization_id"] = filter.OrganizationID
	}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.ObjectType != nil {
		q += " AND object_type = :object_type"
		params["object_type"] = filter.ObjectType.String()
	}
	if filter.AllowedOnly != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.AllowedOnly)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*propauthz.AuditEntry, 0)
	for r.Next() {
		var (
			id, org, user, objectType, objectID, action string
			reason, tier, plan, profile, traceJSON      string
			timestampRaw                                interface{}
			allowedInt                                  int
		)
		if err := r.Scan(&id, &timestampRaw, &org, &user, &objectType, &objectID, &action, &allowedInt, &reason, &tier, &plan, &profile, &traceJSON); err != nil {
			return nil, err
		}
		d := &propauthz.Decision{
			Allowed:   allowedInt != 0,
			Reason:    propauthz.Reason(reason),
			Tier:      propauthz.Tier(tier),
			ObjectID:  objectID,
			Action:    propauthz.Action(action),
			PlanName:  plan,
			ProfileID: profile,
		}
		if t, err := propauthz.ParseObjectType(objectType); err == nil {
			d.ObjectType = t
		}
		_ = json.Unmarshal([]byte(traceJSON), &d.Trace)
		entry := &propauthz.AuditEntry{
			ID:             id,
			Timestamp:      timeFromColumn(timestampRaw),
			OrganizationID: org,
			UserID:         user,
			Decision:       d,
		}
		d.Timestamp = entry.Timestamp
		out = append(out, entry)
	}
	return out, nil
}
