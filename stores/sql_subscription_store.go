package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLSubscriptionStore keeps one subscription row per organization.
type SQLSubscriptionStore struct {
	db *squealx.DB
}

func NewSQLSubscriptionStore(db *squealx.DB) *SQLSubscriptionStore {
	return &SQLSubscriptionStore{db: db}
}

func (s *SQLSubscriptionStore) GetSubscription(ctx context.Context, orgID string) (*propauthz.Subscription, error) {
	q := `SELECT id, organization_id, plan_name, status, current_period_end, updated_at FROM subscriptions WHERE organization_id = :organization_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"organization_id": orgID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("subscription of %s: %w", orgID, propauthz.ErrNotFound)
	}
	var (
		sub                propauthz.Subscription
		status             string
		periodEnd, updated interface{}
	)
	if err := r.Scan(&sub.ID, &sub.OrganizationID, &sub.PlanName, &status, &periodEnd, &updated); err != nil {
		return nil, err
	}
	sub.Status = propauthz.SubscriptionStatus(status)
	sub.CurrentPeriodEnd = timeFromColumn(periodEnd)
	sub.UpdatedAt = timeFromColumn(updated)
	return &sub, nil
}

// SaveSubscription writes the organization's row in one statement.
func (s *SQLSubscriptionStore) SaveSubscription(ctx context.Context, sub *propauthz.Subscription) error {
	q := `INSERT INTO subscriptions(id, organization_id, plan_name, status, current_period_end, updated_at) VALUES(:id, :organization_id, :plan_name, :status, :current_period_end, :updated_at)
ON CONFLICT(organization_id) DO UPDATE SET plan_name = excluded.plan_name, status = excluded.status, current_period_end = excluded.current_period_end, updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                 sub.ID,
		"organization_id":    sub.OrganizationID,
		"plan_name":          sub.PlanName,
		"status":             string(sub.Status),
		"current_period_end": sqlNullTimeOrNil(sub.CurrentPeriodEnd),
		"updated_at":         sqlNullTimeOrNil(sub.UpdatedAt),
	})
	return err
}
