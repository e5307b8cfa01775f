package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLUsageStore counts limited resources straight from their tables.
type SQLUsageStore struct {
	db *squealx.DB
}

func NewSQLUsageStore(db *squealx.DB) *SQLUsageStore {
	return &SQLUsageStore{db: db}
}

// CountUsage reads every counter in one statement so the numbers are consistent.
func (s *SQLUsageStore) CountUsage(ctx context.Context, orgID string) (propauthz.Usage, error) {
	q := `SELECT
    (SELECT COUNT(*) FROM lots WHERE organization_id = :org),
    (SELECT COUNT(*) FROM users WHERE organization_id = :org AND status = 'active'),
    (SELECT COUNT(*) FROM invitations WHERE organization_id = :org AND status = 'pending'),
    (SELECT COUNT(*) FROM extranet_tenants WHERE organization_id = :org)`
	var u propauthz.Usage
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org": orgID})
	if err != nil {
		return u, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return propauthz.Usage{}, err
		}
		return propauthz.Usage{}, fmt.Errorf("usage of %s: no row returned", orgID)
	}
	if err := r.Scan(&u.Lots, &u.ActiveUsers, &u.PendingInvitations, &u.ExtranetTenants); err != nil {
		return propauthz.Usage{}, err
	}
	return u, nil
}

func (s *SQLUsageStore) CreateInvitation(ctx context.Context, inv *propauthz.Invitation) error {
	q := `INSERT INTO invitations(id, organization_id, email, profile_id, invited_by, token, status, expires_at, created_at) VALUES(:id, :organization_id, :email, :profile_id, :invited_by, :token, :status, :expires_at, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, invitationParams(inv))
	return err
}

// CreateInvitationWithin inserts inv only while active users plus pending
// invitations stay below limit, in a single statement.
func (s *SQLUsageStore) CreateInvitationWithin(ctx context.Context, inv *propauthz.Invitation, limit int) error {
	q := `INSERT INTO invitations(id, organization_id, email, profile_id, invited_by, token, status, expires_at, created_at)
SELECT :id, :organization_id, :email, :profile_id, :invited_by, :token, :status, :expires_at, :created_at
WHERE (SELECT COUNT(*) FROM users WHERE organization_id = :organization_id AND status = 'active') +
      (SELECT COUNT(*) FROM invitations WHERE organization_id = :organization_id AND status = 'pending') < :limit`
	params := invitationParams(inv)
	params["limit"] = limit
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	u, err := s.CountUsage(ctx, inv.OrganizationID)
	if err != nil {
		return err
	}
	return &propauthz.LimitReachedError{
		Resource: propauthz.ResourceUsers,
		Current:  u.For(propauthz.ResourceUsers),
		Limit:    propauthz.Limit(limit),
	}
}

func invitationParams(inv *propauthz.Invitation) map[string]any {
	return map[string]any{
		"id":              inv.ID,
		"organization_id": inv.OrganizationID,
		"email":           inv.Email,
		"profile_id":      nullIfEmpty(inv.ProfileID),
		"invited_by":      inv.InvitedBy,
		"token":           inv.Token,
		"status":          string(inv.Status),
		"expires_at":      sqlNullTimeOrNil(inv.ExpiresAt),
		"created_at":      sqlNullTimeOrNil(inv.CreatedAt),
	}
}

// ListInvitations returns the invitations of an organization, newest first.
func (s *SQLUsageStore) ListInvitations(ctx context.Context, orgID string) ([]*propauthz.Invitation, error) {
	q := `SELECT id, organization_id, email, profile_id, invited_by, status, expires_at, created_at FROM invitations WHERE organization_id = :org ORDER BY created_at DESC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"org": orgID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*propauthz.Invitation, 0)
	for r.Next() {
		var (
			inv              propauthz.Invitation
			profile          interface{}
			status           string
			expires, created interface{}
		)
		if err := r.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &profile, &inv.InvitedBy, &status, &expires, &created); err != nil {
			return nil, err
		}
		switch v := profile.(type) {
		case string:
			inv.ProfileID = v
		case []byte:
			inv.ProfileID = string(v)
		}
		inv.Status = propauthz.InvitationStatus(status)
		inv.ExpiresAt = timeFromColumn(expires)
		inv.CreatedAt = timeFromColumn(created)
		out = append(out, &inv)
	}
	return out, nil
}

// AddLot registers a lot; used by seeding and tests.
func (s *SQLUsageStore) AddLot(ctx context.Context, orgID, lotID, propertyID string) error {
	q := `INSERT INTO lots(id, organization_id, property_id) VALUES(:id, :org, :property_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": lotID, "org": orgID, "property_id": nullIfEmpty(propertyID)})
	return err
}

// AddExtranetTenant grants a tenant extranet access.
func (s *SQLUsageStore) AddExtranetTenant(ctx context.Context, orgID, id, tenantID string) error {
	q := `INSERT INTO extranet_tenants(id, organization_id, tenant_id) VALUES(:id, :org, :tenant_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "org": orgID, "tenant_id": nullIfEmpty(tenantID)})
	return err
}
