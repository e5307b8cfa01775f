package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLUserStore reads users and their profile reference (squealx).
type SQLUserStore struct {
	db *squealx.DB
}

func NewSQLUserStore(db *squealx.DB) *SQLUserStore {
	return &SQLUserStore{db: db}
}

func (s *SQLUserStore) GetUser(ctx context.Context, id string) (*propauthz.User, error) {
	q := `SELECT id, organization_id, profile_id, email, status, is_super_admin FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("user %s: %w", id, propauthz.ErrNotFound)
	}
	var (
		u       propauthz.User
		profile sql.NullString
		status  string
		super   int
	)
	if err := r.Scan(&u.ID, &u.OrganizationID, &profile, &u.Email, &status, &super); err != nil {
		return nil, err
	}
	u.ProfileID = profile.String
	u.Status = propauthz.UserStatus(status)
	u.SuperAdmin = super != 0
	return &u, nil
}

// AssignProfile swaps the reference with a single UPDATE.
func (s *SQLUserStore) AssignProfile(ctx context.Context, userID, profileID string) error {
	q := `UPDATE users SET profile_id = :profile_id WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "profile_id": nullIfEmpty(profileID)})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, propauthz.ErrNotFound)
	}
	return nil
}

func (s *SQLUserStore) SaveUser(ctx context.Context, u *propauthz.User) error {
	status := u.Status
	if status == "" {
		status = propauthz.UserActive
	}
	q := `INSERT INTO users(id, organization_id, profile_id, email, status, is_super_admin) VALUES(:id, :organization_id, :profile_id, :email, :status, :is_super_admin)
ON CONFLICT(id) DO UPDATE SET organization_id = excluded.organization_id, profile_id = excluded.profile_id, email = excluded.email, status = excluded.status, is_super_admin = excluded.is_super_admin`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              u.ID,
		"organization_id": u.OrganizationID,
		"profile_id":      nullIfEmpty(u.ProfileID),
		"email":           u.Email,
		"status":          string(status),
		"is_super_admin":  boolToInt(u.SuperAdmin),
	})
	return err
}

// SQLSuperAdminDirectory reads the is_super_admin flag of the users table.
type SQLSuperAdminDirectory struct {
	db *squealx.DB
}

func NewSQLSuperAdminDirectory(db *squealx.DB) *SQLSuperAdminDirectory {
	return &SQLSuperAdminDirectory{db: db}
}

func (d *SQLSuperAdminDirectory) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	q := `SELECT is_super_admin FROM users WHERE id = :id`
	r, err := d.db.NamedQueryContext(ctx, q, map[string]any{"id": userID})
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, nil
	}
	var flag int
	if err := r.Scan(&flag); err != nil {
		return false, err
	}
	return flag != 0, nil
}

func (d *SQLSuperAdminDirectory) SetSuperAdmin(ctx context.Context, userID string, on bool) error {
	q := `UPDATE users SET is_super_admin = :flag WHERE id = :id`
	res, err := d.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "flag": boolToInt(on)})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, propauthz.ErrNotFound)
	}
	return nil
}
