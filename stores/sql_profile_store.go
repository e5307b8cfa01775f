package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLProfileStore persists profiles and their permission matrix (squealx).
// Every profile owns one object_permissions row per object type; rows with
// present = 0 stand for "no row", so a whole matrix is replaced by a single
// multi-row upsert.
type SQLProfileStore struct {
	db *squealx.DB
}

func NewSQLProfileStore(db *squealx.DB) *SQLProfileStore {
	return &SQLProfileStore{db: db}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLProfileStore) CreateProfile(ctx context.Context, p *propauthz.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO profiles(id, organization_id, name, description, created_at, updated_at) VALUES(:id, :organization_id, :name, :description, :created_at, :updated_at)`
	return s.db.WithTxx(ctx, nil, func(tx *squealx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, map[string]any{
			"id":              p.ID,
			"organization_id": nullIfEmpty(p.OrganizationID),
			"name":            p.Name,
			"description":     p.Description,
			"created_at":      created,
			"updated_at":      created,
		}); err != nil {
			return fmt.Errorf("insert profile %s: %w", p.ID, err)
		}
		return writeMatrix(ctx, tx, p.ID, p.Permissions)
	})
}

func (s *SQLProfileStore) GetProfile(ctx context.Context, id string) (*propauthz.Profile, error) {
	p, err := s.getProfileRow(ctx, id)
	if err != nil {
		return nil, err
	}
	perms, err := s.listRows(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Permissions = perms
	return p, nil
}

func (s *SQLProfileStore) getProfileRow(ctx context.Context, id string) (*propauthz.Profile, error) {
	q := `SELECT id, organization_id, name, description, created_at, updated_at FROM profiles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("profile %s: %w", id, propauthz.ErrNotFound)
	}
	return scanProfile(r)
}

func scanProfile(r scanner) (*propauthz.Profile, error) {
	var (
		p                propauthz.Profile
		org              sql.NullString
		created, updated interface{}
	)
	if err := r.Scan(&p.ID, &org, &p.Name, &p.Description, &created, &updated); err != nil {
		return nil, err
	}
	p.OrganizationID = org.String
	p.CreatedAt = timeFromColumn(created)
	p.UpdatedAt = timeFromColumn(updated)
	return &p, nil
}

// ListProfiles returns the organization's profiles and every global one.
func (s *SQLProfileStore) ListProfiles(ctx context.Context, orgID string) ([]*propauthz.Profile, error) {
	q := `SELECT id, organization_id, name, description, created_at, updated_at FROM profiles WHERE organization_id IS NULL OR organization_id = :organization_id ORDER BY name, id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"organization_id": orgID})
	if err != nil {
		return nil, err
	}
	out := make([]*propauthz.Profile, 0)
	for r.Next() {
		p, err := scanProfile(r)
		if err != nil {
			r.Close()
			return nil, err
		}
		out = append(out, p)
	}
	r.Close()
	for _, p := range out {
		perms, err := s.listRows(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Permissions = perms
	}
	return out, nil
}

func (s *SQLProfileStore) DeleteProfile(ctx context.Context, id string) error {
	return s.db.WithTxx(ctx, nil, func(tx *squealx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `DELETE FROM profiles WHERE id = :id`, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("profile %s: %w", id, propauthz.ErrNotFound)
		}
		_, err = tx.NamedExecContext(ctx, `DELETE FROM object_permissions WHERE profile_id = :id`, map[string]any{"id": id})
		return err
	})
}

func (s *SQLProfileStore) SetObjectPermission(ctx context.Context, perm propauthz.ObjectPermission) error {
	if _, err := s.getProfileRow(ctx, perm.ProfileID); err != nil {
		return err
	}
	q := `INSERT INTO object_permissions(profile_id, object_type, present, access_level, can_create, can_read, can_edit, can_delete, can_view_all)
VALUES(:profile_id, :object_type, 1, :access_level, :can_create, :can_read, :can_edit, :can_delete, :can_view_all)
ON CONFLICT(profile_id, object_type) DO UPDATE SET ` + matrixUpdateSet
	c := perm.Capabilities
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"profile_id":   perm.ProfileID,
		"object_type":  perm.ObjectType.String(),
		"access_level": string(c.AccessLevel()),
		"can_create":   boolToInt(c.Create),
		"can_read":     boolToInt(c.Read),
		"can_edit":     boolToInt(c.Edit),
		"can_delete":   boolToInt(c.Delete),
		"can_view_all": boolToInt(c.ViewAll),
	})
	return err
}

func (s *SQLProfileStore) ReplaceObjectPermissions(ctx context.Context, profileID string, perms []propauthz.ObjectPermission) error {
	if _, err := s.getProfileRow(ctx, profileID); err != nil {
		return err
	}
	return writeMatrix(ctx, s.db, profileID, perms)
}

const matrixUpdateSet = `present = excluded.present, access_level = excluded.access_level, can_create = excluded.can_create, can_read = excluded.can_read, can_edit = excluded.can_edit, can_delete = excluded.can_delete, can_view_all = excluded.can_view_all`

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// writeMatrix upserts a row for every object type in one statement.
func writeMatrix(ctx context.Context, db namedExecer, profileID string, perms []propauthz.ObjectPermission) error {
	rows := toRowMap(perms)
	params := map[string]any{"profile_id": profileID}
	values := make([]string, 0, len(propauthz.AllObjectTypes()))
	for i, t := range propauthz.AllObjectTypes() {
		c, present := rows[t]
		values = append(values, fmt.Sprintf("(:profile_id, :t%[1]d, :p%[1]d, :l%[1]d, :c%[1]d, :r%[1]d, :e%[1]d, :d%[1]d, :v%[1]d)", i))
		params[fmt.Sprintf("t%d", i)] = t.String()
		params[fmt.Sprintf("p%d", i)] = boolToInt(present)
		params[fmt.Sprintf("l%d", i)] = string(c.AccessLevel())
		params[fmt.Sprintf("c%d", i)] = boolToInt(c.Create)
		params[fmt.Sprintf("r%d", i)] = boolToInt(c.Read)
		params[fmt.Sprintf("e%d", i)] = boolToInt(c.Edit)
		params[fmt.Sprintf("d%d", i)] = boolToInt(c.Delete)
		params[fmt.Sprintf("v%d", i)] = boolToInt(c.ViewAll)
	}
	q := `INSERT INTO object_permissions(profile_id, object_type, present, access_level, can_create, can_read, can_edit, can_delete, can_view_all) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT(profile_id, object_type) DO UPDATE SET ` + matrixUpdateSet
	if _, err := db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("write permissions of %s: %w", profileID, err)
	}
	return nil
}

func (s *SQLProfileStore) ListObjectPermissions(ctx context.Context, profileID string) ([]propauthz.ObjectPermission, error) {
	perms, err := s.listRows(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		if _, err := s.getProfileRow(ctx, profileID); err != nil {
			return nil, err
		}
	}
	return perms, nil
}

func (s *SQLProfileStore) listRows(ctx context.Context, profileID string) ([]propauthz.ObjectPermission, error) {
	q := `SELECT object_type, can_create, can_read, can_edit, can_delete, can_view_all FROM object_permissions WHERE profile_id = :profile_id AND present = 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"profile_id": profileID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	m := make(map[propauthz.ObjectType]propauthz.Capabilities)
	for r.Next() {
		var (
			typeName                         string
			create, read, edit, del, viewAll int
		)
		if err := r.Scan(&typeName, &create, &read, &edit, &del, &viewAll); err != nil {
			return nil, err
		}
		t, err := propauthz.ParseObjectType(typeName)
		if err != nil {
			continue
		}
		m[t] = propauthz.Capabilities{Create: create != 0, Read: read != 0, Edit: edit != 0, Delete: del != 0, ViewAll: viewAll != 0}
	}
	return fromRowMap(profileID, m), nil
}
