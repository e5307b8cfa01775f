package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLPlanCatalog persists plans in SQL (squealx). NULL limits are unlimited.
type SQLPlanCatalog struct {
	db *squealx.DB
}

func NewSQLPlanCatalog(db *squealx.DB) *SQLPlanCatalog {
	return &SQLPlanCatalog{db: db}
}

const planColumns = `name, display_name, currency, monthly_cents, yearly_cents, lots_limit, users_limit, extranet_tenants_limit, features_json`

func (s *SQLPlanCatalog) UpsertPlan(ctx context.Context, p *propauthz.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("encode features of %s: %w", p.Name, err)
	}
	q := `INSERT INTO plans(` + planColumns + `) VALUES(:name, :display_name, :currency, :monthly_cents, :yearly_cents, :lots_limit, :users_limit, :extranet_tenants_limit, :features_json)
ON CONFLICT(name) DO UPDATE SET display_name = excluded.display_name, currency = excluded.currency, monthly_cents = excluded.monthly_cents, yearly_cents = excluded.yearly_cents, lots_limit = excluded.lots_limit, users_limit = excluded.users_limit, extranet_tenants_limit = excluded.extranet_tenants_limit, features_json = excluded.features_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"name":                   p.Name,
		"display_name":           p.DisplayName,
		"currency":               p.Price.Currency,
		"monthly_cents":          p.Price.MonthlyCents,
		"yearly_cents":           p.Price.YearlyCents,
		"lots_limit":             limitColumn(p.Limits.Lots),
		"users_limit":            limitColumn(p.Limits.Users),
		"extranet_tenants_limit": limitColumn(p.Limits.ExtranetTenants),
		"features_json":          string(features),
	})
	return err
}

func (s *SQLPlanCatalog) GetPlan(ctx context.Context, name string) (*propauthz.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans WHERE name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("plan %s: %w", name, propauthz.ErrNotFound)
	}
	return scanPlan(r)
}

func (s *SQLPlanCatalog) ListPlans(ctx context.Context) ([]*propauthz.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*propauthz.Plan, 0)
	for r.Next() {
		p, err := scanPlan(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(r scanner) (*propauthz.Plan, error) {
	var (
		p                propauthz.Plan
		lots, users, ext sql.NullInt64
		featuresJSON     string
	)
	if err := r.Scan(&p.Name, &p.DisplayName, &p.Price.Currency, &p.Price.MonthlyCents, &p.Price.YearlyCents, &lots, &users, &ext, &featuresJSON); err != nil {
		return nil, err
	}
	p.Limits = propauthz.Limits{
		Lots:            limitFromColumn(lots),
		Users:           limitFromColumn(users),
		ExtranetTenants: limitFromColumn(ext),
	}
	p.Features = map[propauthz.FeatureKey]bool{}
	if err := json.Unmarshal([]byte(featuresJSON), &p.Features); err != nil {
		return nil, fmt.Errorf("decode features of %s: %w", p.Name, err)
	}
	return &p, nil
}
