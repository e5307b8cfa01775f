package propauthz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete propauthz configuration
type Config struct {
	Version        uint16               `json:"version" yaml:"version"`
	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Plans          []*Plan              `json:"plans" yaml:"plans"`
	GlobalProfiles []*Profile           `json:"global_profiles" yaml:"global_profiles"`
	SuperAdmins    []string             `json:"super_admins,omitempty" yaml:"super_admins,omitempty"`
	Organizations  []OrganizationConfig `json:"organizations,omitempty" yaml:"organizations,omitempty"`
	Users          []*User              `json:"users,omitempty" yaml:"users,omitempty"`
}

// OrganizationConfig seeds one organization with its subscription and profiles.
type OrganizationConfig struct {
	ID       string             `json:"id" yaml:"id"`
	Name     string             `json:"name,omitempty" yaml:"name,omitempty"`
	Plan     string             `json:"plan" yaml:"plan"`
	Status   SubscriptionStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Profiles []*Profile         `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// EngineConfig durations are integer milliseconds. Zero selects the default,
// a negative value disables the cache. TTLs are capped at MaxStaleness.
type EngineConfig struct {
	PermissionCacheTTL  int64 `json:"permission_cache_ttl_ms" yaml:"permission_cache_ttl_ms"`
	SuperAdminCacheTTL  int64 `json:"super_admin_cache_ttl_ms" yaml:"super_admin_cache_ttl_ms"`
	EntitlementCacheTTL int64 `json:"entitlement_cache_ttl_ms" yaml:"entitlement_cache_ttl_ms"`
	CacheNumCounters    int64 `json:"cache_num_counters" yaml:"cache_num_counters"`
	CacheMaxCost        int64 `json:"cache_max_cost" yaml:"cache_max_cost"`
	CacheBufferItems    int64 `json:"cache_buffer_items" yaml:"cache_buffer_items"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
}

const (
	DefaultSuperAdminCacheTTL  = time.Minute
	DefaultEntitlementCacheTTL = 2 * time.Minute
	defaultAuditBuffer         = 1024
)

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PermissionCacheTTL:  DefaultPermissionCacheTTL.Milliseconds(),
		SuperAdminCacheTTL:  DefaultSuperAdminCacheTTL.Milliseconds(),
		EntitlementCacheTTL: DefaultEntitlementCacheTTL.Milliseconds(),
		AuditBuffer:         defaultAuditBuffer,
	}
}

func ttlFromMillis(ms int64, def time.Duration) time.Duration {
	switch {
	case ms < 0:
		return 0
	case ms == 0:
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxStaleness {
		d = MaxStaleness
	}
	return d
}

func (c EngineConfig) PermissionCacheTTLDuration() time.Duration {
	return ttlFromMillis(c.PermissionCacheTTL, DefaultPermissionCacheTTL)
}

func (c EngineConfig) SuperAdminCacheTTLDuration() time.Duration {
	return ttlFromMillis(c.SuperAdminCacheTTL, DefaultSuperAdminCacheTTL)
}

func (c EngineConfig) EntitlementCacheTTLDuration() time.Duration {
	return ttlFromMillis(c.EntitlementCacheTTL, DefaultEntitlementCacheTTL)
}

func (c EngineConfig) CacheConfig() CacheConfig {
	return CacheConfig{NumCounters: c.CacheNumCounters, MaxCost: c.CacheMaxCost, BufferItems: c.CacheBufferItems}.withDefaults()
}

func (c EngineConfig) auditBuffer() int {
	if c.AuditBuffer <= 0 {
		return defaultAuditBuffer
	}
	return c.AuditBuffer
}

func (c EngineConfig) Validate() error {
	if c.CacheNumCounters < 0 || c.CacheMaxCost < 0 || c.CacheBufferItems < 0 {
		return fmt.Errorf("%w: cache sizes must not be negative", ErrInvalidRequest)
	}
	if c.AuditBuffer < 0 {
		return fmt.Errorf("%w: audit_buffer must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Validate checks the whole document and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	plans := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if plans[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate plan %s", p.Name))
		}
		plans[p.Name] = true
	}
	knownPlan := func(name string) bool { return plans[name] || name == FreemiumPlanName }

	profiles := make(map[string]*Profile)
	addProfile := func(p *Profile, orgID string) {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			return
		}
		if p.OrganizationID != orgID {
			errs = append(errs, fmt.Errorf("profile %s: organization %q does not match %q", p.ID, p.OrganizationID, orgID))
		}
		if _, dup := profiles[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate profile %s", p.ID))
		}
		profiles[p.ID] = p
	}
	for _, p := range c.GlobalProfiles {
		addProfile(p, "")
	}
	orgs := make(map[string]bool, len(c.Organizations))
	for _, o := range c.Organizations {
		if o.ID == "" {
			errs = append(errs, errors.New("organization missing id"))
			continue
		}
		orgs[o.ID] = true
		if o.Plan != "" && !knownPlan(o.Plan) {
			errs = append(errs, fmt.Errorf("organization %s: unknown plan %s", o.ID, o.Plan))
		}
		if o.Status != "" && !o.Status.Valid() {
			errs = append(errs, fmt.Errorf("organization %s: unknown status %s", o.ID, o.Status))
		}
		for _, p := range o.Profiles {
			addProfile(p, o.ID)
		}
	}
	for _, u := range c.Users {
		if u.ID == "" {
			errs = append(errs, errors.New("user missing id"))
			continue
		}
		if u.OrganizationID != "" && !orgs[u.OrganizationID] {
			errs = append(errs, fmt.Errorf("user %s: unknown organization %s", u.ID, u.OrganizationID))
		}
		if u.ProfileID == "" {
			continue
		}
		p, ok := profiles[u.ProfileID]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("user %s: unknown profile %s", u.ID, u.ProfileID))
		case !p.VisibleTo(u.OrganizationID):
			errs = append(errs, fmt.Errorf("user %s: profile %s belongs to another organization", u.ID, u.ProfileID))
		}
	}
	return errors.Join(errs...)
}

// ConfigStats summarizes a configuration for the CLI.
type ConfigStats struct {
	Plans           int
	GlobalProfiles  int
	Organizations   int
	OrgProfiles     int
	Users           int
	SuperAdmins     int
	PermissionRows  int
	UnassignedUsers int
}

func (c *Config) Stats() ConfigStats {
	s := ConfigStats{
		Plans:          len(c.Plans),
		GlobalProfiles: len(c.GlobalProfiles),
		Organizations:  len(c.Organizations),
		Users:          len(c.Users),
		SuperAdmins:    len(c.SuperAdmins),
	}
	for _, p := range c.GlobalProfiles {
		s.PermissionRows += len(p.Permissions)
	}
	for _, o := range c.Organizations {
		s.OrgProfiles += len(o.Profiles)
		for _, p := range o.Profiles {
			s.PermissionRows += len(p.Permissions)
		}
	}
	for _, u := range c.Users {
		if u.SuperAdmin {
			s.SuperAdmins++
		}
		if u.ProfileID == "" {
			s.UnassignedUsers++
		}
	}
	return s
}

// ConfigLoader loads configuration from YAML or JSON
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the format from the file extension.
func (l *ConfigLoader) LoadFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig seeds the stores. Writes go straight to the stores (no
// principal is involved) and every cache is dropped afterwards.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, p := range cfg.Plans {
		if err := e.stores.Plans.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("upsert plan %s: %w", p.Name, err)
		}
	}
	for _, p := range cfg.GlobalProfiles {
		if err := e.seedProfile(ctx, p); err != nil {
			return err
		}
	}
	for _, o := range cfg.Organizations {
		if err := e.seedOrganization(ctx, o); err != nil {
			return err
		}
	}

	if len(cfg.Users) > 0 {
		w, ok := e.stores.Users.(UserWriter)
		if !ok {
			return errors.New("user store does not accept seeded users")
		}
		for _, u := range cfg.Users {
			if u.Status == "" {
				u.Status = UserActive
			}
			if err := w.SaveUser(ctx, u); err != nil {
				return fmt.Errorf("save user %s: %w", u.ID, err)
			}
		}
	}

	admins := append([]string(nil), cfg.SuperAdmins...)
	for _, u := range cfg.Users {
		if u.SuperAdmin {
			admins = append(admins, u.ID)
		}
	}
	if len(admins) > 0 {
		w, ok := e.stores.SuperAdmins.(SuperAdminWriter)
		if !ok {
			return errors.New("super-admin directory does not accept grants")
		}
		for _, id := range admins {
			if err := w.SetSuperAdmin(ctx, id, true); err != nil {
				return fmt.Errorf("grant super-admin to %s: %w", id, err)
			}
		}
	}
	return e.Invalidate(ctx, InvalidationEvent{Kind: InvalidateAll})
}

func (e *Engine) seedProfile(ctx context.Context, p *Profile) error {
	rows := make([]ObjectPermission, len(p.Permissions))
	for i, perm := range p.Permissions {
		perm.ProfileID = p.ID
		rows[i] = perm
	}
	_, err := e.stores.Profiles.GetProfile(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		now := e.now()
		dup := *p
		dup.Permissions = rows
		dup.CreatedAt, dup.UpdatedAt = now, now
		if err := e.stores.Profiles.CreateProfile(ctx, &dup); err != nil {
			return fmt.Errorf("create profile %s: %w", p.ID, err)
		}
	case err != nil:
		return fmt.Errorf("get profile %s: %w", p.ID, err)
	default:
		if err := e.stores.Profiles.ReplaceObjectPermissions(ctx, p.ID, rows); err != nil {
			return fmt.Errorf("replace permissions of %s: %w", p.ID, err)
		}
	}
	return nil
}

func (e *Engine) seedOrganization(ctx context.Context, o OrganizationConfig) error {
	sub, err := e.stores.Subscriptions.GetSubscription(ctx, o.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{ID: o.ID + "-subscription", OrganizationID: o.ID}
	case err != nil:
		return fmt.Errorf("get subscription of %s: %w", o.ID, err)
	}
	sub.PlanName = o.Plan
	if sub.PlanName == "" {
		sub.PlanName = FreemiumPlanName
	}
	sub.Status = o.Status
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	sub.UpdatedAt = e.now()
	if err := e.stores.Subscriptions.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription of %s: %w", o.ID, err)
	}
	for _, p := range o.Profiles {
		if err := e.seedProfile(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
