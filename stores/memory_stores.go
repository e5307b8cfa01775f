package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/propauthz"
)

// MemoryPlanCatalog keeps plans in-memory for testing/demo
type MemoryPlanCatalog struct {
	mu    sync.RWMutex
	plans map[string]*propauthz.Plan
}

func NewMemoryPlanCatalog(plans ...*propauthz.Plan) *MemoryPlanCatalog {
	c := &MemoryPlanCatalog{plans: make(map[string]*propauthz.Plan)}
	for _, p := range plans {
		c.plans[p.Name] = p.Clone()
	}
	return c
}

func (c *MemoryPlanCatalog) GetPlan(ctx context.Context, name string) (*propauthz.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[name]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", name, propauthz.ErrNotFound)
	}
	return p.Clone(), nil
}

func (c *MemoryPlanCatalog) ListPlans(ctx context.Context) ([]*propauthz.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*propauthz.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *MemoryPlanCatalog) UpsertPlan(ctx context.Context, p *propauthz.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[p.Name] = p.Clone()
	return nil
}

// MemorySubscriptionStore holds one subscription per organization.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]propauthz.Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]propauthz.Subscription)}
}

func (s *MemorySubscriptionStore) GetSubscription(ctx context.Context, orgID string) (*propauthz.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[orgID]
	if !ok {
		return nil, fmt.Errorf("subscription of %s: %w", orgID, propauthz.ErrNotFound)
	}
	return &sub, nil
}

func (s *MemorySubscriptionStore) SaveSubscription(ctx context.Context, sub *propauthz.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.OrganizationID] = *sub
	return nil
}

// MemoryProfileStore keeps profiles and their permission rows.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]propauthz.Profile
	rows     map[string]map[propauthz.ObjectType]propauthz.Capabilities
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		profiles: make(map[string]propauthz.Profile),
		rows:     make(map[string]map[propauthz.ObjectType]propauthz.Capabilities),
	}
}

func (s *MemoryProfileStore) CreateProfile(ctx context.Context, p *propauthz.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[p.ID]; exists {
		return fmt.Errorf("profile %s already exists", p.ID)
	}
	meta := *p
	meta.Permissions = nil
	s.profiles[p.ID] = meta
	s.rows[p.ID] = toRowMap(p.Permissions)
	return nil
}

func (s *MemoryProfileStore) GetProfile(ctx context.Context, id string) (*propauthz.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, propauthz.ErrNotFound)
	}
	p.Permissions = fromRowMap(id, s.rows[id])
	return &p, nil
}

func (s *MemoryProfileStore) ListProfiles(ctx context.Context, orgID string) ([]*propauthz.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*propauthz.Profile, 0)
	for id, p := range s.profiles {
		if !p.VisibleTo(orgID) {
			continue
		}
		p.Permissions = fromRowMap(id, s.rows[id])
		dup := p
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryProfileStore) DeleteProfile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("profile %s: %w", id, propauthz.ErrNotFound)
	}
	delete(s.profiles, id)
	delete(s.rows, id)
	return nil
}

func (s *MemoryProfileStore) SetObjectPermission(ctx context.Context, perm propauthz.ObjectPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.rows[perm.ProfileID]
	if !ok {
		return fmt.Errorf("profile %s: %w", perm.ProfileID, propauthz.ErrNotFound)
	}
	rows[perm.ObjectType] = perm.Capabilities
	return nil
}

func (s *MemoryProfileStore) ReplaceObjectPermissions(ctx context.Context, profileID string, perms []propauthz.ObjectPermission) error {
	fresh := toRowMap(perms)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profileID]; !ok {
		return fmt.Errorf("profile %s: %w", profileID, propauthz.ErrNotFound)
	}
	s.rows[profileID] = fresh
	return nil
}

func (s *MemoryProfileStore) ListObjectPermissions(ctx context.Context, profileID string) ([]propauthz.ObjectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[profileID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", profileID, propauthz.ErrNotFound)
	}
	return fromRowMap(profileID, rows), nil
}

// MemoryUserStore keeps users; it also serves as a UserWriter.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]propauthz.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]propauthz.User)}
}

func (s *MemoryUserStore) SaveUser(ctx context.Context, u *propauthz.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryUserStore) GetUser(ctx context.Context, id string) (*propauthz.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, propauthz.ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryUserStore) AssignProfile(ctx context.Context, userID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, propauthz.ErrNotFound)
	}
	u.ProfileID = profileID
	s.users[userID] = u
	return nil
}

// CountActive returns the number of active users of an organization.
func (s *MemoryUserStore) CountActive(orgID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.OrganizationID == orgID && (u.Status == "" || u.Status == propauthz.UserActive) {
			n++
		}
	}
	return n
}

// MemorySuperAdminDirectory is a set of super-admin user ids.
type MemorySuperAdminDirectory struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewMemorySuperAdminDirectory(ids ...string) *MemorySuperAdminDirectory {
	d := &MemorySuperAdminDirectory{ids: make(map[string]struct{})}
	for _, id := range ids {
		d.ids[id] = struct{}{}
	}
	return d
}

func (d *MemorySuperAdminDirectory) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[userID]
	return ok, nil
}

func (d *MemorySuperAdminDirectory) SetSuperAdmin(ctx context.Context, userID string, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.ids[userID] = struct{}{}
	} else {
		delete(d.ids, userID)
	}
	return nil
}

// MemoryUsageStore counts resources. Active users come from the user store
// when one is attached; pending invitations are those it recorded.
type MemoryUsageStore struct {
	mu          sync.RWMutex
	users       *MemoryUserStore
	counts      map[string]propauthz.Usage
	invitations map[string][]propauthz.Invitation
}

func NewMemoryUsageStore(users *MemoryUserStore) *MemoryUsageStore {
	return &MemoryUsageStore{
		users:       users,
		counts:      make(map[string]propauthz.Usage),
		invitations: make(map[string][]propauthz.Invitation),
	}
}

// SetUsage overrides the base counts of an organization.
func (s *MemoryUsageStore) SetUsage(orgID string, u propauthz.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[orgID] = u
}

func (s *MemoryUsageStore) CountUsage(ctx context.Context, orgID string) (propauthz.Usage, error) {
	s.mu.RLock()
	u := s.counts[orgID]
	for _, inv := range s.invitations[orgID] {
		if inv.Status == propauthz.InvitationPending {
			u.PendingInvitations++
		}
	}
	s.mu.RUnlock()
	if s.users != nil {
		u.ActiveUsers += s.users.CountActive(orgID)
	}
	return u, nil
}

func (s *MemoryUsageStore) CreateInvitation(ctx context.Context, inv *propauthz.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitations[inv.OrganizationID] = append(s.invitations[inv.OrganizationID], *inv)
	return nil
}

// Invitations returns the invitations recorded for an organization.
func (s *MemoryUsageStore) Invitations(orgID string) []propauthz.Invitation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]propauthz.Invitation(nil), s.invitations[orgID]...)
}

// MemoryRecordLocator serves RecordRefs registered with Put.
type MemoryRecordLocator struct {
	mu   sync.RWMutex
	refs map[recordKey]propauthz.RecordRef
}

type recordKey struct {
	t  propauthz.ObjectType
	id string
}

func NewMemoryRecordLocator() *MemoryRecordLocator {
	return &MemoryRecordLocator{refs: make(map[recordKey]propauthz.RecordRef)}
}

func (l *MemoryRecordLocator) Put(ref propauthz.RecordRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref.Participants = append([]string(nil), ref.Participants...)
	l.refs[recordKey{ref.ObjectType, ref.ID}] = ref
}

func (l *MemoryRecordLocator) LocateRecord(ctx context.Context, t propauthz.ObjectType, id string) (*propauthz.RecordRef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.refs[recordKey{t, id}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, id, propauthz.ErrNotFound)
	}
	ref.Participants = append([]string(nil), ref.Participants...)
	return &ref, nil
}

// MemoryAuditStore implements in-memory audit logging
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*propauthz.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*propauthz.AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *propauthz.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *entry
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter propauthz.AuditFilter) ([]*propauthz.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*propauthz.AuditEntry, 0)
	for _, e := range s.entries {
		if !matchesAuditFilter(e, filter) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Memory bundles one of each in-memory store, wired together.
type Memory struct {
	Plans         *MemoryPlanCatalog
	Subscriptions *MemorySubscriptionStore
	Profiles      *MemoryProfileStore
	Users         *MemoryUserStore
	SuperAdmins   *MemorySuperAdminDirectory
	Usage         *MemoryUsageStore
	Records       *MemoryRecordLocator
	Audit         *MemoryAuditStore
}

func NewMemory() *Memory {
	users := NewMemoryUserStore()
	return &Memory{
		Plans:         NewMemoryPlanCatalog(),
		Subscriptions: NewMemorySubscriptionStore(),
		Profiles:      NewMemoryProfileStore(),
		Users:         users,
		SuperAdmins:   NewMemorySuperAdminDirectory(),
		Usage:         NewMemoryUsageStore(users),
		Records:       NewMemoryRecordLocator(),
		Audit:         NewMemoryAuditStore(),
	}
}

// Stores returns the bundle as engine collaborators.
func (m *Memory) Stores() propauthz.Stores {
	return propauthz.Stores{
		Plans:         m.Plans,
		Subscriptions: m.Subscriptions,
		Profiles:      m.Profiles,
		Users:         m.Users,
		SuperAdmins:   m.SuperAdmins,
		Usage:         m.Usage,
		Records:       m.Records,
		Audit:         m.Audit,
	}
}
