package propauthz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/propauthz/logger"
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithClock injects the time source used for decisions and cache expiry.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithInvalidationBus subscribes the engine to cross-process cache invalidations
// and publishes its own admin writes on it.
func WithInvalidationBus(bus InvalidationBus) EngineOption {
	return func(e *Engine) error {
		e.bus = bus
		return nil
	}
}

// WithSuperAdminCache shares one process-wide super-admin cache between engines.
// The engine does not close a shared cache.
func WithSuperAdminCache(c *SuperAdminCache) EngineOption {
	return func(e *Engine) error {
		e.superAdmins = c
		return nil
	}
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine combines the feature gate, the permission resolver and the override
// rules into one verdict per request. It is safe for concurrent use.
type Engine struct {
	stores      Stores
	cfg         EngineConfig
	gate        *FeatureGate
	resolver    *PermissionResolver
	superAdmins *SuperAdminCache
	ownsSA      bool
	usage       *UsageGuard
	bus         InvalidationBus
	unsubscribe func()
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time
	instanceID  string
	orgLocks    sync.Map

	// asynchronous audit channel so the decision path never waits on storage
	auditMu   sync.RWMutex
	auditCh   chan AuditEntry
	auditDone chan struct{}
	closed    bool
}

func NewEngine(stores Stores, opts ...EngineOption) (*Engine, error) {
	switch {
	case stores.Plans == nil:
		return nil, errors.New("plan catalog is required")
	case stores.Subscriptions == nil:
		return nil, errors.New("subscription store is required")
	case stores.Profiles == nil:
		return nil, errors.New("profile store is required")
	case stores.Users == nil:
		return nil, errors.New("user store is required")
	}
	e := &Engine{
		stores:     stores,
		cfg:        DefaultEngineConfig(),
		logger:     logger.NewNullLogger(),
		now:        time.Now,
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if err := e.build(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build() error {
	cacheCfg := e.cfg.CacheConfig()
	common := []ResolverOption{WithResolverClock(e.now), WithCacheConfig(cacheCfg), WithResolverLogger(e.logger)}

	gate, err := NewFeatureGate(e.stores.Plans, e.stores.Subscriptions, append(common, WithCacheTTL(e.cfg.EntitlementCacheTTLDuration()))...)
	if err != nil {
		return fmt.Errorf("feature gate: %w", err)
	}
	e.gate = gate

	resolver, err := NewPermissionResolver(e.stores.Users, e.stores.Profiles, append(common, WithCacheTTL(e.cfg.PermissionCacheTTLDuration()))...)
	if err != nil {
		return fmt.Errorf("permission resolver: %w", err)
	}
	e.resolver = resolver

	if e.superAdmins == nil {
		sa, err := NewSuperAdminCache(e.stores.SuperAdmins, e.cfg.SuperAdminCacheTTLDuration(), e.now, cacheCfg)
		if err != nil {
			return fmt.Errorf("super-admin cache: %w", err)
		}
		e.superAdmins = sa
		e.ownsSA = true
	}

	e.usage = NewUsageGuard(e.gate, e.stores.Usage, e.logger)

	if e.stores.Audit != nil {
		e.auditCh = make(chan AuditEntry, e.cfg.auditBuffer())
		e.auditDone = make(chan struct{})
		go e.auditWorker()
	}

	if e.bus != nil {
		unsub, err := e.bus.Subscribe(InvalidationSubscriberFunc(e.applyInvalidation))
		if err != nil {
			return fmt.Errorf("subscribe to invalidations: %w", err)
		}
		e.unsubscribe = unsub
	}
	return nil
}

// Close drains the audit queue and releases the caches.
func (e *Engine) Close() {
	e.auditMu.Lock()
	if e.closed {
		e.auditMu.Unlock()
		return
	}
	e.closed = true
	if e.auditCh != nil {
		close(e.auditCh)
	}
	e.auditMu.Unlock()
	if e.auditDone != nil {
		<-e.auditDone
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.gate != nil {
		e.gate.Close()
	}
	if e.resolver != nil {
		e.resolver.Close()
	}
	if e.ownsSA && e.superAdmins != nil {
		e.superAdmins.Close()
	}
}

func (e *Engine) FeatureGate() *FeatureGate { return e.gate }

func (e *Engine) Resolver() *PermissionResolver { return e.resolver }

func (e *Engine) UsageGuard() *UsageGuard { return e.usage }

func (e *Engine) Stores() Stores { return e.stores }

// ============================================================================
// DECISIONS
// ============================================================================

// evaluation keeps what the instance tier needs from the type-level pass.
type evaluation struct {
	decision   *Decision
	superAdmin bool
	orgAdmin   bool
	caps       Capabilities
}

func validateRequest(p Principal, t ObjectType, a Action) error {
	if err := p.validate(); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown object type %d", ErrInvalidRequest, uint8(t))
	}
	if !a.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, string(a))
	}
	return nil
}

// Decide answers whether p may perform a on objects of type t. The error is
// non-nil only for malformed requests (ErrInvalidRequest); every other failure
// is a Deny.
func (e *Engine) Decide(ctx context.Context, p Principal, t ObjectType, a Action) (*Decision, error) {
	ev, err := e.evaluate(ctx, p, t, a, false)
	e.record(p, ev.decision)
	return ev.decision, err
}

// Explain is Decide with a step-by-step trace attached to the decision.
func (e *Engine) Explain(ctx context.Context, p Principal, t ObjectType, a Action) (*Decision, error) {
	ev, err := e.evaluate(ctx, p, t, a, true)
	e.record(p, ev.decision)
	return ev.decision, err
}

// Allowed is a convenience wrapper that folds errors into false.
func (e *Engine) Allowed(ctx context.Context, p Principal, t ObjectType, a Action) bool {
	d, err := e.Decide(ctx, p, t, a)
	return err == nil && d.Allowed
}

func (e *Engine) evaluate(ctx context.Context, p Principal, t ObjectType, a Action, includeTrace bool) (*evaluation, error) {
	d := &Decision{ObjectType: t, Action: a, Timestamp: e.now()}
	if includeTrace {
		d.Trace = make([]string, 0, 8)
	}
	ev := &evaluation{decision: d}
	trace := func(format string, args ...any) {
		if includeTrace {
			d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
		}
	}

	if err := validateRequest(p, t, a); err != nil {
		d.Reason, d.Tier = ReasonInvalidRequest, TierValidation
		trace("DENY: %v", err)
		return ev, err
	}
	d.Feature = t.Feature()
	if err := ctx.Err(); err != nil {
		e.failClosed(d, p, err, trace)
		return ev, nil
	}

	isSA, err := e.superAdmins.IsSuperAdmin(ctx, p.UserID)
	if err != nil {
		e.logger.Error("super-admin lookup failed", "user", p.UserID, "error", err)
		trace("override: super-admin lookup failed, continuing as regular user")
	}
	if isSA {
		ev.superAdmin = true
		d.Allowed, d.Reason, d.Tier = true, ReasonSuperAdmin, TierOverride
		trace("ALLOW: user is super-admin")
		return ev, nil
	}

	res, err := e.resolver.Resolve(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.Reason, d.Tier = ReasonNotOrganizationMember, TierMembership
			trace("DENY: user %s not found", p.UserID)
			return ev, nil
		}
		e.failClosed(d, p, err, trace)
		return ev, nil
	}
	d.ProfileID = res.ProfileID
	if res.OrganizationID != p.OrganizationID || !res.Active() {
		d.Reason, d.Tier = ReasonNotOrganizationMember, TierMembership
		trace("DENY: user belongs to %q (status %q), request targets %q", res.OrganizationID, res.Status, p.OrganizationID)
		return ev, nil
	}
	trace("membership: user %s in %s, profile %q", p.UserID, p.OrganizationID, res.ProfileID)

	if res.Permissions.IsOrganizationAdmin() {
		ev.orgAdmin = true
		d.Allowed, d.Reason, d.Tier = true, ReasonOrganizationAdmin, TierOverride
		trace("ALLOW: profile grants edit on Organization")
		return ev, nil
	}

	fd := e.gate.IsEnabled(ctx, p.OrganizationID, t)
	d.PlanName = fd.PlanName
	if err := ctx.Err(); err != nil {
		e.failClosed(d, p, err, trace)
		return ev, nil
	}
	if !fd.Enabled {
		d.Reason, d.Tier = ReasonFeatureNotAvailable, TierFeature
		trace("DENY: plan %q does not enable %s", fd.PlanName, fd.Feature)
		return ev, nil
	}
	trace("feature: %s (%s)", fd.Feature, fd.Reason)

	if !res.HasProfile() {
		d.Reason, d.Tier = ReasonNoProfileAssigned, TierProfile
		trace("DENY: no profile assigned")
		return ev, nil
	}
	caps, ok := res.Permissions.Lookup(t)
	if !ok {
		d.Reason, d.Tier = ReasonNoPermissionSpecified, TierProfile
		trace("DENY: profile %s has no row for %s", res.ProfileID, t)
		return ev, nil
	}
	ev.caps = caps
	if !caps.Allows(a) {
		d.Reason, d.Tier = ReasonPermissionDenied, TierProfile
		trace("DENY: profile %s does not grant %s on %s (level %s)", res.ProfileID, a, t, caps.AccessLevel())
		return ev, nil
	}
	d.Allowed, d.Reason, d.Tier = true, ReasonPermissionGranted, TierProfile
	trace("ALLOW: profile %s grants %s on %s", res.ProfileID, a, t)
	return ev, nil
}

// failClosed turns an internal failure into a Deny; the error is only logged.
func (e *Engine) failClosed(d *Decision, p Principal, err error, trace func(string, ...any)) {
	d.Allowed, d.Reason, d.Tier = false, ReasonResolutionFailed, TierMembership
	e.logger.Error("authorization resolution failed", "user", p.UserID, "org", p.OrganizationID, "object", d.ObjectType, "error", err)
	trace("DENY: resolution failed: %v", err)
}

// DecisionRequest is one entry of a batch. A non-empty ObjectID runs the
// instance check.
type DecisionRequest struct {
	Principal  Principal  `json:"principal"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   string     `json:"object_id,omitempty"`
	Action     Action     `json:"action"`
}

// DecideBatch evaluates requests in order and stops at the first malformed one.
func (e *Engine) DecideBatch(ctx context.Context, reqs []DecisionRequest) ([]*Decision, error) {
	out := make([]*Decision, len(reqs))
	for i, r := range reqs {
		var (
			d   *Decision
			err error
		)
		if r.ObjectID != "" {
			d, err = e.DecideInstance(ctx, r.Principal, r.ObjectType, r.ObjectID, r.Action)
		} else {
			d, err = e.Decide(ctx, r.Principal, r.ObjectType, r.Action)
		}
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// ObjectCapabilities summarizes what a user may do with one object type, for UI gates.
type ObjectCapabilities struct {
	ObjectType      ObjectType        `json:"object_type"`
	Feature         FeatureKey        `json:"feature"`
	PlanName        string            `json:"plan,omitempty"`
	Actions         map[Action]bool   `json:"actions"`
	Reasons         map[Action]Reason `json:"reasons"`
	UpgradeRequired bool              `json:"upgrade_required"`
}

// Can reports whether a is allowed.
func (c *ObjectCapabilities) Can(a Action) bool { return c.Actions[a] }

// Capabilities evaluates every action on t without writing audit entries.
func (e *Engine) Capabilities(ctx context.Context, p Principal, t ObjectType) (*ObjectCapabilities, error) {
	out := &ObjectCapabilities{
		ObjectType: t,
		Actions:    make(map[Action]bool, len(AllActions())),
		Reasons:    make(map[Action]Reason, len(AllActions())),
	}
	for _, a := range AllActions() {
		ev, err := e.evaluate(ctx, p, t, a, false)
		if err != nil {
			return nil, err
		}
		d := ev.decision
		out.Feature, out.PlanName = d.Feature, d.PlanName
		out.Actions[a] = d.Allowed
		out.Reasons[a] = d.Reason
		if d.UpgradeRequired() {
			out.UpgradeRequired = true
		}
	}
	return out, nil
}

// EffectivePermissions lists Capabilities for every object type.
func (e *Engine) EffectivePermissions(ctx context.Context, p Principal) ([]*ObjectCapabilities, error) {
	out := make([]*ObjectCapabilities, 0, objectTypeCount)
	for _, t := range AllObjectTypes() {
		c, err := e.Capabilities(ctx, p, t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ============================================================================
// AUDIT
// ============================================================================

func (e *Engine) record(p Principal, d *Decision) {
	keyvals := []any{
		"user", p.UserID,
		"org", p.OrganizationID,
		"object", d.ObjectType,
		"action", string(d.Action),
		"allowed", d.Allowed,
		"reason", string(d.Reason),
		"tier", string(d.Tier),
	}
	if d.ObjectID != "" {
		keyvals = append(keyvals, "object_id", d.ObjectID)
	}
	if e.traceIDFunc != nil {
		keyvals = append(keyvals, "trace_id", e.traceIDFunc())
	}
	e.logger.Debug("authorization decision", keyvals...)

	if e.auditCh == nil {
		return
	}
	entry := AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      d.Timestamp,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		Decision:       d,
	}
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.auditCh <- entry:
	default:
		// full: drop rather than block the request
	}
}

func (e *Engine) auditWorker() {
	defer close(e.auditDone)
	bg := context.Background()
	for entry := range e.auditCh {
		if err := e.stores.Audit.LogDecision(bg, &entry); err != nil {
			e.logger.Error("audit write failed", "entry", entry.ID, "error", err)
		}
	}
}

// AccessLog reads back audited decisions.
func (e *Engine) AccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.stores.Audit == nil {
		return nil, nil
	}
	return e.stores.Audit.GetAccessLog(ctx, filter)
}

// ============================================================================
// INVALIDATION
// ============================================================================

// Invalidate drops local cache entries and publishes the event to other engines.
// Use it after writing to the stores outside of the engine's admin operations.
func (e *Engine) Invalidate(ctx context.Context, ev InvalidationEvent) error {
	ev.Source = e.instanceID
	_ = e.applyInvalidation(ctx, ev)
	if e.bus == nil {
		return nil
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("publish invalidation failed", "kind", string(ev.Kind), "id", ev.ID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) applyInvalidation(_ context.Context, ev InvalidationEvent) error {
	switch ev.Kind {
	case InvalidateUser:
		e.resolver.InvalidateUser(ev.ID)
	case InvalidateProfile:
		e.resolver.InvalidateProfile(ev.ID)
	case InvalidateOrganization:
		e.gate.Invalidate(ev.ID)
	case InvalidateSuperAdmin:
		e.superAdmins.Invalidate(ev.ID)
	case InvalidateAll:
		e.resolver.Clear()
		e.gate.Clear()
		e.superAdmins.Clear()
	default:
		return fmt.Errorf("unknown invalidation kind %q", ev.Kind)
	}
	return nil
}
