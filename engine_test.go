package propauthz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/propauthz"
)

func TestDecisionOrder(t *testing.T) {
	e, _ := newTestEngine(t)

	cases := []struct {
		name    string
		p       propauthz.Principal
		ot      propauthz.ObjectType
		a       propauthz.Action
		allowed bool
		reason  propauthz.Reason
	}{
		{"super-admin in any organization", principal("root", org2), propauthz.ObjectJournalEntry, propauthz.ActionDelete, true, propauthz.ReasonSuperAdmin},
		{"organization admin", principal("admin-1", org1), propauthz.ObjectJournalEntry, propauthz.ActionDelete, true, propauthz.ReasonOrganizationAdmin},
		{"admin bypasses the feature gate", principal("admin-2", org2), propauthz.ObjectTask, propauthz.ActionRead, true, propauthz.ReasonOrganizationAdmin},
		{"granted", principal("manager-1", org1), propauthz.ObjectProperty, propauthz.ActionDelete, true, propauthz.ReasonPermissionGranted},
		{"capability false", principal("manager-1", org1), propauthz.ObjectLease, propauthz.ActionDelete, false, propauthz.ReasonPermissionDenied},
		{"missing row", principal("manager-1", org1), propauthz.ObjectPayment, propauthz.ActionRead, false, propauthz.ReasonNoPermissionSpecified},
		{"empty row", principal("viewer-1", org1), propauthz.ObjectPayment, propauthz.ActionRead, false, propauthz.ReasonPermissionDenied},
		{"no profile", principal("nobody-1", org1), propauthz.ObjectProperty, propauthz.ActionRead, false, propauthz.ReasonNoProfileAssigned},
		{"no profile on always-on type", principal("nobody-1", org1), propauthz.ObjectUser, propauthz.ActionRead, false, propauthz.ReasonNoProfileAssigned},
		{"disabled user", principal("disabled-1", org1), propauthz.ObjectProperty, propauthz.ActionRead, false, propauthz.ReasonNotOrganizationMember},
		{"wrong organization", principal("viewer-1", org2), propauthz.ObjectProperty, propauthz.ActionRead, false, propauthz.ReasonNotOrganizationMember},
		{"unknown user", principal("ghost", org1), propauthz.ObjectProperty, propauthz.ActionRead, false, propauthz.ReasonNotOrganizationMember},
		{"profile of another organization", principal("stray-1", org1), propauthz.ObjectProperty, propauthz.ActionRead, false, propauthz.ReasonNoPermissionSpecified},
		{"feature off on starter", principal("viewer-2", org2), propauthz.ObjectTask, propauthz.ActionRead, false, propauthz.ReasonFeatureNotAvailable},
		{"no profile on gated type", principal("nobody-1", org1), propauthz.ObjectTask, propauthz.ActionRead, false, propauthz.ReasonNoProfileAssigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDecide(t, e, tc.p, tc.ot, tc.a)
			expectDecision(t, d, tc.allowed, tc.reason)
		})
	}
}

func TestViewerScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionViewAll), false, propauthz.ReasonPermissionDenied)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)
}

func TestFreemiumJournalEntry(t *testing.T) {
	e, _ := newTestEngine(t)

	d := mustDecide(t, e, principal("viewer-3", org3), propauthz.ObjectJournalEntry, propauthz.ActionCreate)
	expectDecision(t, d, false, propauthz.ReasonFeatureNotAvailable)
	if !d.UpgradeRequired() {
		t.Fatalf("expected upgrade prompt")
	}
	if d.PlanName != propauthz.FreemiumPlanName || d.Feature != propauthz.FeatureAccountingFull {
		t.Fatalf("unexpected plan/feature: %s %s", d.PlanName, d.Feature)
	}
	if d.Tier != propauthz.TierFeature {
		t.Fatalf("expected feature tier, got %s", d.Tier)
	}

	expectDecision(t, mustDecide(t, e, principal("viewer-3", org3), propauthz.ObjectProperty, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)
}

func TestNonEffectiveSubscriptionFallsBackToFreemium(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)

	for _, status := range []propauthz.SubscriptionStatus{propauthz.SubscriptionPastDue, propauthz.SubscriptionCanceled, propauthz.SubscriptionExpired} {
		if err := e.UpdateSubscriptionStatus(ctx, org1, status); err != nil {
			t.Fatalf("update status: %v", err)
		}
		d := mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead)
		expectDecision(t, d, false, propauthz.ReasonFeatureNotAvailable)
		if d.PlanName != propauthz.FreemiumPlanName {
			t.Fatalf("%s: expected freemium, got %s", status, d.PlanName)
		}
	}

	if err := e.UpdateSubscriptionStatus(ctx, org1, propauthz.SubscriptionActive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)
}

func TestNoProfileDeniesEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	p := principal("nobody-1", org1)
	for _, ot := range propauthz.AllObjectTypes() {
		for _, a := range propauthz.AllActions() {
			d := mustDecide(t, e, p, ot, a)
			if d.Allowed {
				t.Fatalf("%s %s allowed without a profile", a, ot)
			}
		}
	}
}

func TestDecisionsAreIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	p := principal("manager-1", org1)
	for _, ot := range propauthz.AllObjectTypes() {
		for _, a := range propauthz.AllActions() {
			first := mustDecide(t, e, p, ot, a)
			second := mustDecide(t, e, p, ot, a)
			if first.Allowed != second.Allowed || first.Reason != second.Reason {
				t.Fatalf("%s %s changed between calls: %s vs %s", a, ot, first.Reason, second.Reason)
			}
		}
	}
}

func TestGrantingMoreNeverRemovesAccess(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := principal("viewer-1", org1)

	before := map[propauthz.ObjectType]map[propauthz.Action]bool{}
	for _, ot := range propauthz.AllObjectTypes() {
		before[ot] = map[propauthz.Action]bool{}
		for _, a := range propauthz.AllActions() {
			before[ot][a] = mustDecide(t, e, p, ot, a).Allowed
		}
	}

	root := principal("root", org1)
	if err := e.UpdateObjectPermission(ctx, root, "viewer", propauthz.ObjectProperty, propauthz.FullCapabilities()); err != nil {
		t.Fatalf("update permission: %v", err)
	}
	if err := e.UpdateObjectPermission(ctx, root, "viewer", propauthz.ObjectTenant, propauthz.ReadOnlyCapabilities()); err != nil {
		t.Fatalf("update permission: %v", err)
	}

	for ot, actions := range before {
		for a, was := range actions {
			now := mustDecide(t, e, p, ot, a).Allowed
			if was && !now {
				t.Fatalf("%s %s was allowed and is now denied", a, ot)
			}
		}
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionDelete), true, propauthz.ReasonPermissionGranted)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTenant, propauthz.ActionViewAll), true, propauthz.ReasonPermissionGranted)
}

func TestInvalidRequests(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    propauthz.Principal
		ot   propauthz.ObjectType
		a    propauthz.Action
	}{
		{"missing user", principal("", org1), propauthz.ObjectProperty, propauthz.ActionRead},
		{"missing organization", principal("viewer-1", ""), propauthz.ObjectProperty, propauthz.ActionRead},
		{"unknown object type", principal("viewer-1", org1), propauthz.ObjectType(200), propauthz.ActionRead},
		{"unknown action", principal("viewer-1", org1), propauthz.ObjectProperty, propauthz.Action("fly")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Decide(ctx, tc.p, tc.ot, tc.a)
			if !errors.Is(err, propauthz.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if d == nil || d.Allowed || d.Reason != propauthz.ReasonInvalidRequest {
				t.Fatalf("expected invalid_request deny, got %+v", d)
			}
		})
	}

	if e.Allowed(ctx, principal("", org1), propauthz.ObjectProperty, propauthz.ActionRead) {
		t.Fatalf("Allowed must fold errors into false")
	}
}

func TestCanceledContextFailsClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := e.Decide(ctx, principal("manager-1", org1), propauthz.ObjectProperty, propauthz.ActionRead)
	if err != nil {
		t.Fatalf("a canceled context is not a malformed request: %v", err)
	}
	expectDecision(t, d, false, propauthz.ReasonResolutionFailed)
}

type failingUsers struct{}

func (failingUsers) GetUser(context.Context, string) (*propauthz.User, error) {
	return nil, errors.New("connection refused")
}

func (failingUsers) AssignProfile(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	m := seedStores(t)
	st := m.Stores()
	st.Users = failingUsers{}
	e, err := propauthz.NewEngine(st)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	d, err := e.Decide(context.Background(), principal("manager-1", org1), propauthz.ObjectProperty, propauthz.ActionRead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectDecision(t, d, false, propauthz.ReasonResolutionFailed)

	d, _ = e.Decide(context.Background(), principal("root", org1), propauthz.ObjectProperty, propauthz.ActionRead)
	expectDecision(t, d, true, propauthz.ReasonSuperAdmin)
}

func TestExplainTrace(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Explain(ctx, principal("viewer-2", org2), propauthz.ObjectTask, propauthz.ActionRead)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(d.Trace) == 0 {
		t.Fatalf("expected a trace")
	}

	plain := mustDecide(t, e, principal("viewer-2", org2), propauthz.ObjectTask, propauthz.ActionRead)
	if len(plain.Trace) != 0 {
		t.Fatalf("Decide must not attach a trace")
	}
	if plain.Reason != d.Reason {
		t.Fatalf("Explain and Decide disagree: %s vs %s", d.Reason, plain.Reason)
	}
}

func TestDecideBatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := principal("viewer-1", org1)

	out, err := e.DecideBatch(ctx, []propauthz.DecisionRequest{
		{Principal: p, ObjectType: propauthz.ObjectProperty, Action: propauthz.ActionRead},
		{Principal: p, ObjectType: propauthz.ObjectProperty, Action: propauthz.ActionCreate},
		{Principal: p, ObjectType: propauthz.ObjectTask, ObjectID: "task-own", Action: propauthz.ActionRead},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(out) != 3 || !out[0].Allowed || out[1].Allowed || !out[2].Allowed {
		t.Fatalf("unexpected batch result: %v %v %v", out[0].Allowed, out[1].Allowed, out[2].Allowed)
	}

	_, err = e.DecideBatch(ctx, []propauthz.DecisionRequest{
		{Principal: p, ObjectType: propauthz.ObjectProperty, Action: propauthz.ActionRead},
		{Principal: p, ObjectType: propauthz.ObjectProperty, Action: propauthz.Action("fly")},
	})
	if !errors.Is(err, propauthz.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	caps, err := e.Capabilities(ctx, principal("viewer-1", org1), propauthz.ObjectProperty)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if !caps.Can(propauthz.ActionRead) || caps.Can(propauthz.ActionCreate) || caps.Can(propauthz.ActionViewAll) {
		t.Fatalf("unexpected capabilities: %+v", caps.Actions)
	}
	if caps.UpgradeRequired {
		t.Fatalf("no upgrade expected on pro")
	}

	caps, err = e.Capabilities(ctx, principal("viewer-2", org2), propauthz.ObjectTask)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if !caps.UpgradeRequired || caps.PlanName != "starter" {
		t.Fatalf("expected upgrade prompt on starter, got %+v", caps)
	}
	for _, a := range propauthz.AllActions() {
		if caps.Can(a) || caps.Reasons[a] != propauthz.ReasonFeatureNotAvailable {
			t.Fatalf("%s: expected feature_not_available, got %s", a, caps.Reasons[a])
		}
	}

	all, err := e.EffectivePermissions(ctx, principal("manager-1", org1))
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(all) != len(propauthz.AllObjectTypes()) {
		t.Fatalf("expected one entry per object type, got %d", len(all))
	}

	if _, err := e.Capabilities(ctx, principal("", org1), propauthz.ObjectProperty); !errors.Is(err, propauthz.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAccessLog(t *testing.T) {
	m := seedStores(t)
	e, err := propauthz.NewEngine(m.Stores())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	p := principal("viewer-1", org1)

	mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionRead)
	mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate)
	mustDecide(t, e, principal("manager-1", org1), propauthz.ObjectLease, propauthz.ActionRead)
	if _, err := e.Capabilities(ctx, p, propauthz.ObjectLease); err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	e.Close()

	entries, err := e.AccessLog(ctx, propauthz.AuditFilter{UserID: "viewer-1"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audited decisions for viewer-1, got %d", len(entries))
	}

	allowed := true
	entries, err = e.AccessLog(ctx, propauthz.AuditFilter{OrganizationID: org1, AllowedOnly: &allowed})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 allowed decisions, got %d", len(entries))
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := propauthz.DecisionFromContext(ctx); ok {
		t.Fatalf("empty context carries no decision")
	}
	d := &propauthz.Decision{Allowed: true, Reason: propauthz.ReasonPermissionGranted}
	got, ok := propauthz.DecisionFromContext(propauthz.ContextWithDecision(ctx, d))
	if !ok || got != d {
		t.Fatalf("decision not carried by context")
	}

	p := principal("viewer-1", org1)
	gotP, ok := propauthz.PrincipalFromContext(propauthz.ContextWithPrincipal(ctx, p))
	if !ok || gotP != p {
		t.Fatalf("principal not carried by context")
	}
}

func TestParsers(t *testing.T) {
	ot, err := propauthz.ParseObjectType("journalentry")
	if err != nil || ot != propauthz.ObjectJournalEntry {
		t.Fatalf("parse object type: %v %v", ot, err)
	}
	if _, err := propauthz.ParseObjectType("Spaceship"); !errors.Is(err, propauthz.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	a, err := propauthz.ParseAction("VIEWALL")
	if err != nil || a != propauthz.ActionViewAll {
		t.Fatalf("parse action: %v %v", a, err)
	}
	if _, err := propauthz.ParseAction("fly"); !errors.Is(err, propauthz.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
