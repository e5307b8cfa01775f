package propauthz_test

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/stores"
)

var (
	org1 = "org-1"
	org2 = "org-2"
	org3 = "org-3"
)

func principal(user, org string) propauthz.Principal {
	return propauthz.Principal{UserID: user, OrganizationID: org}
}

// seedStores builds the shared fixture:
//
//	org-1 on "pro" (every feature, 10 users)
//	org-2 on "starter" (no tasks or accounting, 2 users)
//	org-3 without subscription (freemium)
func seedStores(t *testing.T) *stores.Memory {
	t.Helper()
	ctx := context.Background()
	m := stores.NewMemory()

	pro := propauthz.NewPlanBuilder().
		Name("pro").
		DisplayName("Pro").
		Lots(100).
		Users(10).
		Enable(
			propauthz.FeaturePropertiesManagement,
			propauthz.FeatureTenantsManagement,
			propauthz.FeatureLeasesManagement,
			propauthz.FeaturePaymentsManagement,
			propauthz.FeatureTasksManagement,
			propauthz.FeatureMessaging,
			propauthz.FeatureAccountingFull,
			propauthz.FeatureReports,
			propauthz.FeatureCustomProfiles,
		).
		Build()
	starter := propauthz.NewPlanBuilder().
		Name("starter").
		DisplayName("Starter").
		Lots(10).
		Users(2).
		ExtranetTenants(0).
		Enable(
			propauthz.FeaturePropertiesManagement,
			propauthz.FeatureTenantsManagement,
			propauthz.FeatureLeasesManagement,
			propauthz.FeatureCustomProfiles,
		).
		Build()
	for _, p := range []*propauthz.Plan{pro, starter} {
		if err := m.Plans.UpsertPlan(ctx, p); err != nil {
			t.Fatalf("upsert plan: %v", err)
		}
	}

	subs := []*propauthz.Subscription{
		{ID: "sub-1", OrganizationID: org1, PlanName: "pro", Status: propauthz.SubscriptionActive},
		{ID: "sub-2", OrganizationID: org2, PlanName: "starter", Status: propauthz.SubscriptionTrialing},
	}
	for _, s := range subs {
		if err := m.Subscriptions.SaveSubscription(ctx, s); err != nil {
			t.Fatalf("save subscription: %v", err)
		}
	}

	profiles := []*propauthz.Profile{
		propauthz.NewProfileBuilder().
			ID("manager").
			Name("Manager").
			Grant(propauthz.ObjectProperty, propauthz.FullCapabilities()).
			Grant(propauthz.ObjectLease, propauthz.Capabilities{Read: true, Create: true, Edit: true}).
			Grant(propauthz.ObjectTask, propauthz.Capabilities{Read: true, Create: true, ViewAll: true}).
			Grant(propauthz.ObjectTenant, propauthz.Capabilities{Read: true}).
			Grant(propauthz.ObjectUser, propauthz.Capabilities{Read: true}).
			Build(),
		propauthz.NewProfileBuilder().
			ID("viewer").
			Name("Viewer").
			Grant(propauthz.ObjectProperty, propauthz.Capabilities{Read: true}).
			Grant(propauthz.ObjectLease, propauthz.Capabilities{Read: true}).
			Grant(propauthz.ObjectTask, propauthz.Capabilities{Read: true}).
			Grant(propauthz.ObjectJournalEntry, propauthz.FullCapabilities()).
			Grant(propauthz.ObjectPayment, propauthz.Capabilities{}).
			Build(),
		propauthz.NewProfileBuilder().
			ID("org1-admin").
			Organization(org1).
			Name("Administrator").
			OrganizationAdmin().
			Build(),
		propauthz.NewProfileBuilder().
			ID("org2-admin").
			Organization(org2).
			Name("Administrator").
			OrganizationAdmin().
			Build(),
		propauthz.NewProfileBuilder().
			ID("org2-custom").
			Organization(org2).
			Name("Custom").
			Grant(propauthz.ObjectProperty, propauthz.FullCapabilities()).
			Build(),
	}
	for _, p := range profiles {
		if err := m.Profiles.CreateProfile(ctx, p); err != nil {
			t.Fatalf("create profile %s: %v", p.ID, err)
		}
	}

	users := []*propauthz.User{
		{ID: "admin-1", OrganizationID: org1, ProfileID: "org1-admin", Status: propauthz.UserActive},
		{ID: "manager-1", OrganizationID: org1, ProfileID: "manager", Status: propauthz.UserActive},
		{ID: "viewer-1", OrganizationID: org1, ProfileID: "viewer", Status: propauthz.UserActive},
		{ID: "nobody-1", OrganizationID: org1, Status: propauthz.UserActive},
		{ID: "disabled-1", OrganizationID: org1, ProfileID: "manager", Status: propauthz.UserDisabled},
		{ID: "stray-1", OrganizationID: org1, ProfileID: "org2-custom", Status: propauthz.UserActive},
		{ID: "admin-2", OrganizationID: org2, ProfileID: "org2-admin", Status: propauthz.UserActive},
		{ID: "viewer-2", OrganizationID: org2, ProfileID: "viewer", Status: propauthz.UserActive},
		{ID: "viewer-3", OrganizationID: org3, ProfileID: "viewer", Status: propauthz.UserActive},
		{ID: "root", Status: propauthz.UserActive},
	}
	for _, u := range users {
		if err := m.Users.SaveUser(ctx, u); err != nil {
			t.Fatalf("save user %s: %v", u.ID, err)
		}
	}
	if err := m.SuperAdmins.SetSuperAdmin(ctx, "root", true); err != nil {
		t.Fatalf("set super-admin: %v", err)
	}

	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectProperty, ID: "prop-1", OrganizationID: org1})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectProperty, ID: "prop-2", OrganizationID: org2})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectTask, ID: "task-own", OrganizationID: org1, AssigneeID: "viewer-1"})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectTask, ID: "task-other", OrganizationID: org1, CreatedBy: "manager-1"})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectTask, ID: "task-thread", OrganizationID: org1, Participants: []string{"viewer-1", "manager-1"}})
	return m
}

func newTestEngine(t *testing.T, opts ...propauthz.EngineOption) (*propauthz.Engine, *stores.Memory) {
	t.Helper()
	m := seedStores(t)
	e, err := propauthz.NewEngine(m.Stores(), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, m
}

func mustDecide(t *testing.T, e *propauthz.Engine, p propauthz.Principal, ot propauthz.ObjectType, a propauthz.Action) *propauthz.Decision {
	t.Helper()
	d, err := e.Decide(context.Background(), p, ot, a)
	if err != nil {
		t.Fatalf("decide %s %s for %s: %v", a, ot, p.UserID, err)
	}
	return d
}

func expectDecision(t *testing.T, d *propauthz.Decision, allowed bool, reason propauthz.Reason) {
	t.Helper()
	if d.Allowed != allowed || d.Reason != reason {
		t.Fatalf("%s %s: got allowed=%v reason=%s, want allowed=%v reason=%s", d.Action, d.ObjectType, d.Allowed, d.Reason, allowed, reason)
	}
}

// fakeClock is advanced by hand.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
