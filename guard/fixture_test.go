package guard_test

import (
	"context"
	"net/http"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/stores"
)

const (
	userHeader = "X-User-ID"
	orgHeader  = "X-Organization-ID"
)

// newEngine seeds org-1 on the "pro" plan (no accounting) with a viewer,
// an organization admin and a member without profile.
func newEngine() (*propauthz.Engine, *stores.Memory) {
	ctx := context.Background()
	m := stores.NewMemory()
	_ = m.Plans.UpsertPlan(ctx, propauthz.NewPlanBuilder().
		Name("pro").
		Users(10).
		Enable(
			propauthz.FeaturePropertiesManagement,
			propauthz.FeatureTenantsManagement,
			propauthz.FeatureLeasesManagement,
			propauthz.FeaturePaymentsManagement,
			propauthz.FeatureTasksManagement,
			propauthz.FeatureMessaging,
		).
		Build())
	_ = m.Subscriptions.SaveSubscription(ctx, &propauthz.Subscription{ID: "s1", OrganizationID: "org-1", PlanName: "pro", Status: propauthz.SubscriptionActive})

	_ = m.Profiles.CreateProfile(ctx, propauthz.NewProfileBuilder().
		ID("viewer").
		Name("Viewer").
		Grant(propauthz.ObjectProperty, propauthz.Capabilities{Read: true}).
		Grant(propauthz.ObjectLease, propauthz.Capabilities{Read: true}).
		Grant(propauthz.ObjectTask, propauthz.Capabilities{Read: true}).
		Grant(propauthz.ObjectJournalEntry, propauthz.FullCapabilities()).
		Build())
	_ = m.Profiles.CreateProfile(ctx, propauthz.NewProfileBuilder().ID("admin").Name("Admin").OrganizationAdmin().Build())

	_ = m.Users.SaveUser(ctx, &propauthz.User{ID: "viewer-1", OrganizationID: "org-1", ProfileID: "viewer", Status: propauthz.UserActive})
	_ = m.Users.SaveUser(ctx, &propauthz.User{ID: "admin-1", OrganizationID: "org-1", ProfileID: "admin", Status: propauthz.UserActive})
	_ = m.Users.SaveUser(ctx, &propauthz.User{ID: "nobody-1", OrganizationID: "org-1", Status: propauthz.UserActive})

	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectLease, ID: "l1", OrganizationID: "org-1"})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectTask, ID: "task-mine", OrganizationID: "org-1", AssigneeID: "viewer-1"})
	m.Records.Put(propauthz.RecordRef{ObjectType: propauthz.ObjectTask, ID: "task-other", OrganizationID: "org-1", CreatedBy: "admin-1"})

	e, err := propauthz.NewEngine(m.Stores())
	if err != nil {
		panic(err)
	}
	return e, m
}

func withPrincipal(r *http.Request, userID, orgID string) *http.Request {
	r.Header.Set(userHeader, userID)
	r.Header.Set(orgHeader, orgID)
	return r
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})
