package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/propauthz"
)

func TestSQLPlanCatalogNullLimitsAreUnlimited(t *testing.T) {
	db := newTestDB(t)
	catalog := NewSQLPlanCatalog(db)
	ctx := context.Background()

	pro := propauthz.NewPlanBuilder().
		Name("pro").
		DisplayName("Pro").
		Price("EUR", 4900, 49000).
		Lots(propauthz.Unlimited).
		Users(10).
		ExtranetTenants(50).
		Enable(propauthz.FeaturePaymentsManagement, propauthz.FeatureReports).
		Disable(propauthz.FeatureAccountingFull).
		Build()
	if err := catalog.UpsertPlan(ctx, pro); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := catalog.GetPlan(ctx, "pro")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Limits.Lots.IsUnlimited() {
		t.Fatalf("expected unlimited lots, got %s", got.Limits.Lots)
	}
	if got.Limits.Users != 10 || got.Limits.ExtranetTenants != 50 {
		t.Fatalf("unexpected limits: %+v", got.Limits)
	}
	if !got.Features[propauthz.FeatureReports] || got.Features[propauthz.FeatureAccountingFull] {
		t.Fatalf("features not preserved: %v", got.Features)
	}
	if got.Price.MonthlyCents != 4900 || got.DisplayName != "Pro" {
		t.Fatalf("price or display name lost: %+v", got)
	}

	pro.Limits.Users = 25
	if err := catalog.UpsertPlan(ctx, pro); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	plans, err := catalog.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 1 || plans[0].Limits.Users != 25 {
		t.Fatalf("expected one updated plan, got %d", len(plans))
	}

	if _, err := catalog.GetPlan(ctx, "missing"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLProfileStoreMatrix(t *testing.T) {
	db := newTestDB(t)
	profiles := NewSQLProfileStore(db)
	ctx := context.Background()

	viewer := propauthz.NewProfileBuilder().
		ID("viewer").
		Name("Viewer").
		Grant(propauthz.ObjectProperty, propauthz.Capabilities{Read: true}).
		Grant(propauthz.ObjectLease, propauthz.ReadOnlyCapabilities()).
		Build()
	if err := profiles.CreateProfile(ctx, viewer); err != nil {
		t.Fatalf("create: %v", err)
	}
	custom := propauthz.NewProfileBuilder().ID("org-1-custom").Organization("org-1").Name("Custom").Build()
	if err := profiles.CreateProfile(ctx, custom); err != nil {
		t.Fatalf("create custom: %v", err)
	}

	rows, err := profiles.ListObjectPermissions(ctx, "viewer")
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 present rows, got %d", len(rows))
	}
	set := propauthz.NewPermissionSet(rows)
	if c, ok := set.Lookup(propauthz.ObjectProperty); !ok || !c.Read || c.ViewAll {
		t.Fatalf("unexpected property row: %+v ok=%v", c, ok)
	}
	if _, ok := set.Lookup(propauthz.ObjectPayment); ok {
		t.Fatalf("payment row should be absent")
	}

	if err := profiles.SetObjectPermission(ctx, propauthz.ObjectPermission{
		ProfileID: "viewer", ObjectType: propauthz.ObjectPayment, Capabilities: propauthz.Capabilities{Read: true, Create: true},
	}); err != nil {
		t.Fatalf("set row: %v", err)
	}
	got, err := profiles.GetProfile(ctx, "viewer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Permissions) != 3 || !got.IsGlobal() {
		t.Fatalf("expected 3 rows on a global profile, got %d", len(got.Permissions))
	}

	if err := profiles.ReplaceObjectPermissions(ctx, "viewer", []propauthz.ObjectPermission{
		{ObjectType: propauthz.ObjectReport, Capabilities: propauthz.Capabilities{Read: true}},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	rows, _ = profiles.ListObjectPermissions(ctx, "viewer")
	if len(rows) != 1 || rows[0].ObjectType != propauthz.ObjectReport || rows[0].ProfileID != "viewer" {
		t.Fatalf("replace did not swap the matrix: %+v", rows)
	}

	visible, err := profiles.ListProfiles(ctx, "org-1")
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("org-1 should see the global and its own profile, got %d", len(visible))
	}
	other, _ := profiles.ListProfiles(ctx, "org-2")
	if len(other) != 1 {
		t.Fatalf("org-2 should only see the global profile, got %d", len(other))
	}

	if err := profiles.DeleteProfile(ctx, "viewer"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := profiles.GetProfile(ctx, "viewer"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := profiles.DeleteProfile(ctx, "viewer"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := profiles.ListObjectPermissions(ctx, "viewer"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rows of a deleted profile, got %v", err)
	}
}

func TestSQLUserAndSuperAdmin(t *testing.T) {
	db := newTestDB(t)
	users := NewSQLUserStore(db)
	admins := NewSQLSuperAdminDirectory(db)
	ctx := context.Background()

	if err := users.SaveUser(ctx, &propauthz.User{ID: "u1", OrganizationID: "org-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	u, err := users.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.ProfileID != "" || u.Status != propauthz.UserActive {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := users.AssignProfile(ctx, "u1", "viewer"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	u, _ = users.GetUser(ctx, "u1")
	if u.ProfileID != "viewer" {
		t.Fatalf("expected viewer, got %q", u.ProfileID)
	}
	if err := users.AssignProfile(ctx, "u1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	u, _ = users.GetUser(ctx, "u1")
	if u.ProfileID != "" {
		t.Fatalf("expected cleared profile, got %q", u.ProfileID)
	}
	if err := users.AssignProfile(ctx, "ghost", "viewer"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := users.GetUser(ctx, "ghost"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if ok, _ := admins.IsSuperAdmin(ctx, "u1"); ok {
		t.Fatalf("u1 should not be super-admin yet")
	}
	if err := admins.SetSuperAdmin(ctx, "u1", true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, err := admins.IsSuperAdmin(ctx, "u1"); err != nil || !ok {
		t.Fatalf("expected super-admin, got %v %v", ok, err)
	}
	if ok, err := admins.IsSuperAdmin(ctx, "ghost"); err != nil || ok {
		t.Fatalf("unknown users are not super-admins: %v %v", ok, err)
	}
}

func TestSQLUsageCountsPendingInvitations(t *testing.T) {
	db := newTestDB(t)
	users := NewSQLUserStore(db)
	usage := NewSQLUsageStore(db)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if err := users.SaveUser(ctx, &propauthz.User{ID: id, OrganizationID: "org-1"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := users.SaveUser(ctx, &propauthz.User{ID: "u3", OrganizationID: "org-1", Status: propauthz.UserDisabled}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, id := range []string{"lot-1", "lot-2", "lot-3"} {
		if err := usage.AddLot(ctx, "org-1", id, "prop-1"); err != nil {
			t.Fatalf("add lot: %v", err)
		}
	}
	if err := usage.AddExtranetTenant(ctx, "org-1", "ext-1", "tenant-1"); err != nil {
		t.Fatalf("add extranet tenant: %v", err)
	}
	if err := usage.CreateInvitation(ctx, &propauthz.Invitation{
		ID: "inv-1", OrganizationID: "org-1", Email: "new@example.com", InvitedBy: "u1", Token: "tok-1", Status: propauthz.InvitationPending,
	}); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := usage.CreateInvitation(ctx, &propauthz.Invitation{
		ID: "inv-2", OrganizationID: "org-1", Email: "old@example.com", InvitedBy: "u1", Token: "tok-2", Status: propauthz.InvitationAccepted,
	}); err != nil {
		t.Fatalf("invite: %v", err)
	}

	u, err := usage.CountUsage(ctx, "org-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	want := propauthz.Usage{Lots: 3, ActiveUsers: 2, PendingInvitations: 1, ExtranetTenants: 1}
	if u != want {
		t.Fatalf("expected %+v, got %+v", want, u)
	}
	if u.For(propauthz.ResourceUsers) != 3 {
		t.Fatalf("pending invitations count against users, got %d", u.For(propauthz.ResourceUsers))
	}

	invs, err := usage.ListInvitations(ctx, "org-1")
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	if len(invs) != 2 {
		t.Fatalf("expected 2 invitations, got %d", len(invs))
	}

	empty, err := usage.CountUsage(ctx, "org-2")
	if err != nil || empty != (propauthz.Usage{}) {
		t.Fatalf("expected zero usage for org-2, got %+v %v", empty, err)
	}
}

func TestSQLSubscriptionAndRecords(t *testing.T) {
	db := newTestDB(t)
	subs := NewSQLSubscriptionStore(db)
	records := NewSQLRecordLocator(db)
	ctx := context.Background()

	if _, err := subs.GetSubscription(ctx, "org-1"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sub := &propauthz.Subscription{ID: "s1", OrganizationID: "org-1", PlanName: "pro", Status: propauthz.SubscriptionTrialing}
	if err := subs.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("save: %v", err)
	}
	sub.Status = propauthz.SubscriptionPastDue
	if err := subs.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := subs.GetSubscription(ctx, "org-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlanName != "pro" || got.Status != propauthz.SubscriptionPastDue {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	if err := records.PutRecord(ctx, propauthz.RecordRef{
		ObjectType: propauthz.ObjectTask, ID: "task-1", OrganizationID: "org-1", CreatedBy: "u1", Participants: []string{"u2"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ref, err := records.LocateRecord(ctx, propauthz.ObjectTask, "task-1")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if !ref.LinkedTo("u2") || ref.LinkedTo("u3") || ref.OrganizationID != "org-1" {
		t.Fatalf("unexpected record: %+v", ref)
	}
	if _, err := records.LocateRecord(ctx, propauthz.ObjectMessage, "task-1"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a different object type, got %v", err)
	}
}

func TestSQLUsageCountFailureIsReported(t *testing.T) {
	db := newTestDB(t)
	usage := NewSQLUsageStore(db)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	u, err := usage.CountUsage(context.Background(), "org-1")
	if err == nil {
		t.Fatalf("expected an error from a closed database, got usage %+v", u)
	}
	if u != (propauthz.Usage{}) {
		t.Fatalf("failed count must not carry numbers, got %+v", u)
	}
}

func TestSQLInvitationWithinLimit(t *testing.T) {
	db := newTestDB(t)
	users := NewSQLUserStore(db)
	usage := NewSQLUsageStore(db)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if err := users.SaveUser(ctx, &propauthz.User{ID: id, OrganizationID: "org-1"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	first := &propauthz.Invitation{ID: "inv-1", OrganizationID: "org-1", Email: "a@example.com", InvitedBy: "u1", Token: "tok-1", Status: propauthz.InvitationPending}
	if err := usage.CreateInvitationWithin(ctx, first, 3); err != nil {
		t.Fatalf("invite within limit: %v", err)
	}
	second := &propauthz.Invitation{ID: "inv-2", OrganizationID: "org-1", Email: "b@example.com", InvitedBy: "u1", Token: "tok-2", Status: propauthz.InvitationPending}
	err := usage.CreateInvitationWithin(ctx, second, 3)
	var lr *propauthz.LimitReachedError
	if !errors.As(err, &lr) {
		t.Fatalf("expected *LimitReachedError, got %v", err)
	}
	if lr.Current != 3 || lr.Limit != 3 || lr.Resource != propauthz.ResourceUsers {
		t.Fatalf("unexpected limit error: %+v", lr)
	}
	invs, err := usage.ListInvitations(ctx, "org-1")
	if err != nil || len(invs) != 1 {
		t.Fatalf("expected only the first invitation stored, got %d (%v)", len(invs), err)
	}
	// another organization is counted on its own
	other := &propauthz.Invitation{ID: "inv-3", OrganizationID: "org-2", Email: "c@example.com", InvitedBy: "u9", Token: "tok-3", Status: propauthz.InvitationPending}
	if err := usage.CreateInvitationWithin(ctx, other, 1); err != nil {
		t.Fatalf("invite in org-2: %v", err)
	}
}

func TestSQLProfileCreateRollsBack(t *testing.T) {
	db := newTestDB(t)
	profiles := NewSQLProfileStore(db)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `DROP TABLE object_permissions`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	p := propauthz.NewProfileBuilder().
		ID("half").
		Name("Half").
		Grant(propauthz.ObjectProperty, propauthz.Capabilities{Read: true}).
		Build()
	if err := profiles.CreateProfile(ctx, p); err == nil {
		t.Fatalf("expected the matrix write to fail")
	}
	if _, err := profiles.getProfileRow(ctx, "half"); !errors.Is(err, propauthz.ErrNotFound) {
		t.Fatalf("profile row must be rolled back with its matrix, got %v", err)
	}
}
