package propauthz_test

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/propauthz"
)

func TestPermissionCacheStalenessIsBounded(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	e, m := newTestEngine(t, propauthz.WithClock(clk.Now))
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)

	// written behind the engine's back
	err := m.Profiles.SetObjectPermission(ctx, propauthz.ObjectPermission{ProfileID: "viewer", ObjectType: propauthz.ObjectProperty, Capabilities: propauthz.FullCapabilities()})
	if err != nil {
		t.Fatalf("set permission: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)

	clk.Advance(propauthz.DefaultPermissionCacheTTL + time.Second)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), true, propauthz.ReasonPermissionGranted)
}

func TestEntitlementCacheStalenessIsBounded(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	e, m := newTestEngine(t, propauthz.WithClock(clk.Now))
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)

	sub, _ := m.Subscriptions.GetSubscription(ctx, org1)
	sub.Status = propauthz.SubscriptionExpired
	if err := m.Subscriptions.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	clk.Advance(propauthz.DefaultEntitlementCacheTTL + time.Second)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead), false, propauthz.ReasonFeatureNotAvailable)
}

func TestInvalidateDropsCachedEntries(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectLease, propauthz.ActionRead), true, propauthz.ReasonPermissionGranted)

	_ = m.Profiles.SetObjectPermission(ctx, propauthz.ObjectPermission{ProfileID: "viewer", ObjectType: propauthz.ObjectProperty, Capabilities: propauthz.FullCapabilities()})
	if err := e.Invalidate(ctx, propauthz.InvalidationEvent{Kind: propauthz.InvalidateProfile, ID: "viewer"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), true, propauthz.ReasonPermissionGranted)

	_ = m.Users.AssignProfile(ctx, "viewer-1", "")
	if err := e.Invalidate(ctx, propauthz.InvalidationEvent{Kind: propauthz.InvalidateUser, ID: "viewer-1"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectLease, propauthz.ActionRead), false, propauthz.ReasonNoProfileAssigned)

	sub, _ := m.Subscriptions.GetSubscription(ctx, org1)
	sub.PlanName = "starter"
	_ = m.Subscriptions.SaveSubscription(ctx, sub)
	_ = m.Users.AssignProfile(ctx, "viewer-1", "viewer")
	if err := e.Invalidate(ctx, propauthz.InvalidationEvent{Kind: propauthz.InvalidateAll}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectTask, propauthz.ActionRead), false, propauthz.ReasonFeatureNotAvailable)
}

func TestSuperAdminCache(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionDelete), false, propauthz.ReasonPermissionDenied)
	_ = m.SuperAdmins.SetSuperAdmin(ctx, "viewer-1", true)
	if err := e.Invalidate(ctx, propauthz.InvalidationEvent{Kind: propauthz.InvalidateSuperAdmin, ID: "viewer-1"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionDelete), true, propauthz.ReasonSuperAdmin)
}

func TestDisabledCacheSeesWritesImmediately(t *testing.T) {
	cfg := propauthz.DefaultEngineConfig()
	cfg.PermissionCacheTTL = -1
	e, m := newTestEngine(t, propauthz.WithEngineConfig(cfg))
	ctx := context.Background()
	p := principal("viewer-1", org1)

	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)
	_ = m.Profiles.SetObjectPermission(ctx, propauthz.ObjectPermission{ProfileID: "viewer", ObjectType: propauthz.ObjectProperty, Capabilities: propauthz.FullCapabilities()})
	expectDecision(t, mustDecide(t, e, p, propauthz.ObjectProperty, propauthz.ActionCreate), true, propauthz.ReasonPermissionGranted)
}

func TestInvalidationBusFansOut(t *testing.T) {
	m := seedStores(t)
	bus := propauthz.NewMemoryInvalidationBus()

	writer, err := propauthz.NewEngine(m.Stores(), propauthz.WithInvalidationBus(bus))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer writer.Close()
	reader, err := propauthz.NewEngine(m.Stores(), propauthz.WithInvalidationBus(bus))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	p := principal("viewer-1", org1)
	expectDecision(t, mustDecide(t, reader, p, propauthz.ObjectProperty, propauthz.ActionCreate), false, propauthz.ReasonPermissionDenied)

	if err := writer.UpdateObjectPermission(ctx, principal("root", org1), "viewer", propauthz.ObjectProperty, propauthz.FullCapabilities()); err != nil {
		t.Fatalf("update permission: %v", err)
	}
	expectDecision(t, mustDecide(t, reader, p, propauthz.ObjectProperty, propauthz.ActionCreate), true, propauthz.ReasonPermissionGranted)
}

func TestEngineOptions(t *testing.T) {
	m := seedStores(t)
	if _, err := propauthz.NewEngine(m.Stores(), propauthz.WithClock(nil)); err == nil {
		t.Fatalf("expected an error for a nil clock")
	}
	st := m.Stores()
	st.Users = nil
	if _, err := propauthz.NewEngine(st); err == nil {
		t.Fatalf("expected an error for a missing user store")
	}
}
