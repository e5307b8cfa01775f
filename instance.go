package propauthz

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DecideInstance refines Decide for one record. It can only turn an Allow into
// a Deny: the type-level verdict runs first and a Deny is returned unchanged.
func (e *Engine) DecideInstance(ctx context.Context, p Principal, t ObjectType, objectID string, a Action) (*Decision, error) {
	return e.decideInstance(ctx, p, t, objectID, a, false)
}

// ExplainInstance is DecideInstance with a trace.
func (e *Engine) ExplainInstance(ctx context.Context, p Principal, t ObjectType, objectID string, a Action) (*Decision, error) {
	return e.decideInstance(ctx, p, t, objectID, a, true)
}

func (e *Engine) decideInstance(ctx context.Context, p Principal, t ObjectType, objectID string, a Action, includeTrace bool) (*Decision, error) {
	ev, err := e.evaluate(ctx, p, t, a, includeTrace)
	d := ev.decision
	d.ObjectID = objectID
	if err == nil && strings.TrimSpace(objectID) == "" {
		d.Allowed, d.Reason, d.Tier = false, ReasonInvalidRequest, TierValidation
		err = fmt.Errorf("%w: object id is required", ErrInvalidRequest)
	}
	if err != nil || !d.Allowed {
		e.record(p, d)
		return d, err
	}
	e.checkInstance(ctx, p, ev, includeTrace)
	e.record(p, d)
	return d, nil
}

func (e *Engine) checkInstance(ctx context.Context, p Principal, ev *evaluation, includeTrace bool) {
	d := ev.decision
	deny := func(reason Reason, format string, args ...any) {
		d.Allowed, d.Reason, d.Tier = false, reason, TierInstance
		if includeTrace {
			d.Trace = append(d.Trace, "DENY: "+fmt.Sprintf(format, args...))
		}
	}

	if e.stores.Records == nil {
		e.logger.Error("instance check without a record locator", "object", d.ObjectType, "object_id", d.ObjectID)
		deny(ReasonResolutionFailed, "no record locator configured")
		return
	}
	ref, err := e.stores.Records.LocateRecord(ctx, d.ObjectType, d.ObjectID)
	switch {
	case errors.Is(err, ErrNotFound) || (err == nil && ref == nil):
		deny(ReasonObjectNotFound, "%s %s not found", d.ObjectType, d.ObjectID)
		return
	case err != nil:
		e.logger.Error("record lookup failed", "object", d.ObjectType, "object_id", d.ObjectID, "error", err)
		deny(ReasonResolutionFailed, "record lookup failed: %v", err)
		return
	}

	if ev.superAdmin {
		return
	}
	if ref.OrganizationID != p.OrganizationID {
		deny(ReasonObjectPermissionDenied, "%s %s belongs to another organization", d.ObjectType, d.ObjectID)
		return
	}
	if !d.ObjectType.linkScoped() || ev.orgAdmin || ev.caps.Allows(ActionViewAll) {
		return
	}
	if !ref.LinkedTo(p.UserID) {
		deny(ReasonObjectPermissionDenied, "user %s is not linked to %s %s", p.UserID, d.ObjectType, d.ObjectID)
		return
	}
	if includeTrace {
		d.Trace = append(d.Trace, fmt.Sprintf("instance: user %s is linked to %s %s", p.UserID, d.ObjectType, d.ObjectID))
	}
}
