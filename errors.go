package propauthz

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest marks malformed queries (unknown object type, missing ids).
	// It is never used for a real access denial.
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLimitReached is wrapped by LimitReachedError.
	ErrLimitReached = errors.New("plan limit reached")
	// ErrForbidden is wrapped by ForbiddenError.
	ErrForbidden                = errors.New("forbidden")
	ErrGlobalProfileImmutable   = errors.New("global profiles cannot be modified by an organization")
	ErrProfileOutOfScope        = errors.New("profile is not visible to this organization")
	ErrPlanChangeLimitViolation = errors.New("plan change violates limits")
)

// ForbiddenError carries the denying decision of an admin operation.
type ForbiddenError struct {
	Decision *Decision
}

func (e *ForbiddenError) Error() string {
	if e.Decision == nil {
		return ErrForbidden.Error()
	}
	return fmt.Sprintf("forbidden: %s %s: %s", e.Decision.Action, e.Decision.ObjectType, e.Decision.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// LimitViolation describes one resource whose usage exceeds a target limit.
type LimitViolation struct {
	Resource Resource `json:"resource"`
	Current  int      `json:"current"`
	Limit    Limit    `json:"limit"`
	Message  string   `json:"message"`
}

// LimitViolationError lists every violation found while validating a plan change.
type LimitViolationError struct {
	TargetPlan string           `json:"target_plan"`
	Violations []LimitViolation `json:"violations"`
}

func (e *LimitViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("cannot switch to plan %s: %s", e.TargetPlan, strings.Join(msgs, "; "))
}

func (e *LimitViolationError) Unwrap() error { return ErrPlanChangeLimitViolation }

// Messages returns the human-readable violation messages.
func (e *LimitViolationError) Messages() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Message)
	}
	return out
}

// LimitReachedError is returned when one more unit would exceed the plan.
type LimitReachedError struct {
	Resource Resource `json:"resource"`
	Current  int      `json:"current"`
	Limit    Limit    `json:"limit"`
	PlanName string   `json:"plan"`
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("%s limit reached on plan %s (%d of %s used)", e.Resource.label(), e.PlanName, e.Current, e.Limit)
}

func (e *LimitReachedError) Unwrap() error { return ErrLimitReached }
