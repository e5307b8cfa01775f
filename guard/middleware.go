// Package guard turns engine decisions into HTTP responses for net/http, chi
// and gin applications, and serves the decision API used by UI gates.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/logger"
)

// PrincipalFunc extracts the upstream-authenticated identity of a request.
type PrincipalFunc func(r *http.Request) (propauthz.Principal, bool)

// PrincipalFromContext reads the principal an authentication middleware stored
// with propauthz.ContextWithPrincipal.
func PrincipalFromContext(r *http.Request) (propauthz.Principal, bool) {
	return propauthz.PrincipalFromContext(r.Context())
}

// HeaderPrincipal reads the identity from headers set by a trusted gateway.
func HeaderPrincipal(userHeader, orgHeader string) PrincipalFunc {
	return func(r *http.Request) (propauthz.Principal, bool) {
		p := propauthz.Principal{UserID: r.Header.Get(userHeader), OrganizationID: r.Header.Get(orgHeader)}
		return p, p.UserID != "" && p.OrganizationID != ""
	}
}

// DeniedResponse is the body written for a Deny.
type DeniedResponse struct {
	Error           string           `json:"error"`
	Reason          propauthz.Reason `json:"reason"`
	UpgradeRequired bool             `json:"upgrade_required"`
	Feature         string           `json:"feature,omitempty"`
	Plan            string           `json:"plan,omitempty"`
}

func deniedBody(d *propauthz.Decision) DeniedResponse {
	return DeniedResponse{
		Error:           "forbidden",
		Reason:          d.Reason,
		UpgradeRequired: d.UpgradeRequired(),
		Feature:         string(d.Feature),
		Plan:            d.PlanName,
	}
}

// Options configures Middleware.
type Options struct {
	Engine    *propauthz.Engine
	Principal PrincipalFunc
	Rules     *RuleSet
	// DenyUnmatched rejects requests no rule covers instead of passing them through.
	DenyUnmatched bool
	Logger        logger.Logger
	// OnDenied replaces the default 403 JSON response.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *propauthz.Decision)
}

// Middleware guards every route covered by opts.Rules.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.Principal == nil {
		opts.Principal = PrincipalFromContext
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNullLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Engine == nil || opts.Rules == nil {
				opts.Logger.Error("guard misconfigured: engine and rules are required", "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal error")
				return
			}
			m, ok := opts.Rules.Match(r.Method, r.URL.Path)
			if !ok {
				if opts.DenyUnmatched {
					respondJSON(w, http.StatusForbidden, DeniedResponse{Error: "forbidden", Reason: propauthz.ReasonPermissionDenied})
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			serveGuarded(w, r, next, opts, m.Rule.ObjectType, m.ObjectID, m.Rule.Action)
		})
	}
}

// Require guards a single route, e.g. chi's r.With(guard.Require(...)).
func Require(e *propauthz.Engine, principal PrincipalFunc, t propauthz.ObjectType, a propauthz.Action) func(http.Handler) http.Handler {
	return RequireInstance(e, principal, t, a, nil)
}

// RequireInstance is Require for routes addressing one record; objectID reads
// the record id from the request (chi.URLParam, a query value, ...).
func RequireInstance(e *propauthz.Engine, principal PrincipalFunc, t propauthz.ObjectType, a propauthz.Action, objectID func(r *http.Request) string) func(http.Handler) http.Handler {
	opts := Options{Engine: e, Principal: principal, Logger: logger.NewNullLogger()}
	if opts.Principal == nil {
		opts.Principal = PrincipalFromContext
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if objectID != nil {
				id = objectID(r)
				if id == "" {
					respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
					return
				}
			}
			serveGuarded(w, r, next, opts, t, id, a)
		})
	}
}

func serveGuarded(w http.ResponseWriter, r *http.Request, next http.Handler, opts Options, t propauthz.ObjectType, objectID string, a propauthz.Action) {
	p, ok := opts.Principal(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	d, err := decide(r.Context(), opts.Engine, p, t, objectID, a)
	if err != nil {
		if errors.Is(err, propauthz.ErrInvalidRequest) {
			respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
			return
		}
		opts.Logger.Error("authorization failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	r = r.WithContext(propauthz.ContextWithDecision(r.Context(), d))
	if d.Allowed {
		next.ServeHTTP(w, r)
		return
	}
	if opts.OnDenied != nil {
		opts.OnDenied(w, r, d)
		return
	}
	respondJSON(w, http.StatusForbidden, deniedBody(d))
}

func decide(ctx context.Context, e *propauthz.Engine, p propauthz.Principal, t propauthz.ObjectType, objectID string, a propauthz.Action) (*propauthz.Decision, error) {
	if objectID != "" {
		return e.DecideInstance(ctx, p, t, objectID, a)
	}
	return e.Decide(ctx, p, t, a)
}

// Decision returns the decision a guard attached to the request.
func Decision(r *http.Request) (*propauthz.Decision, bool) {
	return propauthz.DecisionFromContext(r.Context())
}

// respondJSON responds with JSON
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
