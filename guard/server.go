package guard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/logger"
)

// DecisionServer exposes the engine to UI consumers that cannot link it:
// verdicts, capability listings for UI gates and the usage report.
type DecisionServer struct {
	engine    *propauthz.Engine
	principal PrincipalFunc
	logger    logger.Logger
	router    chi.Router
}

// DecisionRequest is the body of POST /v1/decisions and /v1/decisions/instance.
type DecisionRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id,omitempty"`
	Action     string `json:"action"`
	Explain    bool   `json:"explain,omitempty"`
}

type parsedRequest struct {
	t       propauthz.ObjectType
	a       propauthz.Action
	id      string
	explain bool
}

func NewDecisionServer(e *propauthz.Engine, principal PrincipalFunc, l logger.Logger) *DecisionServer {
	if principal == nil {
		principal = PrincipalFromContext
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	s := &DecisionServer{engine: e, principal: principal, logger: l, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *DecisionServer) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.requirePrincipal)
		r.Post("/decisions", s.handleDecision)
		r.Post("/decisions/instance", s.handleInstanceDecision)
		r.Get("/capabilities", s.handleAllCapabilities)
		r.Get("/capabilities/{object}", s.handleCapabilities)
		r.Get("/usage", s.handleUsage)
	})
}

func (s *DecisionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the chi router so callers can mount it or add routes.
func (s *DecisionServer) Router() chi.Router { return s.router }

func (s *DecisionServer) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.principal(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(propauthz.ContextWithPrincipal(r.Context(), p)))
	})
}

func (s *DecisionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *DecisionServer) decodeRequest(w http.ResponseWriter, r *http.Request) (parsedRequest, bool) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
		return parsedRequest{}, false
	}
	t, err := propauthz.ParseObjectType(req.ObjectType)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
		return parsedRequest{}, false
	}
	a, err := propauthz.ParseAction(req.Action)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
		return parsedRequest{}, false
	}
	return parsedRequest{t: t, a: a, id: req.ObjectID, explain: req.Explain}, true
}

func (s *DecisionServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	p, _ := propauthz.PrincipalFromContext(r.Context())
	var (
		d   *propauthz.Decision
		err error
	)
	if req.explain {
		d, err = s.engine.Explain(r.Context(), p, req.t, req.a)
	} else {
		d, err = s.engine.Decide(r.Context(), p, req.t, req.a)
	}
	s.respondDecision(w, d, err)
}

func (s *DecisionServer) handleInstanceDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	p, _ := propauthz.PrincipalFromContext(r.Context())
	var (
		d   *propauthz.Decision
		err error
	)
	if req.explain {
		d, err = s.engine.ExplainInstance(r.Context(), p, req.t, req.id, req.a)
	} else {
		d, err = s.engine.DecideInstance(r.Context(), p, req.t, req.id, req.a)
	}
	s.respondDecision(w, d, err)
}

// respondDecision answers 200 for both verdicts; the caller reads "allowed".
func (s *DecisionServer) respondDecision(w http.ResponseWriter, d *propauthz.Decision, err error) {
	if err != nil {
		if errors.Is(err, propauthz.ErrInvalidRequest) {
			respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
			return
		}
		s.logger.Error("decision failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *DecisionServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	t, err := propauthz.ParseObjectType(chi.URLParam(r, "object"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
		return
	}
	p, _ := propauthz.PrincipalFromContext(r.Context())
	caps, err := s.engine.Capabilities(r.Context(), p, t)
	if err != nil {
		s.respondDecision(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

func (s *DecisionServer) handleAllCapabilities(w http.ResponseWriter, r *http.Request) {
	p, _ := propauthz.PrincipalFromContext(r.Context())
	caps, err := s.engine.EffectivePermissions(r.Context(), p)
	if err != nil {
		s.respondDecision(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

func (s *DecisionServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	p, _ := propauthz.PrincipalFromContext(r.Context())
	rep, err := s.engine.UsageReport(r.Context(), p)
	var fe *propauthz.ForbiddenError
	switch {
	case errors.As(err, &fe):
		respondJSON(w, http.StatusForbidden, deniedBody(fe.Decision))
		return
	case errors.Is(err, propauthz.ErrInvalidRequest):
		respondJSON(w, http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
		return
	case err != nil:
		s.logger.Error("usage report failed", "org", p.OrganizationID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
