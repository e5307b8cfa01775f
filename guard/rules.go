package guard

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/utils"
)

// Rule maps a route pattern ("METHOD /path/:param") to the object type and
// action it needs. When IDParam names a pattern parameter, the bound value is
// used as the object id and the instance check runs too.
type Rule struct {
	Pattern    string               `json:"pattern" yaml:"pattern"`
	ObjectType propauthz.ObjectType `json:"object_type" yaml:"object_type"`
	Action     propauthz.Action     `json:"action" yaml:"action"`
	IDParam    string               `json:"id_param,omitempty" yaml:"id_param,omitempty"`
}

// Match is a resolved rule for one request.
type Match struct {
	Rule     Rule
	ObjectID string
	Params   map[string]string
}

// RuleSet is an ordered list of rules; the first matching rule wins.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range rules {
		if err := rs.Add(r); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (rs *RuleSet) Add(r Rule) error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("%w: rule pattern is required", propauthz.ErrInvalidRequest)
	}
	if !r.ObjectType.Valid() {
		return fmt.Errorf("%w: rule %s: invalid object type", propauthz.ErrInvalidRequest, r.Pattern)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: rule %s: invalid action %q", propauthz.ErrInvalidRequest, r.Pattern, r.Action)
	}
	if r.IDParam != "" && !strings.Contains(r.Pattern, ":"+r.IDParam) {
		return fmt.Errorf("%w: rule %s does not bind :%s", propauthz.ErrInvalidRequest, r.Pattern, r.IDParam)
	}
	rs.mu.Lock()
	rs.rules = append(rs.rules, r)
	rs.mu.Unlock()
	return nil
}

// Resource registers the conventional CRUD routes of one object type under
// prefix: list and show are read, POST is create, PUT/PATCH edit, DELETE delete.
func (rs *RuleSet) Resource(prefix string, t propauthz.ObjectType) error {
	prefix = strings.TrimRight(prefix, "/")
	item := prefix + "/:id"
	rules := []Rule{
		{Pattern: http.MethodGet + " " + prefix, ObjectType: t, Action: propauthz.ActionRead},
		{Pattern: http.MethodPost + " " + prefix, ObjectType: t, Action: propauthz.ActionCreate},
		{Pattern: http.MethodGet + " " + item, ObjectType: t, Action: propauthz.ActionRead, IDParam: "id"},
		{Pattern: http.MethodPut + " " + item, ObjectType: t, Action: propauthz.ActionEdit, IDParam: "id"},
		{Pattern: http.MethodPatch + " " + item, ObjectType: t, Action: propauthz.ActionEdit, IDParam: "id"},
		{Pattern: http.MethodDelete + " " + item, ObjectType: t, Action: propauthz.ActionDelete, IDParam: "id"},
	}
	for _, r := range rules {
		if err := rs.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Match finds the first rule for method and path.
func (rs *RuleSet) Match(method, path string) (Match, bool) {
	value := strings.ToUpper(method) + " " + path
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.rules {
		params, ok := utils.MatchRoute(value, r.Pattern)
		if !ok {
			continue
		}
		m := Match{Rule: r, Params: params}
		if r.IDParam != "" {
			m.ObjectID = params[r.IDParam]
		}
		return m, true
	}
	return Match{}, false
}

func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// ActionForMethod is the default verb mapping used when a route has no rule.
func ActionForMethod(method string) propauthz.Action {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return propauthz.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return propauthz.ActionEdit
	case http.MethodDelete:
		return propauthz.ActionDelete
	default:
		return propauthz.ActionRead
	}
}
