package guard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/propauthz"
)

// GinPrincipalFunc extracts the authenticated identity from a gin context.
type GinPrincipalFunc func(c *gin.Context) (propauthz.Principal, bool)

// GinHeaderPrincipal reads the identity from gateway headers.
func GinHeaderPrincipal(userHeader, orgHeader string) GinPrincipalFunc {
	return func(c *gin.Context) (propauthz.Principal, bool) {
		p := propauthz.Principal{UserID: c.GetHeader(userHeader), OrganizationID: c.GetHeader(orgHeader)}
		return p, p.UserID != "" && p.OrganizationID != ""
	}
}

const ginDecisionKey = "propauthz.decision"

// Gin guards a gin route on a type-level decision.
func Gin(e *propauthz.Engine, principal GinPrincipalFunc, t propauthz.ObjectType, a propauthz.Action) gin.HandlerFunc {
	return GinInstance(e, principal, t, a, "")
}

// GinInstance guards a gin route addressing one record; idParam names the
// route parameter holding the record id. An empty idParam skips the instance check.
func GinInstance(e *propauthz.Engine, principal GinPrincipalFunc, t propauthz.ObjectType, a propauthz.Action, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		objectID := ""
		if idParam != "" {
			objectID = c.Param(idParam)
			if objectID == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
				return
			}
		}
		d, err := decide(c.Request.Context(), e, p, t, objectID, a)
		if err != nil {
			if errors.Is(err, propauthz.ErrInvalidRequest) {
				c.AbortWithStatusJSON(http.StatusBadRequest, DeniedResponse{Error: "invalid_request", Reason: propauthz.ReasonInvalidRequest})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.Set(ginDecisionKey, d)
		c.Request = c.Request.WithContext(propauthz.ContextWithDecision(c.Request.Context(), d))
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, deniedBody(d))
			return
		}
		c.Next()
	}
}

// GinDecision returns the decision stored by Gin or GinInstance.
func GinDecision(c *gin.Context) (*propauthz.Decision, bool) {
	v, ok := c.Get(ginDecisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*propauthz.Decision)
	return d, ok
}
