package guard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/guard"
)

var _ = Describe("Gin guard", func() {
	var (
		router *gin.Engine
		engine *propauthz.Engine
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		engine, _ = newEngine()
		principal := guard.GinHeaderPrincipal(userHeader, orgHeader)
		router = gin.New()
		router.GET("/leases", guard.Gin(engine, principal, propauthz.ObjectLease, propauthz.ActionRead), func(c *gin.Context) {
			d, ok := guard.GinDecision(c)
			Expect(ok).To(BeTrue())
			c.JSON(http.StatusOK, gin.H{"reason": d.Reason})
		})
		router.POST("/leases", guard.Gin(engine, principal, propauthz.ObjectLease, propauthz.ActionCreate), func(c *gin.Context) {
			c.Status(http.StatusCreated)
		})
		router.POST("/journal", guard.Gin(engine, principal, propauthz.ObjectJournalEntry, propauthz.ActionCreate), func(c *gin.Context) {
			c.Status(http.StatusCreated)
		})
		router.GET("/tasks/:id", guard.GinInstance(engine, principal, propauthz.ObjectTask, propauthz.ActionRead, "id"), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
	})

	AfterEach(func() {
		engine.Close()
	})

	serve := func(method, path, user string) *httptest.ResponseRecorder {
		req := withPrincipal(httptest.NewRequest(method, path, nil), user, "org-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	denied := func(w *httptest.ResponseRecorder) guard.DeniedResponse {
		var body guard.DeniedResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	It("lets a viewer read leases and exposes the decision", func() {
		w := serve(http.MethodGet, "/leases", "viewer-1")
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]string
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["reason"]).To(Equal(string(propauthz.ReasonPermissionGranted)))
	})

	It("returns 403 with the reason when the profile denies", func() {
		w := serve(http.MethodPost, "/leases", "viewer-1")
		Expect(w.Code).To(Equal(http.StatusForbidden))
		body := denied(w)
		Expect(body.Error).To(Equal("forbidden"))
		Expect(body.Reason).To(Equal(propauthz.ReasonPermissionDenied))
		Expect(body.UpgradeRequired).To(BeFalse())
	})

	It("flags an upgrade when the plan lacks the feature", func() {
		w := serve(http.MethodPost, "/journal", "viewer-1")
		Expect(w.Code).To(Equal(http.StatusForbidden))
		body := denied(w)
		Expect(body.Reason).To(Equal(propauthz.ReasonFeatureNotAvailable))
		Expect(body.UpgradeRequired).To(BeTrue())
	})

	It("lets an organization admin through regardless of rows", func() {
		w := serve(http.MethodPost, "/leases", "admin-1")
		Expect(w.Code).To(Equal(http.StatusCreated))
	})

	It("runs the instance check on link-scoped records", func() {
		Expect(serve(http.MethodGet, "/tasks/task-mine", "viewer-1").Code).To(Equal(http.StatusOK))
		w := serve(http.MethodGet, "/tasks/task-other", "viewer-1")
		Expect(w.Code).To(Equal(http.StatusForbidden))
		Expect(denied(w).Reason).To(Equal(propauthz.ReasonObjectPermissionDenied))
	})

	It("returns 401 without a principal", func() {
		Expect(serve(http.MethodGet, "/leases", "").Code).To(Equal(http.StatusUnauthorized))
	})
})
