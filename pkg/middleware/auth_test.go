package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fixedIdentity struct {
	id Identity
	ok bool
}

func (f fixedIdentity) Identity() (Identity, bool) { return f.id, f.ok }

func newRouter(src IdentitySource, hook func(context.Context, string)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api", RequireSession(src), OnAuthenticated(hook))
	g.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, GetSpecialistID(c)+"/"+GetRole(c))
	})
	return r
}

func TestRequireSessionRejectsAnonymous(t *testing.T) {
	hooked := false
	r := newRouter(fixedIdentity{}, func(context.Context, string) { hooked = true })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if hooked {
		t.Fatal("hook must not run for rejected requests")
	}
}

func TestRequireSessionExposesIdentity(t *testing.T) {
	var route string
	r := newRouter(fixedIdentity{
		id: Identity{SpecialistID: "doc1", Role: "doctor"},
		ok: true,
	}, func(_ context.Context, r string) { route = r })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "doc1/doctor" {
		t.Errorf("body = %q", w.Body.String())
	}
	if route != "/api/me" {
		t.Errorf("route = %q", route)
	}
}
