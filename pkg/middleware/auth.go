package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/derma-console/pkg/response"
)

const (
	SpecialistIDKey = "specialist_id"
	DisplayNameKey  = "display_name"
	RoleKey         = "role"
)

// Identity is what a gateway handler may know about the signed-in
// specialist. It drives presentation only.
type Identity struct {
	SpecialistID string
	DisplayName  string
	Role         string
}

// IdentitySource reports the current local session, if any.
type IdentitySource interface {
	Identity() (Identity, bool)
}

// RequireSession rejects requests while no specialist is signed in and
// exposes the identity to later handlers through the gin context.
func RequireSession(src IdentitySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := src.Identity()
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "no active session")
			return
		}

		c.Set(SpecialistIDKey, id.SpecialistID)
		c.Set(DisplayNameKey, id.DisplayName)
		c.Set(RoleKey, id.Role)

		c.Next()
	}
}

// OnAuthenticated runs fn for every request that passed RequireSession,
// before the handler. fn receives the request path so it can skip public
// routes; it must be cheap after its first successful run.
func OnAuthenticated(fn func(ctx context.Context, route string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn(c.Request.Context(), c.FullPath())
		c.Next()
	}
}

// GetSpecialistID extracts the specialist id from the gin context.
func GetSpecialistID(c *gin.Context) string {
	if id, exists := c.Get(SpecialistIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// GetRole extracts the role from the gin context.
func GetRole(c *gin.Context) string {
	if role, exists := c.Get(RoleKey); exists {
		if s, ok := role.(string); ok {
			return s
		}
	}
	return ""
}
