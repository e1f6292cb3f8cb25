package access

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
)

const callerKey = "modgate.caller"

// Authenticate resolves the bearer token into a caller. Requests without
// an Authorization header run as Anonymous; a malformed or invalid token
// is rejected with 401.
func Authenticate(p *TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Set(callerKey, Anonymous())
			c.Next()
			return
		}

		// Check if the Authorization header has the correct format
		scheme, raw, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format", "kind": apperr.KindUnauthenticated})
			return
		}

		caller, err := p.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": apperr.KindUnauthenticated})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller Authenticate stored, or Anonymous.
func CallerFrom(c *gin.Context) Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(Caller); ok {
			return caller
		}
	}
	return Anonymous()
}

// RequireModule aborts requests whose caller may not use mod.
func RequireModule(d *Decider, mod registry.Module) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		dec := d.Explain(caller, mod)
		if dec.Allowed {
			c.Next()
			return
		}
		status := http.StatusForbidden
		kind := apperr.KindPermissionDenied
		if !caller.Authenticated {
			status, kind = http.StatusUnauthorized, apperr.KindUnauthenticated
		}
		c.AbortWithStatusJSON(status, gin.H{"error": dec.Reason, "kind": kind, "module": mod})
	}
}
