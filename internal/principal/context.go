package principal

import "github.com/gin-gonic/gin"

const principalKey = "auth.principal"

// SetPrincipal stores p on the request context for later middleware and handlers.
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal returns the request's principal, or nil if unauthenticated.
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
