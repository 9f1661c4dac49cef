package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/opencode-relay/orchestrator/internal/principal"
)

// Authentication returns a Gin middleware allowing access if either valid
// Basic credentials or a valid session exist against the configured admin
// account. Responds with 401 Unauthorized otherwise.
func Authentication(adminUsername, adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isBasicAuthenticated(c, adminUsername, adminPassword) || isSessionAuthenticated(c) {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

// isBasicAuthenticated checks the HTTP request for Basic Authentication credentials.
func isBasicAuthenticated(c *gin.Context, wantUser, wantPass string) bool {
	user, pass, hasAuth := c.Request.BasicAuth()
	if hasAuth &&
		subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1 {
		principal.SetPrincipal(c, &principal.Principal{ID: user, CredentialType: principal.Basic})
		return true
	}
	return false
}

// isSessionAuthenticated returns true if the session is valid.
// Also updates the session's "last_touch" timestamp if older than 15 minutes.
func isSessionAuthenticated(c *gin.Context) bool {
	session := sessions.Default(c)
	userID, _ := session.Get("uid").(string)
	if userID == "" {
		return false
	}

	const sessionTTL = 15 * 60 // 15 minutes
	now := time.Now().Unix()
	lastTouch, _ := session.Get("last_touch").(int64)
	if lastTouch == 0 || now-lastTouch > sessionTTL {
		session.Set("last_touch", now)
		_ = session.Save()
	}

	principal.SetPrincipal(c, &principal.Principal{ID: userID, CredentialType: principal.Session})
	return true
}
