package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/opencode-relay/orchestrator/internal/principal"
)

func newAuthTestRouter(adminUser, adminPass string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions("test_sid", cookie.NewStore([]byte("secret"))))
	r.GET("/login-session", func(c *gin.Context) {
		s := sessions.Default(c)
		s.Set("uid", "admin")
		_ = s.Save()
		c.Status(http.StatusOK)
	})
	r.GET("/protected", Authentication(adminUser, adminPass), func(c *gin.Context) {
		p := principal.GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "type": p.CredentialType.String()})
	})
	return r
}

func TestAuthenticationRejectsMissingCredentials(t *testing.T) {
	r := newAuthTestRouter("admin", "pw")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthenticationAcceptsValidBasicAuth(t *testing.T) {
	r := newAuthTestRouter("admin", "pw")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.SetBasicAuth("admin", "pw")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthenticationRejectsWrongBasicAuth(t *testing.T) {
	r := newAuthTestRouter("admin", "pw")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.SetBasicAuth("admin", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthenticationAcceptsValidSession(t *testing.T) {
	r := newAuthTestRouter("admin", "pw")

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/login-session", nil))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	for _, c := range w1.Result().Cookies() {
		req.AddCookie(c)
	}
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w2.Code)
	}
}
