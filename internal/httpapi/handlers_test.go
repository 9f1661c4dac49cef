package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/opencode-relay/orchestrator/internal/config"
)

func newTestRouter(h *handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := cookie.NewStore([]byte("test-secret"))
	r.Use(sessions.Sessions("ocr_admin_sid_test", store))
	r.GET("/healthz", h.healthz)
	r.POST("/admin/login", h.login)
	r.POST("/admin/logout", h.logout)
	r.GET("/admin/csrf", h.issueCSRF)
	return r
}

func TestHealthz(t *testing.T) {
	h := &handlers{cfg: config.Config{}}
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := &handlers{cfg: config.Config{AdminUsername: "admin", AdminPassword: "correct-horse"}}
	r := newTestRouter(h)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLoginAcceptsGoodCredentials(t *testing.T) {
	h := &handlers{cfg: config.Config{AdminUsername: "admin", AdminPassword: "correct-horse"}}
	r := newTestRouter(h)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "correct-horse"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(w.Result().Cookies()) == 0 {
		t.Fatalf("expected a session cookie to be set on successful login")
	}
}

func TestIssueCSRFIsStableAcrossCalls(t *testing.T) {
	h := &handlers{cfg: config.Config{AdminUsername: "admin", AdminPassword: "pw"}}
	r := newTestRouter(h)

	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodGet, "/admin/csrf", nil)
	r.ServeHTTP(w1, req1)

	var first struct{ CSRF string `json:"csrf"` }
	if err := json.Unmarshal(w1.Body.Bytes(), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.CSRF == "" {
		t.Fatalf("issueCSRF returned an empty token")
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/admin/csrf", nil)
	for _, c := range w1.Result().Cookies() {
		req2.AddCookie(c)
	}
	r.ServeHTTP(w2, req2)

	var second struct{ CSRF string `json:"csrf"` }
	if err := json.Unmarshal(w2.Body.Bytes(), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.CSRF != first.CSRF {
		t.Fatalf("CSRF token changed across calls within the same session: %q vs %q", first.CSRF, second.CSRF)
	}
}
