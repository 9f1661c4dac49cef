package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGetPrincipalRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if p := GetPrincipal(c); p != nil {
		t.Fatalf("GetPrincipal() on empty context = %+v, want nil", p)
	}

	want := &Principal{ID: "admin", CredentialType: Basic}
	SetPrincipal(c, want)

	got := GetPrincipal(c)
	if got != want {
		t.Fatalf("GetPrincipal() = %+v, want %+v", got, want)
	}
}

func TestCredentialTypeString(t *testing.T) {
	if Basic.String() != "basic" {
		t.Fatalf("Basic.String() = %q, want %q", Basic.String(), "basic")
	}
	if Session.String() != "session" {
		t.Fatalf("Session.String() = %q, want %q", Session.String(), "session")
	}
}
