package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

var testSecret = []byte("test-secret")

func doRequest(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuthMiddleware(testSecret))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})

	if w := doRequest(r, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	if w := doRequest(r, "garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}

	token, err := GenerateJWT("user-1", "u@example.com", "user", testSecret)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if w := doRequest(r, token); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuthMiddleware(testSecret), RequireRole("admin"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	userToken, _ := GenerateJWT("user-1", "u@example.com", "user", testSecret)
	if w := doRequest(r, userToken); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}

	adminToken, _ := GenerateJWT("admin-1", "a@example.com", "admin", testSecret)
	if w := doRequest(r, adminToken); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
}

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("tok", "tok"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := ValidateServiceToken("tok", "other"); err == nil {
		t.Fatalf("expected error on mismatch")
	}
	if err := ValidateServiceToken("", ""); err == nil {
		t.Fatalf("expected error on empty expected token")
	}
}
