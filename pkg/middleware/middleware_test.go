package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/pkg/response"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func token(t *testing.T, svc *auth.Service, key, secret string) string {
	t.Helper()
	resp, err := svc.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return resp.Token
}

func TestAuthMiddleware(t *testing.T) {
	svc := auth.NewService(testSecret)
	svc.RegisterAPICredentials("trader-key", "trader-secret", "trader-1")
	svc.RegisterAPICredentials("ops-key", "ops-secret", "ops", auth.PermissionInternal)
	traderToken := token(t, svc, "trader-key", "trader-secret")
	opsToken := token(t, svc, "ops-key", "ops-secret")

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "trader-1"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	other := auth.NewService("another-secret")
	other.RegisterAPICredentials("trader-key", "trader-secret", "trader-1")
	forged := token(t, other, "trader-key", "trader-secret")

	whoami := func(c *gin.Context) {
		claims, ok := c.MustGet("claims").(*auth.Claims)
		if !ok || claims.UserID != auth.GetUserID(c) {
			response.InternalError(c, "claims do not match the authenticated user")
			return
		}
		response.Success(c, auth.GetUserID(c))
	}
	router := gin.New()
	router.GET("/user", JWTAuth(testSecret), whoami)
	router.GET("/internal", InternalAuth(testSecret), whoami)

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
	}{
		{"missing header", "/user", "", http.StatusUnauthorized},
		{"malformed header", "/user", "Token " + traderToken, http.StatusUnauthorized},
		{"garbage token", "/user", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong signing key", "/user", "Bearer " + forged, http.StatusUnauthorized},
		{"token without expiry", "/user", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"trader token", "/user", "Bearer " + traderToken, http.StatusOK},
		{"query token", "/user?token=" + traderToken, "", http.StatusOK},
		{"internal without permission", "/internal", "Bearer " + traderToken, http.StatusForbidden},
		{"internal with permission", "/internal", "Bearer " + opsToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestRateLimitOnAuthRoutes(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	var limited bool
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if i < 10 {
				t.Fatalf("request %d limited before burst was used", i)
			}
		}
	}
	if !limited {
		t.Fatal("11th request within a second was not limited")
	}

	// other clients keep their own allowance
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.RemoteAddr = "198.51.100.8:4000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d for a fresh client", w.Code)
	}
}
