package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	marketLimit  = rate.Limit(1200.0 / 60.0) // 1200 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = tradingLimit
		case strings.HasPrefix(path, "/api/v1/markets"):
			limit = marketLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 10),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), key)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth authenticates a bearer token and stores the user ID and claims in the context
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, secret)
		if err != nil {
			return
		}

		c.Set("claims", claims)
		c.Set(auth.UserIDKey, claims.UserID)
		c.Next()
	}
}

// InternalAuth admits tokens carrying the internal permission, used by the
// deposit and withdrawal collaborators
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, secret)
		if err != nil {
			return
		}

		if !claims.HasPermission(auth.PermissionInternal) {
			response.Forbidden(c, "Internal permission required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(auth.UserIDKey, claims.UserID)
		c.Next()
	}
}

// TokenFromRequest returns the bearer token of the request. WebSocket clients
// that cannot set headers may pass it as the token query parameter.
func TokenFromRequest(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			return "", fmt.Errorf("invalid authorization header format")
		}
		return bearerToken[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("authorization header required")
}

func validateAndExtractClaims(c *gin.Context, secret string) (*auth.Claims, error) {
	tokenString, err := TokenFromRequest(c)
	if err != nil {
		response.Unauthorized(c, err.Error())
		c.Abort()
		return nil, err
	}

	claims, err := auth.ParseToken(tokenString, secret)
	if err != nil {
		response.Unauthorized(c, err.Error())
		c.Abort()
		return nil, err
	}
	return claims, nil
}
