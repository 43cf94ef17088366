package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-escrow/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type routeLimit struct {
	prefix string
	limit  rate.Limit
	burst  int
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Checked in order; the first matching prefix wins.
	routeLimits = []routeLimit{
		{prefix: "/api/v1/auth", limit: rate.Limit(10.0 / 60.0), burst: 1},
		{prefix: "/api/v1/webhooks", limit: rate.Limit(600.0 / 60.0), burst: 50},
		{prefix: "/api/v1/internal", limit: rate.Limit(1200.0 / 60.0), burst: 100},
		{prefix: "/api/v1/escrow", limit: rate.Limit(300.0 / 60.0), burst: 20},
	}
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit, burst := rate.Inf, 1
		for _, rl := range routeLimits {
			if strings.HasPrefix(path, rl.prefix) {
				limit, burst = rl.limit, rl.burst
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles per client and route template.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("clientID")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		if !getLimiter(c.FullPath(), clientKey).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth requires a valid bearer token and exposes its claims as "claims"
// and "clientID" on the context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := authenticate(c, secret); !ok {
			return
		}
		c.Next()
	}
}

// InternalAuth is JWTAuth restricted to tokens carrying the internal permission.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, secret)
		if !ok {
			return
		}

		granted, _ := claims["permissions"].([]interface{})
		for _, p := range granted {
			if p == "internal" {
				c.Next()
				return
			}
		}

		response.Forbidden(c, "Internal permission required")
		c.Abort()
	}
}

func authenticate(c *gin.Context, secret string) (jwt.MapClaims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, false
	}

	for _, claim := range []string{"client_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			c.Abort()
			return nil, false
		}
	}

	c.Set("claims", claims)
	if clientID, ok := claims["client_id"].(string); ok {
		c.Set("clientID", clientID)
	}
	return claims, true
}

// RequestLogger writes one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("client_id", c.GetString("clientID")).
			Msg("request handled")
	}
}
