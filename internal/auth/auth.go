package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

const (
	PermissionEscrow   = "escrow"
	PermissionInternal = "internal"

	tokenTTL = 24 * time.Hour
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

type client struct {
	secret      string
	permissions []string
}

// Service issues tokens to operators and upstream services
type Service struct {
	jwtSecret []byte
	mu        sync.RWMutex
	clients   map[string]client
}

// NewService registers the configured internal client, which may call both
// the operator and the internal endpoints.
func NewService(cfg config.App) *Service {
	s := &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		clients:   make(map[string]client),
	}
	if cfg.InternalAPIKey != "" {
		s.RegisterAPICredentials(cfg.InternalAPIKey, cfg.InternalAPISecret, PermissionEscrow, PermissionInternal)
	}
	return s
}

// GenerateToken issues a 24 hour token carrying the client's permissions.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	registered, ok := s.clients[creds.APIKey]
	s.mu.RUnlock()
	if !ok || registered.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: registered.permissions,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// RegisterAPICredentials adds a client. Without explicit permissions the
// client may only call operator endpoints.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, permissions ...string) {
	if len(permissions) == 0 {
		permissions = []string{PermissionEscrow}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[apiKey] = client{secret: apiSecret, permissions: permissions}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from parsed token claims
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	case *Claims:
		return c.ClientID
	}
	return ""
}

// HasPermission reports whether parsed token claims grant permission.
func HasPermission(claims interface{}, permission string) bool {
	switch c := claims.(type) {
	case jwt.MapClaims:
		granted, _ := c["permissions"].([]interface{})
		for _, p := range granted {
			if p == permission {
				return true
			}
		}
	case *Claims:
		for _, p := range c.Permissions {
			if p == permission {
				return true
			}
		}
	}
	return false
}
