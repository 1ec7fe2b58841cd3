package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/http/response"
	"github.com/yungbote/ragbridge-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// TenantClaims is the bearer token payload: the tenant this caller acts as,
// plus an optional space-separated scope list.
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope,omitempty"`
}

type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
	parser *jwt.Parser
}

func NewAuthMiddleware(log *logger.Logger, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		log:    log.With("middleware", "AuthMiddleware"),
		secret: []byte(jwtSecret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// RequireAuth validates the bearer token and attaches the tenant identity to
// the request context. Handlers read the tenant from context only, never from
// the payload.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}

		rd, err := am.resolve(tokenString)
		if err != nil {
			am.log.Debug("token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "invalid or expired token", Code: "unauthorized"},
			})
			return
		}

		ctx := ctxutil.WithRequestData(c.Request.Context(), rd)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireScope gates a route group on a scope claim; it runs after
// RequireAuth.
func (am *AuthMiddleware) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := ctxutil.GetRequestData(c.Request.Context())
		if !rd.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.ErrorEnvelope{
				Error: response.APIError{Message: "insufficient scope", Code: "forbidden"},
			})
			return
		}
		c.Next()
	}
}

func (am *AuthMiddleware) resolve(tokenString string) (*ctxutil.RequestData, error) {
	if len(am.secret) == 0 {
		return nil, fmt.Errorf("jwt secret not configured")
	}
	token, err := am.parser.ParseWithClaims(tokenString, &TenantClaims{}, func(*jwt.Token) (any, error) {
		return am.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*TenantClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	raw := strings.TrimSpace(claims.TenantID)
	if raw == "" {
		// Older tokens carried the tenant in sub.
		raw = strings.TrimSpace(claims.Subject)
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil || tenantID == uuid.Nil {
		return nil, fmt.Errorf("token carries no usable tenant id")
	}

	return &ctxutil.RequestData{
		TenantID: tenantID,
		Scopes:   strings.Fields(claims.Scope),
	}, nil
}

// extractToken prefers the Authorization header; the query form exists for
// EventSource clients that cannot set headers.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}
