package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleet-mission-service/internal/auth"
	"fleet-mission-service/internal/model"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer"
	accessTokenQuery    = "access_token"
	principalContextKey = "principal"
)

// Auth verifies the bearer token and stores the principal on the context.
// Browsers cannot set headers on a websocket handshake, so the token may
// also travel in the access_token query parameter.
func Auth(parser *auth.Parser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		claims, err := parser.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalContextKey, claims.Principal())
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, string) {
	raw := c.GetHeader(authorizationHeader)
	if raw == "" {
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
			return token, ""
		}
		return "", "authorization header missing"
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], bearerPrefix) || strings.TrimSpace(parts[1]) == "" {
		return "", "invalid authorization header"
	}
	return strings.TrimSpace(parts[1]), ""
}

func MustPrincipal(c *gin.Context) (model.Principal, bool) {
	value, exists := c.Get(principalContextKey)
	if !exists {
		return model.Principal{}, false
	}
	principal, ok := value.(model.Principal)
	if !ok {
		return model.Principal{}, false
	}
	return principal, true
}
