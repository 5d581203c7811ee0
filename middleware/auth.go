package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ContextUserID     = "user_id"
	ContextHouseholds = "households"
)

// Claims are issued by the session service; this API only verifies them.
type Claims struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email"`
	Households []string `json:"households"`
	jwt.RegisteredClaims
}

// AuthMiddleware rejects requests without a valid HS256 bearer token.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok && websocketUpgrade(c) {
			// Browsers cannot set headers on a websocket handshake.
			raw, ok = c.Query("access_token"), true
		}
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		var claims Claims
		_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextHouseholds, claims.Households)
		c.Next()
	}
}

func websocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// RequireHouseholdMember checks that the :id path parameter is one of the
// caller's households.
func RequireHouseholdMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		householdID := c.Param("id")
		for _, h := range c.GetStringSlice(ContextHouseholds) {
			if h == householdID {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	}
}
