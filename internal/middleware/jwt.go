package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rohanbatrain/sbd-signaling/internal/errs"
)

// JWTClaims is the claim set this service validates. Tokens are minted by
// the upstream identity service (or the dev login endpoint) and carry the
// verified user id.
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ParseToken validates a bearer token and returns its claims. Used by the
// REST middleware (Authorization header) and by the signaling socket, which
// carries the token as a query parameter because browsers cannot set headers
// on a WebSocket handshake.
func ParseToken(jwtSecret, tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, errs.Auth("missing_token", "bearer token required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, errs.Auth("invalid_token", "token is invalid or expired")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errs.Auth("invalid_claims", "token claims are invalid")
	}
	return claims, nil
}

// JWTAuth validates the Authorization header and stores the authenticated
// user id in the request context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if authHeader == "" || len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, errs.Auth("missing_token", "Authorization: Bearer <token> header required"))
			return
		}

		claims, err := ParseToken(jwtSecret, parts[1])
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"kind":    errs.KindOf(err),
		"code":    errs.CodeOf(err),
		"message": errs.MessageOf(err),
	}})
}
