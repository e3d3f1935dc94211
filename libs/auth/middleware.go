package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextUserIDKey is where the middleware stores the authenticated subject;
// handlers read it to attribute security actions to a user.
const ContextUserIDKey = "user_id"

// Middleware rejects requests without a valid bearer token. Every security
// operation is user-attributed, so there is no anonymous path.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": message})
}
