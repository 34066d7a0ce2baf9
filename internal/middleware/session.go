package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// SessionValidator checks that a token is still the user's active login.
type SessionValidator interface {
	ValidateSession(ctx context.Context, claims *service.Claims) error
}

// CheckSingleDeviceSession validates the JWT's JTI against the active login in Redis.
// If the JTI doesn't match, the request is rejected (the student logged in elsewhere
// or the session was reset by an admin). Non-student tokens pass through.
func CheckSingleDeviceSession(auth SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if err := auth.ValidateSession(c.Request.Context(), claims); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
			return
		}

		c.Next()
	}
}
