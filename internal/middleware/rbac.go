package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RequireObserver allows teachers and admins, the roles that may watch exams.
func RequireObserver() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if !claims.UserType.IsObserver() {
			response.AbortFail(c, http.StatusForbidden, response.ErrObserverOnly)
			return
		}
		c.Next()
	}
}

// RequireUserType checks that the JWT was issued to one of the given roles.
func RequireUserType(types ...model.UserType) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if !slices.Contains(types, claims.UserType) {
			response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}
		c.Next()
	}
}
