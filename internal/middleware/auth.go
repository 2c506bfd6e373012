package middleware

import (
	"errors"
	"fmt"
	"strings"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/response"
	"github.com/gin-gonic/gin"
)

const sessionKey = "session"

type AuthMiddleware struct {
	auth backend.Auth
}

func NewAuthMiddleware(auth backend.Auth) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// Token reads the bearer token, falling back to the "token" query parameter
// for websocket clients that cannot set headers.
func Token(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}

// Session gives every request its own session. A request without a token,
// or with one the backend no longer honours, continues anonymously. The
// session is hydrated before the handler runs and closed after it returns.
func (m *AuthMiddleware) Session() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := session.New(m.auth)
		defer s.Close()
		c.Set(sessionKey, s)

		if token := Token(c); token != "" {
			err := s.Begin(c.Request.Context(), token)
			if err != nil && !errors.Is(err, apperror.ErrAuthenticationRequired) {
				response.ResponseError(c, err)
				return
			}
			if _, err := s.Wait(c.Request.Context()); err != nil {
				response.ResponseError(c, fmt.Errorf("hydrate session: %v: %w", err, apperror.ErrTransientNetwork))
				return
			}
		}
		c.Next()
	}
}

// SessionFrom returns the request's session. Outside Session it is an
// anonymous session bound to nothing.
func SessionFrom(c *gin.Context) *session.Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*session.Session); ok {
			return s
		}
	}
	return session.New(nil)
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return m.RequireRole(session.Authenticated())
}

// RequireRole rejects the request unless the active profile satisfies req.
// A hydration that failed for a transient reason reports 503, not 401.
func (m *AuthMiddleware) RequireRole(req session.Requirement) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := SessionFrom(c)
		if _, err := s.Require(req); err != nil {
			if snap := s.Resolve(); snap.Err != nil && errors.Is(snap.Err, apperror.ErrTransientNetwork) {
				err = snap.Err
			}
			response.ResponseError(c, err)
			return
		}
		c.Next()
	}
}
