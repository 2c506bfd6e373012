package handler

import (
	"net/http"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/middleware"
	"anoa.com/communityforum/internal/modules/forum/presenter"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/internal/modules/session/dto"
	commonDto "anoa.com/communityforum/pkg/dto"
	"anoa.com/communityforum/pkg/response"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	s := middleware.SessionFrom(c)
	raw, err := s.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusOK, s, raw)
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	s := middleware.SessionFrom(c)
	raw, err := s.SignUp(c.Request.Context(), backend.SignUpInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusCreated, s, raw)
}

func (h *AuthHandler) respondWithSession(c *gin.Context, status int, s *session.Session, raw *backend.Session) {
	snap, err := s.Wait(c.Request.Context())
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	if snap.Err != nil {
		response.ResponseError(c, snap.Err)
		return
	}

	resp := dto.AuthResponse{
		AccessToken: raw.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(raw.ExpiresAt).Seconds()),
	}
	if snap.Profile != nil {
		p := presenter.Profile(*snap.Profile, true)
		resp.Profile = &p
	}
	c.JSON(status, resp)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	if err := middleware.SessionFrom(c).Logout(c.Request.Context()); err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

// Current reports the caller's session state without requiring one.
func (h *AuthHandler) Current(c *gin.Context) {
	snap := middleware.SessionFrom(c).Resolve()
	resp := commonDto.SessionResponse{State: snap.State.String()}
	if snap.Profile != nil {
		p := presenter.Profile(*snap.Profile, true)
		resp.Profile = &p
	}
	c.JSON(http.StatusOK, resp)
}
