package handler

import (
	"net/http"

	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/middleware"
	"anoa.com/communityforum/internal/modules/forum/presenter"
	"anoa.com/communityforum/internal/modules/moderation"
	"anoa.com/communityforum/internal/modules/moderation/dto"
	"anoa.com/communityforum/pkg/response"
	"github.com/gin-gonic/gin"
)

type ModerationHandler struct {
	service moderation.Service
}

func NewModerationHandler(service moderation.Service) *ModerationHandler {
	return &ModerationHandler{service: service}
}

func (h *ModerationHandler) CreateThread(c *gin.Context) {
	var req dto.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	thread, err := h.service.CreateThread(c.Request.Context(), middleware.SessionFrom(c), req)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, presenter.Thread(*thread, true))
}

func (h *ModerationHandler) PinThread(c *gin.Context) {
	threadID, ok := response.ParamUUID(c, "thread_id")
	if !ok {
		return
	}
	thread, err := h.service.PinThread(c.Request.Context(), middleware.SessionFrom(c), threadID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Thread(*thread, false))
}

func (h *ModerationHandler) LockThread(c *gin.Context) {
	threadID, ok := response.ParamUUID(c, "thread_id")
	if !ok {
		return
	}
	thread, err := h.service.LockThread(c.Request.Context(), middleware.SessionFrom(c), threadID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Thread(*thread, false))
}

func (h *ModerationHandler) DeleteThread(c *gin.Context) {
	threadID, ok := response.ParamUUID(c, "thread_id")
	if !ok {
		return
	}
	if err := h.service.DeleteThread(c.Request.Context(), middleware.SessionFrom(c), threadID); err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "thread deleted successfully"})
}

func (h *ModerationHandler) CreatePost(c *gin.Context) {
	threadID, ok := response.ParamUUID(c, "thread_id")
	if !ok {
		return
	}
	var req dto.ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	post, err := h.service.SubmitReply(c.Request.Context(), middleware.SessionFrom(c), threadID, req)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, presenter.Post(*post))
}

func (h *ModerationHandler) UpdatePost(c *gin.Context) {
	postID, ok := response.ParamUUID(c, "post_id")
	if !ok {
		return
	}
	var req dto.EditPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	post, err := h.service.EditPost(c.Request.Context(), middleware.SessionFrom(c), postID, req)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Post(*post))
}

func (h *ModerationHandler) DeletePost(c *gin.Context) {
	postID, ok := response.ParamUUID(c, "post_id")
	if !ok {
		return
	}
	if err := h.service.DeletePost(c.Request.Context(), middleware.SessionFrom(c), postID); err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "post deleted successfully"})
}

// Admin

func (h *ModerationHandler) GetAllUsers(c *gin.Context) {
	users, err := h.service.ListUsers(c.Request.Context(), middleware.SessionFrom(c))
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": presenter.Profiles(users)})
}

func (h *ModerationHandler) ChangeRole(c *gin.Context) {
	userID, ok := response.ParamUUID(c, "id")
	if !ok {
		return
	}
	var req dto.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}
	role, err := entity.ParseRole(req.Role)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	user, err := h.service.ChangeRole(c.Request.Context(), middleware.SessionFrom(c), userID, role)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Profile(*user, true))
}

func (h *ModerationHandler) BanUser(c *gin.Context) {
	userID, ok := response.ParamUUID(c, "id")
	if !ok {
		return
	}
	user, err := h.service.BanUser(c.Request.Context(), middleware.SessionFrom(c), userID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Profile(*user, true))
}

func (h *ModerationHandler) UnbanUser(c *gin.Context) {
	userID, ok := response.ParamUUID(c, "id")
	if !ok {
		return
	}
	user, err := h.service.UnbanUser(c.Request.Context(), middleware.SessionFrom(c), userID)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Profile(*user, true))
}

func (h *ModerationHandler) DeleteUser(c *gin.Context) {
	userID, ok := response.ParamUUID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteUser(c.Request.Context(), middleware.SessionFrom(c), userID); err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted successfully"})
}
