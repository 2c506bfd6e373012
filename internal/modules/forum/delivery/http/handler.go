package handler

import (
	"fmt"
	"net/http"
	"strings"

	"anoa.com/communityforum/internal/modules/forum"
	"anoa.com/communityforum/internal/modules/forum/presenter"
	"anoa.com/communityforum/internal/modules/search"
	"anoa.com/communityforum/pkg/apperror"
	commonDto "anoa.com/communityforum/pkg/dto"
	"anoa.com/communityforum/pkg/pagination"
	"anoa.com/communityforum/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ForumHandler struct {
	store  *forum.Store
	search *search.Service
}

func NewForumHandler(store *forum.Store, search *search.Service) *ForumHandler {
	return &ForumHandler{store: store, search: search}
}

func (h *ForumHandler) GetCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": presenter.Categories(h.store.Categories())})
}

// GetForum renders one page of the held view. The page is clamped into
// range after filtering, so a request past the last page lands on page 1.
func (h *ForumHandler) GetForum(c *gin.Context) {
	var filter commonDto.ForumFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BindingError(c, err)
		return
	}

	// Set defaults
	if filter.Page == 0 {
		filter.Page = 1
	}
	if filter.Limit == 0 {
		filter.Limit = pagination.DefaultItemsPerPage
	}

	opts := forum.ViewOptions{}
	if filter.CategoryID != "" {
		id, err := uuid.Parse(filter.CategoryID)
		if err != nil {
			response.ResponseError(c, fmt.Errorf("invalid category_id: %w", apperror.ErrValidation))
			return
		}
		opts.CategoryID = &id
	}
	if h.search != nil {
		opts.Match = h.search.Predicate(c.Request.Context(), strings.TrimSpace(filter.Search))
	}

	view := h.store.View(opts)
	pager := pagination.New(len(view.Threads), filter.Limit)
	pager.GoToPage(filter.Page)
	page := pagination.Slice(view.Threads, pager)

	resp := commonDto.ForumViewResponse{
		Categories:  presenter.Categories(view.Categories),
		Data:        presenter.Threads(page),
		Meta:        pager.Meta(),
		Aggregates:  presenter.Aggregates(h.store.Aggregates()),
		IsLoading:   view.IsLoading,
		FeedStopped: view.FeedStopped,
	}
	if view.Err != nil {
		resp.Error = view.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ForumHandler) GetThread(c *gin.Context) {
	threadID, ok := response.ParamUUID(c, "thread_id")
	if !ok {
		return
	}
	t, found := h.store.Thread(threadID)
	if !found {
		response.ResponseError(c, fmt.Errorf("thread %s: %w", threadID, apperror.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, presenter.Thread(*t, true))
}
