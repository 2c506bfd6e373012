package handler

import (
	"net/http"

	"anoa.com/communityforum/internal/middleware"
	"anoa.com/communityforum/internal/modules/forum/presenter"
	"anoa.com/communityforum/internal/modules/report"
	"anoa.com/communityforum/internal/modules/report/dto"
	commonDto "anoa.com/communityforum/pkg/dto"
	"anoa.com/communityforum/pkg/response"
	"github.com/gin-gonic/gin"
)

type ReportHandler struct {
	workflow report.Workflow
}

func NewReportHandler(workflow report.Workflow) *ReportHandler {
	return &ReportHandler{workflow: workflow}
}

func (h *ReportHandler) SubmitReport(c *gin.Context) {
	postID, ok := response.ParamUUID(c, "post_id")
	if !ok {
		return
	}
	var req dto.SubmitReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}

	r, err := h.workflow.SubmitReport(c.Request.Context(), middleware.SessionFrom(c), postID, req.Reason)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, presenter.Report(*r, nil))
}

func (h *ReportHandler) ResolveReport(c *gin.Context) {
	postID, ok := response.ParamUUID(c, "post_id")
	if !ok {
		return
	}
	var req dto.ResolveReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindingError(c, err)
		return
	}
	outcome, err := report.ParseOutcome(req.Outcome)
	if err != nil {
		response.ResponseError(c, err)
		return
	}

	res, err := h.workflow.ResolveReport(c.Request.Context(), middleware.SessionFrom(c), postID, outcome)
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	resp := gin.H{"outcome": res.Outcome, "resolved": res.Resolved}
	if res.Post != nil {
		resp["post"] = presenter.Post(*res.Post)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ReportHandler) GetPendingReports(c *gin.Context) {
	pending, err := h.workflow.PendingReports(c.Request.Context(), middleware.SessionFrom(c))
	if err != nil {
		response.ResponseError(c, err)
		return
	}
	data := make([]commonDto.ReportResponse, 0, len(pending))
	for _, p := range pending {
		data = append(data, presenter.Report(p.Report, p.Post))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
