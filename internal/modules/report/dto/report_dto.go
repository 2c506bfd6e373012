package dto

type SubmitReportRequest struct {
	Reason string `json:"reason" binding:"required,max=1000"`
}

type ResolveReportRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=approve remove"`
}
