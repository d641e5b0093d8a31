package intake

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/store"
	"fuzoj/pkg/utils/response"
)

// Controller exposes Service over HTTP. It is a pass-through contract:
// request binding and response shaping only, every decision lives in
// Service.
type Controller struct {
	svc *Service
}

// NewController creates a Controller.
func NewController(svc *Service) *Controller {
	return &Controller{svc: svc}
}

// SubmitRequest is the create_submission request body.
type SubmitRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	ProblemID    string `json:"problem_id" binding:"required"`
	LanguageName string `json:"language_name" binding:"required"`
	Source       string `json:"source" binding:"required"`
}

// SubmitResponse is the create_submission response body.
type SubmitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// Create handles POST /submissions.
func (c *Controller) Create(ctx *gin.Context) {
	var req SubmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		response.BadRequest(ctx, "invalid request parameters")
		return
	}

	sub, err := c.svc.Submit(ctx.Request.Context(), SubmitInput{
		UserID:       req.UserID,
		ProblemID:    req.ProblemID,
		LanguageName: req.LanguageName,
		Source:       req.Source,
	})
	if err != nil {
		response.Error(ctx, err)
		return
	}

	response.Success(ctx, SubmitResponse{
		SubmissionID: sub.SubmissionID,
		Status:       string(sub.Status),
	})
}

// GetStatus handles GET /submissions/:id.
func (c *Controller) GetStatus(ctx *gin.Context) {
	submissionID := ctx.Param("id")
	if submissionID == "" {
		response.BadRequest(ctx, "invalid submission id")
		return
	}
	sub, err := c.svc.Status(ctx.Request.Context(), submissionID)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	response.Success(ctx, statusResponse(sub))
}

// Rejudge handles POST /submissions/:id/rejudge.
func (c *Controller) Rejudge(ctx *gin.Context) {
	submissionID := ctx.Param("id")
	if submissionID == "" {
		response.BadRequest(ctx, "invalid submission id")
		return
	}
	if err := c.svc.Rejudge(ctx.Request.Context(), submissionID); err != nil {
		response.Error(ctx, err)
		return
	}
	response.Success(ctx, gin.H{"submission_id": submissionID, "status": "requeued"})
}

// List handles GET /submissions.
func (c *Controller) List(ctx *gin.Context) {
	filter := store.ListFilter{
		ProblemID: ctx.Query("problem_id"),
		Status:    coremodel.Status(ctx.Query("status")),
		Page:      queryInt(ctx, "page", 1),
		PageSize:  queryInt(ctx, "page_size", 20),
	}
	if userIDStr := ctx.Query("user_id"); userIDStr != "" {
		userID, err := strconv.ParseInt(userIDStr, 10, 64)
		if err != nil {
			response.BadRequest(ctx, "invalid user_id")
			return
		}
		filter.UserID = &userID
	}

	result, err := c.svc.List(ctx.Request.Context(), filter)
	if err != nil {
		response.Error(ctx, err)
		return
	}

	items := make([]testResultSummary, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, statusResponse(item))
	}
	response.SuccessWithPagination(ctx, items, result.Total, result.Page, result.PageSize)
}

// testResultSummary is the wire shape for one submission in a status or
// list response.
type testResultSummary struct {
	SubmissionID string                  `json:"submission_id"`
	ProblemID    string                  `json:"problem_id"`
	LanguageName string                  `json:"language_name"`
	Status       string                  `json:"status"`
	Score        *int                    `json:"score,omitempty"`
	Counts       *int                    `json:"counts,omitempty"`
	Tests        []coremodel.TestResult  `json:"tests,omitempty"`
}

func statusResponse(sub coremodel.Submission) testResultSummary {
	return testResultSummary{
		SubmissionID: sub.SubmissionID,
		ProblemID:    sub.ProblemID,
		LanguageName: sub.LanguageName,
		Status:       string(sub.Status),
		Score:        sub.Score,
		Counts:       sub.Counts,
		Tests:        sub.Tests,
	}
}

func queryInt(ctx *gin.Context, key string, fallback int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
