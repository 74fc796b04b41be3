package controller

import (
	"net/http"

	"gradingnode/internal/grading/facade"
	"gradingnode/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// GradingController exposes grading over HTTP.
type GradingController struct {
	service facade.GradingService
}

// NewGradingController creates a new controller.
func NewGradingController(svc facade.GradingService) *GradingController {
	return &GradingController{service: svc}
}

// Grade runs a submission and returns the full result.
func (h *GradingController) Grade(c *gin.Context) {
	var req facade.GradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	res, err := h.service.Grade(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetStatus returns status for one submission.
func (h *GradingController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.service.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Cancel stops an active submission.
func (h *GradingController) Cancel(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if err := h.service.Cancel(c.Request.Context(), submissionID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submissionId": submissionID})
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Register mounts the grading routes.
func (h *GradingController) Register(router gin.IRouter) {
	api := router.Group("/api/v1/grading")
	api.POST("/submissions", h.Grade)
	api.GET("/submissions/:id", h.GetStatus)
	api.POST("/submissions/:id/cancel", h.Cancel)
}
