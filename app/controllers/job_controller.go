package controllers

import (
	"net/http"
	"strings"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/services"
)

// JobController 导入任务查询
type JobController struct {
	BaseController
	Intake *services.IntakeService
}

// Get GET /jobs/:id
func (c *JobController) Get() {
	id := strings.TrimSpace(c.Ctx.Input.Param(":id"))
	if id == "" {
		c.Fail(apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "job id is required"))
		return
	}
	status, err := c.Intake.Status(c.RequestContext(), id)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueueStats GET /queue/stats
func (c *JobController) QueueStats() {
	stats, err := c.Intake.QueueStats(c.RequestContext())
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
