package controllers

import (
	"net/http"

	"github.com/aihub/docqa/internal/services"
)

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
	Checker   *services.HealthChecker
	Intake    *services.IntakeService
	Retrieval *services.RetrievalService
}

// Index GET /，兼容原有客户端的存活检查
func (c *HealthController) Index() {
	c.JSON(http.StatusOK, map[string]string{"status": "All Good!"})
}

// Health GET /health，依赖状态、熔断器状态和队列计数
func (c *HealthController) Health() {
	ctx := c.RequestContext()
	body := map[string]interface{}{"status": "healthy"}
	status := http.StatusOK

	if c.Checker != nil {
		deps, healthy := c.Checker.Check(ctx)
		body["dependencies"] = deps
		if !healthy {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if c.Retrieval != nil {
		body["breakers"] = c.Retrieval.Breakers()
	}
	if c.Intake != nil {
		if stats, err := c.Intake.QueueStats(ctx); err == nil {
			body["queue"] = stats
		}
	}
	c.JSON(status, body)
}
