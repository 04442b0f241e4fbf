package router

import (
	"net/http"

	"github.com/beego/beego/v2/server/web"

	"github.com/aihub/docqa/app/controllers"
	"github.com/aihub/docqa/internal/services"
)

// Handlers 路由依赖
type Handlers struct {
	Intake    *services.IntakeService
	Retrieval *services.RetrievalService
	Health    *services.HealthChecker
	Metrics   http.Handler
}

// Register 在给定路由器上注册全部路由
func Register(h *web.ControllerRegister, deps Handlers) {
	health := &controllers.HealthController{Checker: deps.Health, Intake: deps.Intake, Retrieval: deps.Retrieval}
	h.Add("/", health, web.WithRouterMethods(health, "get:Index"))
	h.Add("/health", health, web.WithRouterMethods(health, "get:Health"))

	upload := &controllers.UploadController{Intake: deps.Intake}
	h.Add("/upload/pdf", upload, web.WithRouterMethods(upload, "post:UploadPDF"))
	h.Add("/upload", upload, web.WithRouterMethods(upload, "post:Upload"))

	chat := &controllers.ChatController{Retrieval: deps.Retrieval}
	h.Add("/chat", chat, web.WithRouterMethods(chat, "get:Get;post:Post"))

	// 具体路由在参数路由之前注册
	jobs := &controllers.JobController{Intake: deps.Intake}
	h.Add("/queue/stats", jobs, web.WithRouterMethods(jobs, "get:QueueStats"))
	h.Add("/jobs/:id", jobs, web.WithRouterMethods(jobs, "get:Get"))

	metrics := &controllers.MetricsController{Handler: deps.Metrics}
	h.Add("/metrics", metrics, web.WithRouterMethods(metrics, "get:Metrics"))
}

// Init registers all routes on the default beego app. Must be called after bootstrap.
func Init(deps Handlers) {
	Register(web.BeeApp.Handlers, deps)
}
