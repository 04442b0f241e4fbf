package controllers

import (
	"context"

	"github.com/beego/beego/v2/server/web"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/logger"
	"github.com/aihub/docqa/internal/services"
)

// RequestIDKey 请求ID在 beego 上下文中的键
const RequestIDKey = "request_id"

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	c.ServeJSON()
}

// Fail 写出错误信封，底层原因只记日志
func (c *BaseController) Fail(err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.RequestID == "" {
		appErr.WithRequestID(c.RequestID())
	}
	apperrors.NewErrorHandler(logger.GetLogger()).Handle(c.Ctx.ResponseWriter, c.Ctx.Request, appErr)
}

// RequestID 返回过滤器分配的请求ID
func (c *BaseController) RequestID() string {
	if id, ok := c.Ctx.Input.GetData(RequestIDKey).(string); ok {
		return id
	}
	return c.Ctx.Input.Header("X-Request-ID")
}

// RequestContext 带请求ID的请求上下文
func (c *BaseController) RequestContext() context.Context {
	ctx := c.Ctx.Request.Context()
	if id := c.RequestID(); id != "" {
		ctx = services.WithRequestID(ctx, id)
	}
	return ctx
}
