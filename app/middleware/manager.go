package middleware

import (
	"time"

	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aihub/docqa/app/controllers"
	"github.com/aihub/docqa/internal/logger"
)

const requestStartKey = "request_start"

// MiddlewareManager 中间件管理器
type MiddlewareManager struct {
	logger      *zap.Logger
	corsOrigins []string
}

// NewMiddlewareManager 创建中间件管理器
func NewMiddlewareManager(log *zap.Logger, corsOrigins []string) *MiddlewareManager {
	return &MiddlewareManager{logger: logger.OrNop(log), corsOrigins: corsOrigins}
}

// Apply 在路由器上注册全部过滤器
func (mm *MiddlewareManager) Apply(h *web.ControllerRegister) error {
	if err := h.InsertFilter("/*", web.BeforeRouter, mm.requestIDMiddleware()); err != nil {
		return err
	}
	if err := h.InsertFilter("/*", web.BeforeRouter, CORSMiddleware(mm.corsOrigins)); err != nil {
		return err
	}
	return h.InsertFilter("/*", web.FinishRouter, mm.loggingMiddleware(), web.WithReturnOnOutput(false))
}

// requestIDMiddleware 沿用调用方的 X-Request-ID，没有则生成
func (mm *MiddlewareManager) requestIDMiddleware() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		id := ctx.Input.Header("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Input.SetData(controllers.RequestIDKey, id)
		ctx.Input.SetData(requestStartKey, time.Now())
		ctx.Output.Header("X-Request-ID", id)
	}
}

// loggingMiddleware 请求日志中间件
func (mm *MiddlewareManager) loggingMiddleware() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		status := ctx.ResponseWriter.Status
		if status == 0 {
			status = 200
		}
		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", status),
			zap.String("remote_addr", ctx.Input.IP()),
		}
		if id, ok := ctx.Input.GetData(controllers.RequestIDKey).(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if start, ok := ctx.Input.GetData(requestStartKey).(time.Time); ok {
			fields = append(fields, zap.Duration("duration", time.Since(start)))
		}

		switch {
		case status >= 500:
			mm.logger.Error("Request completed", fields...)
		case status >= 400:
			mm.logger.Warn("Request completed", fields...)
		default:
			mm.logger.Info("Request completed", fields...)
		}
	}
}
