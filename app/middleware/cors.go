package middleware

import (
	"net/http"
	"strings"

	"github.com/beego/beego/v2/server/web"
	"github.com/beego/beego/v2/server/web/context"
)

// CORSMiddleware CORS中间件，allowedOrigins 包含 "*" 时允许任意源
func CORSMiddleware(allowedOrigins []string) web.FilterFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(ctx *context.Context) {
		origin := ctx.Input.Header("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || allowAll {
				ctx.Output.Header("Access-Control-Allow-Origin", origin)
				ctx.Output.Header("Vary", "Origin")
			}
		}

		ctx.Output.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Output.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID, Accept, Origin")
		ctx.Output.Header("Access-Control-Expose-Headers", "X-Request-ID")
		ctx.Output.Header("Access-Control-Max-Age", "3600")

		// 处理OPTIONS预检请求
		if ctx.Input.Method() == http.MethodOptions {
			ctx.Output.SetStatus(http.StatusNoContent)
			ctx.Output.Body([]byte(""))
		}
	}
}
