package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/services"
)

const maxChatBody = 64 << 10

var validate = validator.New()

// ChatRequest POST /chat 请求体
type ChatRequest struct {
	Message string `json:"message" validate:"required,max=8000"`
}

// ChatController 问答控制器
type ChatController struct {
	BaseController
	Retrieval *services.RetrievalService
}

// Get GET /chat?message=...
func (c *ChatController) Get() {
	c.answer(ChatRequest{Message: c.GetString("message")})
}

// Post POST /chat {"message": "..."}
func (c *ChatController) Post() {
	body, err := io.ReadAll(io.LimitReader(c.Ctx.Request.Body, maxChatBody))
	if err != nil {
		c.Fail(apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "failed to read request body").WithCause(err))
		return
	}
	var req ChatRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.Fail(apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "request body must be JSON").WithCause(err))
			return
		}
	}
	c.answer(req)
}

func (c *ChatController) answer(req ChatRequest) {
	if err := validate.Struct(req); err != nil {
		c.Fail(validationError(err))
		return
	}

	exchange, err := c.Retrieval.Answer(c.RequestContext(), req.Message)
	if err != nil {
		c.Fail(err)
		return
	}
	c.Ctx.Output.Header("X-Request-ID", exchange.RequestID)
	c.JSON(http.StatusOK, map[string]interface{}{
		"answer":  exchange.Answer,
		"sources": exchange.Sources,
	})
}

// validationError 空消息与原接口一致返回 EMPTY_QUERY
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				return apperrors.NewUserRequestError(apperrors.ErrCodeEmptyQuery, "Missing query message")
			}
		}
		return apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "message is too long").
			WithDetails(map[string]interface{}{"field": verrs[0].Field(), "rule": verrs[0].Tag()})
	}
	return apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "invalid request").WithCause(err)
}
