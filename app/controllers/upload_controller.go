package controllers

import (
	"net/http"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/services"
)

// UploadController 文档上传控制器，只负责保存和入队
type UploadController struct {
	BaseController
	Intake *services.IntakeService
}

// UploadPDF POST /upload/pdf，表单字段 pdf
func (c *UploadController) UploadPDF() {
	c.accept("pdf")
}

// Upload POST /upload，表单字段 file
func (c *UploadController) Upload() {
	c.accept("file")
}

func (c *UploadController) accept(field string) {
	file, header, err := c.GetFile(field)
	if err != nil {
		c.Fail(apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload, "No file uploaded").WithCause(err))
		return
	}
	defer file.Close()

	receipt, err := c.Intake.Submit(c.RequestContext(), header.Filename, file, header.Size)
	if err != nil {
		c.Fail(err)
		return
	}

	c.JSON(http.StatusAccepted, map[string]interface{}{
		"message":     "File uploaded and queued successfully",
		"job_id":      receipt.JobID,
		"document_id": receipt.DocumentID,
	})
}
