package httpmw

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
)

// ErrorResponse is the JSON body returned for every failed request.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
}

// RespondError maps an error onto its HTTP status and writes the
// standard error body. Stack traces and wrapped causes stay in the
// logs.
func RespondError(c *gin.Context, log *logger.Logger, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= 500 {
		log.WithError(err).Error("Request failed")
	}
	c.JSON(appErr.HTTPStatus, ErrorResponse{
		ErrorCode: appErr.Code,
		Message:   appErr.Message,
		Hint:      appErr.Hint,
	})
}
