package api

import (
	"errors"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// errorBody 错误响应
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Stage string `json:"stage,omitempty"`
}

// conflicts 映射为 409 的错误
var conflicts = []error{
	models.ErrInvalidTransition,
	models.ErrConcurrentModification,
	models.ErrPendingEditExists,
	models.ErrDisputeExists,
	models.ErrAlreadyResolved,
	models.ErrAlreadyReversed,
}

/**
 * StatusFor 错误对应的 HTTP 状态码
 *
 * CheckoutError 按其原因映射；无法识别的错误一律 500
 */
func StatusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}

	switch {
	case models.IsValidation(err), errors.Is(err, models.ErrPaymentDeclined):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrServiceUnavailable):
		return fiber.StatusForbidden
	}
	for _, target := range conflicts {
		if errors.Is(err, target) {
			return fiber.StatusConflict
		}
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler fiber 全局错误处理；500 不向调用方暴露内部信息
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var ce *models.CheckoutError
	if errors.As(err, &ce) {
		body.Stage = ce.Stage
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("请求处理失败",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
		body.Error = "内部错误"
		if errors.Is(err, models.ErrGatewayTimeout) {
			body.Error = models.ErrGatewayTimeout.Error()
		}
	}
	return c.Status(status).JSON(body)
}
