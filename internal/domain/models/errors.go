package models

import (
	"errors"
	"fmt"
)

// 核心错误，调用方通过 errors.Is / errors.As 判断
var (
	ErrNotFound               = errors.New("资源不存在")
	ErrForbidden              = errors.New("无权执行该操作")
	ErrServiceUnavailable     = errors.New("服务当前不可购买")
	ErrInvalidTransition      = errors.New("非法的状态迁移")
	ErrConcurrentModification = errors.New("并发修改冲突")
	ErrPendingEditExists      = errors.New("订单已有待确认的改单")
	ErrDisputeExists          = errors.New("订单已有未关闭的争议")
	ErrAlreadyResolved        = errors.New("争议已裁决")
	ErrAlreadyReversed        = errors.New("分录已冲正")
	ErrLedgerInvariant        = errors.New("违反账本不变式")
	ErrPaymentDeclined        = errors.New("支付被拒绝")
	ErrGatewayTimeout         = errors.New("支付网关超时")
	ErrCheckoutFailed         = errors.New("结账失败")
)

/**
 * ValidationError 输入校验错误，在任何状态变更之前返回
 */
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError 构造校验错误
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "参数校验失败: " + e.Message
	}
	return fmt.Sprintf("参数校验失败: %s %s", e.Field, e.Message)
}

// IsValidation 判断错误链中是否包含 ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

/**
 * TransitionError 状态机拒绝的迁移
 *
 * errors.Is(err, ErrInvalidTransition) 为 true
 */
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s 不能从 %s 迁移到 %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

/**
 * CheckoutError 结账失败
 *
 * 包装具体原因；errors.Is(err, ErrCheckoutFailed) 为 true，
 * 同时仍能通过 errors.Is 匹配到原因
 */
type CheckoutError struct {
	Stage string
	Err   error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("结账失败（%s）: %v", e.Stage, e.Err)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func (e *CheckoutError) Is(target error) bool {
	return target == ErrCheckoutFailed
}
