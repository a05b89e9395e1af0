// Package services 提供业务流程编排
//
// Service 层负责协调多个领域模块，实现应用级用例。
// 它不包含核心业务逻辑（在 Domain 层），而是编排和协调。
//
// 职责：
//   - 结账：定价、扣款、订单与分录的原子写入
//   - 支付回调与退款
//   - 订单状态、改单、购物车的权限校验
//   - 提交后的审计日志与通知派发

package services

import (
	"context"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
)

/**
 * PaymentGateway 支付网关
 *
 * Charge 在 ctx 截止前未返回结果时应返回错误，由调用方按超时处理
 */
type PaymentGateway interface {
	Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error)
}

// CatalogReader 服务目录读取
type CatalogReader interface {
	GetService(ctx context.Context, id int64) (*models.Service, error)
}

/**
 * Notifier 用户通知出口
 *
 * 通知是尽力而为的，失败只记录日志，不影响已提交的业务
 */
type Notifier interface {
	Notify(ctx context.Context, userID int64, msg models.Message) error
}

// Auditor 审计日志记录器，storage.BatchWriter 实现了它
type Auditor interface {
	Record(a models.Activity) bool
}
