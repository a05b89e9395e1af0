/**
 * Package gateway 支付网关客户端
 *
 * 提供模拟网关与 HTTP 网关两种实现，以及按配置选择实现的工厂
 */

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/config"
	"github.com/google/uuid"
)

/**
 * Gateway 支付网关
 *
 * Charge 只返回 succeeded / pending / declined 三种结果；
 * 传输失败或 ctx 到期返回 error，由调用方按超时处理
 */
type Gateway interface {
	Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error)

	// Name 写入支付记录的网关名
	Name() string
}

/**
 * New 按配置创建网关（工厂方法）
 *
 * Parameters:
 *   - cfg: 支付配置
 *   - timeout: HTTP 网关的单次请求上限
 *
 * Returns: Gateway - 网关实例
 */
func New(cfg config.PaymentConfig, timeout time.Duration) (Gateway, error) {
	switch cfg.Provider {
	case "", "simulated":
		return NewSimulated(SimulatedOptions{}), nil
	case "http":
		return NewHTTPGateway(HTTPOptions{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("未知的支付网关: %s", cfg.Provider)
	}
}

/**
 * SimulatedOptions 模拟网关配置
 */
type SimulatedOptions struct {
	// DeclineAbove 金额超过该值时拒绝，0 表示不限
	DeclineAbove int64

	// Pending 为 true 时所有扣款都返回 pending，等待回调确认
	Pending bool

	// Latency 模拟网络延迟
	Latency time.Duration
}

// Simulated 本地开发使用的网关，不发生真实扣款
type Simulated struct {
	opts SimulatedOptions
}

// NewSimulated 创建模拟网关
func NewSimulated(opts SimulatedOptions) *Simulated {
	return &Simulated{opts: opts}
}

// Name 网关名
func (s *Simulated) Name() string { return "simulated" }

// Charge 按配置返回结果；ctx 在延迟结束前到期时返回 ctx.Err()
func (s *Simulated) Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error) {
	if s.opts.Latency > 0 {
		timer := time.NewTimer(s.opts.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.ChargeResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	ref := "sim_" + uuid.NewString()
	switch {
	case req.Amount <= 0:
		return models.ChargeResult{Outcome: models.ChargeDeclined, ProviderRef: ref, FailureReason: "invalid amount"}, nil
	case s.opts.DeclineAbove > 0 && req.Amount > s.opts.DeclineAbove:
		return models.ChargeResult{Outcome: models.ChargeDeclined, ProviderRef: ref, FailureReason: "amount above limit"}, nil
	case s.opts.Pending:
		return models.ChargeResult{Outcome: models.ChargePending, ProviderRef: ref}, nil
	}
	return models.ChargeResult{Outcome: models.ChargeSucceeded, ProviderRef: ref}, nil
}
