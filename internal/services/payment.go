package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

/**
 * ConfirmResult 支付确认结果
 */
type ConfirmResult struct {
	Reference string                     `json:"reference"`
	Status    models.PaymentRecordStatus `json:"status"`
	Orders    []models.Order             `json:"orders,omitempty"`

	// Replayed 重复回调，没有产生新的分录或状态变化
	Replayed bool `json:"replayed"`
}

/**
 * ConfirmPayment 处理网关的异步支付结果（webhook 或 Kafka 消息）
 *
 * 幂等：
 *   - pending + 成功：提交结账分录，未支付订单标记为已支付，pending 订单进入 active，记录 → confirmed
 *   - pending + 失败：记录 → failed，仍在 pending / edited 的订单取消
 *   - succeeded / confirmed + 成功：以相同引用号重放分录（不产生新分录），记录 → confirmed
 *   - failed / timeout / orphaned + 成功：记录 → late_success，等待人工对账
 *   - 其余组合不做任何改变
 *
 * Parameters:
 *   - ctx: 上下文
 *   - conf: 网关回调
 *
 * Returns: *ConfirmResult - 处理结果, error - 引用号不存在时 ErrNotFound，金额不一致时 ValidationError
 */
func (c *CheckoutOrchestrator) ConfirmPayment(ctx context.Context, conf models.PaymentConfirmation) (*ConfirmResult, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	result := &ConfirmResult{Reference: conf.Reference}
	err := storage.RunInTx(ctx, c.db, func(tx *storage.Tx) error {
		p, err := c.payments.GetByReference(ctx, tx, conf.Reference)
		if err != nil {
			return err
		}
		if conf.Success && conf.Amount != p.Amount {
			return models.NewValidationError("amount",
				fmt.Sprintf("与支付记录不一致: 回调 %d，记录 %d", conf.Amount, p.Amount))
		}

		result.Status = p.Status
		switch {
		case conf.Success && p.Status == models.PaymentRecordPending:
			return c.settle(ctx, tx, p, conf, result)

		case conf.Success && (p.Status == models.PaymentRecordSucceeded || p.Status == models.PaymentRecordConfirmed):
			return c.replay(ctx, tx, p, conf, result)

		case conf.Success && (p.Status == models.PaymentRecordFailed || p.Status == models.PaymentRecordTimeout ||
			p.Status == models.PaymentRecordOrphaned):
			return c.lateSuccess(ctx, tx, p, conf, result)

		case !conf.Success && p.Status == models.PaymentRecordPending:
			return c.fail(ctx, tx, p, conf, result)
		}

		result.Replayed = true
		logger.Info("支付回调无需处理",
			zap.String("reference", p.Reference),
			zap.String("status", string(p.Status)),
			zap.Bool("success", conf.Success))
		return nil
	})
	if err != nil {
		logger.Warn("处理支付回调失败",
			zap.String("reference", conf.Reference),
			zap.Bool("success", conf.Success),
			zap.Error(err))
		return nil, err
	}

	c.hooks.Metrics.IncPaymentConfirmation(string(result.Status))
	return result, nil
}

// settle 异步扣款成功：补记分录并标记订单已支付
func (c *CheckoutOrchestrator) settle(ctx context.Context, tx *storage.Tx, p *models.PaymentTransaction, conf models.PaymentConfirmation, result *ConfirmResult) error {
	orders, err := c.orders.ListByCheckout(ctx, tx, p.Reference)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return fmt.Errorf("结账批次 %s 还没有订单: %w", p.Reference, models.ErrNotFound)
	}

	var sum int64
	for _, o := range orders {
		sum += o.Total
	}
	if sum != p.Amount {
		logger.Warn("订单总额与扣款金额不一致，按订单当前总额记账",
			zap.String("reference", p.Reference),
			zap.Int64("charged", p.Amount),
			zap.Int64("orders_total", sum))
	}

	if _, err := c.ledger.CommitTx(ctx, tx, c.postings(orders)); err != nil {
		return err
	}
	for i := range orders {
		if err := c.markPaid(ctx, tx, &orders[i]); err != nil {
			return err
		}
	}
	if err := c.payments.UpdateStatus(ctx, tx, p.Reference, models.PaymentRecordConfirmed, conf.ProviderRef, ""); err != nil {
		return err
	}

	result.Status = models.PaymentRecordConfirmed
	result.Orders = orders

	tx.AfterCommit(func() {
		actor := models.SystemActor()
		c.hooks.audit(actor, "payment.confirmed", p.Subject(), map[string]string{
			"amount": strconv.FormatInt(p.Amount, 10),
		})
		for i := range orders {
			o := &orders[i]
			c.hooks.audit(actor, "order.paid", o.Subject(), nil)
			c.hooks.publish(events.NewEvent(events.EventTypeOrderPaid, o.Subject(), "订单 "+o.Reference+" 已付款").
				To(o.CustomerID, o.VendorID).
				WithInt("order_id", o.ID).
				WithData("status", string(o.Status)))
		}
	})
	return nil
}

// replay 同步扣款成功后的重复回调：分录按引用号幂等
func (c *CheckoutOrchestrator) replay(ctx context.Context, tx *storage.Tx, p *models.PaymentTransaction, conf models.PaymentConfirmation, result *ConfirmResult) error {
	orders, err := c.orders.ListByCheckout(ctx, tx, p.Reference)
	if err != nil {
		return err
	}
	res, err := c.ledger.CommitTx(ctx, tx, c.postings(orders))
	if err != nil {
		return err
	}
	if !res.Replayed {
		logger.Warn("重复回调补记了缺失的分录", zap.String("reference", p.Reference))
	}
	if p.Status != models.PaymentRecordConfirmed {
		if err := c.payments.UpdateStatus(ctx, tx, p.Reference, models.PaymentRecordConfirmed, conf.ProviderRef, ""); err != nil {
			return err
		}
	}

	result.Status = models.PaymentRecordConfirmed
	result.Orders = orders
	result.Replayed = res.Replayed
	return nil
}

// lateSuccess 已判定失败的扣款后来又成功了，只记录，交给人工对账
func (c *CheckoutOrchestrator) lateSuccess(ctx context.Context, tx *storage.Tx, p *models.PaymentTransaction, conf models.PaymentConfirmation, result *ConfirmResult) error {
	reason := "late success after " + string(p.Status)
	if err := c.payments.UpdateStatus(ctx, tx, p.Reference, models.PaymentRecordLateSuccess, conf.ProviderRef, reason); err != nil {
		return err
	}
	result.Status = models.PaymentRecordLateSuccess

	logger.Warn("收到迟到的扣款成功，需要人工对账",
		zap.String("reference", p.Reference),
		zap.String("previous_status", string(p.Status)),
		zap.Int64("amount", p.Amount))

	tx.AfterCommit(func() {
		c.hooks.audit(models.SystemActor(), "payment.late_success", p.Subject(), map[string]string{
			"previous_status": string(p.Status),
		})
		c.hooks.publish(events.NewEvent(events.EventTypePaymentLateSuccess, p.Subject(), "付款已到账，正在人工核对").
			To(p.CustomerID).
			WithData("checkout_ref", p.Reference))
	})
	return nil
}

// fail 异步扣款失败：取消仍未开始的订单
func (c *CheckoutOrchestrator) fail(ctx context.Context, tx *storage.Tx, p *models.PaymentTransaction, conf models.PaymentConfirmation, result *ConfirmResult) error {
	orders, err := c.orders.ListByCheckout(ctx, tx, p.Reference)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		if o.Status != models.OrderPending && o.Status != models.OrderEdited {
			continue
		}
		if err := c.machine.Transition(ctx, tx, o, models.OrderCancelled); err != nil {
			return err
		}
	}
	if err := c.payments.UpdateStatus(ctx, tx, p.Reference, models.PaymentRecordFailed, conf.ProviderRef, "gateway reported failure"); err != nil {
		return err
	}

	result.Status = models.PaymentRecordFailed
	result.Orders = orders

	tx.AfterCommit(func() {
		c.hooks.audit(models.SystemActor(), "payment.failed", p.Subject(), nil)
		c.hooks.publish(events.NewEvent(events.EventTypePaymentFailed, p.Subject(), "付款失败，订单已取消").
			To(p.CustomerID).
			WithData("checkout_ref", p.Reference))
	})
	return nil
}

/**
 * Refund 退还已取消订单的款项
 *
 * 订单必须已支付或部分退款，且处于 cancelled，或处于 disputed 且争议已裁决。
 * 冲正客户 order 借方与供应商 earning 贷方（配置开启时包括平台 fee），
 * 部分退款过的订单同时冲正之前的 refund 分录，
 * 订单 → refunded，支付状态 → refunded，全部在一个事务内完成。
 * 管理员或订单供应商可以发起。
 */
func (c *CheckoutOrchestrator) Refund(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	var o *models.Order
	err := storage.RunInTx(ctx, c.db, func(tx *storage.Tx) error {
		var err error
		o, err = c.orders.GetByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !(actor.Role == models.RoleVendor && actor.ID == o.VendorID) {
			return fmt.Errorf("用户 %d 不能退款订单 %d: %w", actor.ID, o.ID, models.ErrForbidden)
		}
		if !o.HoldsFunds() {
			return &models.TransitionError{Entity: "order", From: string(o.Status) + "/" + string(o.PaymentStatus), To: string(models.OrderRefunded)}
		}

		switch o.Status {
		case models.OrderCancelled:
		case models.OrderDisputed:
			resolved, err := c.disputes.HasResolved(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			if !resolved {
				return fmt.Errorf("订单 %d 的争议尚未裁决: %w", o.ID,
					&models.TransitionError{Entity: "order", From: string(o.Status), To: string(models.OrderRefunded)})
			}
		default:
			return &models.TransitionError{Entity: "order", From: string(o.Status), To: string(models.OrderRefunded)}
		}

		reversals, err := c.ledger.ReverseOrderTx(ctx, tx, o.ID, o.RefundCategories(c.opts.RefundPlatformFee)...)
		if err != nil {
			return err
		}
		if len(reversals) == 0 {
			logger.Error("已支付订单没有可冲正的分录", zap.Int64("order_id", o.ID))
			return fmt.Errorf("订单 %d 没有可冲正的分录: %w", o.ID, models.ErrLedgerInvariant)
		}

		// 部分退款过的订单这次只退还余款
		var returned int64
		for i := range reversals {
			if reversals[i].UserID == o.CustomerID {
				returned += reversals[i].Signed()
			}
		}

		if err := c.machine.Transition(ctx, tx, o, models.OrderRefunded); err != nil {
			return err
		}
		if err := c.machine.SetPaymentStatus(ctx, tx, o, models.PaymentRefunded); err != nil {
			return err
		}

		tx.AfterCommit(func() {
			c.hooks.audit(actor, "order.refunded", o.Subject(), map[string]string{
				"amount":    strconv.FormatInt(returned, 10),
				"reversals": strconv.Itoa(len(reversals)),
			})
			c.hooks.publish(events.NewEvent(events.EventTypeOrderRefunded, o.Subject(), "订单 "+o.Reference+" 已退款").
				To(o.CustomerID, o.VendorID).
				WithBody(models.FormatAmount(c.opts.Currency, returned)).
				WithInt("order_id", o.ID))
		})
		return nil
	})
	if err != nil {
		logger.Warn("退款失败",
			zap.Int64("order_id", orderID),
			zap.Int64("actor_id", actor.ID),
			zap.Error(err))
		return nil, err
	}

	logger.Info("订单已退款",
		zap.Int64("order_id", o.ID),
		zap.String("reference", o.Reference),
		zap.Int64("total", o.Total))
	return o, nil
}
