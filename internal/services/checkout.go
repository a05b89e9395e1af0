package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

const (
	maxCheckoutItems = 20
	maxItemQuantity  = 100

	defaultGatewayTimeout = 15 * time.Second
)

/**
 * CheckoutOptions 结账编排器配置
 */
type CheckoutOptions struct {
	Policy         pricing.Policy
	Currency       string
	PlatformUserID int64

	// GatewayTimeout 单次网关调用的上限，0 使用默认值
	GatewayTimeout time.Duration

	// Provider 写入支付记录的网关名
	Provider string

	// RefundPlatformFee 退款时是否冲正平台费
	RefundPlatformFee bool
}

// CheckoutItem 结账条目
type CheckoutItem struct {
	ServiceID int64 `json:"service_id"`
	Quantity  int   `json:"quantity"`
}

/**
 * CheckoutRequest 结账请求
 *
 * 购物车结账与直接购买共用这一个请求
 */
type CheckoutRequest struct {
	Items    []CheckoutItem  `json:"items"`
	Schedule models.Schedule `json:"schedule"`
	Location models.Location `json:"location"`

	// CartItemIDs 从购物车结账时，成功后需要删除的购物车条目
	CartItemIDs []int64 `json:"-"`
}

// Validate 校验条目数量、预约时间与地点
func (r CheckoutRequest) Validate() error {
	if len(r.Items) == 0 {
		return models.NewValidationError("items", "不能为空")
	}
	if len(r.Items) > maxCheckoutItems {
		return models.NewValidationError("items", fmt.Sprintf("一次最多 %d 项", maxCheckoutItems))
	}
	for i, item := range r.Items {
		if item.ServiceID <= 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].service_id", i), "必须大于 0")
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return models.NewValidationError(fmt.Sprintf("items[%d].quantity", i),
				fmt.Sprintf("必须在 1-%d 之间", maxItemQuantity))
		}
	}
	if err := r.Schedule.Validate(); err != nil {
		return err
	}
	return r.Location.Validate()
}

func (r CheckoutRequest) mode() string {
	if len(r.CartItemIDs) > 0 {
		return "cart"
	}
	return "direct"
}

/**
 * CheckoutResult 结账结果
 */
type CheckoutResult struct {
	Reference string                     `json:"reference"`
	Status    models.PaymentRecordStatus `json:"payment_status"`
	Total     int64                      `json:"total"`
	Orders    []models.Order             `json:"orders"`
}

/**
 * CheckoutOrchestrator 结账编排器
 *
 * 负责结账、支付回调确认与退款；账本与订单的写入总在一个事务里完成
 */
type CheckoutOrchestrator struct {
	db       *sql.DB
	gateway  PaymentGateway
	catalog  CatalogReader
	orders   *storage.SQLiteOrderRepository
	payments *storage.SQLitePaymentRepository
	carts    *storage.SQLiteCatalogRepository
	machine  *order.Machine
	ledger   *ledger.Store
	disputes *dispute.Engine
	opts     CheckoutOptions
	hooks    Hooks
}

/**
 * NewCheckoutOrchestrator 创建结账编排器
 *
 * Parameters:
 *   - db: 数据库连接
 *   - gateway: 支付网关
 *   - catalog: 服务目录
 *   - machine: 订单状态机
 *   - store: 账本
 *   - disputes: 争议引擎（退款时判断争议是否已裁决）
 *   - opts: 配置
 *   - hooks: 提交后的副作用出口
 *
 * Returns: *CheckoutOrchestrator - 编排器实例
 */
func NewCheckoutOrchestrator(
	db *sql.DB,
	gateway PaymentGateway,
	catalog CatalogReader,
	machine *order.Machine,
	store *ledger.Store,
	disputes *dispute.Engine,
	opts CheckoutOptions,
	hooks Hooks,
) *CheckoutOrchestrator {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	if opts.Provider == "" {
		opts.Provider = "simulated"
	}
	return &CheckoutOrchestrator{
		db:       db,
		gateway:  gateway,
		catalog:  catalog,
		orders:   storage.NewSQLiteOrderRepository(db),
		payments: storage.NewSQLitePaymentRepository(db),
		carts:    storage.NewSQLiteCatalogRepository(db),
		machine:  machine,
		ledger:   store,
		disputes: disputes,
		opts:     opts,
		hooks:    hooks,
	}
}

/**
 * CheckoutFromCart 结算客户购物车中的全部条目
 *
 * 成功后在同一事务中删除这些条目
 */
func (c *CheckoutOrchestrator) CheckoutFromCart(ctx context.Context, actor models.Actor, schedule models.Schedule, location models.Location) (*CheckoutResult, error) {
	items, err := c.carts.ListCart(ctx, nil, actor.ID)
	if err != nil {
		return nil, &models.CheckoutError{Stage: "cart", Err: err}
	}
	if len(items) == 0 {
		return nil, &models.CheckoutError{Stage: "validate", Err: models.NewValidationError("cart", "购物车为空")}
	}

	req := CheckoutRequest{Schedule: schedule, Location: location}
	for _, item := range items {
		req.Items = append(req.Items, CheckoutItem{ServiceID: item.ServiceID, Quantity: item.Quantity})
		req.CartItemIDs = append(req.CartItemIDs, item.ID)
	}
	return c.Checkout(ctx, actor, req)
}

// CheckoutDirect 直接购买单个服务
func (c *CheckoutOrchestrator) CheckoutDirect(ctx context.Context, actor models.Actor, item CheckoutItem, schedule models.Schedule, location models.Location) (*CheckoutResult, error) {
	return c.Checkout(ctx, actor, CheckoutRequest{
		Items:    []CheckoutItem{item},
		Schedule: schedule,
		Location: location,
	})
}

/**
 * Checkout 结账
 *
 * 流程：校验 → 读取目录并定价 → 网关扣款一次 → 单个事务内写入订单、分录并清空购物车。
 * 扣款失败或超时不写入任何订单；事务失败时支付记录标记为 orphaned 等待对账。
 *
 * Parameters:
 *   - ctx: 上下文
 *   - actor: 下单客户
 *   - req: 结账请求
 *
 * Returns: *CheckoutResult - 结账结果, error - *models.CheckoutError
 */
func (c *CheckoutOrchestrator) Checkout(ctx context.Context, actor models.Actor, req CheckoutRequest) (*CheckoutResult, error) {
	start := time.Now()
	result, stage, err := c.checkout(ctx, actor, req)

	outcome := "failed"
	switch {
	case err == nil:
		outcome = string(result.Status)
	case errors.Is(err, models.ErrPaymentDeclined):
		outcome = "declined"
	case errors.Is(err, models.ErrGatewayTimeout):
		outcome = "timeout"
	case models.IsValidation(err):
		outcome = "invalid"
	}
	c.hooks.Metrics.ObserveCheckout(req.mode(), outcome, time.Since(start))

	if err != nil {
		logger.Warn("结账失败",
			zap.Int64("customer_id", actor.ID),
			zap.String("mode", req.mode()),
			zap.String("stage", stage),
			zap.Error(err))
		return nil, &models.CheckoutError{Stage: stage, Err: err}
	}

	logger.Info("结账成功",
		zap.String("reference", result.Reference),
		zap.Int64("customer_id", actor.ID),
		zap.Int("orders", len(result.Orders)),
		zap.Int64("total", result.Total),
		zap.String("payment_status", string(result.Status)))
	return result, nil
}

func (c *CheckoutOrchestrator) checkout(ctx context.Context, actor models.Actor, req CheckoutRequest) (*CheckoutResult, string, error) {
	if actor.Role != models.RoleCustomer || actor.ID <= 0 {
		return nil, "validate", fmt.Errorf("只有客户可以下单: %w", models.ErrForbidden)
	}
	if err := req.Validate(); err != nil {
		return nil, "validate", err
	}

	reference := models.NewCheckoutReference()
	orders, total, err := c.quote(ctx, actor, reference, req)
	if err != nil {
		return nil, "quote", err
	}

	payment := &models.PaymentTransaction{
		Reference:  reference,
		CustomerID: actor.ID,
		Amount:     total,
		Currency:   c.opts.Currency,
		Provider:   c.opts.Provider,
		Status:     models.PaymentRecordPending,
	}
	if err := c.payments.Create(ctx, nil, payment); err != nil {
		return nil, "payment", err
	}

	charge, err := c.charge(ctx, payment)
	if err != nil {
		return nil, "charge", err
	}

	err = storage.RunInTx(ctx, c.db, func(tx *storage.Tx) error {
		return c.persist(ctx, tx, actor, req, payment, charge, orders)
	})
	if err != nil {
		c.markOrphaned(payment, err)
		return nil, "persist", err
	}

	return &CheckoutResult{
		Reference: reference,
		Status:    payment.Status,
		Total:     total,
		Orders:    orders,
	}, "", nil
}

// quote 读取目录并为每个条目生成待保存的订单
func (c *CheckoutOrchestrator) quote(ctx context.Context, actor models.Actor, reference string, req CheckoutRequest) ([]models.Order, int64, error) {
	orders := make([]models.Order, 0, len(req.Items))
	var total int64

	for _, item := range req.Items {
		svc, err := c.catalog.GetService(ctx, item.ServiceID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, 0, fmt.Errorf("服务 %d 不存在: %w", item.ServiceID, models.ErrServiceUnavailable)
			}
			return nil, 0, err
		}
		if !svc.IsPurchasable() {
			return nil, 0, fmt.Errorf("服务 %d 未上架: %w", svc.ID, models.ErrServiceUnavailable)
		}
		if svc.VendorID == actor.ID {
			return nil, 0, fmt.Errorf("不能购买自己的服务 %d: %w", svc.ID, models.ErrForbidden)
		}

		b, err := c.opts.Policy.Breakdown(svc.Price, item.Quantity, 0)
		if err != nil {
			return nil, 0, err
		}
		if total > math.MaxInt64-b.Total {
			return nil, 0, models.NewValidationError("items", "订单总额溢出")
		}
		total += b.Total

		orders = append(orders, models.Order{
			Reference:     models.NewOrderReference(),
			CheckoutRef:   reference,
			CustomerID:    actor.ID,
			VendorID:      svc.VendorID,
			ServiceID:     svc.ID,
			ServiceTitle:  svc.Title,
			UnitPrice:     svc.Price,
			Quantity:      item.Quantity,
			Status:        models.OrderPending,
			PaymentStatus: models.PaymentUnpaid,
			Breakdown:     b,
			Schedule:      req.Schedule,
			Location:      req.Location,
		})
	}
	return orders, total, nil
}

// charge 调用网关并更新支付记录；拒绝与超时都不会进入事务
func (c *CheckoutOrchestrator) charge(ctx context.Context, payment *models.PaymentTransaction) (models.ChargeResult, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, c.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.gateway.Charge(chargeCtx, models.ChargeRequest{
		Reference:  payment.Reference,
		CustomerID: payment.CustomerID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
	})
	// 截止时间已过才返回的结果一律按超时处理
	var lateOutcome models.ChargeOutcome
	if err == nil && chargeCtx.Err() != nil {
		err = chargeCtx.Err()
		lateOutcome = res.Outcome
	}

	switch {
	case err != nil:
		c.hooks.Metrics.ObserveGateway("timeout", time.Since(start))
		reason := err.Error()
		if lateOutcome == models.ChargeSucceeded || lateOutcome == models.ChargePending {
			reason = "gateway returned " + string(lateOutcome) + " after deadline: " + reason
			logger.Warn("网关在超时后才返回结果，按超时处理，但款项可能已被扣除，等待迟到回调或人工对账",
				zap.String("reference", payment.Reference),
				zap.String("outcome", string(lateOutcome)),
				zap.String("provider_ref", res.ProviderRef),
				zap.Int64("amount", payment.Amount))
		}
		c.updatePayment(payment, models.PaymentRecordTimeout, res.ProviderRef, reason)
		return res, fmt.Errorf("网关未在 %s 内返回: %v: %w", c.opts.GatewayTimeout, err, models.ErrGatewayTimeout)

	case res.Outcome == models.ChargeDeclined:
		c.hooks.Metrics.ObserveGateway("declined", time.Since(start))
		c.updatePayment(payment, models.PaymentRecordFailed, res.ProviderRef, res.FailureReason)
		return res, fmt.Errorf("网关拒绝扣款（%s）: %w", res.FailureReason, models.ErrPaymentDeclined)

	case res.Outcome == models.ChargeSucceeded, res.Outcome == models.ChargePending:
		c.hooks.Metrics.ObserveGateway(string(res.Outcome), time.Since(start))
		return res, nil
	}

	c.hooks.Metrics.ObserveGateway("unknown", time.Since(start))
	c.updatePayment(payment, models.PaymentRecordFailed, res.ProviderRef, "unknown outcome "+string(res.Outcome))
	return res, fmt.Errorf("网关返回未知结果 %q: %w", res.Outcome, models.ErrPaymentDeclined)
}

// persist 结账事务体
func (c *CheckoutOrchestrator) persist(
	ctx context.Context,
	tx *storage.Tx,
	actor models.Actor,
	req CheckoutRequest,
	payment *models.PaymentTransaction,
	charge models.ChargeResult,
	orders []models.Order,
) error {
	for i := range orders {
		if err := c.orders.Create(ctx, tx, &orders[i]); err != nil {
			return err
		}
	}

	status := models.PaymentRecordPending
	if charge.Outcome == models.ChargeSucceeded {
		if _, err := c.ledger.CommitTx(ctx, tx, c.postings(orders)); err != nil {
			return err
		}
		for i := range orders {
			if err := c.markPaid(ctx, tx, &orders[i]); err != nil {
				return err
			}
		}
		status = models.PaymentRecordSucceeded
	}

	if err := c.payments.UpdateStatus(ctx, tx, payment.Reference, status, charge.ProviderRef, ""); err != nil {
		return err
	}
	if len(req.CartItemIDs) > 0 {
		if err := c.carts.ClearCart(ctx, tx, actor.ID, req.CartItemIDs); err != nil {
			return err
		}
	}

	tx.AfterCommit(func() {
		payment.Status = status
		payment.ProviderRef = charge.ProviderRef
		c.afterCheckout(actor, payment, orders)
	})
	return nil
}

// markPaid 订单标记为已支付，pending 订单同时开始履约
func (c *CheckoutOrchestrator) markPaid(ctx context.Context, tx *storage.Tx, o *models.Order) error {
	if err := c.machine.SetPaymentStatus(ctx, tx, o, models.PaymentPaid); err != nil {
		return err
	}
	if o.Status == models.OrderPending {
		return c.machine.Transition(ctx, tx, o, models.OrderActive)
	}
	return nil
}

/**
 * postings 结账批次的账本分录
 *
 * 每个订单：客户 order 借方 = total，供应商 earning 贷方 = total − platform_fee，
 * 平台 fee 贷方 = platform_fee（大于 0 时）。引用号为订单引用号。
 */
func (c *CheckoutOrchestrator) postings(orders []models.Order) []models.Posting {
	postings := make([]models.Posting, 0, len(orders)*3)
	for _, o := range orders {
		desc := o.ServiceTitle + " × " + strconv.Itoa(o.Quantity)
		postings = append(postings,
			models.Posting{UserID: o.CustomerID, Type: models.Debit, Category: models.CategoryOrder, Amount: o.Total, OrderID: o.ID, Reference: o.Reference, Description: desc},
			models.Posting{UserID: o.VendorID, Type: models.Credit, Category: models.CategoryEarning, Amount: o.VendorShare(), OrderID: o.ID, Reference: o.Reference, Description: desc},
		)
		if o.PlatformFee > 0 {
			postings = append(postings, models.Posting{
				UserID: c.opts.PlatformUserID, Type: models.Credit, Category: models.CategoryFee,
				Amount: o.PlatformFee, OrderID: o.ID, Reference: o.Reference, Description: desc,
			})
		}
	}
	return postings
}

func (c *CheckoutOrchestrator) afterCheckout(actor models.Actor, payment *models.PaymentTransaction, orders []models.Order) {
	paid := payment.Status == models.PaymentRecordSucceeded

	for i := range orders {
		o := &orders[i]
		c.hooks.audit(actor, "order.placed", o.Subject(), map[string]string{
			"checkout_ref": payment.Reference,
			"total":        strconv.FormatInt(o.Total, 10),
			"paid":         strconv.FormatBool(paid),
		})

		title := "新订单 " + o.Reference
		if !paid {
			title = "新订单 " + o.Reference + "（等待付款确认）"
		}
		c.hooks.publish(events.NewEvent(events.EventTypeOrderPlaced, o.Subject(), title).
			To(o.VendorID).
			WithBody(o.ServiceTitle + " × " + strconv.Itoa(o.Quantity) + "，" + o.Schedule.Date + " " + o.StartTime).
			WithInt("order_id", o.ID).
			WithData("order_reference", o.Reference))
	}

	body := fmt.Sprintf("%d 个订单，合计 %s", len(orders), models.FormatAmount(c.opts.Currency, payment.Amount))
	title := "下单成功"
	if !paid {
		title = "订单已提交，等待付款确认"
	}
	c.hooks.publish(events.NewEvent(events.EventTypeOrderPlaced, payment.Subject(), title).
		To(actor.ID).
		WithBody(body).
		WithData("checkout_ref", payment.Reference).
		WithData("payment_status", string(payment.Status)))
}

// updatePayment 在事务外更新支付记录，失败只记录日志
func (c *CheckoutOrchestrator) updatePayment(payment *models.PaymentTransaction, status models.PaymentRecordStatus, providerRef, reason string) {
	if err := c.payments.UpdateStatus(context.Background(), nil, payment.Reference, status, providerRef, reason); err != nil {
		logger.Error("更新支付记录失败",
			zap.String("reference", payment.Reference),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	payment.Status = status
}

// markOrphaned 扣款成功但事务失败，留给对账处理
func (c *CheckoutOrchestrator) markOrphaned(payment *models.PaymentTransaction, cause error) {
	logger.Error("扣款后事务失败，支付记录标记为 orphaned",
		zap.String("reference", payment.Reference),
		zap.Int64("amount", payment.Amount),
		zap.Error(cause))
	c.updatePayment(payment, models.PaymentRecordOrphaned, "", cause.Error())
}
