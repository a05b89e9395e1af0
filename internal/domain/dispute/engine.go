/**
 * Package dispute 实现争议生命周期与裁决
 *
 * 争议状态：open → under_review → resolved → closed。
 * 裁决在同一个事务中写入争议、迁移订单、提交账本分录，任何一步失败整体回滚。
 */

package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

// maxDescriptionLen 争议描述的最大长度（字符）
const maxDescriptionLen = 2000

// Auditor 审计日志记录器，storage.BatchWriter 实现了它
type Auditor interface {
	Record(a models.Activity) bool
}

/**
 * Options 引擎的可选依赖
 */
type Options struct {
	// RefundPlatformFee 全额退款时是否同时冲正平台费
	RefundPlatformFee bool

	// Currency 通知文案中的币种
	Currency string

	Auditor Auditor
	Events  events.Publisher
	Metrics *metrics.Metrics
}

/**
 * Result 裁决结果
 */
type Result struct {
	Dispute *models.Dispute      `json:"dispute"`
	Order   *models.Order        `json:"order"`
	Ledger  []models.Transaction `json:"ledger,omitempty"`
}

/**
 * Engine 争议裁决引擎
 */
type Engine struct {
	db       *sql.DB
	orders   *storage.SQLiteOrderRepository
	disputes *storage.SQLiteDisputeRepository
	machine  *order.Machine
	ledger   *ledger.Store
	opts     Options
	now      func() time.Time
}

/**
 * NewEngine 创建争议裁决引擎
 *
 * Parameters:
 *   - db: 数据库连接
 *   - machine: 订单状态机
 *   - store: 账本存储
 *   - opts: 可选依赖
 *
 * Returns: *Engine - 引擎实例
 */
func NewEngine(db *sql.DB, machine *order.Machine, store *ledger.Store, opts Options) *Engine {
	return &Engine{
		db:       db,
		orders:   storage.NewSQLiteOrderRepository(db),
		disputes: storage.NewSQLiteDisputeRepository(db),
		machine:  machine,
		ledger:   store,
		opts:     opts,
		now:      time.Now,
	}
}

/**
 * Open 订单客户或供应商发起争议
 *
 * 订单必须处于 active 或 completed，且没有未关闭的争议；
 * 创建争议与订单进入 disputed 在同一事务中完成
 *
 * Parameters:
 *   - ctx: 上下文
 *   - actor: 操作者
 *   - orderID: 订单 ID
 *   - reason: 争议原因
 *   - description: 描述
 *
 * Returns: *models.Dispute - 新建的争议, error - 错误信息
 */
func (e *Engine) Open(ctx context.Context, actor models.Actor, orderID int64, reason models.ReasonCode, description string) (*models.Dispute, error) {
	description = strings.TrimSpace(description)
	if !reason.Valid() {
		return nil, models.NewValidationError("reason_code", "未知的争议原因: "+string(reason))
	}
	if description == "" {
		return nil, models.NewValidationError("description", "不能为空")
	}
	if len([]rune(description)) > maxDescriptionLen {
		return nil, models.NewValidationError("description", fmt.Sprintf("不能超过 %d 个字符", maxDescriptionLen))
	}

	var (
		d *models.Dispute
		o *models.Order
	)
	err := storage.RunInTx(ctx, e.db, func(tx *storage.Tx) error {
		var err error
		o, err = e.orders.GetByID(ctx, tx, orderID)
		if err != nil {
			return err
		}

		role, err := partyRole(actor, o)
		if err != nil {
			return err
		}

		existing, err := e.disputes.FindActiveByOrder(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("订单 %d 已有争议 %d: %w", o.ID, existing.ID, models.ErrDisputeExists)
		}

		if o.Status != models.OrderActive && o.Status != models.OrderCompleted {
			return &models.TransitionError{Entity: "order", From: string(o.Status), To: string(models.OrderDisputed)}
		}

		d = &models.Dispute{
			OrderID:      o.ID,
			RaisedBy:     actor.ID,
			RaisedByRole: role,
			ReasonCode:   reason,
			Description:  description,
			Status:       models.DisputeOpen,
		}
		if err := e.disputes.Create(ctx, tx, d); err != nil {
			return err
		}
		if err := e.machine.Transition(ctx, tx, o, models.OrderDisputed); err != nil {
			return err
		}

		tx.AfterCommit(func() {
			e.opts.Metrics.IncDispute("opened")
			e.audit(actor, "dispute.opened", d.Subject(), map[string]string{
				"order_id":    strconv.FormatInt(o.ID, 10),
				"reason_code": string(reason),
			})
			e.publish(events.NewEvent(events.EventTypeDisputeOpened, d.Subject(), "订单 "+o.Reference+" 发起了争议").
				To(o.CustomerID, o.VendorID).
				WithBody("原因: "+string(reason)).
				WithInt("order_id", o.ID).
				WithData("order_reference", o.Reference))
		})
		return nil
	})
	if err != nil {
		logger.Warn("发起争议失败",
			zap.Int64("order_id", orderID),
			zap.Int64("actor_id", actor.ID),
			zap.Error(err))
		return nil, err
	}

	logger.Info("争议已发起",
		zap.Int64("dispute_id", d.ID),
		zap.Int64("order_id", o.ID),
		zap.String("raised_by_role", string(d.RaisedByRole)),
		zap.String("reason_code", string(reason)))
	return d, nil
}

// StartReview 管理员开始审理：open → under_review
func (e *Engine) StartReview(ctx context.Context, actor models.Actor, id int64) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("只有管理员可以审理争议: %w", models.ErrForbidden)
	}

	var d *models.Dispute
	err := storage.RunInTx(ctx, e.db, func(tx *storage.Tx) error {
		var err error
		d, err = e.disputes.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status.IsSettled() {
			return fmt.Errorf("争议 %d 状态为 %s: %w", d.ID, d.Status, models.ErrAlreadyResolved)
		}
		if err := e.setStatus(ctx, tx, d, models.DisputeOpen, models.DisputeUnderReview); err != nil {
			return err
		}

		tx.AfterCommit(func() {
			e.opts.Metrics.IncDispute("under_review")
			e.audit(actor, "dispute.under_review", d.Subject(), nil)
		})
		return nil
	})
	if err != nil {
		logger.Warn("审理争议失败", zap.Int64("dispute_id", id), zap.Error(err))
		return nil, err
	}
	return d, nil
}

/**
 * Resolve 管理员裁决争议
 *
 * 裁决只能写入一次，争议已 resolved 或 closed 时返回 ErrAlreadyResolved。
 * 各裁决的影响：
 *   - refund_customer: 订单 → cancelled，冲正客户 order 借方与供应商 earning 贷方
 *     （配置开启时一并冲正平台 fee，部分退款过的订单一并冲正 refund 分录），支付状态 → refunded
 *   - release_vendor: 订单 → completed，账本不变
 *   - partial: 客户 refund 贷方 / 供应商 refund 借方各记一笔，累计不超过订单总额，支付状态 → partially_refunded
 *   - none: 无影响
 *
 * Parameters:
 *   - ctx: 上下文
 *   - actor: 操作者（管理员）
 *   - id: 争议 ID
 *   - req: 裁决请求
 *
 * Returns: *Result - 裁决后的争议、订单与新写入的分录, error - 错误信息
 */
func (e *Engine) Resolve(ctx context.Context, actor models.Actor, id int64, req models.ResolveRequest) (*Result, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("只有管理员可以裁决争议: %w", models.ErrForbidden)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result := &Result{}
	err := storage.RunInTx(ctx, e.db, func(tx *storage.Tx) error {
		d, err := e.disputes.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status.IsSettled() {
			return fmt.Errorf("争议 %d 已裁决为 %s: %w", d.ID, d.Resolution, models.ErrAlreadyResolved)
		}

		o, err := e.orders.GetByID(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}

		now := e.now()
		expected := d.Status
		resolvedBy := actor.ID
		d.Status = models.DisputeResolved
		d.Resolution = req.Resolution
		d.ResolutionNotes = strings.TrimSpace(req.Notes)
		d.PartialAmount = req.PartialAmount
		d.ResolvedBy = &resolvedBy
		d.ResolvedAt = &now
		d.UpdatedAt = now

		ok, err := e.disputes.Resolve(ctx, tx, d, expected)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("争议 %d 已被并发裁决: %w", d.ID, models.ErrAlreadyResolved)
		}

		postings, err := e.apply(ctx, tx, d, o)
		if err != nil {
			return err
		}

		result.Dispute = d
		result.Order = o
		result.Ledger = postings

		tx.AfterCommit(func() {
			e.opts.Metrics.IncDispute("resolved_" + string(d.Resolution))
			e.audit(actor, "dispute.resolved", d.Subject(), map[string]string{
				"order_id":       strconv.FormatInt(o.ID, 10),
				"resolution":     string(d.Resolution),
				"partial_amount": strconv.FormatInt(d.PartialAmount, 10),
			})
			e.publish(e.resolvedEvent(d, o))
		})
		return nil
	})
	if err != nil {
		logger.Warn("裁决争议失败",
			zap.Int64("dispute_id", id),
			zap.String("resolution", string(req.Resolution)),
			zap.Error(err))
		return nil, err
	}

	logger.Info("争议已裁决",
		zap.Int64("dispute_id", result.Dispute.ID),
		zap.Int64("order_id", result.Order.ID),
		zap.String("resolution", string(result.Dispute.Resolution)),
		zap.String("order_status", string(result.Order.Status)),
		zap.Int("ledger_entries", len(result.Ledger)))
	return result, nil
}

// Close 管理员关闭已裁决的争议：resolved → closed
func (e *Engine) Close(ctx context.Context, actor models.Actor, id int64) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("只有管理员可以关闭争议: %w", models.ErrForbidden)
	}

	var d *models.Dispute
	err := storage.RunInTx(ctx, e.db, func(tx *storage.Tx) error {
		var err error
		d, err = e.disputes.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.setStatus(ctx, tx, d, models.DisputeResolved, models.DisputeClosed); err != nil {
			return err
		}

		tx.AfterCommit(func() {
			e.opts.Metrics.IncDispute("closed")
			e.audit(actor, "dispute.closed", d.Subject(), nil)
		})
		return nil
	})
	if err != nil {
		logger.Warn("关闭争议失败", zap.Int64("dispute_id", id), zap.Error(err))
		return nil, err
	}
	return d, nil
}

// Get 查询争议，只有管理员和订单双方可见
func (e *Engine) Get(ctx context.Context, actor models.Actor, id int64) (*models.Dispute, error) {
	d, err := e.disputes.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return d, nil
	}
	o, err := e.orders.GetByID(ctx, nil, d.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.InvolvesUser(actor.ID) {
		return nil, fmt.Errorf("争议 %d: %w", id, models.ErrForbidden)
	}
	return d, nil
}

/**
 * HasResolved 订单最近一次争议是否已写入裁决；供订单服务判断能否离开 disputed
 *
 * 裁决后关闭的争议同样算已裁决，partial / none 裁决不移动订单，
 * 关闭争议之后订单仍需要由管理员迁出 disputed
 */
func (e *Engine) HasResolved(ctx context.Context, q storage.Querier, orderID int64) (bool, error) {
	d, err := e.disputes.FindLatestByOrder(ctx, q, orderID)
	if err != nil {
		return false, err
	}
	if d == nil || d.Resolution == "" {
		return false, nil
	}
	return d.Status == models.DisputeResolved || d.Status == models.DisputeClosed, nil
}

// apply 执行裁决对订单和账本的影响
func (e *Engine) apply(ctx context.Context, tx *storage.Tx, d *models.Dispute, o *models.Order) ([]models.Transaction, error) {
	switch d.Resolution {
	case models.ResolutionRefundCustomer:
		return e.refundCustomer(ctx, tx, o)

	case models.ResolutionReleaseVendor:
		return nil, e.machine.Transition(ctx, tx, o, models.OrderCompleted)

	case models.ResolutionPartial:
		return e.partialRefund(ctx, tx, d, o)
	}
	return nil, nil
}

func (e *Engine) refundCustomer(ctx context.Context, tx *storage.Tx, o *models.Order) ([]models.Transaction, error) {
	funded := o.HoldsFunds()
	categories := o.RefundCategories(e.opts.RefundPlatformFee)
	if err := e.machine.Transition(ctx, tx, o, models.OrderCancelled); err != nil {
		return nil, err
	}
	if !funded {
		return nil, nil
	}

	reversals, err := e.ledger.ReverseOrderTx(ctx, tx, o.ID, categories...)
	if err != nil {
		return nil, err
	}
	if err := e.machine.SetPaymentStatus(ctx, tx, o, models.PaymentRefunded); err != nil {
		return nil, err
	}
	return reversals, nil
}

/**
 * partialRefund 退还部分款项
 *
 * 同一订单历次部分退款的累计金额不能超过订单总额
 */
func (e *Engine) partialRefund(ctx context.Context, tx *storage.Tx, d *models.Dispute, o *models.Order) ([]models.Transaction, error) {
	if !o.HoldsFunds() {
		return nil, models.NewValidationError("partial_amount", "订单没有可退还的款项")
	}
	refunded, err := e.refundedAmount(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	if remaining := o.Total - refunded; d.PartialAmount > remaining {
		return nil, models.NewValidationError("partial_amount",
			fmt.Sprintf("不能超过剩余可退金额 %d（订单总额 %d，已退 %d）", remaining, o.Total, refunded))
	}

	ref := partialReference(o, d)
	desc := "争议部分退款 #" + strconv.FormatInt(d.ID, 10)
	res, err := e.ledger.CommitTx(ctx, tx, []models.Posting{
		{UserID: o.CustomerID, Type: models.Credit, Category: models.CategoryRefund, Amount: d.PartialAmount, OrderID: o.ID, Reference: ref, Description: desc},
		{UserID: o.VendorID, Type: models.Debit, Category: models.CategoryRefund, Amount: d.PartialAmount, OrderID: o.ID, Reference: ref, Description: desc},
	})
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != models.PaymentPartiallyRefunded {
		if err := e.machine.SetPaymentStatus(ctx, tx, o, models.PaymentPartiallyRefunded); err != nil {
			return nil, err
		}
	}
	return res.Transactions, nil
}

// refundedAmount 订单已经退给客户且未被冲正的金额
func (e *Engine) refundedAmount(ctx context.Context, tx *storage.Tx, o *models.Order) (int64, error) {
	list, err := e.ledger.ForOrder(ctx, tx, o.ID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, t := range list {
		if t.Status == models.TxCompleted && t.Category == models.CategoryRefund &&
			t.Type == models.Credit && t.UserID == o.CustomerID {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (e *Engine) setStatus(ctx context.Context, tx *storage.Tx, d *models.Dispute, from, to models.DisputeStatus) error {
	if d.Status != from {
		return &models.TransitionError{Entity: "dispute", From: string(d.Status), To: string(to)}
	}
	now := e.now()
	ok, err := e.disputes.CompareAndSetStatus(ctx, tx, d.ID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("争议 %d 状态已不是 %s: %w", d.ID, from, models.ErrConcurrentModification)
	}
	d.Status = to
	d.UpdatedAt = now
	if to == models.DisputeClosed {
		d.ClosedAt = &now
	}
	return nil
}

func (e *Engine) resolvedEvent(d *models.Dispute, o *models.Order) *events.Event {
	ev := events.NewEvent(events.EventTypeDisputeResolved, d.Subject(), "订单 "+o.Reference+" 的争议已裁决").
		To(o.CustomerID, o.VendorID).
		WithInt("order_id", o.ID).
		WithData("order_reference", o.Reference).
		WithData("resolution", string(d.Resolution))

	switch d.Resolution {
	case models.ResolutionRefundCustomer:
		ev.WithBody("订单已取消，款项退回客户")
	case models.ResolutionReleaseVendor:
		ev.WithBody("订单已完成，款项归供应商")
	case models.ResolutionPartial:
		ev.WithBody("部分退款 " + models.FormatAmount(e.opts.Currency, d.PartialAmount))
	default:
		ev.WithBody("维持原状")
	}
	return ev
}

func (e *Engine) audit(actor models.Actor, action string, subject models.SubjectRef, props map[string]string) {
	if e.opts.Auditor == nil {
		return
	}
	e.opts.Auditor.Record(models.NewActivity(actor, action, subject, props))
}

func (e *Engine) publish(ev *events.Event) {
	if e.opts.Events == nil {
		return
	}
	if err := e.opts.Events.Publish(string(ev.Type), *ev); err != nil {
		logger.Warn("发布争议事件失败",
			zap.String("event_type", string(ev.Type)),
			zap.String("subject", ev.Subject),
			zap.Error(err))
	}
}

// partialReference 形如 ORD-XXXX:partial:7
func partialReference(o *models.Order, d *models.Dispute) string {
	return o.Reference + ":partial:" + strconv.FormatInt(d.ID, 10)
}

// partyRole 操作者在订单中的身份
func partyRole(actor models.Actor, o *models.Order) (models.Role, error) {
	switch {
	case actor.ID == o.CustomerID && actor.Role == models.RoleCustomer:
		return models.RoleCustomer, nil
	case actor.ID == o.VendorID && actor.Role == models.RoleVendor:
		return models.RoleVendor, nil
	}
	return "", fmt.Errorf("用户 %d 不是订单 %d 的当事人: %w", actor.ID, o.ID, models.ErrForbidden)
}
