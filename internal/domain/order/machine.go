/**
 * Package order 实现订单状态机与改单流程
 *
 * 状态机只负责状态与改单的写入，从不触碰账本；
 * 资金影响由结账编排器和争议引擎在同一个事务中完成。
 */

package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"go.uber.org/zap"
)

// transitions 合法的状态迁移表
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:   {models.OrderEdited, models.OrderActive, models.OrderCancelled},
	models.OrderEdited:    {models.OrderActive, models.OrderCancelled},
	models.OrderActive:    {models.OrderCompleted, models.OrderCancelled, models.OrderDisputed},
	models.OrderCompleted: {models.OrderDisputed},
	models.OrderDisputed:  {models.OrderCompleted, models.OrderCancelled, models.OrderRefunded},
	models.OrderCancelled: {models.OrderRefunded},
	models.OrderRefunded:  nil,
}

// CanTransition 纯规则表判断，不考虑支付状态
func CanTransition(from, to models.OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Targets 从 from 出发可以到达的状态
func Targets(from models.OrderStatus) []models.OrderStatus {
	return append([]models.OrderStatus(nil), transitions[from]...)
}

/**
 * Check 判断订单能否迁移到 to
 *
 * 在规则表之外，cancelled → refunded 还要求订单仍有未退还的款项
 *
 * Returns: error - ValidationError（未知状态）或 *models.TransitionError
 */
func Check(o *models.Order, to models.OrderStatus) error {
	if !to.Valid() {
		return models.NewValidationError("status", "未知的订单状态: "+string(to))
	}
	if !CanTransition(o.Status, to) {
		return &models.TransitionError{Entity: "order", From: string(o.Status), To: string(to)}
	}
	if o.Status == models.OrderCancelled && to == models.OrderRefunded && !o.HoldsFunds() {
		return &models.TransitionError{Entity: "order", From: string(o.Status) + "/" + string(o.PaymentStatus), To: string(to)}
	}
	return nil
}

/**
 * Machine 订单状态机
 */
type Machine struct {
	orders  *storage.SQLiteOrderRepository
	edits   *storage.SQLiteEditRepository
	pricing pricing.Policy
	metrics *metrics.Metrics
	now     func() time.Time
}

/**
 * NewMachine 创建订单状态机
 *
 * Parameters:
 *   - db: 数据库连接
 *   - policy: 改价时重新计算金额明细使用的定价策略
 *   - m: 指标（可以为 nil）
 *
 * Returns: *Machine - 状态机实例
 */
func NewMachine(db *sql.DB, policy pricing.Policy, m *metrics.Metrics) *Machine {
	return &Machine{
		orders:  storage.NewSQLiteOrderRepository(db),
		edits:   storage.NewSQLiteEditRepository(db),
		pricing: policy,
		metrics: m,
		now:     time.Now,
	}
}

/**
 * Transition 迁移订单状态
 *
 * 以当前状态为条件更新，并写入对应的状态时间戳；
 * 条件未命中说明订单已被并发修改，返回 ErrConcurrentModification。
 * 成功后更新传入的 o。
 *
 * Parameters:
 *   - ctx: 上下文
 *   - tx: 调用方事务
 *   - o: 当前订单
 *   - to: 目标状态
 *
 * Returns: error - 错误信息
 */
func (m *Machine) Transition(ctx context.Context, tx *storage.Tx, o *models.Order, to models.OrderStatus) error {
	if err := Check(o, to); err != nil {
		logger.Debug("拒绝订单状态迁移",
			zap.Int64("order_id", o.ID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(to)),
			zap.Error(err))
		return err
	}

	now := m.now()
	ok, err := m.orders.CompareAndSetStatus(ctx, tx, o.ID, o.Status, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("订单 %d 状态已不是 %s: %w", o.ID, o.Status, models.ErrConcurrentModification)
	}

	from := o.Status
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case models.OrderCompleted:
		o.CompletedAt = &now
	case models.OrderCancelled:
		o.CancelledAt = &now
	case models.OrderDisputed:
		o.DisputedAt = &now
	}

	tx.AfterCommit(func() {
		m.metrics.IncTransition(string(from), string(to))
	})

	logger.Info("订单状态已迁移",
		zap.Int64("order_id", o.ID),
		zap.String("reference", o.Reference),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

/**
 * SetPaymentStatus 条件更新订单支付状态
 *
 * Returns: error - 条件未命中时 ErrConcurrentModification
 */
func (m *Machine) SetPaymentStatus(ctx context.Context, tx *storage.Tx, o *models.Order, to models.PaymentStatus) error {
	now := m.now()
	ok, err := m.orders.CompareAndSetPaymentStatus(ctx, tx, o.ID, o.PaymentStatus, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("订单 %d 支付状态已不是 %s: %w", o.ID, o.PaymentStatus, models.ErrConcurrentModification)
	}
	o.PaymentStatus = to
	o.UpdatedAt = now
	return nil
}

/**
 * ProposeEdit 供应商提出改单
 *
 * 订单必须处于 pending 或 edited；每个订单同时只能有一条 pending 改单；
 * 已支付订单不能改价。提出后 pending 订单进入 edited。
 *
 * Returns: *models.OrderEdit - 新建的改单, error - 错误信息
 */
func (m *Machine) ProposeEdit(ctx context.Context, tx *storage.Tx, o *models.Order, proposer int64, data models.EditData) (*models.OrderEdit, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if o.Status != models.OrderPending && o.Status != models.OrderEdited {
		return nil, &models.TransitionError{Entity: "order", From: string(o.Status), To: string(models.OrderEdited)}
	}
	if o.IsPaid() && data.ChangesPrice(o) {
		return nil, models.NewValidationError("unit_price", "已支付订单不能改价")
	}

	pending, err := m.edits.FindPending(ctx, tx, o.ID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("订单 %d 已有改单 %d: %w", o.ID, pending.ID, models.ErrPendingEditExists)
	}

	edit := &models.OrderEdit{
		OrderID:      o.ID,
		ProposedBy:   proposer,
		OldData:      data.SnapshotOf(o),
		NewData:      data,
		Status:       models.EditPending,
		OrderWasPaid: o.IsPaid(),
		CreatedAt:    m.now(),
	}
	if err := m.edits.Create(ctx, tx, edit); err != nil {
		return nil, err
	}

	if o.Status == models.OrderPending {
		if err := m.Transition(ctx, tx, o, models.OrderEdited); err != nil {
			return nil, err
		}
	}

	logger.Info("改单已提出",
		zap.Int64("order_id", o.ID),
		zap.Int64("edit_id", edit.ID),
		zap.Int64("proposed_by", proposer),
		zap.Bool("order_was_paid", edit.OrderWasPaid))
	return edit, nil
}

/**
 * ApplyEdit 客户接受改单
 *
 * 把 new_data 写到订单上（改价时重新计算金额明细），改单置为 accepted；
 * 订单在提出改单时已支付或此后已支付则进入 active，否则回到 pending。
 */
func (m *Machine) ApplyEdit(ctx context.Context, tx *storage.Tx, o *models.Order, edit *models.OrderEdit, decidedBy int64) error {
	if err := m.checkDecidable(o, edit, models.EditAccepted); err != nil {
		return err
	}

	updated := *o
	data := edit.NewData
	if data.Schedule != nil {
		updated.Schedule = *data.Schedule
	}
	if data.Location != nil {
		updated.Location = *data.Location
	}
	if data.ChangesPrice(o) {
		if o.IsPaid() {
			return models.NewValidationError("unit_price", "订单已支付，不能接受改价")
		}
		b, err := m.pricing.Breakdown(*data.UnitPrice, o.Quantity, o.Discount)
		if err != nil {
			return err
		}
		updated.UnitPrice = *data.UnitPrice
		updated.Breakdown = b
	}

	// edited → pending 不在迁移表中，只能经由改单流程发生
	target := models.OrderPending
	if edit.OrderWasPaid || o.IsPaid() {
		target = models.OrderActive
	}

	now := m.now()
	updated.Status = target
	updated.UpdatedAt = now

	ok, err := m.orders.SaveEdited(ctx, tx, &updated, o.Status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("订单 %d 状态已不是 %s: %w", o.ID, o.Status, models.ErrConcurrentModification)
	}
	if err := m.decide(ctx, tx, edit, models.EditAccepted, decidedBy, now); err != nil {
		return err
	}

	from := o.Status
	*o = updated
	if from != target {
		tx.AfterCommit(func() {
			m.metrics.IncTransition(string(from), string(target))
		})
	}

	logger.Info("改单已接受",
		zap.Int64("order_id", o.ID),
		zap.Int64("edit_id", edit.ID),
		zap.String("status", string(o.Status)),
		zap.Int64("total", o.Total))
	return nil
}

// RejectEdit 客户拒绝改单，订单保持不变
func (m *Machine) RejectEdit(ctx context.Context, tx *storage.Tx, o *models.Order, edit *models.OrderEdit, decidedBy int64) error {
	if err := m.checkDecidable(o, edit, models.EditRejected); err != nil {
		return err
	}
	if err := m.decide(ctx, tx, edit, models.EditRejected, decidedBy, m.now()); err != nil {
		return err
	}

	logger.Info("改单已拒绝",
		zap.Int64("order_id", o.ID),
		zap.Int64("edit_id", edit.ID))
	return nil
}

func (m *Machine) checkDecidable(o *models.Order, edit *models.OrderEdit, to models.EditStatus) error {
	if edit.OrderID != o.ID {
		return fmt.Errorf("改单 %d 不属于订单 %d: %w", edit.ID, o.ID, models.ErrNotFound)
	}
	if edit.Status != models.EditPending {
		return &models.TransitionError{Entity: "order_edit", From: string(edit.Status), To: string(to)}
	}
	if o.Status != models.OrderPending && o.Status != models.OrderEdited {
		return &models.TransitionError{Entity: "order", From: string(o.Status), To: "edit " + string(to)}
	}
	return nil
}

func (m *Machine) decide(ctx context.Context, tx *storage.Tx, edit *models.OrderEdit, status models.EditStatus, decidedBy int64, at time.Time) error {
	ok, err := m.edits.Decide(ctx, tx, edit.ID, status, decidedBy, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("改单 %d 已被处理: %w", edit.ID, models.ErrConcurrentModification)
	}
	edit.Status = status
	edit.DecidedAt = &at
	edit.DecidedBy = &decidedBy
	return nil
}
