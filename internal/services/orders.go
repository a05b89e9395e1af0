package services

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

// vendorTargets 供应商可以把订单迁移到的状态
var vendorTargets = map[models.OrderStatus]bool{
	models.OrderActive:    true,
	models.OrderCompleted: true,
	models.OrderCancelled: true,
}

/**
 * OrderService 订单用例
 *
 * 在状态机之上增加操作者权限、争议约束和提交后的通知
 */
type OrderService struct {
	db       *sql.DB
	orders   *storage.SQLiteOrderRepository
	edits    *storage.SQLiteEditRepository
	carts    *storage.SQLiteCatalogRepository
	catalog  CatalogReader
	machine  *order.Machine
	ledger   *ledger.Store
	disputes *dispute.Engine
	checkout *CheckoutOrchestrator
	hooks    Hooks
}

/**
 * NewOrderService 创建订单服务
 *
 * Returns: *OrderService - 订单服务实例
 */
func NewOrderService(
	db *sql.DB,
	catalog CatalogReader,
	machine *order.Machine,
	store *ledger.Store,
	disputes *dispute.Engine,
	checkout *CheckoutOrchestrator,
	hooks Hooks,
) *OrderService {
	return &OrderService{
		db:       db,
		orders:   storage.NewSQLiteOrderRepository(db),
		edits:    storage.NewSQLiteEditRepository(db),
		carts:    storage.NewSQLiteCatalogRepository(db),
		catalog:  catalog,
		machine:  machine,
		ledger:   store,
		disputes: disputes,
		checkout: checkout,
		hooks:    hooks,
	}
}

// Get 查询订单，只有管理员和订单双方可见
func (s *OrderService) Get(ctx context.Context, actor models.Actor, id int64) (*models.Order, error) {
	o, err := s.orders.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !o.InvolvesUser(actor.ID) {
		return nil, fmt.Errorf("订单 %d: %w", id, models.ErrForbidden)
	}
	return o, nil
}

// ListMine 操作者作为客户或供应商参与的订单
func (s *OrderService) ListMine(ctx context.Context, actor models.Actor, limit int) ([]models.Order, error) {
	return s.orders.ListByUser(ctx, actor.ID, clampLimit(limit))
}

/**
 * UpdateStatus 按角色迁移订单状态
 *
 * 规则：
 *   - 供应商只能迁移到 active / completed / cancelled，客户只能取消，管理员不受限
 *   - disputed 只能通过争议接口进入
 *   - refunded 转交 Refund 处理
 *   - 离开 disputed 要求争议已裁决
 *   - 进入 active 要求订单已支付
 *
 * Parameters:
 *   - ctx: 上下文
 *   - actor: 操作者
 *   - id: 订单 ID
 *   - to: 目标状态
 *
 * Returns: *models.Order - 更新后的订单, error - 错误信息
 */
func (s *OrderService) UpdateStatus(ctx context.Context, actor models.Actor, id int64, to models.OrderStatus) (*models.Order, error) {
	if !to.Valid() {
		return nil, models.NewValidationError("status", "未知的订单状态: "+string(to))
	}
	if to == models.OrderDisputed {
		return nil, models.NewValidationError("status", "请通过争议接口发起争议")
	}
	if to == models.OrderRefunded {
		return s.checkout.Refund(ctx, actor, id)
	}

	var (
		o    *models.Order
		from models.OrderStatus
	)
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		o, err = s.orders.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorizeStatus(actor, o, to); err != nil {
			return err
		}

		if o.Status == models.OrderDisputed {
			resolved, err := s.disputes.HasResolved(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			if !resolved {
				return fmt.Errorf("订单 %d 的争议尚未裁决: %w", o.ID,
					&models.TransitionError{Entity: "order", From: string(o.Status), To: string(to)})
			}
		}
		if to == models.OrderActive && !o.IsPaid() {
			return &models.TransitionError{Entity: "order", From: string(o.Status) + "/" + string(o.PaymentStatus), To: string(to)}
		}

		from = o.Status
		if err := s.machine.Transition(ctx, tx, o, to); err != nil {
			return err
		}

		tx.AfterCommit(func() {
			s.hooks.audit(actor, "order.status_changed", o.Subject(), map[string]string{
				"from": string(from),
				"to":   string(to),
			})
			s.hooks.publish(events.NewEvent(events.EventTypeOrderStatusChanged, o.Subject(),
				"订单 "+o.Reference+" 状态变为 "+string(to)).
				To(o.CustomerID, o.VendorID).
				WithInt("order_id", o.ID).
				WithData("from", string(from)).
				WithData("to", string(to)))
		})
		return nil
	})
	if err != nil {
		logger.Warn("更新订单状态失败",
			zap.Int64("order_id", id),
			zap.Int64("actor_id", actor.ID),
			zap.String("to", string(to)),
			zap.Error(err))
		return nil, err
	}
	return o, nil
}

// ProposeEdit 供应商提出改单
func (s *OrderService) ProposeEdit(ctx context.Context, actor models.Actor, orderID int64, data models.EditData) (*models.OrderEdit, error) {
	var edit *models.OrderEdit
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		o, err := s.orders.GetByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleVendor || actor.ID != o.VendorID {
			return fmt.Errorf("只有订单供应商可以改单: %w", models.ErrForbidden)
		}

		edit, err = s.machine.ProposeEdit(ctx, tx, o, actor.ID, data)
		if err != nil {
			return err
		}

		tx.AfterCommit(func() {
			s.hooks.audit(actor, "order_edit.proposed", edit.Subject(), map[string]string{
				"order_id": strconv.FormatInt(o.ID, 10),
			})
			s.hooks.publish(events.NewEvent(events.EventTypeEditProposed, edit.Subject(),
				"供应商修改了订单 "+o.Reference+"，请确认").
				To(o.CustomerID).
				WithInt("order_id", o.ID).
				WithInt("edit_id", edit.ID))
		})
		return nil
	})
	if err != nil {
		logger.Warn("提出改单失败", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, err
	}
	return edit, nil
}

// AcceptEdit 客户接受改单
func (s *OrderService) AcceptEdit(ctx context.Context, actor models.Actor, orderID, editID int64) (*models.Order, error) {
	return s.decideEdit(ctx, actor, orderID, editID, models.EditAccepted)
}

// RejectEdit 客户拒绝改单
func (s *OrderService) RejectEdit(ctx context.Context, actor models.Actor, orderID, editID int64) (*models.Order, error) {
	return s.decideEdit(ctx, actor, orderID, editID, models.EditRejected)
}

func (s *OrderService) decideEdit(ctx context.Context, actor models.Actor, orderID, editID int64, decision models.EditStatus) (*models.Order, error) {
	var o *models.Order
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		o, err = s.orders.GetByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleCustomer || actor.ID != o.CustomerID {
			return fmt.Errorf("只有订单客户可以确认改单: %w", models.ErrForbidden)
		}
		edit, err := s.edits.GetByID(ctx, tx, editID)
		if err != nil {
			return err
		}

		if decision == models.EditAccepted {
			err = s.machine.ApplyEdit(ctx, tx, o, edit, actor.ID)
		} else {
			err = s.machine.RejectEdit(ctx, tx, o, edit, actor.ID)
		}
		if err != nil {
			return err
		}

		tx.AfterCommit(func() {
			s.hooks.audit(actor, "order_edit."+string(decision), edit.Subject(), map[string]string{
				"order_id": strconv.FormatInt(o.ID, 10),
				"status":   string(o.Status),
			})
			s.hooks.publish(events.NewEvent(events.EventTypeEditDecided, edit.Subject(),
				"客户"+decisionText(decision)+"了订单 "+o.Reference+" 的修改").
				To(o.VendorID).
				WithInt("order_id", o.ID).
				WithData("decision", string(decision)))
		})
		return nil
	})
	if err != nil {
		logger.Warn("处理改单失败",
			zap.Int64("order_id", orderID),
			zap.Int64("edit_id", editID),
			zap.String("decision", string(decision)),
			zap.Error(err))
		return nil, err
	}
	return o, nil
}

// ListEdits 订单的改单历史
func (s *OrderService) ListEdits(ctx context.Context, actor models.Actor, orderID int64) ([]models.OrderEdit, error) {
	if _, err := s.Get(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.edits.ListByOrder(ctx, orderID)
}

// AddToCart 加入购物车；服务必须可购买且不是自己的服务
func (s *OrderService) AddToCart(ctx context.Context, actor models.Actor, item CheckoutItem) (*models.CartItem, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("只有客户可以使用购物车: %w", models.ErrForbidden)
	}
	if item.Quantity < 1 || item.Quantity > maxItemQuantity {
		return nil, models.NewValidationError("quantity", fmt.Sprintf("必须在 1-%d 之间", maxItemQuantity))
	}
	svc, err := s.catalog.GetService(ctx, item.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsPurchasable() {
		return nil, fmt.Errorf("服务 %d 未上架: %w", svc.ID, models.ErrServiceUnavailable)
	}
	if svc.VendorID == actor.ID {
		return nil, fmt.Errorf("不能购买自己的服务: %w", models.ErrForbidden)
	}
	return s.carts.AddCartItem(ctx, actor.ID, svc.ID, item.Quantity)
}

// Cart 客户购物车
func (s *OrderService) Cart(ctx context.Context, actor models.Actor) ([]models.CartItem, error) {
	return s.carts.ListCart(ctx, nil, actor.ID)
}

// RemoveFromCart 删除购物车条目
func (s *OrderService) RemoveFromCart(ctx context.Context, actor models.Actor, itemID int64) error {
	return s.carts.RemoveCartItem(ctx, actor.ID, itemID)
}

// Balance 操作者的账本余额
func (s *OrderService) Balance(ctx context.Context, actor models.Actor) (models.BalanceSnapshot, error) {
	return s.ledger.Balance(ctx, actor.ID)
}

// History 操作者最近的账本分录
func (s *OrderService) History(ctx context.Context, actor models.Actor, limit int) ([]models.Transaction, error) {
	return s.ledger.History(ctx, actor.ID, clampLimit(limit))
}

// authorizeStatus 角色与目标状态的权限规则
func authorizeStatus(actor models.Actor, o *models.Order, to models.OrderStatus) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role == models.RoleVendor && actor.ID == o.VendorID:
		if vendorTargets[to] {
			return nil
		}
	case actor.Role == models.RoleCustomer && actor.ID == o.CustomerID:
		if to == models.OrderCancelled {
			return nil
		}
	default:
		return fmt.Errorf("用户 %d 不是订单 %d 的当事人: %w", actor.ID, o.ID, models.ErrForbidden)
	}
	return fmt.Errorf("%s 不能把订单迁移到 %s: %w", actor.Role, to, models.ErrForbidden)
}

func decisionText(d models.EditStatus) string {
	if d == models.EditAccepted {
		return "接受"
	}
	return "拒绝"
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}
