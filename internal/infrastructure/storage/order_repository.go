package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

const orderColumns = `
	id, reference, checkout_ref, customer_id, vendor_id, service_id, service_title,
	unit_price, quantity, status, payment_status,
	subtotal, discount, platform_fee, tax, total,
	scheduled_date, start_time, end_time, address, city, state, notes,
	created_at, updated_at, completed_at, cancelled_at, disputed_at`

/**
 * SQLiteOrderRepository 订单仓储
 *
 * 所有方法都接收 Querier，q 为 nil 时使用仓储自身的连接池。
 * 状态相关的写入都是条件更新（WHERE status = 期望值），
 * 返回是否命中，由调用方决定是否报告并发修改。
 */
type SQLiteOrderRepository struct {
	db *sql.DB
}

// NewSQLiteOrderRepository 创建订单仓储
func NewSQLiteOrderRepository(db *sql.DB) *SQLiteOrderRepository {
	return &SQLiteOrderRepository{db: db}
}

func (r *SQLiteOrderRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

/**
 * Create 插入订单并回填 ID 与时间戳
 *
 * Parameters:
 *   - ctx: 上下文
 *   - q: 事务或连接池
 *   - order: 订单（ID 为 0）
 *
 * Returns: error - 错误信息
 */
func (r *SQLiteOrderRepository) Create(ctx context.Context, q Querier, order *models.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	result, err := r.q(q).ExecContext(ctx, `
		INSERT INTO orders (
			reference, checkout_ref, customer_id, vendor_id, service_id, service_title,
			unit_price, quantity, status, payment_status,
			subtotal, discount, platform_fee, tax, total,
			scheduled_date, start_time, end_time, address, city, state, notes,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.Reference, order.CheckoutRef, order.CustomerID, order.VendorID, order.ServiceID, order.ServiceTitle,
		order.UnitPrice, order.Quantity, order.Status, order.PaymentStatus,
		order.Subtotal, order.Discount, order.PlatformFee, order.Tax, order.Total,
		order.Schedule.Date, order.StartTime, order.EndTime, order.Address, order.City, order.State, order.Notes,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		logger.Error("保存订单失败",
			zap.String("reference", order.Reference),
			zap.Error(err),
		)
		return fmt.Errorf("保存订单失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取订单 ID 失败: %w", err)
	}
	order.ID = id
	return nil
}

// GetByID 按主键查询订单，不存在时返回 models.ErrNotFound
func (r *SQLiteOrderRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.Order, error) {
	row := r.q(q).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("订单 %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return order, nil
}

// GetByReference 按引用号查询订单
func (r *SQLiteOrderRepository) GetByReference(ctx context.Context, q Querier, reference string) (*models.Order, error) {
	row := r.q(q).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE reference = ?`, reference)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("订单 %s: %w", reference, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return order, nil
}

// ListByCheckout 查询同一结账批次的全部订单，按 ID 升序
func (r *SQLiteOrderRepository) ListByCheckout(ctx context.Context, q Querier, checkoutRef string) ([]models.Order, error) {
	rows, err := r.q(q).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE checkout_ref = ? ORDER BY id ASC`, checkoutRef)
	if err != nil {
		return nil, fmt.Errorf("查询结账批次订单失败: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByUser 查询用户作为客户或供应商参与的订单，按创建时间倒序
func (r *SQLiteOrderRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE customer_id = ? OR vendor_id = ?
		ORDER BY id DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询用户订单失败: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Count 订单总数
func (r *SQLiteOrderRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计订单失败: %w", err)
	}
	return n, nil
}

/**
 * CompareAndSetStatus 条件更新订单状态
 *
 * 同时写入目标状态对应的时间戳列（completed_at / cancelled_at / disputed_at）
 *
 * Returns: bool - 是否命中（false 表示状态已被其他写者修改）, error - 错误信息
 */
func (r *SQLiteOrderRepository) CompareAndSetStatus(ctx context.Context, q Querier, id int64, expected, next models.OrderStatus, at time.Time) (bool, error) {
	query := `UPDATE orders SET status = ?, updated_at = ?`
	switch next {
	case models.OrderCompleted:
		query += `, completed_at = ?`
	case models.OrderCancelled:
		query += `, cancelled_at = ?`
	case models.OrderDisputed:
		query += `, disputed_at = ?`
	}
	query += ` WHERE id = ? AND status = ?`

	args := []any{next, at}
	switch next {
	case models.OrderCompleted, models.OrderCancelled, models.OrderDisputed:
		args = append(args, at)
	}
	args = append(args, id, expected)

	return r.execConditional(ctx, q, "更新订单状态", id, query, args...)
}

// CompareAndSetPaymentStatus 条件更新支付状态
func (r *SQLiteOrderRepository) CompareAndSetPaymentStatus(ctx context.Context, q Querier, id int64, expected, next models.PaymentStatus, at time.Time) (bool, error) {
	return r.execConditional(ctx, q, "更新支付状态", id,
		`UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ? AND payment_status = ?`,
		next, at, id, expected)
}

/**
 * SaveEdited 写回改单后的订单字段与状态
 *
 * 以 expected 状态为条件，覆盖预约时间、地点、单价和金额明细
 */
func (r *SQLiteOrderRepository) SaveEdited(ctx context.Context, q Querier, order *models.Order, expected models.OrderStatus) (bool, error) {
	return r.execConditional(ctx, q, "写回改单", order.ID, `
		UPDATE orders SET
			scheduled_date = ?, start_time = ?, end_time = ?,
			address = ?, city = ?, state = ?, notes = ?,
			unit_price = ?, subtotal = ?, discount = ?, platform_fee = ?, tax = ?, total = ?,
			status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		order.Schedule.Date, order.StartTime, order.EndTime,
		order.Address, order.City, order.State, order.Notes,
		order.UnitPrice, order.Subtotal, order.Discount, order.PlatformFee, order.Tax, order.Total,
		order.Status, order.UpdatedAt,
		order.ID, expected,
	)
}

func (r *SQLiteOrderRepository) execConditional(ctx context.Context, q Querier, op string, id int64, query string, args ...any) (bool, error) {
	result, err := r.q(q).ExecContext(ctx, query, args...)
	if err != nil {
		logger.Error(op+"失败",
			zap.Int64("order_id", id),
			zap.Error(err),
		)
		return false, fmt.Errorf("%s失败: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取影响行数失败: %w", err)
	}
	return affected == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                                  models.Order
		completedAt, cancelledAt, disputed sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.Reference, &o.CheckoutRef, &o.CustomerID, &o.VendorID, &o.ServiceID, &o.ServiceTitle,
		&o.UnitPrice, &o.Quantity, &o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.Discount, &o.PlatformFee, &o.Tax, &o.Total,
		&o.Schedule.Date, &o.StartTime, &o.EndTime, &o.Address, &o.City, &o.State, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &completedAt, &cancelledAt, &disputed,
	)
	if err != nil {
		return nil, err
	}
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.DisputedAt = timePtr(disputed)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描订单失败: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历订单失败: %w", err)
	}
	return orders, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
