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

/**
 * SQLiteCatalogRepository 服务目录与购物车仓储
 *
 * 服务目录是外部目录系统的只读副本，通过 catalog import 命令导入
 */
type SQLiteCatalogRepository struct {
	db *sql.DB
}

// NewSQLiteCatalogRepository 创建目录仓储
func NewSQLiteCatalogRepository(db *sql.DB) *SQLiteCatalogRepository {
	return &SQLiteCatalogRepository{db: db}
}

// UpsertServices 批量导入或覆盖服务，使用事务和预处理语句
func (r *SQLiteCatalogRepository) UpsertServices(ctx context.Context, services []models.Service) error {
	if len(services) == 0 {
		return nil
	}

	return RunInTx(ctx, r.db, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO services (id, vendor_id, title, price, approved, active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				vendor_id = excluded.vendor_id,
				title = excluded.title,
				price = excluded.price,
				approved = excluded.approved,
				active = excluded.active,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("准备语句失败: %w", err)
		}
		defer stmt.Close()

		now := time.Now()
		for _, s := range services {
			if _, err := stmt.ExecContext(ctx, s.ID, s.VendorID, s.Title, s.Price, s.Approved, s.Active, now); err != nil {
				logger.Error("导入服务失败",
					zap.Int64("service_id", s.ID),
					zap.Error(err),
				)
				return fmt.Errorf("导入服务 %d 失败: %w", s.ID, err)
			}
		}

		logger.Debug("批量导入服务成功", zap.Int("count", len(services)))
		return nil
	})
}

// GetService 按 ID 查询服务，不存在时返回 models.ErrNotFound
func (r *SQLiteCatalogRepository) GetService(ctx context.Context, id int64) (*models.Service, error) {
	var s models.Service
	err := r.db.QueryRowContext(ctx, `
		SELECT id, vendor_id, title, price, approved, active, updated_at
		FROM services WHERE id = ?`, id,
	).Scan(&s.ID, &s.VendorID, &s.Title, &s.Price, &s.Approved, &s.Active, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("服务 %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询服务失败: %w", err)
	}
	return &s, nil
}

// AddCartItem 加入购物车；同一服务重复加入时累加数量
func (r *SQLiteCatalogRepository) AddCartItem(ctx context.Context, customerID, serviceID int64, quantity int) (*models.CartItem, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cart_items (customer_id, service_id, quantity, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id, service_id) DO UPDATE SET quantity = quantity + excluded.quantity`,
		customerID, serviceID, quantity, time.Now())
	if err != nil {
		logger.Error("加入购物车失败",
			zap.Int64("customer_id", customerID),
			zap.Int64("service_id", serviceID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("加入购物车失败: %w", err)
	}

	var item models.CartItem
	err = r.db.QueryRowContext(ctx, `
		SELECT id, customer_id, service_id, quantity, created_at
		FROM cart_items WHERE customer_id = ? AND service_id = ?`, customerID, serviceID,
	).Scan(&item.ID, &item.CustomerID, &item.ServiceID, &item.Quantity, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("查询购物车条目失败: %w", err)
	}
	return &item, nil
}

// ListCart 查询客户购物车，按加入顺序
func (r *SQLiteCatalogRepository) ListCart(ctx context.Context, q Querier, customerID int64) ([]models.CartItem, error) {
	if q == nil {
		q = r.db
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, customer_id, service_id, quantity, created_at
		FROM cart_items WHERE customer_id = ? ORDER BY id ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("查询购物车失败: %w", err)
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.CustomerID, &item.ServiceID, &item.Quantity, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描购物车失败: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RemoveCartItem 删除购物车条目，条目不属于该客户时返回 models.ErrNotFound
func (r *SQLiteCatalogRepository) RemoveCartItem(ctx context.Context, customerID, itemID int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = ? AND customer_id = ?`, itemID, customerID)
	if err != nil {
		return fmt.Errorf("删除购物车条目失败: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取影响行数失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("购物车条目 %d: %w", itemID, models.ErrNotFound)
	}
	return nil
}

// ClearCart 清空客户购物车中的指定条目
func (r *SQLiteCatalogRepository) ClearCart(ctx context.Context, q Querier, customerID int64, itemIDs []int64) error {
	if q == nil {
		q = r.db
	}
	for _, id := range itemIDs {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM cart_items WHERE id = ? AND customer_id = ?`, id, customerID); err != nil {
			logger.Error("清空购物车失败",
				zap.Int64("customer_id", customerID),
				zap.Error(err),
			)
			return fmt.Errorf("清空购物车失败: %w", err)
		}
	}
	return nil
}
