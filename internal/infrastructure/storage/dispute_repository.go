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

const disputeColumns = `
	id, order_id, raised_by, raised_by_role, reason_code, description, status,
	resolution, resolution_notes, partial_amount, resolved_by,
	created_at, updated_at, resolved_at, closed_at`

/**
 * SQLiteDisputeRepository 争议仓储
 */
type SQLiteDisputeRepository struct {
	db *sql.DB
}

// NewSQLiteDisputeRepository 创建争议仓储
func NewSQLiteDisputeRepository(db *sql.DB) *SQLiteDisputeRepository {
	return &SQLiteDisputeRepository{db: db}
}

func (r *SQLiteDisputeRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Create 插入争议；同一订单已有未关闭争议时违反唯一索引返回错误
func (r *SQLiteDisputeRepository) Create(ctx context.Context, q Querier, d *models.Dispute) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	result, err := r.q(q).ExecContext(ctx, `
		INSERT INTO disputes (order_id, raised_by, raised_by_role, reason_code, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.OrderID, d.RaisedBy, d.RaisedByRole, d.ReasonCode, d.Description, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		logger.Error("保存争议失败",
			zap.Int64("order_id", d.OrderID),
			zap.Error(err),
		)
		return fmt.Errorf("保存争议失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取争议 ID 失败: %w", err)
	}
	d.ID = id
	return nil
}

// GetByID 按主键查询争议
func (r *SQLiteDisputeRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.Dispute, error) {
	row := r.q(q).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("争议 %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询争议失败: %w", err)
	}
	return d, nil
}

// FindActiveByOrder 查询订单未关闭的争议，没有时返回 nil
func (r *SQLiteDisputeRepository) FindActiveByOrder(ctx context.Context, q Querier, orderID int64) (*models.Dispute, error) {
	row := r.q(q).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = ? AND status != 'closed'`, orderID)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询未关闭争议失败: %w", err)
	}
	return d, nil
}

// FindLatestByOrder 查询订单最近一次争议（包括已关闭的），没有时返回 nil
func (r *SQLiteDisputeRepository) FindLatestByOrder(ctx context.Context, q Querier, orderID int64) (*models.Dispute, error) {
	row := r.q(q).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最近争议失败: %w", err)
	}
	return d, nil
}

// ListByOrder 查询订单的全部争议
func (r *SQLiteDisputeRepository) ListByOrder(ctx context.Context, orderID int64) ([]models.Dispute, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询争议失败: %w", err)
	}
	defer rows.Close()

	var list []models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描争议失败: %w", err)
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

// CompareAndSetStatus 条件更新争议状态，迁移到 closed 时写入 closed_at
func (r *SQLiteDisputeRepository) CompareAndSetStatus(ctx context.Context, q Querier, id int64, expected, next models.DisputeStatus, at time.Time) (bool, error) {
	var closedAt any
	if next == models.DisputeClosed {
		closedAt = at
	}
	return r.execConditional(ctx, q, id, `
		UPDATE disputes SET status = ?, updated_at = ?, closed_at = COALESCE(?, closed_at)
		WHERE id = ? AND status = ?`,
		next, at, closedAt, id, expected)
}

/**
 * Resolve 写入裁决
 *
 * 以 expected 状态为条件把争议置为 resolved，裁决字段只写一次
 */
func (r *SQLiteDisputeRepository) Resolve(ctx context.Context, q Querier, d *models.Dispute, expected models.DisputeStatus) (bool, error) {
	return r.execConditional(ctx, q, d.ID, `
		UPDATE disputes SET
			status = 'resolved', resolution = ?, resolution_notes = ?, partial_amount = ?,
			resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND resolution = ''`,
		d.Resolution, d.ResolutionNotes, d.PartialAmount,
		nullInt64(d.ResolvedBy), nullTime(d.ResolvedAt), d.UpdatedAt,
		d.ID, expected)
}

func (r *SQLiteDisputeRepository) execConditional(ctx context.Context, q Querier, id int64, query string, args ...any) (bool, error) {
	result, err := r.q(q).ExecContext(ctx, query, args...)
	if err != nil {
		logger.Error("更新争议失败",
			zap.Int64("dispute_id", id),
			zap.Error(err),
		)
		return false, fmt.Errorf("更新争议失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取影响行数失败: %w", err)
	}
	return affected == 1, nil
}

func scanDispute(row rowScanner) (*models.Dispute, error) {
	var (
		d                    models.Dispute
		resolvedBy           sql.NullInt64
		resolvedAt, closedAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.RaisedBy, &d.RaisedByRole, &d.ReasonCode, &d.Description, &d.Status,
		&d.Resolution, &d.ResolutionNotes, &d.PartialAmount, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ResolvedBy = int64Ptr(resolvedBy)
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	return &d, nil
}
