package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

const editColumns = `id, order_id, proposed_by, old_data, new_data, status, order_was_paid, created_at, decided_at, decided_by`

/**
 * SQLiteEditRepository 改单仓储
 *
 * old_data / new_data 以 JSON 存储
 */
type SQLiteEditRepository struct {
	db *sql.DB
}

// NewSQLiteEditRepository 创建改单仓储
func NewSQLiteEditRepository(db *sql.DB) *SQLiteEditRepository {
	return &SQLiteEditRepository{db: db}
}

func (r *SQLiteEditRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Create 插入改单；同一订单已有 pending 改单时违反唯一索引返回错误
func (r *SQLiteEditRepository) Create(ctx context.Context, q Querier, edit *models.OrderEdit) error {
	oldJSON, err := json.Marshal(edit.OldData)
	if err != nil {
		return fmt.Errorf("序列化改单旧数据失败: %w", err)
	}
	newJSON, err := json.Marshal(edit.NewData)
	if err != nil {
		return fmt.Errorf("序列化改单新数据失败: %w", err)
	}
	if edit.CreatedAt.IsZero() {
		edit.CreatedAt = time.Now()
	}

	result, err := r.q(q).ExecContext(ctx, `
		INSERT INTO order_edits (order_id, proposed_by, old_data, new_data, status, order_was_paid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edit.OrderID, edit.ProposedBy, string(oldJSON), string(newJSON), edit.Status, edit.OrderWasPaid, edit.CreatedAt,
	)
	if err != nil {
		logger.Error("保存改单失败",
			zap.Int64("order_id", edit.OrderID),
			zap.Error(err),
		)
		return fmt.Errorf("保存改单失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取改单 ID 失败: %w", err)
	}
	edit.ID = id
	return nil
}

// GetByID 按主键查询改单
func (r *SQLiteEditRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.OrderEdit, error) {
	row := r.q(q).QueryRowContext(ctx, `SELECT `+editColumns+` FROM order_edits WHERE id = ?`, id)
	edit, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("改单 %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询改单失败: %w", err)
	}
	return edit, nil
}

// FindPending 查询订单当前的 pending 改单，没有时返回 nil
func (r *SQLiteEditRepository) FindPending(ctx context.Context, q Querier, orderID int64) (*models.OrderEdit, error) {
	row := r.q(q).QueryRowContext(ctx,
		`SELECT `+editColumns+` FROM order_edits WHERE order_id = ? AND status = 'pending'`, orderID)
	edit, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询待确认改单失败: %w", err)
	}
	return edit, nil
}

// ListByOrder 查询订单的全部改单
func (r *SQLiteEditRepository) ListByOrder(ctx context.Context, orderID int64) ([]models.OrderEdit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+editColumns+` FROM order_edits WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询改单失败: %w", err)
	}
	defer rows.Close()

	var edits []models.OrderEdit
	for rows.Next() {
		edit, err := scanEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描改单失败: %w", err)
		}
		edits = append(edits, *edit)
	}
	return edits, rows.Err()
}

/**
 * Decide 把 pending 改单置为 accepted / rejected
 *
 * Returns: bool - 是否命中（改单仍为 pending）, error - 错误信息
 */
func (r *SQLiteEditRepository) Decide(ctx context.Context, q Querier, id int64, status models.EditStatus, decidedBy int64, at time.Time) (bool, error) {
	result, err := r.q(q).ExecContext(ctx, `
		UPDATE order_edits SET status = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, decidedBy, at, id,
	)
	if err != nil {
		logger.Error("更新改单状态失败",
			zap.Int64("edit_id", id),
			zap.Error(err),
		)
		return false, fmt.Errorf("更新改单状态失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取影响行数失败: %w", err)
	}
	return affected == 1, nil
}

func scanEdit(row rowScanner) (*models.OrderEdit, error) {
	var (
		e                models.OrderEdit
		oldJSON, newJSON string
		decidedAt        sql.NullTime
		decidedBy        sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.OrderID, &e.ProposedBy, &oldJSON, &newJSON, &e.Status,
		&e.OrderWasPaid, &e.CreatedAt, &decidedAt, &decidedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(oldJSON), &e.OldData); err != nil {
		return nil, fmt.Errorf("解析改单旧数据失败: %w", err)
	}
	if err := json.Unmarshal([]byte(newJSON), &e.NewData); err != nil {
		return nil, fmt.Errorf("解析改单新数据失败: %w", err)
	}
	e.DecidedAt = timePtr(decidedAt)
	e.DecidedBy = int64Ptr(decidedBy)
	return &e, nil
}
