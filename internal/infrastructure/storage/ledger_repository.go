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

const transactionColumns = `
	id, user_id, order_id, type, category, amount, balance_after, status,
	reference, reversal_of, reversed_by, description, created_at`

/**
 * SQLiteLedgerRepository 账本分录与物化余额仓储
 *
 * 只提供行级读写，不做任何业务判断；
 * 余额计算、幂等与冲正规则由 ledger.Store 负责
 */
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository 创建账本仓储
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

func (r *SQLiteLedgerRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

/**
 * FindByKey 按幂等键 (user_id, category, order_id, reference) 查询分录
 *
 * Returns: *models.Transaction - 不存在时为 nil, error - 错误信息
 */
func (r *SQLiteLedgerRepository) FindByKey(ctx context.Context, q Querier, p models.Posting) (*models.Transaction, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND category = ? AND IFNULL(order_id, 0) = ? AND reference = ?`,
		p.UserID, p.Category, p.OrderID, p.Reference)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("按幂等键查询分录失败: %w", err)
	}
	return t, nil
}

// Insert 插入分录并回填 ID
func (r *SQLiteLedgerRepository) Insert(ctx context.Context, q Querier, t *models.Transaction) error {
	var orderID any
	if t.OrderID != 0 {
		orderID = t.OrderID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	result, err := r.q(q).ExecContext(ctx, `
		INSERT INTO transactions (user_id, order_id, type, category, amount, balance_after, status,
			reference, reversal_of, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, orderID, t.Type, t.Category, t.Amount, t.BalanceAfter, t.Status,
		t.Reference, nullInt64(t.ReversalOf), t.Description, t.CreatedAt,
	)
	if err != nil {
		logger.Error("保存分录失败",
			zap.Int64("user_id", t.UserID),
			zap.String("reference", t.Reference),
			zap.Error(err),
		)
		return fmt.Errorf("保存分录失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取分录 ID 失败: %w", err)
	}
	t.ID = id
	return nil
}

// GetByID 按主键查询分录
func (r *SQLiteLedgerRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.Transaction, error) {
	row := r.q(q).QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("分录 %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询分录失败: %w", err)
	}
	return t, nil
}

/**
 * MarkReversed 把 completed 分录翻转为 reversed 并记录冲正分录 ID
 *
 * Returns: bool - 是否命中, error - 错误信息
 */
func (r *SQLiteLedgerRepository) MarkReversed(ctx context.Context, q Querier, id, reversedBy int64) (bool, error) {
	result, err := r.q(q).ExecContext(ctx, `
		UPDATE transactions SET status = 'reversed', reversed_by = ?
		WHERE id = ? AND status = 'completed'`, reversedBy, id)
	if err != nil {
		logger.Error("标记分录冲正失败",
			zap.Int64("transaction_id", id),
			zap.Error(err),
		)
		return false, fmt.Errorf("标记分录冲正失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取影响行数失败: %w", err)
	}
	return affected == 1, nil
}

// ListByUser 查询用户分录，按 ID 倒序
func (r *SQLiteLedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询用户分录失败: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListByOrder 查询订单相关的全部分录，按 ID 升序
func (r *SQLiteLedgerRepository) ListByOrder(ctx context.Context, q Querier, orderID int64) ([]models.Transaction, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询订单分录失败: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CountByReferencePrefix 统计引用号以 prefix 开头的分录数
func (r *SQLiteLedgerRepository) CountByReferencePrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE reference LIKE ? || '%'`, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计分录失败: %w", err)
	}
	return n, nil
}

/**
 * LoadBalance 读取用户物化余额
 *
 * 用户尚无记录时返回零值快照
 */
func (r *SQLiteLedgerRepository) LoadBalance(ctx context.Context, q Querier, userID int64) (models.BalanceSnapshot, error) {
	snap := models.BalanceSnapshot{UserID: userID}
	err := r.q(q).QueryRowContext(ctx,
		`SELECT balance, version, updated_at FROM ledger_balances WHERE user_id = ?`, userID,
	).Scan(&snap.Balance, &snap.Version, &snap.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("读取余额失败: %w", err)
	}
	return snap, nil
}

// SaveBalance 写入用户物化余额（不存在则插入）
func (r *SQLiteLedgerRepository) SaveBalance(ctx context.Context, q Querier, snap models.BalanceSnapshot) error {
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, balance, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		snap.UserID, snap.Balance, snap.Version, snap.UpdatedAt)
	if err != nil {
		logger.Error("写入余额失败",
			zap.Int64("user_id", snap.UserID),
			zap.Error(err),
		)
		return fmt.Errorf("写入余额失败: %w", err)
	}
	return nil
}

// SumCompleted 按分录重算余额：completed 贷方合计减 completed 借方合计
func (r *SQLiteLedgerRepository) SumCompleted(ctx context.Context, q Querier, userID int64) (int64, error) {
	var total int64
	err := r.q(q).QueryRowContext(ctx, `
		SELECT IFNULL(SUM(CASE WHEN type = 'credit' THEN amount ELSE -amount END), 0)
		FROM transactions WHERE user_id = ? AND status = 'completed'`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("重算余额失败: %w", err)
	}
	return total, nil
}

// FindDrift 列出物化余额与重算结果不一致的用户
func (r *SQLiteLedgerRepository) FindDrift(ctx context.Context) ([]models.BalanceDrift, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.user_id, IFNULL(b.balance, 0), IFNULL(s.total, 0)
		FROM (SELECT user_id FROM ledger_balances UNION SELECT user_id FROM transactions) u
		LEFT JOIN ledger_balances b ON b.user_id = u.user_id
		LEFT JOIN (
			SELECT user_id, SUM(CASE WHEN type = 'credit' THEN amount ELSE -amount END) AS total
			FROM transactions WHERE status = 'completed' GROUP BY user_id
		) s ON s.user_id = u.user_id
		WHERE IFNULL(b.balance, 0) != IFNULL(s.total, 0)
		ORDER BY u.user_id`)
	if err != nil {
		return nil, fmt.Errorf("对账查询失败: %w", err)
	}
	defer rows.Close()

	var drifts []models.BalanceDrift
	for rows.Next() {
		var d models.BalanceDrift
		if err := rows.Scan(&d.UserID, &d.Materialized, &d.Recomputed); err != nil {
			return nil, fmt.Errorf("扫描对账结果失败: %w", err)
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// ListBalances 全部物化余额
func (r *SQLiteLedgerRepository) ListBalances(ctx context.Context) ([]models.BalanceSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, balance, version, updated_at FROM ledger_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	defer rows.Close()

	var list []models.BalanceSnapshot
	for rows.Next() {
		var s models.BalanceSnapshot
		if err := rows.Scan(&s.UserID, &s.Balance, &s.Version, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描余额失败: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t                      models.Transaction
		orderID                sql.NullInt64
		reversalOf, reversedBy sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.UserID, &orderID, &t.Type, &t.Category, &t.Amount, &t.BalanceAfter, &t.Status,
		&t.Reference, &reversalOf, &reversedBy, &t.Description, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.OrderID = orderID.Int64
	t.ReversalOf = int64Ptr(reversalOf)
	t.ReversedBy = int64Ptr(reversedBy)
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var list []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描分录失败: %w", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历分录失败: %w", err)
	}
	return list, nil
}
