package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

/**
 * ActivityRepository 审计日志存储接口
 */
type ActivityRepository interface {
	// SaveBatch 批量保存审计条目
	SaveBatch(ctx context.Context, list []models.Activity) error

	// ListBySubject 查询某个主体的审计记录
	ListBySubject(ctx context.Context, subject models.SubjectRef, limit int) ([]models.Activity, error)

	// DeleteOlderThan 删除旧数据
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

/**
 * SQLiteActivityRepository SQLite 审计日志仓储实现
 */
type SQLiteActivityRepository struct {
	db *sql.DB
}

/**
 * NewSQLiteActivityRepository 创建 SQLite 审计日志仓储
 *
 * Parameters:
 *   - db: 数据库连接
 *
 * Returns: *SQLiteActivityRepository - 审计日志仓储实例
 */
func NewSQLiteActivityRepository(db *sql.DB) *SQLiteActivityRepository {
	return &SQLiteActivityRepository{db: db}
}

/**
 * SaveBatch 批量保存审计条目
 *
 * 使用事务和预处理语句优化批量写入性能；
 * 主体类型非法的条目记录日志后跳过
 *
 * Parameters:
 *   - ctx: 上下文
 *   - list: 审计条目
 *
 * Returns: error - 错误信息
 */
func (r *SQLiteActivityRepository) SaveBatch(ctx context.Context, list []models.Activity) error {
	if len(list) == 0 {
		return nil
	}

	return RunInTx(ctx, r.db, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_log (actor_id, actor_role, ip_address, action, subject_kind, subject_id, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("准备语句失败: %w", err)
		}
		defer stmt.Close()

		for _, a := range list {
			if _, err := models.ParseSubjectKind(string(a.Subject.Kind)); err != nil {
				logger.Error("审计主体类型非法，跳过",
					zap.String("action", a.Action),
					zap.Error(err),
				)
				continue
			}

			var props any
			if len(a.Properties) > 0 {
				raw, err := json.Marshal(a.Properties)
				if err != nil {
					logger.Error("序列化审计属性失败",
						zap.String("action", a.Action),
						zap.Error(err),
					)
					continue
				}
				props = string(raw)
			}

			createdAt := a.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}

			if _, err := stmt.ExecContext(ctx,
				a.ActorID, a.ActorRole, a.IPAddress, a.Action,
				a.Subject.Kind, a.Subject.ID, props, createdAt,
			); err != nil {
				logger.Error("插入审计条目失败",
					zap.String("action", a.Action),
					zap.Stringer("subject", a.Subject),
					zap.Error(err),
				)
				return fmt.Errorf("插入审计条目失败: %w", err)
			}
		}

		logger.Debug("批量保存审计条目成功", zap.Int("count", len(list)))
		return nil
	})
}

/**
 * ListBySubject 查询某个主体的审计记录
 *
 * Parameters:
 *   - ctx: 上下文
 *   - subject: 主体引用
 *   - limit: 返回数量限制，<= 0 时不限制
 *
 * Returns: []models.Activity - 按时间顺序的审计记录, error - 错误信息
 */
func (r *SQLiteActivityRepository) ListBySubject(ctx context.Context, subject models.SubjectRef, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, ip_address, action, subject_kind, subject_id, properties, created_at
		FROM activity_log
		WHERE subject_kind = ? AND subject_id = ?
		ORDER BY id ASC
		LIMIT ?`, subject.Kind, subject.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()

	var list []models.Activity
	for rows.Next() {
		var (
			a     models.Activity
			kind  string
			props sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ActorID, &a.ActorRole, &a.IPAddress, &a.Action,
			&kind, &a.Subject.ID, &props, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描审计记录失败: %w", err)
		}
		parsed, err := models.ParseSubjectKind(kind)
		if err != nil {
			return nil, err
		}
		a.Subject.Kind = parsed
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &a.Properties); err != nil {
				logger.Warn("解析审计属性失败",
					zap.Int64("activity_id", a.ID),
					zap.Error(err),
				)
			}
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

/**
 * DeleteOlderThan 删除旧于指定时间的审计记录
 *
 * Returns: int64 - 删除的记录数, error - 错误信息
 */
func (r *SQLiteActivityRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM activity_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("删除旧审计记录失败: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("获取删除行数失败: %w", err)
	}

	if count > 0 {
		logger.Info("删除旧审计记录",
			zap.Int64("count", count),
			zap.Time("cutoff", cutoff),
		)
	}
	return count, nil
}
