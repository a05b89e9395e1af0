package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Querier 是 *sql.DB 与 *sql.Tx 的公共子集
//
// 仓储方法接收 Querier，既可以在调用方事务内执行，也可以直接在连接池上执行。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

/**
 * Tx 数据库事务
 *
 * 在 *sql.Tx 之上增加提交后回调，用于缓存写穿、通知、审计等
 * 只应在事务真正落盘后才执行的副作用
 */
type Tx struct {
	*sql.Tx
	afterCommit []func()
}

// AfterCommit 注册提交成功后执行的回调，回滚时丢弃
func (t *Tx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

/**
 * RunInTx 在单个写事务中执行 fn
 *
 * 连接使用 _txlock=immediate，BEGIN 时即获取数据库写锁，
 * 事务内读取的余额在提交前不会被其他写者修改。
 * fn 返回错误或 panic 时回滚；提交成功后按注册顺序执行 AfterCommit 回调。
 *
 * Parameters:
 *   - ctx: 上下文
 *   - db: 数据库连接
 *   - fn: 事务体
 *
 * Returns: error - fn 的错误或提交错误
 */
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("开启事务失败", zap.Error(err))
		return fmt.Errorf("开启事务失败: %w", err)
	}

	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logger.Warn("回滚事务失败", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		logger.Error("提交事务失败", zap.Error(err))
		return fmt.Errorf("提交事务失败: %w", err)
	}

	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}
