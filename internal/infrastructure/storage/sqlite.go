/**
 * Package storage 提供数据持久化功能
 *
 * 负责订单、改单、争议、账本分录、支付记录和审计日志的 SQLite 持久化
 */

package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	_ "github.com/mattn/go-sqlite3" // SQLite 驱动
	"go.uber.org/zap"
)

/**
 * SQLiteConfig SQLite 配置
 */
type SQLiteConfig struct {
	// Path 数据库文件路径
	Path string

	// MaxOpenConns 最大打开连接数
	MaxOpenConns int

	// MaxIdleConns 最大空闲连接数
	MaxIdleConns int

	// ConnMaxLifetime 连接最大生命周期
	ConnMaxLifetime time.Duration

	// BusyTimeout 等待写锁的最长时间，默认 5 秒
	BusyTimeout time.Duration
}

/**
 * dataSourceName 构造 go-sqlite3 DSN
 *
 * 连接级 PRAGMA 通过 DSN 参数下发，保证连接池中的每个连接都生效：
 *   - _txlock=immediate: BEGIN 即获取写锁，写事务互相串行
 *   - _busy_timeout: 写锁被占用时等待而不是立即返回 SQLITE_BUSY
 *   - _foreign_keys: 启用外键约束
 */
func dataSourceName(config SQLiteConfig) string {
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	params.Set("_foreign_keys", "on")

	// 对于内存数据库，使用共享缓存让多个连接看到同一个库
	if config.Path == ":memory:" {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return "file::memory:?" + params.Encode()
	}

	// WAL 模式 (Write-Ahead Logging) 允许读写并发
	params.Set("_journal_mode", "WAL")
	// 同步模式 NORMAL，在性能和安全性之间平衡
	params.Set("_synchronous", "NORMAL")
	// 10MB 页缓存
	params.Set("_cache_size", "10000")

	return "file:" + config.Path + "?" + params.Encode()
}

/**
 * NewSQLiteDB 创建 SQLite 数据库连接
 *
 * 配置 WAL 模式和立即写锁事务，优化连接池参数
 *
 * Parameters:
 *   - config: SQLite 配置
 *
 * Returns: *sql.DB - 数据库连接实例, error - 错误信息
 */
func NewSQLiteDB(config SQLiteConfig) (*sql.DB, error) {
	logger.Info("创建 SQLite 数据库连接",
		zap.String("path", config.Path),
	)

	db, err := sql.Open("sqlite3", dataSourceName(config))
	if err != nil {
		logger.Error("打开数据库失败", zap.Error(err))
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 配置连接池
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	// 内存库只能有一个连接，否则共享缓存下写事务会返回 SQLITE_LOCKED
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// 验证连接
	if err := db.Ping(); err != nil {
		logger.Error("数据库连接验证失败", zap.Error(err))
		db.Close()
		return nil, fmt.Errorf("数据库连接验证失败: %w", err)
	}

	logger.Info("SQLite 数据库连接成功")
	return db, nil
}
