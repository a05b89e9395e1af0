package storage

import (
	"database/sql"
	"fmt"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

/**
 * Migration 数据库迁移
 */
type Migration struct {
	// Version 迁移版本号
	Version int

	// Name 迁移名称
	Name string

	// SQL 迁移 SQL 语句
	SQL string
}

// 所有迁移脚本（按版本号排序）
var migrations = []Migration{
	{
		Version: 1,
		Name:    "init_schema_migrations",
		SQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		Version: 2,
		Name:    "init_catalog_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS services (
    id INTEGER PRIMARY KEY,
    vendor_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    price INTEGER NOT NULL CHECK (price >= 0),
    approved BOOLEAN NOT NULL DEFAULT FALSE,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_services_vendor ON services(vendor_id);

CREATE TABLE IF NOT EXISTS cart_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id INTEGER NOT NULL,
    service_id INTEGER NOT NULL REFERENCES services(id),
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (customer_id, service_id)
);
`,
	},
	{
		Version: 3,
		Name:    "init_orders_table",
		SQL: `
CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reference TEXT UNIQUE NOT NULL,
    checkout_ref TEXT NOT NULL,
    customer_id INTEGER NOT NULL,
    vendor_id INTEGER NOT NULL,
    service_id INTEGER NOT NULL,
    service_title TEXT NOT NULL,
    unit_price INTEGER NOT NULL CHECK (unit_price >= 0),
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    status TEXT NOT NULL CHECK (status IN ('pending','edited','active','completed','disputed','cancelled','refunded')),
    payment_status TEXT NOT NULL CHECK (payment_status IN ('unpaid','paid','refunded','partially_refunded')),
    subtotal INTEGER NOT NULL CHECK (subtotal >= 0),
    discount INTEGER NOT NULL DEFAULT 0 CHECK (discount >= 0),
    platform_fee INTEGER NOT NULL DEFAULT 0 CHECK (platform_fee >= 0),
    tax INTEGER NOT NULL DEFAULT 0 CHECK (tax >= 0),
    total INTEGER NOT NULL CHECK (total >= 0),
    scheduled_date TEXT NOT NULL,
    start_time TEXT NOT NULL,
    end_time TEXT NOT NULL,
    address TEXT NOT NULL,
    city TEXT NOT NULL,
    state TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    completed_at DATETIME,
    cancelled_at DATETIME,
    disputed_at DATETIME,
    CHECK (total = subtotal - discount + platform_fee + tax)
);

CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id);
CREATE INDEX IF NOT EXISTS idx_orders_vendor ON orders(vendor_id);
CREATE INDEX IF NOT EXISTS idx_orders_checkout ON orders(checkout_ref);
`,
	},
	{
		Version: 4,
		Name:    "init_order_edits_table",
		SQL: `
CREATE TABLE IF NOT EXISTS order_edits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL REFERENCES orders(id),
    proposed_by INTEGER NOT NULL,
    old_data JSON NOT NULL,
    new_data JSON NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending','accepted','rejected')),
    order_was_paid BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME NOT NULL,
    decided_at DATETIME,
    decided_by INTEGER
);

CREATE INDEX IF NOT EXISTS idx_order_edits_order ON order_edits(order_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_order_edits_one_pending ON order_edits(order_id) WHERE status = 'pending';
`,
	},
	{
		Version: 5,
		Name:    "init_disputes_table",
		SQL: `
CREATE TABLE IF NOT EXISTS disputes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL REFERENCES orders(id),
    raised_by INTEGER NOT NULL,
    raised_by_role TEXT NOT NULL,
    reason_code TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('open','under_review','resolved','closed')),
    resolution TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT '',
    partial_amount INTEGER NOT NULL DEFAULT 0,
    resolved_by INTEGER,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    resolved_at DATETIME,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_disputes_order ON disputes(order_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_active ON disputes(order_id) WHERE status != 'closed';
`,
	},
	{
		Version: 6,
		Name:    "init_ledger_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    order_id INTEGER,
    type TEXT NOT NULL CHECK (type IN ('credit','debit')),
    category TEXT NOT NULL CHECK (category IN ('order','earning','promotion','payout','refund','fee','adjustment')),
    amount INTEGER NOT NULL CHECK (amount > 0),
    balance_after INTEGER NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending','completed','reversed')),
    reference TEXT NOT NULL,
    reversal_of INTEGER REFERENCES transactions(id),
    reversed_by INTEGER REFERENCES transactions(id),
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
    ON transactions(user_id, category, IFNULL(order_id, 0), reference);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, id);
CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id);

CREATE TABLE IF NOT EXISTS ledger_balances (
    user_id INTEGER PRIMARY KEY,
    balance INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL
);
`,
	},
	{
		Version: 7,
		Name:    "init_payment_transactions_table",
		SQL: `
CREATE TABLE IF NOT EXISTS payment_transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reference TEXT UNIQUE NOT NULL,
    customer_id INTEGER NOT NULL,
    amount INTEGER NOT NULL CHECK (amount >= 0),
    currency TEXT NOT NULL,
    provider TEXT NOT NULL,
    provider_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_transactions_status ON payment_transactions(status);
`,
	},
	{
		Version: 8,
		Name:    "init_activity_log_table",
		SQL: `
CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    actor_id INTEGER NOT NULL,
    actor_role TEXT NOT NULL,
    ip_address TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_id INTEGER NOT NULL,
    properties JSON,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_subject ON activity_log(subject_kind, subject_id);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at);
`,
	},
}

// MigrationCount 已定义的迁移数量
func MigrationCount() int {
	return len(migrations)
}

/**
 * RunMigrations 执行数据库迁移
 *
 * Parameters:
 *   - db: 数据库连接
 *
 * Returns: error - 错误信息
 */
func RunMigrations(db *sql.DB) error {
	logger.Info("开始执行数据库迁移")

	// 开启事务
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	// 获取已应用的迁移版本
	appliedVersions := make(map[int]bool)

	// 尝试查询已应用的迁移
	// 如果表不存在（首次运行），会返回错误，但我们忽略它
	rows, _ := tx.Query("SELECT version FROM schema_migrations")
	if rows != nil {
		for rows.Next() {
			var version int
			if err := rows.Scan(&version); err != nil {
				rows.Close()
				tx.Rollback()
				return fmt.Errorf("扫描迁移版本失败: %w", err)
			}
			appliedVersions[version] = true
		}
		// 检查rows迭代是否有错误
		if err := rows.Err(); err != nil {
			rows.Close()
			tx.Rollback()
			return fmt.Errorf("遍历迁移版本失败: %w", err)
		}
		rows.Close()
	}

	// 执行未应用的迁移
	for _, migration := range migrations {
		if appliedVersions[migration.Version] {
			logger.Debug("跳过已应用的迁移",
				zap.Int("version", migration.Version),
				zap.String("name", migration.Name),
			)
			continue
		}

		logger.Info("应用迁移",
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name),
		)

		// 执行迁移 SQL
		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.Name, err)
		}

		// 记录迁移版本
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version) VALUES (?)",
			migration.Version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录迁移版本失败: %w", err)
		}

		logger.Info("迁移应用成功",
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name),
		)
	}

	// 提交事务
	if err := tx.Commit(); err != nil {
		logger.Error("提交迁移事务失败", zap.Error(err))
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}

	logger.Info("数据库迁移完成")
	return nil
}
