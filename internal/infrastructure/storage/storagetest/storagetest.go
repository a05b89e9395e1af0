// Package storagetest 提供跨包测试共用的数据库夹具
package storagetest

import (
	"database/sql"
	"testing"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/stretchr/testify/require"
)

// NewDB 在 t.TempDir() 下创建已迁移的 SQLite 数据库，测试结束时关闭
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{Path: t.TempDir() + "/test.db", MaxOpenConns: 8})
	require.NoError(t, err)
	require.NoError(t, storage.RunMigrations(db))

	t.Cleanup(func() { db.Close() })
	return db
}

// SeedService 写入一个可购买的服务
func SeedService(t testing.TB, db *sql.DB, id, vendorID, price int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO services (id, vendor_id, title, price, approved, active, updated_at)
		VALUES (?, ?, ?, ?, 1, 1, CURRENT_TIMESTAMP)`, id, vendorID, "service", price)
	require.NoError(t, err)
}
