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

const paymentColumns = `id, reference, customer_id, amount, currency, provider, provider_ref, status, failure_reason, created_at, updated_at`

/**
 * SQLitePaymentRepository 支付记录仓储
 *
 * 每次网关调用一行，只用于对账审计
 */
type SQLitePaymentRepository struct {
	db *sql.DB
}

// NewSQLitePaymentRepository 创建支付记录仓储
func NewSQLitePaymentRepository(db *sql.DB) *SQLitePaymentRepository {
	return &SQLitePaymentRepository{db: db}
}

func (r *SQLitePaymentRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Create 插入支付记录
func (r *SQLitePaymentRepository) Create(ctx context.Context, q Querier, p *models.PaymentTransaction) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	result, err := r.q(q).ExecContext(ctx, `
		INSERT INTO payment_transactions (reference, customer_id, amount, currency, provider, provider_ref,
			status, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Reference, p.CustomerID, p.Amount, p.Currency, p.Provider, p.ProviderRef,
		p.Status, p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		logger.Error("保存支付记录失败",
			zap.String("reference", p.Reference),
			zap.Error(err),
		)
		return fmt.Errorf("保存支付记录失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取支付记录 ID 失败: %w", err)
	}
	p.ID = id
	return nil
}

// GetByReference 按结账引用号查询支付记录
func (r *SQLitePaymentRepository) GetByReference(ctx context.Context, q Querier, reference string) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	err := r.q(q).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE reference = ?`, reference,
	).Scan(&p.ID, &p.Reference, &p.CustomerID, &p.Amount, &p.Currency, &p.Provider, &p.ProviderRef,
		&p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("支付记录 %s: %w", reference, models.ErrNotFound)
		}
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}
	return &p, nil
}

/**
 * UpdateStatus 更新支付记录状态
 *
 * providerRef 为空时保留原值
 */
func (r *SQLitePaymentRepository) UpdateStatus(ctx context.Context, q Querier, reference string, status models.PaymentRecordStatus, providerRef, reason string) error {
	_, err := r.q(q).ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = ?,
			provider_ref = CASE WHEN ? = '' THEN provider_ref ELSE ? END,
			failure_reason = ?,
			updated_at = ?
		WHERE reference = ?`,
		status, providerRef, providerRef, reason, time.Now(), reference)
	if err != nil {
		logger.Error("更新支付记录失败",
			zap.String("reference", reference),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return fmt.Errorf("更新支付记录失败: %w", err)
	}
	return nil
}

// ListByStatus 按状态查询支付记录，供对账命令使用
func (r *SQLitePaymentRepository) ListByStatus(ctx context.Context, statuses ...models.PaymentRecordStatus) ([]models.PaymentTransaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE status IN (?` +
		repeatPlaceholders(len(statuses)-1) + `) ORDER BY id ASC`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}
	defer rows.Close()

	var list []models.PaymentTransaction
	for rows.Next() {
		var p models.PaymentTransaction
		if err := rows.Scan(&p.ID, &p.Reference, &p.CustomerID, &p.Amount, &p.Currency, &p.Provider,
			&p.ProviderRef, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描支付记录失败: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
