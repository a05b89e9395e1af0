package models

import (
	"fmt"
	"strings"
	"time"
)

// TransactionType 分录方向
type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

// Category 分录类别
type Category string

const (
	CategoryOrder      Category = "order"
	CategoryEarning    Category = "earning"
	CategoryPromotion  Category = "promotion"
	CategoryPayout     Category = "payout"
	CategoryRefund     Category = "refund"
	CategoryFee        Category = "fee"
	CategoryAdjustment Category = "adjustment"
)

// Valid 判断是否为已知类别
func (c Category) Valid() bool {
	switch c {
	case CategoryOrder, CategoryEarning, CategoryPromotion, CategoryPayout,
		CategoryRefund, CategoryFee, CategoryAdjustment:
		return true
	}
	return false
}

// TransactionStatus 分录状态
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxReversed  TransactionStatus = "reversed"
)

// ReversalSuffix 冲正分录引用号后缀
const ReversalSuffix = ":reversal"

/**
 * Posting 待提交的账本分录
 *
 * OrderID 为 0 表示与订单无关
 */
type Posting struct {
	UserID      int64           `json:"user_id"`
	Type        TransactionType `json:"type"`
	Category    Category        `json:"category"`
	Amount      int64           `json:"amount"`
	OrderID     int64           `json:"order_id,omitempty"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
}

// Signed 带符号金额：贷方为正，借方为负
func (p Posting) Signed() int64 {
	return signed(p.Type, p.Amount)
}

// Key 幂等键 (user_id, category, order_id, reference)
func (p Posting) Key() string {
	return fmt.Sprintf("%d|%s|%d|%s", p.UserID, p.Category, p.OrderID, p.Reference)
}

// Validate 校验分录；失败时由调用方包装为账本不变式错误
func (p Posting) Validate() error {
	switch {
	case p.UserID <= 0:
		return fmt.Errorf("user_id 必须大于 0: %d", p.UserID)
	case p.Type != Credit && p.Type != Debit:
		return fmt.Errorf("未知的分录方向: %q", p.Type)
	case !p.Category.Valid():
		return fmt.Errorf("未知的分录类别: %q", p.Category)
	case p.Amount <= 0:
		return fmt.Errorf("金额必须大于 0: %d", p.Amount)
	case strings.TrimSpace(p.Reference) == "":
		return fmt.Errorf("reference 不能为空")
	}
	return nil
}

/**
 * Transaction 已落库的账本分录
 *
 * 只允许把 status 从 completed 翻转为 reversed，其余字段写入后不可变
 */
type Transaction struct {
	ID           int64             `json:"id"`
	UserID       int64             `json:"user_id"`
	OrderID      int64             `json:"order_id,omitempty"`
	Type         TransactionType   `json:"type"`
	Category     Category          `json:"category"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Status       TransactionStatus `json:"status"`
	Reference    string            `json:"reference"`
	ReversalOf   *int64            `json:"reversal_of,omitempty"`
	ReversedBy   *int64            `json:"reversed_by,omitempty"`
	Description  string            `json:"description,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Signed 带符号金额
func (t *Transaction) Signed() int64 {
	return signed(t.Type, t.Amount)
}

// Matches 判断已存在的分录与重试的分录是否一致
func (t *Transaction) Matches(p Posting) bool {
	return t.Type == p.Type && t.Amount == p.Amount
}

// Subject 分录的审计主体引用
func (t *Transaction) Subject() SubjectRef {
	return SubjectRef{Kind: SubjectTransaction, ID: t.ID}
}

/**
 * PostingBatchResult 一次 Commit 的结果
 */
type PostingBatchResult struct {
	// Transactions 与输入分录一一对应
	Transactions []Transaction `json:"transactions"`

	// Replayed 所有分录都已存在（幂等重放）
	Replayed bool `json:"replayed"`

	// Balances 本次涉及用户提交后的余额快照
	Balances []BalanceSnapshot `json:"balances"`
}

/**
 * BalanceSnapshot 用户余额的物化聚合
 *
 * Version 每次变动递增，用于缓存写穿时防止旧值覆盖新值
 */
type BalanceSnapshot struct {
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

/**
 * BalanceDrift 物化余额与分录重算结果不一致的记录
 */
type BalanceDrift struct {
	UserID       int64 `json:"user_id"`
	Materialized int64 `json:"materialized"`
	Recomputed   int64 `json:"recomputed"`
}

func signed(t TransactionType, amount int64) int64 {
	if t == Debit {
		return -amount
	}
	return amount
}

// Opposite 反向分录方向
func (t TransactionType) Opposite() TransactionType {
	if t == Debit {
		return Credit
	}
	return Debit
}
