package models

import "time"

// ChargeOutcome 网关扣款结果
type ChargeOutcome string

const (
	// ChargeSucceeded 同步扣款成功
	ChargeSucceeded ChargeOutcome = "succeeded"
	// ChargePending 网关已受理，结果通过 webhook 异步确认（如银行转账）
	ChargePending ChargeOutcome = "pending"
	// ChargeDeclined 网关拒绝扣款
	ChargeDeclined ChargeOutcome = "declined"
)

// ChargeRequest 扣款请求
type ChargeRequest struct {
	Reference  string `json:"reference"`
	CustomerID int64  `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

// ChargeResult 扣款结果
type ChargeResult struct {
	Outcome       ChargeOutcome `json:"outcome"`
	ProviderRef   string        `json:"provider_ref"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// PaymentRecordStatus 支付记录状态
type PaymentRecordStatus string

const (
	PaymentRecordPending     PaymentRecordStatus = "pending"
	PaymentRecordSucceeded   PaymentRecordStatus = "succeeded"
	PaymentRecordFailed      PaymentRecordStatus = "failed"
	PaymentRecordTimeout     PaymentRecordStatus = "timeout"
	PaymentRecordOrphaned    PaymentRecordStatus = "orphaned"
	PaymentRecordConfirmed   PaymentRecordStatus = "confirmed"
	PaymentRecordLateSuccess PaymentRecordStatus = "late_success"
)

/**
 * PaymentTransaction 一次网关调用的审计记录
 *
 * 只用于对账，从不参与余额计算
 */
type PaymentTransaction struct {
	ID            int64               `json:"id"`
	Reference     string              `json:"reference"`
	CustomerID    int64               `json:"customer_id"`
	Amount        int64               `json:"amount"`
	Currency      string              `json:"currency"`
	Provider      string              `json:"provider"`
	ProviderRef   string              `json:"provider_ref,omitempty"`
	Status        PaymentRecordStatus `json:"status"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Subject 支付记录的审计主体引用
func (p *PaymentTransaction) Subject() SubjectRef {
	return SubjectRef{Kind: SubjectPayment, ID: p.ID}
}

/**
 * PaymentConfirmation 网关异步回调（webhook 或 Kafka 消息）
 */
type PaymentConfirmation struct {
	// Reference 结账批次引用号
	Reference   string `json:"reference"`
	ProviderRef string `json:"provider_ref"`
	Amount      int64  `json:"amount"`
	Success     bool   `json:"success"`
}

// Validate 引用号必填
func (c PaymentConfirmation) Validate() error {
	if c.Reference == "" {
		return NewValidationError("reference", "不能为空")
	}
	if c.Amount < 0 {
		return NewValidationError("amount", "不能为负")
	}
	return nil
}
