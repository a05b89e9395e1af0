package models

import "time"

// DisputeStatus 争议状态：open → under_review → resolved → closed
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// IsSettled 已裁决或已关闭
func (s DisputeStatus) IsSettled() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Resolution 争议裁决结果
type Resolution string

const (
	ResolutionRefundCustomer Resolution = "refund_customer"
	ResolutionReleaseVendor  Resolution = "release_vendor"
	ResolutionPartial        Resolution = "partial"
	ResolutionNone           Resolution = "none"
)

// Valid 判断是否为已知裁决
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundCustomer, ResolutionReleaseVendor, ResolutionPartial, ResolutionNone:
		return true
	}
	return false
}

// ReasonCode 争议原因
type ReasonCode string

const (
	ReasonNotDelivered ReasonCode = "service_not_delivered"
	ReasonPoorQuality  ReasonCode = "poor_quality"
	ReasonNoShow       ReasonCode = "no_show"
	ReasonOvercharged  ReasonCode = "overcharged"
	ReasonOther        ReasonCode = "other"
)

// Valid 判断是否为已知原因
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonNotDelivered, ReasonPoorQuality, ReasonNoShow, ReasonOvercharged, ReasonOther:
		return true
	}
	return false
}

/**
 * Dispute 争议
 *
 * 不变式：每个订单最多一个未关闭的争议；裁决只能写入一次
 */
type Dispute struct {
	ID           int64         `json:"id"`
	OrderID      int64         `json:"order_id"`
	RaisedBy     int64         `json:"raised_by"`
	RaisedByRole Role          `json:"raised_by_role"`
	ReasonCode   ReasonCode    `json:"reason_code"`
	Description  string        `json:"description"`
	Status       DisputeStatus `json:"status"`

	Resolution      Resolution `json:"resolution,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	PartialAmount   int64      `json:"partial_amount,omitempty"`
	ResolvedBy      *int64     `json:"resolved_by,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Subject 争议的审计主体引用
func (d *Dispute) Subject() SubjectRef {
	return SubjectRef{Kind: SubjectDispute, ID: d.ID}
}

/**
 * ResolveRequest 裁决请求
 */
type ResolveRequest struct {
	Resolution    Resolution `json:"resolution"`
	Notes         string     `json:"resolution_notes"`
	PartialAmount int64      `json:"partial_amount,omitempty"`
}

// Validate 校验裁决类型；partial 需要正数金额
func (r ResolveRequest) Validate() error {
	if !r.Resolution.Valid() {
		return NewValidationError("resolution", "未知的裁决类型: "+string(r.Resolution))
	}
	if r.Resolution == ResolutionPartial && r.PartialAmount <= 0 {
		return NewValidationError("partial_amount", "部分退款金额必须大于 0")
	}
	if r.Resolution != ResolutionPartial && r.PartialAmount != 0 {
		return NewValidationError("partial_amount", "只有 partial 裁决可以指定金额")
	}
	return nil
}
