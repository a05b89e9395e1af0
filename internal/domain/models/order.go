/**
 * Package models 定义订单生命周期与账本一致性引擎的领域模型
 *
 * 包含订单、改单、争议、账本分录、支付记录以及审计主体等核心数据结构。
 * 金额统一使用 int64 表示最小货币单位（NGN 为 kobo）。
 */

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

/**
 * OrderStatus 订单状态
 */
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderEdited    OrderStatus = "edited"
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderDisputed  OrderStatus = "disputed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

// OrderStatuses 所有合法的订单状态
var OrderStatuses = []OrderStatus{
	OrderPending, OrderEdited, OrderActive, OrderCompleted,
	OrderDisputed, OrderCancelled, OrderRefunded,
}

// Valid 判断是否为已知状态
func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

/**
 * PaymentStatus 订单支付状态
 */
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "unpaid"
	PaymentPaid              PaymentStatus = "paid"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

/**
 * Schedule 服务预约时间
 *
 * Date 格式 YYYY-MM-DD，StartTime/EndTime 格式 HH:MM
 */
type Schedule struct {
	Date      string `json:"scheduled_date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Validate 校验日期格式以及结束时间晚于开始时间
func (s Schedule) Validate() error {
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return NewValidationError("scheduled_date", "必须是 YYYY-MM-DD 格式")
	}
	start, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return NewValidationError("start_time", "必须是 HH:MM 格式")
	}
	end, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return NewValidationError("end_time", "必须是 HH:MM 格式")
	}
	if !end.After(start) {
		return NewValidationError("end_time", "必须晚于开始时间")
	}
	return nil
}

/**
 * Location 服务地点快照
 */
type Location struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Notes   string `json:"notes,omitempty"`
}

// Validate 地址、城市、州必填
func (l Location) Validate() error {
	if strings.TrimSpace(l.Address) == "" {
		return NewValidationError("address", "不能为空")
	}
	if strings.TrimSpace(l.City) == "" {
		return NewValidationError("city", "不能为空")
	}
	if strings.TrimSpace(l.State) == "" {
		return NewValidationError("state", "不能为空")
	}
	return nil
}

/**
 * Breakdown 订单金额明细
 *
 * 不变式：所有字段非负，Total = Subtotal - Discount + PlatformFee + Tax
 */
type Breakdown struct {
	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	PlatformFee int64 `json:"platform_fee"`
	Tax         int64 `json:"tax"`
	Total       int64 `json:"total"`
}

// Validate 校验金额明细的不变式
func (b Breakdown) Validate() error {
	if b.Subtotal < 0 || b.Discount < 0 || b.PlatformFee < 0 || b.Tax < 0 || b.Total < 0 {
		return NewValidationError("breakdown", "金额不能为负")
	}
	if b.Discount > b.Subtotal {
		return NewValidationError("discount", "不能超过小计")
	}
	if b.Total != b.Subtotal-b.Discount+b.PlatformFee+b.Tax {
		return NewValidationError("total", fmt.Sprintf("与明细不一致: %d", b.Total))
	}
	return nil
}

// VendorShare 供应商应得金额（总额扣除平台费）
func (b Breakdown) VendorShare() int64 {
	return b.Total - b.PlatformFee
}

/**
 * Order 订单
 *
 * 一个客户向一个供应商预订的一项服务。服务标题和单价在创建时快照，
 * 之后服务信息变更不会影响已有订单。订单从不物理删除。
 */
type Order struct {
	// ID 订单主键
	ID int64 `json:"id"`

	// Reference 订单唯一引用号，同时作为账本分录的幂等键
	Reference string `json:"reference"`

	// CheckoutRef 所属结账批次（对应一次网关扣款）
	CheckoutRef string `json:"checkout_ref"`

	CustomerID int64 `json:"customer_id"`
	VendorID   int64 `json:"vendor_id"`
	ServiceID  int64 `json:"service_id"`

	// ServiceTitle / UnitPrice / Quantity 创建时的快照
	ServiceTitle string `json:"service_title"`
	UnitPrice    int64  `json:"unit_price"`
	Quantity     int    `json:"quantity"`

	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	Breakdown
	Schedule
	Location

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DisputedAt  *time.Time `json:"disputed_at,omitempty"`
}

// IsPaid 订单是否处于已支付状态
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// HoldsFunds 订单是否还有未退还的款项：已支付或部分退款
func (o *Order) HoldsFunds() bool {
	return o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentPartiallyRefunded
}

/**
 * RefundCategories 全额退款需要冲正的分录类别
 *
 * 部分退款过的订单一并冲正之前的 refund 分录，冲正后客户与供应商在该订单上都归零
 */
func (o *Order) RefundCategories(includeFee bool) []Category {
	categories := []Category{CategoryOrder, CategoryEarning}
	if includeFee {
		categories = append(categories, CategoryFee)
	}
	if o.PaymentStatus == PaymentPartiallyRefunded {
		categories = append(categories, CategoryRefund)
	}
	return categories
}

// InvolvesUser 判断用户是否为订单的客户或供应商
func (o *Order) InvolvesUser(userID int64) bool {
	return userID == o.CustomerID || userID == o.VendorID
}

// Subject 订单的审计主体引用
func (o *Order) Subject() SubjectRef {
	return SubjectRef{Kind: SubjectOrder, ID: o.ID}
}

// NewOrderReference 生成 ORD-XXXXXXXXXX 形式的订单引用号
func NewOrderReference() string {
	return "ORD-" + shortID(10)
}

// NewCheckoutReference 生成结账批次引用号
func NewCheckoutReference() string {
	return "CHK-" + shortID(16)
}

func shortID(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:n])
}
