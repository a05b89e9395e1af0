package models

import "time"

// EditStatus 改单状态
type EditStatus string

const (
	EditPending  EditStatus = "pending"
	EditAccepted EditStatus = "accepted"
	EditRejected EditStatus = "rejected"
)

/**
 * EditData 改单内容
 *
 * 只有非 nil 的字段会被应用到订单上
 */
type EditData struct {
	Schedule  *Schedule `json:"schedule,omitempty"`
	Location  *Location `json:"location,omitempty"`
	UnitPrice *int64    `json:"unit_price,omitempty"`
}

// IsEmpty 没有任何字段需要修改
func (d EditData) IsEmpty() bool {
	return d.Schedule == nil && d.Location == nil && d.UnitPrice == nil
}

// Validate 校验每个出现的字段
func (d EditData) Validate() error {
	if d.IsEmpty() {
		return NewValidationError("new_data", "至少需要修改一项")
	}
	if d.Schedule != nil {
		if err := d.Schedule.Validate(); err != nil {
			return err
		}
	}
	if d.Location != nil {
		if err := d.Location.Validate(); err != nil {
			return err
		}
	}
	if d.UnitPrice != nil && *d.UnitPrice <= 0 {
		return NewValidationError("unit_price", "必须大于 0")
	}
	return nil
}

// ChangesPrice 判断改单是否修改了订单单价
func (d EditData) ChangesPrice(o *Order) bool {
	return d.UnitPrice != nil && *d.UnitPrice != o.UnitPrice
}

// SnapshotOf 记录订单上会被本次改单覆盖的字段的当前值
func (d EditData) SnapshotOf(o *Order) EditData {
	var old EditData
	if d.Schedule != nil {
		s := o.Schedule
		old.Schedule = &s
	}
	if d.Location != nil {
		l := o.Location
		old.Location = &l
	}
	if d.UnitPrice != nil {
		p := o.UnitPrice
		old.UnitPrice = &p
	}
	return old
}

/**
 * OrderEdit 供应商提出、等待客户确认的改单
 *
 * 不变式：每个订单最多一条 pending 改单
 */
type OrderEdit struct {
	ID         int64      `json:"id"`
	OrderID    int64      `json:"order_id"`
	ProposedBy int64      `json:"proposed_by"`
	OldData    EditData   `json:"old_data"`
	NewData    EditData   `json:"new_data"`
	Status     EditStatus `json:"status"`

	// OrderWasPaid 提出改单时订单是否已支付
	OrderWasPaid bool `json:"order_was_paid"`

	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy *int64     `json:"decided_by,omitempty"`
}

// Subject 改单的审计主体引用
func (e *OrderEdit) Subject() SubjectRef {
	return SubjectRef{Kind: SubjectOrderEdit, ID: e.ID}
}
