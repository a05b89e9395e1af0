package models

import (
	"fmt"
	"time"
)

// SubjectKind 审计主体类型
type SubjectKind string

const (
	SubjectOrder       SubjectKind = "order"
	SubjectOrderEdit   SubjectKind = "order_edit"
	SubjectDispute     SubjectKind = "dispute"
	SubjectTransaction SubjectKind = "transaction"
	SubjectPayment     SubjectKind = "payment"
	SubjectCartItem    SubjectKind = "cart_item"
)

// Table 主体所在的数据表
//
// 新增 SubjectKind 时必须在这里补充分支，否则 panic 会在测试中暴露出来。
func (k SubjectKind) Table() string {
	switch k {
	case SubjectOrder:
		return "orders"
	case SubjectOrderEdit:
		return "order_edits"
	case SubjectDispute:
		return "disputes"
	case SubjectTransaction:
		return "transactions"
	case SubjectPayment:
		return "payment_transactions"
	case SubjectCartItem:
		return "cart_items"
	}
	panic(fmt.Sprintf("未知的审计主体类型: %q", string(k)))
}

// ParseSubjectKind 从持久化的字符串还原主体类型
func ParseSubjectKind(raw string) (SubjectKind, error) {
	k := SubjectKind(raw)
	switch k {
	case SubjectOrder, SubjectOrderEdit, SubjectDispute, SubjectTransaction, SubjectPayment, SubjectCartItem:
		return k, nil
	}
	return "", fmt.Errorf("未知的审计主体类型: %q", raw)
}

/**
 * SubjectRef 审计主体引用
 *
 * 以类型化的 Kind + ID 取代字符串形式的 subject_type/subject_id
 */
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   int64       `json:"id"`
}

// String 形如 order#42
func (r SubjectRef) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

// Role 操作者角色
type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Valid 判断是否为已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

/**
 * Actor 操作者
 *
 * 所有核心操作都显式接收 Actor，不依赖请求级全局变量
 */
type Actor struct {
	ID        int64  `json:"id"`
	Role      Role   `json:"role"`
	IPAddress string `json:"ip_address,omitempty"`
}

// SystemActor 后台任务（webhook、对账）使用的操作者
func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

// IsAdmin 管理员或系统
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

/**
 * Activity 审计日志条目
 */
type Activity struct {
	ID         int64             `json:"id"`
	ActorID    int64             `json:"actor_id"`
	ActorRole  Role              `json:"actor_role"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Action     string            `json:"action"`
	Subject    SubjectRef        `json:"subject"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewActivity 基于操作者和主体构造审计条目
func NewActivity(actor Actor, action string, subject SubjectRef, props map[string]string) Activity {
	return Activity{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		IPAddress:  actor.IPAddress,
		Action:     action,
		Subject:    subject,
		Properties: props,
		CreatedAt:  time.Now(),
	}
}
