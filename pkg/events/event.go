/**
 * Package events 提供领域事件与进程内事件总线
 *
 * 领域事件在数据库事务提交之后发布，用于：
 * - 向订单双方派发通知（Kafka / RabbitMQ / 日志）
 * - 解耦核心流程与尽力而为的下游副作用
 */

package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

/**
 * EventType 事件类型枚举
 */
type EventType string

/**
 * 所有事件类型常量
 */
const (
	// 订单事件
	EventTypeOrderPlaced        EventType = "order.placed"         // 结账生成订单
	EventTypeOrderPaid          EventType = "order.paid"           // 异步支付确认
	EventTypeOrderStatusChanged EventType = "order.status_changed" // 订单状态迁移
	EventTypeOrderRefunded      EventType = "order.refunded"       // 退款完成

	// 改单事件
	EventTypeEditProposed EventType = "order_edit.proposed"
	EventTypeEditDecided  EventType = "order_edit.decided"

	// 争议事件
	EventTypeDisputeOpened   EventType = "dispute.opened"
	EventTypeDisputeReview   EventType = "dispute.under_review"
	EventTypeDisputeResolved EventType = "dispute.resolved"
	EventTypeDisputeClosed   EventType = "dispute.closed"

	// 支付事件
	EventTypePaymentFailed      EventType = "payment.failed"
	EventTypePaymentLateSuccess EventType = "payment.late_success"
)

/**
 * Event 统一事件结构
 */
type Event struct {
	// ID 事件唯一标识符
	ID string `json:"id"`

	// Type 事件类型
	Type EventType `json:"type"`

	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`

	// Subject 事件主体，形如 order#42
	Subject string `json:"subject"`

	// Recipients 需要收到通知的用户
	Recipients []int64 `json:"recipients,omitempty"`

	// Title / Body 面向用户的通知文案
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`

	// Data 事件数据
	Data map[string]string `json:"data,omitempty"`

	// Metadata 事件元数据（操作者、来源等）
	Metadata map[string]string `json:"metadata,omitempty"`
}

/**
 * NewEvent 创建新事件
 *
 * Parameters:
 *   - eventType: 事件类型
 *   - subject: 事件主体
 *   - title: 通知标题
 *
 * Returns:
 *   - *Event: 新创建的事件
 */
func NewEvent(eventType EventType, subject fmt.Stringer, title string) *Event {
	return &Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Subject:   subject.String(),
		Title:     title,
		Data:      make(map[string]string),
		Metadata:  make(map[string]string),
	}
}

// To 追加通知接收者，忽略 0 和重复用户
func (e *Event) To(userIDs ...int64) *Event {
	for _, id := range userIDs {
		if id <= 0 || e.hasRecipient(id) {
			continue
		}
		e.Recipients = append(e.Recipients, id)
	}
	return e
}

// WithBody 设置通知正文
func (e *Event) WithBody(body string) *Event {
	e.Body = body
	return e
}

// WithData 添加事件数据
func (e *Event) WithData(key, value string) *Event {
	if e.Data == nil {
		e.Data = make(map[string]string)
	}
	e.Data[key] = value
	return e
}

// WithInt 添加整数事件数据
func (e *Event) WithInt(key string, value int64) *Event {
	return e.WithData(key, strconv.FormatInt(value, 10))
}

/**
 * WithMetadata 添加元数据
 *
 * Returns:
 *   - *Event: 返回自身，支持链式调用
 */
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e *Event) hasRecipient(id int64) bool {
	for _, r := range e.Recipients {
		if r == id {
			return true
		}
	}
	return false
}

/**
 * generateEventID 生成事件唯一 ID
 *
 * 使用 UUID v4 确保全局唯一性
 */
func generateEventID() string {
	return uuid.New().String()
}
