// Package amqp RabbitMQ 通知出口
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchangeType = "topic"

// Channel Notifier 用到的 *amqp.Channel 方法
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

/**
 * Notifier 把用户通知发布到 topic exchange
 *
 * routing key 为 notify.<kind>.<user_id>，例如 notify.order.paid.10，
 * 下游按通知类型或用户绑定队列
 */
type Notifier struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
}

// NewNotifier 使用已声明 exchange 的 channel 创建通知出口
func NewNotifier(ch Channel, exchange string) *Notifier {
	return &Notifier{ch: ch, exchange: exchange}
}

/**
 * Dial 连接 RabbitMQ 并声明持久化的 topic exchange
 *
 * 启动时 broker 可能尚未就绪，最多重试 5 次
 */
func Dial(url, exchange string) (*Notifier, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("连接 RabbitMQ 失败", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("声明 exchange %s 失败: %w", exchange, err)
	}

	logger.Info("RabbitMQ 通知出口已就绪", zap.String("exchange", exchange))
	n := NewNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

// Notify 发布一条持久化消息
func (n *Notifier) Notify(ctx context.Context, userID int64, msg models.Message) error {
	body, err := json.Marshal(struct {
		UserID  int64          `json:"user_id"`
		Message models.Message `json:"message"`
	}{userID, msg})
	if err != nil {
		return fmt.Errorf("编码通知失败: %w", err)
	}

	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(msg.Kind, userID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         msg.Kind,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("发布通知失败: %w", err)
	}
	return nil
}

// RoutingKey notify.<kind>.<user_id>
func RoutingKey(kind string, userID int64) string {
	return "notify." + kind + "." + strconv.FormatInt(userID, 10)
}

// Close 关闭 channel 与连接
func (n *Notifier) Close() error {
	if err := n.ch.Close(); err != nil {
		logger.Warn("关闭 RabbitMQ channel 失败", zap.Error(err))
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
