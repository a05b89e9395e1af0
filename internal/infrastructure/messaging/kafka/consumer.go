/**
 * Package kafka Kafka 消息通道
 *
 * 消费网关的支付结果消息，并把用户通知写入通知 topic
 */

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

const (
	maxAttempts   = 3
	retryBackoff  = 500 * time.Millisecond
	handleTimeout = 10 * time.Second
)

// ConfirmFunc 处理一条支付结果，通常是 CheckoutOrchestrator.ConfirmPayment
type ConfirmFunc func(ctx context.Context, conf models.PaymentConfirmation) error

/**
 * PaymentConsumer 支付结果消费者
 *
 * 实现 sarama.ConsumerGroupHandler。处理是幂等的，消息在处理完成后才提交位移；
 * 格式错误、校验失败和引用号不存在的消息重试无意义，记录日志后直接提交。
 */
type PaymentConsumer struct {
	confirm ConfirmFunc
	backoff time.Duration
}

// NewPaymentConsumer 创建支付结果消费者
func NewPaymentConsumer(confirm ConfirmFunc) *PaymentConsumer {
	return &PaymentConsumer{confirm: confirm, backoff: retryBackoff}
}

// Setup 新一轮分区分配开始
func (c *PaymentConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	logger.Info("支付消费者分区已分配",
		zap.String("member_id", sess.MemberID()),
		zap.Any("claims", sess.Claims()))
	return nil
}

// Cleanup 本轮分配结束
func (c *PaymentConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条处理一个分区的消息
func (c *PaymentConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.handle(sess.Context(), msg)
			sess.MarkMessage(msg, "")

		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *PaymentConsumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}

	var conf models.PaymentConfirmation
	if err := json.Unmarshal(msg.Value, &conf); err != nil {
		logger.Error("支付消息格式错误，跳过", append(fields, zap.Error(err))...)
		return
	}
	fields = append(fields, zap.String("reference", conf.Reference))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		err := c.confirm(hctx, conf)
		cancel()

		switch {
		case err == nil:
			logger.Debug("支付消息已处理", fields...)
			return
		case models.IsValidation(err):
			logger.Error("支付消息校验失败，跳过", append(fields, zap.Error(err))...)
			return
		case errors.Is(err, models.ErrNotFound) && attempt == maxAttempts:
			logger.Error("支付消息引用号不存在，跳过", append(fields, zap.Error(err))...)
			return
		}

		logger.Warn("处理支付消息失败",
			append(fields, zap.Int("attempt", attempt), zap.Error(err))...)
		if attempt == maxAttempts {
			logger.Error("支付消息重试耗尽，需要人工对账", fields...)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

/**
 * Run 加入消费者组并持续消费，直到 ctx 结束
 *
 * Parameters:
 *   - ctx: 生命周期上下文
 *   - group: sarama 消费者组
 *   - topics: 订阅的 topic
 *   - handler: 消息处理器
 */
func Run(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler) {
	go func() {
		for err := range group.Errors() {
			logger.Warn("Kafka 消费者错误", zap.Error(err))
		}
	}()

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			logger.Error("Kafka 消费失败", zap.Strings("topics", topics), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

/**
 * NewConsumerGroup 创建消费者组
 *
 * 位移从最早的消息开始，保证服务下线期间的支付结果不会丢失
 */
func NewConsumerGroup(brokers []string, groupID string) (sarama.ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 消费者组失败: %w", err)
	}
	return group, nil
}
