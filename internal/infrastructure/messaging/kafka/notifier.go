package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

// ErrQueueFull 通知队列已满或通知出口已关闭
var ErrQueueFull = errors.New("Kafka 通知队列不可用")

// envelope 通知消息体
type envelope struct {
	UserID  int64          `json:"user_id"`
	Message models.Message `json:"message"`
	SentAt  time.Time      `json:"sent_at"`
}

/**
 * Notifier 把用户通知写入 Kafka topic
 *
 * Notify 只把消息放进批处理器，批次满或超时后用一次 SendMessages 发出；
 * 消息 key 为用户 ID，同一用户的通知落在同一分区保持顺序
 */
type Notifier struct {
	producer sarama.SyncProducer
	topic    string
	batcher  *events.Batcher[*sarama.ProducerMessage]
}

/**
 * NewNotifier 创建 Kafka 通知出口并启动批处理
 *
 * Parameters:
 *   - producer: 同步生产者
 *   - topic: 通知 topic
 *   - batchSize: 批次大小
 *   - linger: 未满批次的最长等待
 */
func NewNotifier(producer sarama.SyncProducer, topic string, batchSize int, linger time.Duration) *Notifier {
	n := &Notifier{producer: producer, topic: topic}
	n.batcher = events.NewBatcher(batchSize, linger, n.send)
	n.batcher.Start()
	return n
}

// Notify 加入发送队列
func (n *Notifier) Notify(_ context.Context, userID int64, msg models.Message) error {
	body, err := json.Marshal(envelope{UserID: userID, Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("编码通知失败: %w", err)
	}
	pm := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(userID, 10)),
		Value: sarama.ByteEncoder(body),
	}
	if !n.batcher.Add(pm) {
		return ErrQueueFull
	}
	return nil
}

func (n *Notifier) send(batch []*sarama.ProducerMessage) {
	if err := n.producer.SendMessages(batch); err != nil {
		logger.Error("发送 Kafka 通知失败",
			zap.String("topic", n.topic),
			zap.Int("batch", len(batch)),
			zap.Error(err))
		return
	}
	logger.Debug("Kafka 通知已发送", zap.String("topic", n.topic), zap.Int("batch", len(batch)))
}

// Close 发送剩余消息并关闭生产者
func (n *Notifier) Close() error {
	n.batcher.Stop()
	if err := n.producer.Close(); err != nil {
		return fmt.Errorf("关闭 Kafka 生产者失败: %w", err)
	}
	return nil
}

// NewSyncProducer 创建等待全部副本确认的同步生产者
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return producer, nil
}
