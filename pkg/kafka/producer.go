// Package kafka 提供 Kafka 生产者，用于转发弹幕消息
package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/pkg/logger"
)

// ProducerConfig Kafka 生产者配置
type ProducerConfig struct {
	Brokers      []string      // Kafka broker 地址
	Topic        string        // 目标 topic
	BatchTimeout time.Duration // 批量等待时间
}

// MessageWriter kafka.Writer 的最小接口，便于测试替换
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer Kafka 生产者
//
// 同步写入；最近一次写入的结果作为健康状态，供健康检查使用。
type Producer struct {
	topic   string
	writer  MessageWriter
	healthy atomic.Bool
	failed  atomic.Uint64
	log     *zap.Logger
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // 按房间号哈希分区，保证同房间有序
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return NewProducerWithWriter(cfg, writer)
}

// NewProducerWithWriter 使用自定义 writer 创建生产者
func NewProducerWithWriter(cfg *ProducerConfig, writer MessageWriter) *Producer {
	p := &Producer{
		topic:  cfg.Topic,
		writer: writer,
		log:    logger.With(zap.String("component", "kafka"), zap.String("topic", cfg.Topic)),
	}
	// 尚未写入时视为健康
	p.healthy.Store(true)
	return p
}

// Send 发送单条消息
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	return p.SendBatch(ctx, []kafka.Message{{Key: key, Value: value}})
}

// SendBatch 批量发送消息
func (p *Producer) SendBatch(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		if p.healthy.Swap(false) {
			p.log.Error("kafka send failed", zap.Int("count", len(messages)), zap.Error(err))
		}
		p.failed.Add(uint64(len(messages)))
		return err
	}

	if !p.healthy.Swap(true) {
		p.log.Info("kafka send recovered", zap.Uint64("failed_total", p.failed.Load()))
	}
	return nil
}

// IsHealthy 最近一次写入是否成功
func (p *Producer) IsHealthy() bool {
	return p.healthy.Load()
}

// Failed 写入失败的消息总数
func (p *Producer) Failed() uint64 {
	return p.failed.Load()
}

// Close 关闭生产者，等待缓冲中的消息写完
func (p *Producer) Close() error {
	return p.writer.Close()
}
