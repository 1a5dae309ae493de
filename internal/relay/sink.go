package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/qiminjie89/danmaku/internal/danmaku"
	"github.com/qiminjie89/danmaku/internal/protocol"
	"github.com/qiminjie89/danmaku/pkg/livemsg"
	"github.com/qiminjie89/danmaku/pkg/metrics"
)

// Sink 消息下游
type Sink interface {
	// Forward 转发一条消息；events 非空时按事件逐条转发，否则转发原始 body
	Forward(ctx context.Context, msg *danmaku.Message, events []livemsg.Event) error
	Close() error
}

// BatchSender pkg/kafka.Producer 的最小接口
type BatchSender interface {
	SendBatch(ctx context.Context, messages []kafka.Message) error
	IsHealthy() bool
	Close() error
}

// KafkaSink 以 msgpack 信封写入 Kafka，key 为房间号，保证同房间分区有序
type KafkaSink struct {
	producer BatchSender
	now      func() time.Time
}

// NewKafkaSink 创建 Kafka 下游
func NewKafkaSink(producer BatchSender) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		now:      time.Now,
	}
}

// Forward 实现 Sink
func (s *KafkaSink) Forward(ctx context.Context, msg *danmaku.Message, events []livemsg.Event) error {
	key := []byte(strconv.FormatInt(msg.RoomID, 10))
	receivedAt := s.now()

	var envs []*protocol.ForwardEnvelope
	if len(events) == 0 {
		envs = append(envs, &protocol.ForwardEnvelope{
			RoomID:     msg.RoomID,
			Seq:        msg.Seq,
			ReceivedAt: receivedAt,
			Body:       msg.Body,
		})
	} else {
		for _, ev := range events {
			envs = append(envs, &protocol.ForwardEnvelope{
				RoomID:     msg.RoomID,
				Seq:        msg.Seq,
				ReceivedAt: receivedAt,
				Cmd:        ev.Cmd,
				Body:       ev.Raw,
			})
		}
	}

	batch := make([]kafka.Message, 0, len(envs))
	for _, env := range envs {
		value, err := protocol.EncodeEnvelope(env)
		if err != nil {
			metrics.ForwardedMessages.WithLabelValues("encode_error").Inc()
			return err
		}
		batch = append(batch, kafka.Message{Key: key, Value: value, Time: receivedAt})
	}

	if err := s.producer.SendBatch(ctx, batch); err != nil {
		metrics.ForwardedMessages.WithLabelValues("error").Add(float64(len(batch)))
		return err
	}

	metrics.ForwardedMessages.WithLabelValues("ok").Add(float64(len(batch)))
	return nil
}

// IsHealthy 最近一次写入是否成功
func (s *KafkaSink) IsHealthy() bool {
	return s.producer.IsHealthy()
}

// Close 关闭生产者
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
