// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 连接指标
var (
	ClientConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "danmaku_client_connected",
		Help: "Number of live danmaku clients in Connected state",
	})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_connect_attempts_total",
		Help: "Connect attempts by result",
	}, []string{"result"}) // ok, dial_error, token_error

	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_transport_errors_total",
		Help: "Transport errors by operation",
	}, []string{"op"}) // read, write, dial

	TokenFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_token_fetch_errors_total",
		Help: "Join token fetch failures",
	})
)

// 帧指标
var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_frames_received_total",
		Help: "Inbound frames decoded, by operation",
	}, []string{"op"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_frames_sent_total",
		Help: "Outbound frames written, by operation",
	}, []string{"op"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_decode_errors_total",
		Help: "Inbound frames dropped by decode error kind",
	}, []string{"kind"})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_protocol_errors_total",
		Help: "Frames with unexpected operation codes",
	})

	HeartbeatsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_heartbeats_skipped_total",
		Help: "Heartbeat ticks suppressed because the socket was unhealthy",
	})
)

// 分发队列指标
var (
	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "danmaku_task_queue_depth",
		Help: "Tasks waiting in the dispatch queue",
	})

	TaskQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_task_queue_dropped_total",
		Help: "Tasks dropped because the dispatch queue limit was reached",
	})

	TaskLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "danmaku_task_latency_seconds",
		Help:    "Time from enqueue to handler start",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// 转发指标
var (
	ForwardedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_forwarded_messages_total",
		Help: "Messages forwarded to the sink, by result",
	}, []string{"result"})

	PayloadEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_payload_events_total",
		Help: "Events decoded from message bodies, by cmd",
	}, []string{"cmd"})
)
