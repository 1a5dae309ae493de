// Package relay 实现弹幕接入服务：连接直播间，把消息转发到下游，并提供健康检查和监控接口
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/internal/danmaku"
	"github.com/qiminjie89/danmaku/internal/liveapi"
	"github.com/qiminjie89/danmaku/pkg/config"
	"github.com/qiminjie89/danmaku/pkg/kafka"
	"github.com/qiminjie89/danmaku/pkg/livemsg"
	"github.com/qiminjie89/danmaku/pkg/logger"
	"github.com/qiminjie89/danmaku/pkg/metrics"
	"github.com/qiminjie89/danmaku/pkg/transport"
)

const forwardTimeout = 5 * time.Second

// EventHandler 事件回调，在客户端消费 goroutine 上执行
type EventHandler func(roomID int64, ev livemsg.Event)

// Server 弹幕接入服务
type Server struct {
	cfg      *config.Config
	roomID   int64
	viewerID int64

	client *danmaku.Client
	api    *liveapi.Client
	sink   Sink // 可为 nil

	onEvent EventHandler

	// 传输错误后通知重连
	reconnectCh chan struct{}

	httpServer *http.Server
	startedAt  time.Time
	log        *zap.Logger

	// ctx 控制重连和上报；sinkCtx 控制转发，客户端断开后才取消
	ctx        context.Context
	cancel     context.CancelFunc
	sinkCtx    context.Context
	sinkCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer 创建服务；配置了 Kafka broker 时转发到 Kafka
func NewServer(cfg *config.Config, roomID, viewerID int64) *Server {
	api := liveapi.NewClient(liveapi.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		CSRF:      cfg.API.CSRF,
		Cookie:    cfg.API.Cookie,
		UserAgent: cfg.API.UserAgent,
	})

	header := http.Header{}
	if cfg.API.UserAgent != "" {
		header.Set("User-Agent", cfg.API.UserAgent)
	}
	dialer := transport.NewWebSocketDialer(transport.WebSocketConfig{
		ReadBufferSize:   cfg.Relay.ReadBufferSize,
		WriteBufferSize:  cfg.Relay.WriteBufferSize,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		Header:           header,
	})

	var sink Sink
	if len(cfg.Kafka.Brokers) > 0 {
		sink = NewKafkaSink(kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}))
	}

	return newServer(cfg, roomID, viewerID, dialer, api, sink)
}

func newServer(cfg *config.Config, roomID, viewerID int64, dialer transport.Dialer, api *liveapi.Client, sink Sink) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	sinkCtx, sinkCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		roomID:      roomID,
		viewerID:    viewerID,
		api:         api,
		sink:        sink,
		reconnectCh: make(chan struct{}, 1),
		log:         logger.With(zap.String("component", "relay"), zap.Int64("room_id", roomID)),
		ctx:         ctx,
		cancel:      cancel,
		sinkCtx:     sinkCtx,
		sinkCancel:  sinkCancel,
	}

	var tokens danmaku.TokenFetcher
	if api != nil {
		tokens = api
	}

	s.client = danmaku.New(danmaku.FromRelayConfig(&cfg.Relay), dialer, tokens)
	s.client.SetMessageHandler(s.handleMessage)
	s.client.SetErrorHandler(s.handleError)
	s.client.SetPopularityHandler(func(popularity uint32) {
		s.log.Debug("popularity", zap.Uint32("value", popularity))
	})

	return s
}

// OnEvent 设置事件回调，需在 Start 之前调用
func (s *Server) OnEvent(h EventHandler) {
	s.onEvent = h
}

// Client 返回底层弹幕客户端
func (s *Server) Client() *danmaku.Client {
	return s.client
}

// Start 连接直播间并启动健康检查服务
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.log.Info("starting relay",
		zap.Int64("viewer_id", s.viewerID),
		zap.Bool("kafka", s.sink != nil),
	)

	if err := s.connect(ctx); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled {
		s.httpServer = &http.Server{
			Addr:    s.cfg.Metrics.Addr,
			Handler: s.Handler(),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runHTTPServer()
		}()
	}

	if s.cfg.Relay.ReconnectInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconnectLoop()
		}()
	}

	s.log.Info("relay started")
	return nil
}

// Stop 断开连接并关闭下游
//
// 先停止重连，再断开客户端；断开时已入队的消息仍会转发到下游。
func (s *Server) Stop() {
	s.log.Info("stopping relay")
	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()

	// 断开后不再有回调，此时关闭下游是安全的
	s.client.Disconnect()
	s.sinkCancel()

	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.log.Warn("close sink failed", zap.Error(err))
		}
	}

	s.log.Info("relay stopped")
}

func (s *Server) connect(ctx context.Context) error {
	if err := s.client.Connect(ctx, s.roomID, s.viewerID); err != nil {
		return err
	}

	if s.api != nil && s.cfg.API.ReportHistory {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.api.ReportHistory(s.ctx, s.roomID)
		}()
	}
	return nil
}

// reconnectLoop 传输错误后断开并按固定间隔重连
func (s *Server) reconnectLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconnectCh:
		}

		s.client.Disconnect()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.Relay.ReconnectInterval):
			}

			if err := s.connect(s.ctx); err != nil {
				s.log.Warn("reconnect failed", zap.Error(err))
				continue
			}
			s.log.Info("reconnected")
			break
		}
	}
}

func (s *Server) handleMessage(msg *danmaku.Message) {
	var events []livemsg.Event
	if s.cfg.Kafka.ExpandEvents || s.onEvent != nil {
		var err error
		events, err = livemsg.Decode(msg.Body, msg.Version)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues("payload").Inc()
			s.log.Warn("decode payload failed",
				zap.Uint64("seq", msg.Seq),
				zap.Uint16("version", msg.Version),
				zap.Error(err),
			)
		}
		for _, ev := range events {
			metrics.PayloadEvents.WithLabelValues(ev.Cmd).Inc()
		}
	}

	if s.onEvent != nil {
		for _, ev := range events {
			s.onEvent(msg.RoomID, ev)
		}
	}

	if s.sink != nil {
		forward := events
		if !s.cfg.Kafka.ExpandEvents {
			forward = nil
		}

		ctx, cancel := context.WithTimeout(s.sinkCtx, forwardTimeout)
		err := s.sink.Forward(ctx, msg, forward)
		cancel()
		if err != nil {
			s.log.Warn("forward failed", zap.Uint64("seq", msg.Seq), zap.Error(err))
		}
	}
}

func (s *Server) handleError(err error) {
	var transportErr *danmaku.TransportError
	if !errors.As(err, &transportErr) {
		s.log.Warn("client error", zap.Error(err))
		return
	}

	s.log.Error("connection lost", zap.Error(err))
	if s.cfg.Relay.ReconnectInterval <= 0 {
		return
	}

	// 回调中不能调用 Disconnect，交给重连 goroutine
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}
