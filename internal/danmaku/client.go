// Package danmaku 实现直播弹幕实时接入：建立长连接、进房握手、心跳保活，
// 并把收到的消息交给独立的消费 goroutine 回调，不阻塞连接的读循环。
package danmaku

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/internal/protocol"
	"github.com/qiminjie89/danmaku/pkg/metrics"
	"github.com/qiminjie89/danmaku/pkg/transport"
)

// Message 一条消息帧（操作码 5），Body 原样转交，不做解压和解析
type Message struct {
	RoomID  int64
	Seq     uint64 // 客户端生命周期内的接收序号，从 1 开始
	Version uint16 // 帧头协议版本，决定 Body 的压缩方式
	Body    []byte
}

// MessageHandler 消息回调，在消费 goroutine 上执行
type MessageHandler func(msg *Message)

// ErrorHandler 错误回调，在消费 goroutine 上执行
type ErrorHandler func(err error)

// PopularityHandler 心跳回应中的人气值回调
type PopularityHandler func(popularity uint32)

// Client 直播弹幕客户端
//
// 回调都在同一个消费 goroutine 上按接收顺序执行；回调中不能调用 Disconnect/Close。
type Client struct {
	mgr *Manager
	log *zap.Logger

	onMessage    atomic.Pointer[MessageHandler]
	onError      atomic.Pointer[ErrorHandler]
	onPopularity atomic.Pointer[PopularityHandler]

	msgSeq     atomic.Uint64
	popularity atomic.Uint32
	joined     atomic.Bool
}

// New 创建客户端；tokens 为 nil 时不获取凭证，以空凭证进房
func New(cfg Config, dialer transport.Dialer, tokens TokenFetcher) *Client {
	c := &Client{}
	c.mgr = NewManager(cfg, dialer, tokens, c.handleFrame, c.handleError)
	c.log = c.mgr.log
	return c
}

// Connect 连接到指定房间，已连接时为空操作
func (c *Client) Connect(ctx context.Context, roomID, viewerID int64) error {
	if c.mgr.State() == StateDisconnected {
		c.joined.Store(false)
	}
	return c.mgr.Connect(ctx, roomID, viewerID)
}

// Disconnect 断开连接，返回时不会再有任何回调
//
// 与进行中的 Connect 互斥：会等待 Connect 返回后再拆除连接。
// 要中止耗时的凭证获取或拨号，取消传给 Connect 的 ctx。
func (c *Client) Disconnect() {
	c.mgr.Disconnect()
}

// Close 实现 io.Closer，等同于 Disconnect
func (c *Client) Close() error {
	c.mgr.Disconnect()
	return nil
}

// IsConnected 是否处于 Connected 状态
func (c *Client) IsConnected() bool {
	return c.mgr.State() == StateConnected
}

// IsHealthy socket 健康标记
func (c *Client) IsHealthy() bool {
	return c.mgr.IsHealthy()
}

// State 返回连接状态
func (c *Client) State() State {
	return c.mgr.State()
}

// Session 返回当前会话
func (c *Client) Session() Session {
	return c.mgr.Session()
}

// Joined 当前连接是否已收到成功的进房回应，离开 Connected 状态后为 false
func (c *Client) Joined() bool {
	return c.joined.Load() && c.mgr.State() == StateConnected
}

// Popularity 最近一次心跳回应中的人气值
func (c *Client) Popularity() uint32 {
	return c.popularity.Load()
}

// SetMessageHandler 设置消息回调
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.onMessage.Store(&h)
}

// SetErrorHandler 设置错误回调
func (c *Client) SetErrorHandler(h ErrorHandler) {
	c.onError.Store(&h)
}

// SetPopularityHandler 设置人气值回调
func (c *Client) SetPopularityHandler(h PopularityHandler) {
	c.onPopularity.Store(&h)
}

// SendHeartbeat 立即发送一次心跳
func (c *Client) SendHeartbeat() error {
	return c.mgr.SendHeartbeat()
}

// Send 发送任意操作码的帧
func (c *Client) Send(op uint32, body []byte) error {
	return c.mgr.Send(op, body)
}

// handleFrame 解码并转发，在消费 goroutine 上执行
func (c *Client) handleFrame(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			metrics.DecodeErrors.WithLabelValues(de.Kind.String()).Inc()
		}
		c.log.Warn("drop malformed frame", zap.Int("len", len(raw)), zap.Error(err))
		c.handleError(err)
		return
	}

	metrics.FramesReceived.WithLabelValues(protocol.OpName(frame.Operation)).Inc()

	switch frame.Operation {
	case protocol.OpMessage:
		msg := &Message{
			RoomID:  c.mgr.Session().RoomID,
			Seq:     c.msgSeq.Add(1),
			Version: frame.Version,
			Body:    frame.Body,
		}
		if h := c.onMessage.Load(); h != nil && *h != nil {
			(*h)(msg)
		}

	case protocol.OpHeartbeatAck:
		popularity, err := protocol.ParsePopularity(frame.Body)
		if err != nil {
			c.log.Debug("heartbeat ack without popularity", zap.Error(err))
			return
		}
		c.popularity.Store(popularity)
		if h := c.onPopularity.Load(); h != nil && *h != nil {
			(*h)(popularity)
		}

	case protocol.OpJoinAck:
		reply, err := protocol.ParseJoinReply(frame.Body)
		if err != nil {
			c.protocolError(frame.Operation, "unparsable join reply: "+err.Error())
			return
		}
		if reply.Code != 0 {
			c.protocolError(frame.Operation, "join rejected")
			c.log.Warn("join rejected", zap.Int("code", reply.Code))
			return
		}
		c.joined.Store(true)
		c.log.Info("join acknowledged", zap.Int64("room_id", c.mgr.Session().RoomID))

	default:
		c.protocolError(frame.Operation, "unexpected operation")
	}
}

func (c *Client) protocolError(op uint32, msg string) {
	metrics.ProtocolErrors.Inc()
	err := &ProtocolError{Operation: op, Msg: msg}
	c.log.Warn("protocol error", zap.Error(err))
	c.handleError(err)
}

func (c *Client) handleError(err error) {
	var te *TransportError
	if errors.As(err, &te) {
		c.joined.Store(false)
	}
	if h := c.onError.Load(); h != nil && *h != nil {
		(*h)(err)
	}
}
