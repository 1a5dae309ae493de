package danmaku

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qiminjie89/danmaku/internal/protocol"
	"github.com/qiminjie89/danmaku/internal/workqueue"
	"github.com/qiminjie89/danmaku/pkg/metrics"
	"github.com/qiminjie89/danmaku/pkg/transport"
)

// TokenFetcher 获取进房凭证
type TokenFetcher interface {
	FetchToken(ctx context.Context, roomID int64) (*protocol.JoinToken, error)
}

// TokenFetcherFunc 函数适配为 TokenFetcher
type TokenFetcherFunc func(ctx context.Context, roomID int64) (*protocol.JoinToken, error)

// FetchToken 实现 TokenFetcher
func (f TokenFetcherFunc) FetchToken(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
	return f(ctx, roomID)
}

// Task 延迟执行的工作单元，由消费 goroutine 调用 Handler(Arg)
type Task struct {
	Handler    func(arg []byte)
	Arg        []byte
	EnqueuedAt time.Time
}

// Manager 连接管理器
//
// 每个活跃连接有两个 goroutine：
//   - I/O goroutine 独占读，收到的数据只入队不处理
//   - 消费 goroutine 依次执行队列中的任务，是唯一调用上层回调的地方
//
// 连接状态只由 Manager 修改。写路径由 writeMu 串行化，心跳和进房请求不会交错写入。
type Manager struct {
	cfg    Config
	dialer transport.Dialer
	tokens TokenFetcher
	log    *zap.Logger

	// onFrame/onError 在消费 goroutine 上执行
	onFrame func(raw []byte)
	onError func(err error)

	// 串行化 Connect/Disconnect
	lifecycleMu sync.Mutex

	state   atomic.Int32
	healthy atomic.Bool
	session atomic.Pointer[Session]
	seq     atomic.Uint32

	// 写路径锁，保护 conn
	writeMu sync.Mutex
	conn    transport.Conn

	queue atomic.Pointer[workqueue.Queue[Task]]

	// 以下字段仅在持有 lifecycleMu 时修改
	heartbeat    *Heartbeat
	ioDone       chan struct{}
	consumerDone chan struct{}
}

// NewManager 创建连接管理器
func NewManager(cfg Config, dialer transport.Dialer, tokens TokenFetcher, onFrame func([]byte), onError func(error)) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		tokens:  tokens,
		log:     cfg.Logger,
		onFrame: onFrame,
		onError: onError,
	}
}

// State 返回当前连接状态
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsHealthy 返回最近一次传输层事件是否成功
func (m *Manager) IsHealthy() bool {
	return m.healthy.Load()
}

// Session 返回当前（或最近一次）连接的会话
func (m *Manager) Session() Session {
	if s := m.session.Load(); s != nil {
		return *s
	}
	return Session{}
}

// setState 切换状态并维护在线 gauge
func (m *Manager) setState(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if prev == StateConnected {
		metrics.ClientConnected.Dec()
	}
	if next == StateConnected {
		metrics.ClientConnected.Inc()
	}
}

// Connect 获取凭证并建立连接，非 Disconnected 状态下为空操作
//
// 返回时传输层已建立，但进房请求由 I/O goroutine 异步发送。
// 拨号失败时直接回到 Disconnected，不启动任何 goroutine。
func (m *Manager) Connect(ctx context.Context, roomID, viewerID int64) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.State() != StateDisconnected {
		return nil
	}
	m.setState(StateConnecting)

	log := m.log.With(zap.Int64("room_id", roomID), zap.Int64("viewer_id", viewerID))
	sess := &Session{RoomID: roomID, ViewerID: viewerID}
	url := m.cfg.URL

	var pending []error
	if m.tokens != nil {
		token, err := m.tokens.FetchToken(ctx, roomID)
		if err != nil {
			metrics.TokenFetchErrors.Inc()
			tfe := &TokenFetchError{RoomID: roomID, Err: err}
			if m.cfg.RequireToken {
				metrics.ConnectAttempts.WithLabelValues("token_error").Inc()
				m.setState(StateDisconnected)
				return tfe
			}
			log.Warn("fetch join token failed, connecting without token", zap.Error(err))
			pending = append(pending, tfe)
		} else {
			sess.Token = token.Key
			if m.cfg.UseHostList && len(token.Hosts) > 0 {
				url = token.Hosts[0]
			}
		}
	}

	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("dial_error").Inc()
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		m.setState(StateDisconnected)
		return &TransportError{Op: "dial", Err: err}
	}

	queue := workqueue.New[Task](m.cfg.QueueLimit)
	m.queue.Store(queue)
	m.session.Store(sess)
	m.heartbeat = NewHeartbeat(m.cfg.HeartbeatInterval, m.heartbeatTick)
	m.ioDone = make(chan struct{})
	m.consumerDone = make(chan struct{})

	m.writeMu.Lock()
	m.conn = conn
	m.healthy.Store(true)
	m.setState(StateConnected)
	m.writeMu.Unlock()
	metrics.ConnectAttempts.WithLabelValues("ok").Inc()

	for _, err := range pending {
		m.enqueueError(err)
	}

	go m.consumeLoop(queue, m.consumerDone)
	go m.ioLoop(conn, sess, m.heartbeat, m.ioDone)

	log.Info("danmaku connected", zap.String("url", url), zap.String("remote", conn.RemoteAddr()))
	return nil
}

// Disconnect 按顺序拆除连接，返回时两个 goroutine 都已退出
//
// 顺序：置 Closing、同步取消心跳、关闭 socket 并等待 I/O goroutine、
// 关闭队列并等待消费 goroutine 取完剩余任务、置 Disconnected。
// 不能在消息回调中调用，否则会等待自身退出。
// 持有与 Connect 相同的生命周期锁，Connect 获取凭证或拨号期间会一直等待；
// 中止进行中的 Connect 只能通过取消其 ctx。
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.State() == StateDisconnected {
		return
	}

	// 持有写锁切换状态，之后不会再有任何写入
	m.writeMu.Lock()
	m.setState(StateClosing)
	conn := m.conn
	m.writeMu.Unlock()

	m.heartbeat.Stop()

	if err := conn.CloseGracefully(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		m.log.Debug("send close frame failed", zap.Error(err))
	}
	conn.Close()
	<-m.ioDone

	m.writeMu.Lock()
	m.conn = nil
	m.writeMu.Unlock()
	m.healthy.Store(false)

	m.queue.Load().Shutdown()
	<-m.consumerDone
	metrics.TaskQueueDepth.Set(0)

	m.setState(StateDisconnected)
	m.log.Info("danmaku disconnected", zap.Int64("room_id", m.Session().RoomID))
}

// ioLoop I/O goroutine：发送进房请求、安装心跳，然后持续读取
func (m *Manager) ioLoop(conn transport.Conn, sess *Session, hb *Heartbeat, done chan struct{}) {
	defer close(done)

	// 传输层已打开，发送进房请求
	if err := m.SendJoin(sess.RoomID, sess.ViewerID, sess.Token); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			m.log.Error("send join failed", zap.Int64("room_id", sess.RoomID), zap.Error(err))
		}
		return
	}
	hb.Start()

	for {
		if m.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}

		data, err := conn.ReadMessage()
		if err != nil {
			if m.State() != StateConnected {
				return
			}
			m.fail("read", err)
			return
		}

		m.enqueue(m.onFrame, data)
	}
}

// consumeLoop 消费 goroutine
func (m *Manager) consumeLoop(q *workqueue.Queue[Task], done chan struct{}) {
	defer close(done)

	q.Run(func(t Task) {
		metrics.TaskQueueDepth.Set(float64(q.Len()))
		metrics.TaskLatency.Observe(time.Since(t.EnqueuedAt).Seconds())
		m.runTask(t)
	})
}

// runTask 执行单个任务，回调 panic 不会终止消费循环
func (m *Manager) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task handler panic", zap.Any("panic", r))
		}
	}()
	t.Handler(t.Arg)
}

// enqueue 入队，I/O goroutine 对每个事件只做这一件事
func (m *Manager) enqueue(handler func([]byte), arg []byte) {
	q := m.queue.Load()
	if q == nil {
		return
	}

	ok, dropped := q.Push(Task{Handler: handler, Arg: arg, EnqueuedAt: time.Now()})
	if !ok {
		return
	}
	if dropped {
		metrics.TaskQueueDropped.Inc()
	}
	metrics.TaskQueueDepth.Set(float64(q.Len()))
}

// enqueueError 把错误交给消费 goroutine 回调
func (m *Manager) enqueueError(err error) {
	if m.onError == nil {
		return
	}
	m.enqueue(func([]byte) { m.onError(err) }, nil)
}

// fail 传输层出错：标记不健康，Connected → Closing，等待调用方 Disconnect
func (m *Manager) fail(op string, err error) {
	m.healthy.Store(false)

	m.writeMu.Lock()
	wasConnected := m.State() == StateConnected
	if wasConnected {
		m.setState(StateClosing)
	}
	m.writeMu.Unlock()

	if !wasConnected {
		return
	}

	metrics.TransportErrors.WithLabelValues(op).Inc()

	// 对端正常关闭不算故障，只记 info
	lvl, msg := zapcore.ErrorLevel, "danmaku transport error"
	if transport.IsNormalClose(err) {
		lvl, msg = zapcore.InfoLevel, "relay closed connection"
	}
	if ce := m.log.Check(lvl, msg); ce != nil {
		ce.Write(
			zap.String("op", op),
			zap.Int64("room_id", m.Session().RoomID),
			zap.Error(err),
		)
	}
	m.enqueueError(&TransportError{Op: op, Err: err})
}

// SendJoin 发送进房请求（操作码 7）
func (m *Manager) SendJoin(roomID, viewerID int64, token string) error {
	body, err := protocol.MarshalJoin(&protocol.JoinRequest{
		UID:      viewerID,
		RoomID:   roomID,
		ProtoVer: m.cfg.ProtocolVersion,
		Buvid:    m.cfg.Buvid,
		Platform: m.cfg.Platform,
		Type:     2,
		Key:      token,
	})
	if err != nil {
		return fmt.Errorf("marshal join request: %w", err)
	}

	m.log.Info("send join request", zap.Int64("room_id", roomID), zap.Int64("viewer_id", viewerID))
	return m.Send(protocol.OpJoin, body)
}

// SendHeartbeat 发送心跳（操作码 2），socket 不健康时不写
func (m *Manager) SendHeartbeat() error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	if !m.IsHealthy() {
		metrics.HeartbeatsSkipped.Inc()
		return ErrUnhealthy
	}
	return m.Send(protocol.OpHeartbeat, nil)
}

func (m *Manager) heartbeatTick() {
	if err := m.SendHeartbeat(); err != nil {
		m.log.Debug("heartbeat skipped", zap.Error(err))
		return
	}
	m.log.Debug("heartbeat sent")
}

// Send 经写路径锁发送一帧，仅在 Connected 且健康时写入
func (m *Manager) Send(op uint32, body []byte) error {
	err := m.write(op, body)
	if err == nil {
		metrics.FramesSent.WithLabelValues(protocol.OpName(op)).Inc()
		return nil
	}

	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrUnhealthy) {
		return err
	}
	m.fail("write", err)
	return &TransportError{Op: "write", Err: err}
}

func (m *Manager) write(op uint32, body []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.conn == nil || m.State() != StateConnected {
		return ErrNotConnected
	}
	if !m.healthy.Load() {
		return ErrUnhealthy
	}

	if m.cfg.WriteTimeout > 0 {
		m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	return m.conn.WriteMessage(protocol.Encode(m.seq.Add(1), op, body))
}
