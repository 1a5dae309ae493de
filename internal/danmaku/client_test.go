package danmaku

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/qiminjie89/danmaku/internal/protocol"
	"github.com/qiminjie89/danmaku/pkg/metrics"
	"github.com/qiminjie89/danmaku/pkg/transport"
)

const waitTimeout = 2 * time.Second

// closeMarker 客户端发来正常关闭帧时写入 frames
var closeMarker = &protocol.Frame{}

// fakeRelay 模拟弹幕服务器：记录客户端发来的帧，测试通过 conn 主动下发帧
type fakeRelay struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan *protocol.Frame
	dials  atomic.Int32

	mu   sync.Mutex
	open []*websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := &fakeRelay{
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan *protocol.Frame, 256),
	}

	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.dials.Add(1)
		r.mu.Lock()
		r.open = append(r.open, conn)
		r.mu.Unlock()
		r.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					select {
					case r.frames <- closeMarker:
					case <-time.After(waitTimeout):
					}
				}
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			select {
			case r.frames <- f:
			default:
			}
		}
	}))

	t.Cleanup(func() {
		r.mu.Lock()
		for _, c := range r.open {
			c.Close()
		}
		r.mu.Unlock()
		r.srv.Close()
	})
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/sub"
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("relay: no connection accepted")
		return nil
	}
}

// expectFrame 等待下一个指定操作码的帧
func (r *fakeRelay) expectFrame(t *testing.T, op uint32) *protocol.Frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-r.frames:
			if f.Operation == op {
				return f
			}
		case <-deadline:
			t.Fatalf("relay: no frame with op %d", op)
			return nil
		}
	}
}

func push(t *testing.T, conn *websocket.Conn, version uint16, op uint32, body []byte) {
	t.Helper()
	data := protocol.EncodeFrame(&protocol.Frame{Version: version, Operation: op, Body: body})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func staticToken(key string, hosts ...string) TokenFetcher {
	return TokenFetcherFunc(func(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
		return &protocol.JoinToken{Key: key, Hosts: hosts}, nil
	})
}

func newTestClient(t *testing.T, cfg Config, tokens TokenFetcher) *Client {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.Logger = zap.NewNop()

	dialer := transport.NewWebSocketDialer(transport.WebSocketConfig{HandshakeTimeout: time.Second})
	c := New(cfg, dialer, tokens)
	t.Cleanup(c.Disconnect)
	return c
}

// collector 收集回调结果
type collector struct {
	msgs chan *Message
	errs chan error
}

func collect(c *Client) *collector {
	col := &collector{
		msgs: make(chan *Message, 64),
		errs: make(chan error, 64),
	}
	c.SetMessageHandler(func(m *Message) { col.msgs <- m })
	c.SetErrorHandler(func(err error) { col.errs <- err })
	return col
}

func (col *collector) nextMessage(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-col.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no message delivered")
		return nil
	}
}

func (col *collector) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-col.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("no error delivered")
		return nil
	}
}

func TestClient_ConnectJoinMessageDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url(), Buvid: "TEST-BUVIDinfoc"}, staticToken("tok"))
	col := collect(c)

	before := testutil.ToFloat64(metrics.FramesReceived.WithLabelValues("message"))

	require.NoError(t, c.Connect(context.Background(), 123, 0))
	assert.True(t, c.IsConnected())
	assert.True(t, c.IsHealthy())
	assert.Equal(t, int64(123), c.Session().RoomID)
	assert.Equal(t, "tok", c.Session().Token)

	conn := relay.accept(t)
	join := relay.expectFrame(t, protocol.OpJoin)

	var req protocol.JoinRequest
	require.NoError(t, json.Unmarshal(join.Body, &req))
	assert.Equal(t, int64(123), req.RoomID)
	assert.Equal(t, int64(0), req.UID)
	assert.Equal(t, "tok", req.Key)
	assert.Equal(t, "TEST-BUVIDinfoc", req.Buvid)
	assert.Equal(t, "web", req.Platform)

	push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte("hello"))

	msg := col.nextMessage(t)
	assert.Equal(t, "hello", string(msg.Body))
	assert.Equal(t, int64(123), msg.RoomID)
	assert.Equal(t, protocol.VersionJSON, msg.Version)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues("message")))

	// 进房请求只发一次，消息只回调一次
	time.Sleep(50 * time.Millisecond)
	for len(relay.frames) > 0 {
		f := <-relay.frames
		assert.NotEqual(t, protocol.OpJoin, f.Operation, "join sent more than once")
	}
	assert.Empty(t, col.msgs)

	ioDone, consumerDone := c.mgr.ioDone, c.mgr.consumerDone
	start := time.Now()
	c.Disconnect()
	assert.Less(t, time.Since(start), waitTimeout)

	assert.False(t, c.IsConnected())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, StateDisconnected, c.State())
	for name, ch := range map[string]chan struct{}{"io": ioDone, "consumer": consumerDone} {
		select {
		case <-ch:
		default:
			t.Errorf("%s goroutine still running after Disconnect", name)
		}
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		c.Disconnect()
		assert.NoError(t, c.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("repeated Disconnect deadlocked")
	}
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)
	require.NoError(t, c.Connect(context.Background(), 2, 0))

	assert.Equal(t, int32(1), relay.dials.Load())
	assert.Equal(t, int64(1), c.Session().RoomID)
}

func TestClient_MessagesDeliveredInOrder(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	for _, body := range []string{"A", "B", "C"} {
		push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte(body))
	}

	var got []string
	var seqs []uint64
	for i := 0; i < 3; i++ {
		m := col.nextMessage(t)
		got = append(got, string(m.Body))
		seqs = append(seqs, m.Seq)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
	assert.True(t, seqs[0] < seqs[1] && seqs[1] < seqs[2])
}

func TestClient_SlowHandlerDoesNotBlockReads(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	release := make(chan struct{})
	var delivered atomic.Int32
	c.SetMessageHandler(func(m *Message) {
		<-release
		delivered.Add(1)
	})

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	for i := 0; i < 20; i++ {
		push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte("x"))
	}

	// 回调阻塞期间 I/O goroutine 仍在读，帧堆积在队列里
	require.Eventually(t, func() bool {
		return c.mgr.queue.Load().Len() >= 19
	}, waitTimeout, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return delivered.Load() == 20 }, waitTimeout, 5*time.Millisecond)
}

func TestClient_HeartbeatsWhileConnected(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url(), HeartbeatInterval: 30 * time.Millisecond}, nil)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	first := relay.expectFrame(t, protocol.OpHeartbeat)
	second := relay.expectFrame(t, protocol.OpHeartbeat)
	assert.Empty(t, first.Body)
	assert.Greater(t, second.Sequence, first.Sequence)

	c.Disconnect()
	assert.ErrorIs(t, c.SendHeartbeat(), ErrNotConnected)
}

func TestClient_HeartbeatSuppressedWhenUnhealthy(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	c.mgr.healthy.Store(false)
	assert.ErrorIs(t, c.SendHeartbeat(), ErrUnhealthy)
	c.mgr.healthy.Store(true)
	assert.NoError(t, c.SendHeartbeat())
	relay.expectFrame(t, protocol.OpHeartbeat)
}

func TestClient_TokenFetchFailureDegrades(t *testing.T) {
	relay := newFakeRelay(t)
	tokens := TokenFetcherFunc(func(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
		return nil, errors.New("http status 412")
	})
	c := newTestClient(t, Config{URL: relay.url()}, tokens)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 7, 42))
	relay.accept(t)

	join := relay.expectFrame(t, protocol.OpJoin)
	var req protocol.JoinRequest
	require.NoError(t, json.Unmarshal(join.Body, &req))
	assert.Equal(t, "", req.Key)
	assert.Equal(t, int64(42), req.UID)

	var tfe *TokenFetchError
	require.ErrorAs(t, col.nextError(t), &tfe)
	assert.Equal(t, int64(7), tfe.RoomID)
}

func TestClient_RequireTokenAborts(t *testing.T) {
	relay := newFakeRelay(t)
	tokens := TokenFetcherFunc(func(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
		return nil, errors.New("boom")
	})
	c := newTestClient(t, Config{URL: relay.url(), RequireToken: true}, tokens)

	err := c.Connect(context.Background(), 7, 0)
	var tfe *TokenFetchError
	require.ErrorAs(t, err, &tfe)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(0), relay.dials.Load())
}

func TestClient_DialFailure(t *testing.T) {
	c := newTestClient(t, Config{URL: "ws://127.0.0.1:1/sub"}, nil)

	err := c.Connect(context.Background(), 1, 0)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, c.mgr.queue.Load())
}

func TestClient_UsesHostList(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: "ws://127.0.0.1:1/sub", UseHostList: true}, staticToken("tok", relay.url()))

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)
}

func TestClient_MalformedFrameDroppedQueueUnaffected(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	bad := make([]byte, 10)
	binary.BigEndian.PutUint32(bad[0:4], 9999)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, bad))
	push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte("still here"))

	err := col.nextError(t)
	assert.ErrorIs(t, err, protocol.ErrTruncated)
	assert.Equal(t, "still here", string(col.nextMessage(t).Body))
	assert.True(t, c.IsConnected())
}

func TestClient_ProtocolErrors(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	push(t, conn, protocol.VersionControl, 99, nil)
	var pe *ProtocolError
	require.ErrorAs(t, col.nextError(t), &pe)
	assert.Equal(t, uint32(99), pe.Operation)

	push(t, conn, protocol.VersionControl, protocol.OpJoinAck, []byte(`{"code":-101}`))
	require.ErrorAs(t, col.nextError(t), &pe)
	assert.Equal(t, protocol.OpJoinAck, pe.Operation)
	assert.False(t, c.Joined())

	push(t, conn, protocol.VersionControl, protocol.OpJoinAck, []byte(`{"code":0}`))
	require.Eventually(t, c.Joined, waitTimeout, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestClient_Popularity(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	got := make(chan uint32, 1)
	c.SetPopularityHandler(func(p uint32) { got <- p })

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 31337)
	push(t, conn, protocol.VersionControl, protocol.OpHeartbeatAck, body)

	select {
	case p := <-got:
		assert.Equal(t, uint32(31337), p)
		assert.Equal(t, uint32(31337), c.Popularity())
	case <-time.After(waitTimeout):
		t.Fatal("popularity handler not called")
	}
}

func TestClient_RelayDropSurfacesTransportError(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	conn.Close()

	var te *TransportError
	require.ErrorAs(t, col.nextError(t), &te)
	assert.Equal(t, "read", te.Op)
	assert.False(t, c.IsHealthy())
	assert.False(t, c.IsConnected())
	assert.Equal(t, StateClosing, c.State())

	// 未断开前 Connect 为空操作
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	assert.Equal(t, int32(1), relay.dials.Load())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// 由调用方决定重连
	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)
	assert.Equal(t, int32(2), relay.dials.Load())
}

func TestClient_ReadTimeoutMarksUnhealthy(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url(), ReadTimeout: 50 * time.Millisecond}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	relay.accept(t)

	var te *TransportError
	require.ErrorAs(t, col.nextError(t), &te)
	assert.Equal(t, "read", te.Op)
	assert.False(t, c.IsHealthy())
}

func TestClient_HandlerPanicDoesNotStopConsumer(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)

	got := make(chan string, 2)
	c.SetMessageHandler(func(m *Message) {
		if string(m.Body) == "panic" {
			panic("handler bug")
		}
		got <- string(m.Body)
	})

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte("panic"))
	push(t, conn, protocol.VersionJSON, protocol.OpMessage, []byte("ok"))

	select {
	case s := <-got:
		assert.Equal(t, "ok", s)
	case <-time.After(waitTimeout):
		t.Fatal("consumer stopped after handler panic")
	}
}

func TestClient_NoHeartbeatAfterDisconnectBegins(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url(), HeartbeatInterval: time.Millisecond}, nil)

	for i := 0; i < 30; i++ {
		require.NoError(t, c.Connect(context.Background(), 1, 0))
		relay.accept(t)
		relay.expectFrame(t, protocol.OpJoin)
		relay.expectFrame(t, protocol.OpHeartbeat)

		c.Disconnect()

		// 关闭帧之前的心跳都是 Disconnect 开始前写出的
		deadline := time.After(waitTimeout)
	drain:
		for {
			select {
			case f := <-relay.frames:
				if f == closeMarker {
					break drain
				}
			case <-deadline:
				t.Fatalf("iteration %d: relay saw no close frame", i)
			}
		}

		select {
		case f := <-relay.frames:
			t.Fatalf("iteration %d: frame op %d after close", i, f.Operation)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestClient_TransportErrorClearsJoined(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, Config{URL: relay.url()}, nil)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	push(t, conn, protocol.VersionControl, protocol.OpJoinAck, []byte(`{"code":0}`))
	require.Eventually(t, c.Joined, waitTimeout, 5*time.Millisecond)

	conn.Close()

	var te *TransportError
	require.ErrorAs(t, col.nextError(t), &te)
	assert.False(t, c.Joined())
	assert.False(t, c.joined.Load())
}

func TestClient_RelayNormalCloseLoggedAtInfo(t *testing.T) {
	relay := newFakeRelay(t)
	core, logs := observer.New(zapcore.DebugLevel)

	dialer := transport.NewWebSocketDialer(transport.WebSocketConfig{HandshakeTimeout: time.Second})
	c := New(Config{URL: relay.url(), HeartbeatInterval: time.Hour, Logger: zap.New(core)}, dialer, nil)
	t.Cleanup(c.Disconnect)
	col := collect(c)

	require.NoError(t, c.Connect(context.Background(), 1, 0))
	conn := relay.accept(t)
	relay.expectFrame(t, protocol.OpJoin)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	var te *TransportError
	require.ErrorAs(t, col.nextError(t), &te)
	assert.True(t, transport.IsNormalClose(te.Err))
	assert.False(t, c.IsHealthy())

	entries := logs.FilterMessage("relay closed connection").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Zero(t, logs.FilterMessage("danmaku transport error").Len())
}

func TestClient_DisconnectWaitsForPendingConnect(t *testing.T) {
	relay := newFakeRelay(t)
	fetching := make(chan struct{})
	blocking := TokenFetcherFunc(func(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
		close(fetching)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestClient(t, Config{URL: relay.url(), RequireToken: true}, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(ctx, 1, 0) }()
	<-fetching
	assert.Equal(t, StateConnecting, c.State())

	disconnected := make(chan struct{})
	go func() {
		c.Disconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
		t.Fatal("Disconnect returned while Connect was fetching the token")
	case <-time.After(50 * time.Millisecond):
	}

	// 取消 Connect 的 ctx 才能中止凭证获取
	cancel()

	var tfe *TokenFetchError
	require.ErrorAs(t, <-connectErr, &tfe)
	assert.ErrorIs(t, tfe, context.Canceled)

	select {
	case <-disconnected:
	case <-time.After(waitTimeout):
		t.Fatal("Disconnect did not return after Connect was cancelled")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, relay.dials.Load())
}
