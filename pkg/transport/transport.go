// Package transport 提供客户端传输层抽象，当前实现为 WebSocket
package transport

import (
	"context"
	"time"
)

// Dialer 建立到弹幕服务器的连接
type Dialer interface {
	// Dial 拨号，握手完成后返回
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn 连接接口，只收发二进制消息
//
// 同一时刻最多一个 goroutine 读、一个 goroutine 写。
type Conn interface {
	// ReadMessage 读取一条完整的二进制消息
	ReadMessage() ([]byte, error)
	// WriteMessage 写入一条二进制消息
	WriteMessage(data []byte) error
	// SetReadDeadline 设置读超时
	SetReadDeadline(t time.Time) error
	// SetWriteDeadline 设置写超时
	SetWriteDeadline(t time.Time) error
	// CloseGracefully 发送关闭帧，deadline 前未写完则放弃
	CloseGracefully(deadline time.Time) error
	// Close 关闭底层连接，阻塞中的读会立即返回错误
	Close() error
	// RemoteAddr 返回远程地址
	RemoteAddr() string
}

// DialerFunc 函数适配为 Dialer
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
