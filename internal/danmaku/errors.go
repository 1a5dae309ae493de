package danmaku

import (
	"errors"
	"fmt"

	"github.com/qiminjie89/danmaku/internal/protocol"
)

var (
	ErrNotConnected = errors.New("danmaku: not connected")
	ErrUnhealthy    = errors.New("danmaku: socket unhealthy")
)

// TransportError 拨号、读、写失败
//
// 读写失败会把 socket 健康标记置为 false，但不会自动断开。
type TransportError struct {
	Op  string // dial, read, write
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("danmaku transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TokenFetchError 获取进房凭证失败
type TokenFetchError struct {
	RoomID int64
	Err    error
}

func (e *TokenFetchError) Error() string {
	return fmt.Sprintf("danmaku fetch token for room %d: %v", e.RoomID, e.Err)
}

func (e *TokenFetchError) Unwrap() error {
	return e.Err
}

// ProtocolError 意外的操作码或握手回应，只记录不断开
type ProtocolError struct {
	Operation uint32
	Msg       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("danmaku protocol: op %d (%s): %s", e.Operation, protocol.OpName(e.Operation), e.Msg)
}
