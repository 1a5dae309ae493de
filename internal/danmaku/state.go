package danmaku

// State 连接状态
type State int32

const (
	StateDisconnected State = iota // 未连接
	StateConnecting                // 正在获取凭证/拨号
	StateConnected                 // 传输层已建立
	StateClosing                   // 正在断开，或传输层出错等待调用方断开
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session 一次连接对应的房间和观众身份
type Session struct {
	RoomID   int64
	ViewerID int64  // 0 表示匿名
	Token    string // 每次连接前重新获取，不跨连接缓存
}
