// Package protocol 定义直播弹幕协议的帧格式、操作码和消息体
package protocol

// 操作码
const (
	OpHeartbeat    uint32 = 2 // 心跳请求
	OpHeartbeatAck uint32 = 3 // 心跳回应，body 为人气值
	OpMessage      uint32 = 5 // 弹幕/通知消息，body 对核心透明
	OpJoin         uint32 = 7 // 进房认证请求
	OpJoinAck      uint32 = 8 // 进房认证回应
)

// 协议版本（帧头 Version 字段）
const (
	VersionJSON    uint16 = 0 // 明文 JSON
	VersionControl uint16 = 1 // 心跳/认证等控制帧
	VersionZlib    uint16 = 2 // zlib 压缩的批量帧
	VersionBrotli  uint16 = 3 // brotli 压缩的批量帧
)

// OpName 返回操作码名称，用于日志和监控标签
func OpName(op uint32) string {
	switch op {
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	case OpMessage:
		return "message"
	case OpJoin:
		return "join"
	case OpJoinAck:
		return "join_ack"
	default:
		return "unknown"
	}
}
