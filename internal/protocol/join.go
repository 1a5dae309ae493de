package protocol

import (
	"encoding/json"
	"time"
)

// JoinRequest 进房认证请求体（JSON）
type JoinRequest struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Buvid    string `json:"buvid"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key"`
}

// JoinReply 进房认证回应体
type JoinReply struct {
	Code int `json:"code"`
}

// MarshalJoin 序列化认证请求
func MarshalJoin(req *JoinRequest) ([]byte, error) {
	return json.Marshal(req)
}

// ParseJoinReply 解析认证回应
func ParseJoinReply(body []byte) (*JoinReply, error) {
	var reply JoinReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ForwardEnvelope 转发到下游（Kafka）的消息信封，msgpack 编码
type ForwardEnvelope struct {
	RoomID     int64     `msgpack:"room_id"`
	Seq        uint64    `msgpack:"seq"`
	ReceivedAt time.Time `msgpack:"received_at"`
	Cmd        string    `msgpack:"cmd,omitempty"`
	Body       []byte    `msgpack:"body"`
}

// JoinToken 进房凭证，每次连接前重新获取
type JoinToken struct {
	Key   string
	Hosts []string // 服务器下发的备选地址，wss://host:port/sub
}
