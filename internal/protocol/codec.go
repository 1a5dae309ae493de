package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeEnvelope 使用 msgpack 编码转发信封
func EncodeEnvelope(env *ForwardEnvelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// DecodeEnvelope 使用 msgpack 解码转发信封
func DecodeEnvelope(data []byte) (*ForwardEnvelope, error) {
	var env ForwardEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
