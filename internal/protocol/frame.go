package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

/*
弹幕服务器消息帧格式（大端序）：
+--------------+-------------+------------+------------+------------+-----------+
| TotalLength  | HeaderLength|  Version   | Operation  |  Sequence  |   Body    |
|   4 bytes    |   2 bytes   |  2 bytes   |  4 bytes   |  4 bytes   |   变长    |
+--------------+-------------+------------+------------+------------+-----------+
*/

const (
	HeaderSize   = 16      // 4 + 2 + 2 + 4 + 4
	MaxFrameSize = 4 << 20 // 4MB
)

// headerLengths 各协议版本对应的固定头长度
var headerLengths = map[uint16]uint16{
	VersionJSON:    HeaderSize,
	VersionControl: HeaderSize,
	VersionZlib:    HeaderSize,
	VersionBrotli:  HeaderSize,
}

// Frame 表示一个消息帧
type Frame struct {
	Version   uint16
	Operation uint32
	Sequence  uint32
	Body      []byte
}

// Len 返回帧编码后的总长度
func (f *Frame) Len() int {
	return HeaderSize + len(f.Body)
}

// HeaderLength 返回指定协议版本的头长度
func HeaderLength(version uint16) (uint16, bool) {
	n, ok := headerLengths[version]
	return n, ok
}

// Encode 以控制版本编码一个帧
func Encode(seq, op uint32, body []byte) []byte {
	return EncodeFrame(&Frame{
		Version:   VersionControl,
		Operation: op,
		Sequence:  seq,
		Body:      body,
	})
}

// EncodeFrame 编码消息帧
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, f.Len())

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderSize)
	binary.BigEndian.PutUint16(buf[6:8], f.Version)
	binary.BigEndian.PutUint32(buf[8:12], f.Operation)
	binary.BigEndian.PutUint32(buf[12:16], f.Sequence)

	copy(buf[HeaderSize:], f.Body)

	return buf
}

// Decode 解码一个完整的消息帧，data 必须恰好是一个帧
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, truncated("buffer has %d bytes, header needs %d", len(data), HeaderSize)
	}

	total, version, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	if int(total) > len(data) {
		return nil, truncated("frame claims %d bytes, buffer has %d", total, len(data))
	}
	if int(total) != len(data) {
		return nil, malformed("frame claims %d bytes, buffer has %d", total, len(data))
	}

	return newFrame(data, version), nil
}

// ReadFrame 从 reader 读取一个帧，数据读完时返回 io.EOF
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, truncated("header has %d of %d bytes", n, HeaderSize)
		}
		return nil, err
	}

	total, version, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	data := make([]byte, total)
	copy(data, header)
	if n, err := io.ReadFull(r, data[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, truncated("body has %d of %d bytes", n, int(total)-HeaderSize)
		}
		return nil, err
	}

	return newFrame(data, version), nil
}

// Split 拆分一段连续拼接的多个帧（解压后的批量消息）
func Split(data []byte) ([]*Frame, error) {
	r := bytes.NewReader(data)

	var frames []*Frame
	for {
		f, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// parseHeader 校验头部长度不变量，返回帧总长度和协议版本
func parseHeader(header []byte) (uint32, uint16, error) {
	total := binary.BigEndian.Uint32(header[0:4])
	headerLen := binary.BigEndian.Uint16(header[4:6])
	version := binary.BigEndian.Uint16(header[6:8])

	want, ok := HeaderLength(version)
	if !ok {
		return 0, 0, malformed("unknown protocol version %d", version)
	}
	if headerLen != want {
		return 0, 0, malformed("header length %d, version %d requires %d", headerLen, version, want)
	}
	if total < uint32(headerLen) {
		return 0, 0, malformed("total length %d shorter than header %d", total, headerLen)
	}
	if total > MaxFrameSize {
		return 0, 0, malformed("total length %d exceeds %d", total, MaxFrameSize)
	}

	return total, version, nil
}

func newFrame(data []byte, version uint16) *Frame {
	var body []byte
	if len(data) > HeaderSize {
		body = make([]byte, len(data)-HeaderSize)
		copy(body, data[HeaderSize:])
	}

	return &Frame{
		Version:   version,
		Operation: binary.BigEndian.Uint32(data[8:12]),
		Sequence:  binary.BigEndian.Uint32(data[12:16]),
		Body:      body,
	}
}

// ParsePopularity 解析心跳回应中的人气值
func ParsePopularity(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("heartbeat ack body too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}
