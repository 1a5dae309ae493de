// Package livemsg 解析消息帧的 body：按协议版本解压，拆分内层帧，提取 cmd
package livemsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"

	"github.com/qiminjie89/danmaku/internal/protocol"
)

// MaxDecompressedSize 单个 body 解压后的上限
const MaxDecompressedSize = 16 << 20

// 常见 cmd
const (
	CmdDanmu        = "DANMU_MSG"
	CmdSendGift     = "SEND_GIFT"
	CmdSuperChat    = "SUPER_CHAT_MESSAGE"
	CmdInteractWord = "INTERACT_WORD"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrTooLarge           = errors.New("decompressed body too large")
)

// Event 一条业务事件
type Event struct {
	Cmd string          // 去掉 ":" 后缀的 cmd，如 DANMU_MSG
	Raw json.RawMessage // 原始 JSON
}

// Decode 解析消息 body
//
// version 0/1 为单条 JSON；2/3 为压缩后的多个内层帧，每个内层帧再按自身版本解析。
func Decode(body []byte, version uint16) ([]Event, error) {
	switch version {
	case protocol.VersionJSON, protocol.VersionControl:
		ev, err := parseEvent(body)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil

	case protocol.VersionZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer r.Close()
		return decodeBatch(r)

	case protocol.VersionBrotli:
		return decodeBatch(brotli.NewReader(bytes.NewReader(body)))

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// decodeBatch 解压后拆分内层帧，单个内层帧失败不影响其他帧
func decodeBatch(r io.Reader) ([]Event, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(data) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}

	frames, splitErr := protocol.Split(data)

	var events []Event
	var errs []error
	for _, f := range frames {
		if f.Operation != protocol.OpMessage {
			continue
		}
		if f.Version == protocol.VersionZlib || f.Version == protocol.VersionBrotli {
			errs = append(errs, fmt.Errorf("nested compressed frame (version %d)", f.Version))
			continue
		}
		inner, err := Decode(f.Body, f.Version)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, inner...)
	}
	if splitErr != nil {
		errs = append(errs, splitErr)
	}

	return events, errors.Join(errs...)
}

func parseEvent(body []byte) (Event, error) {
	var head struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}

	cmd := head.Cmd
	if i := strings.IndexByte(cmd, ':'); i >= 0 {
		cmd = cmd[:i]
	}

	return Event{Cmd: cmd, Raw: json.RawMessage(body)}, nil
}

// Danmu 弹幕内容
type Danmu struct {
	UID      int64
	Username string
	Text     string
}

// ParseDanmu 从 DANMU_MSG 事件中提取发送者和文本
//
// info[1] 为文本，info[2] 为 [uid, uname, ...]。
func ParseDanmu(ev Event) (*Danmu, error) {
	if ev.Cmd != CmdDanmu {
		return nil, fmt.Errorf("not a danmu event: %s", ev.Cmd)
	}

	var msg struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(ev.Raw, &msg); err != nil {
		return nil, fmt.Errorf("parse danmu: %w", err)
	}
	if len(msg.Info) < 3 {
		return nil, fmt.Errorf("parse danmu: info has %d fields", len(msg.Info))
	}

	var d Danmu
	if err := json.Unmarshal(msg.Info[1], &d.Text); err != nil {
		return nil, fmt.Errorf("parse danmu text: %w", err)
	}

	var user []json.RawMessage
	if err := json.Unmarshal(msg.Info[2], &user); err != nil {
		return nil, fmt.Errorf("parse danmu user: %w", err)
	}
	if len(user) >= 2 {
		json.Unmarshal(user[0], &d.UID)
		json.Unmarshal(user[1], &d.Username)
	}

	return &d, nil
}
