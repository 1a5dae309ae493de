package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated       = errors.New("truncated frame")
	ErrMalformedHeader = errors.New("malformed frame header")
)

// DecodeErrorKind 解码错误分类
type DecodeErrorKind int

const (
	DecodeTruncated       DecodeErrorKind = iota // 缓冲区短于帧声明的长度
	DecodeMalformedHeader                        // 长度不变量被破坏
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeTruncated:
		return "truncated"
	case DecodeMalformedHeader:
		return "malformed_header"
	default:
		return "unknown"
	}
}

// DecodeError 帧解码错误
type DecodeError struct {
	Kind DecodeErrorKind
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s: %s", e.Kind, e.Msg)
}

// Is 支持 errors.Is(err, ErrTruncated) 这类按分类匹配
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == DecodeTruncated
	case ErrMalformedHeader:
		return e.Kind == DecodeMalformedHeader
	}
	return false
}

// IsDecodeError 判断是否为帧解码错误
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func truncated(format string, args ...any) error {
	return &DecodeError{Kind: DecodeTruncated, Msg: fmt.Sprintf(format, args...)}
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: DecodeMalformedHeader, Msg: fmt.Sprintf(format, args...)}
}
