package danmaku

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/pkg/config"
	"github.com/qiminjie89/danmaku/pkg/logger"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPlatform          = "web"
)

// Config 客户端配置
type Config struct {
	URL               string
	UseHostList       bool // 优先使用凭证接口下发的服务器地址
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration // 0 表示不设读超时
	WriteTimeout      time.Duration
	ProtocolVersion   int // 进房请求中的 protover，决定服务器下发消息的压缩方式
	Platform          string
	Buvid             string // 为空时按客户端生成一次
	RequireToken      bool   // 获取凭证失败时是否中止连接
	QueueLimit        int    // 0 表示不限长度
	Logger            *zap.Logger
}

// FromRelayConfig 从 YAML 配置转换
func FromRelayConfig(rc *config.RelayConfig) Config {
	return Config{
		URL:               rc.URL,
		UseHostList:       rc.UseHostList,
		HeartbeatInterval: rc.HeartbeatInterval,
		ReadTimeout:       rc.ReadTimeout,
		WriteTimeout:      rc.WriteTimeout,
		ProtocolVersion:   rc.ProtocolVersion,
		Platform:          rc.Platform,
		Buvid:             rc.Buvid,
		RequireToken:      rc.RequireToken,
		QueueLimit:        rc.QueueLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.Buvid == "" {
		c.Buvid = NewBuvid()
	}
	if c.Logger == nil {
		c.Logger = logger.L()
	}
	c.Logger = c.Logger.With(zap.String("component", "danmaku"))
	return c
}

// NewBuvid 生成设备标识，格式与网页端 buvid3 一致
func NewBuvid() string {
	return strings.ToUpper(uuid.NewString()) + "infoc"
}
