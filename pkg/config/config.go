// Package config 提供配置加载功能
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 弹幕客户端配置
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	API     APIConfig     `yaml:"api"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RelayConfig 弹幕服务器连接配置
type RelayConfig struct {
	URL               string        `yaml:"url"`
	UseHostList       bool          `yaml:"use_host_list"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProtocolVersion   int           `yaml:"protocol_version"`
	Platform          string        `yaml:"platform"`
	Buvid             string        `yaml:"buvid"`
	RequireToken      bool          `yaml:"require_token"`
	QueueLimit        int           `yaml:"queue_limit"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // 0 表示不自动重连
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`
}

// APIConfig 直播 HTTP 接口配置
type APIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	ReportHistory bool          `yaml:"report_history"`
	CSRF          string        `yaml:"csrf"`
	Cookie        string        `yaml:"cookie"`
	UserAgent     string        `yaml:"user_agent"`
}

// KafkaConfig Kafka 转发配置，Brokers 为空时不转发
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	ExpandEvents bool          `yaml:"expand_events"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:               "ws://broadcastlv.chat.bilibili.com:2244/sub",
			HandshakeTimeout:  10 * time.Second,
			ReadTimeout:       70 * time.Second,
			WriteTimeout:      5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			ProtocolVersion:   2,
			Platform:          "web",
			ReadBufferSize:    4096,
			WriteBufferSize:   1024,
		},
		API: APIConfig{
			BaseURL:   "https://api.live.bilibili.com",
			Timeout:   5 * time.Second,
			UserAgent: "Mozilla/5.0",
		},
		Kafka: KafkaConfig{
			Topic:        "danmaku",
			BatchTimeout: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

// LoadConfig 加载配置，未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay.heartbeat_interval must be positive")
	}
	if c.Relay.ReadTimeout > 0 && c.Relay.ReadTimeout <= c.Relay.HeartbeatInterval {
		return fmt.Errorf("relay.read_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Relay.ReadTimeout, c.Relay.HeartbeatInterval)
	}
	if c.Relay.ReconnectInterval < 0 {
		return fmt.Errorf("relay.reconnect_interval must not be negative")
	}
	if c.Relay.ProtocolVersion < 0 || c.Relay.ProtocolVersion > 3 {
		return fmt.Errorf("relay.protocol_version %d out of range 0-3", c.Relay.ProtocolVersion)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}
