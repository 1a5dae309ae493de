// Package liveapi 封装弹幕连接所需的直播 HTTP 接口：获取进房凭证、上报观看历史
package liveapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/internal/protocol"
	"github.com/qiminjie89/danmaku/pkg/logger"
)

const (
	danmuInfoPath   = "/xlive/web-room/v1/index/getDanmuInfo"
	roomEntryPath   = "/xlive/web-room/v1/index/roomEntryAction"
	maxResponseSize = 1 << 20
)

var ErrUnexpectedPayload = errors.New("unexpected response payload")

// APIError 接口返回非零 code
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("live api error: code=%d, message=%s", e.Code, e.Message)
}

// Config 客户端配置
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	CSRF      string
	Cookie    string
	UserAgent string
}

// Client 直播 HTTP 接口客户端
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With(zap.String("component", "liveapi")),
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type danmuInfo struct {
	Token    string `json:"token"`
	HostList []struct {
		Host    string `json:"host"`
		Port    int    `json:"port"`
		WssPort int    `json:"wss_port"`
		WsPort  int    `json:"ws_port"`
	} `json:"host_list"`
}

// FetchToken 获取指定房间的进房凭证
func (c *Client) FetchToken(ctx context.Context, roomID int64) (*protocol.JoinToken, error) {
	q := url.Values{}
	q.Set("type", "0")
	q.Set("id", strconv.FormatInt(roomID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+danmuInfoPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var info danmuInfo
	if err := c.do(req, &info); err != nil {
		return nil, fmt.Errorf("get danmu info for room %d: %w", roomID, err)
	}
	if info.Token == "" {
		return nil, fmt.Errorf("get danmu info for room %d: empty token: %w", roomID, ErrUnexpectedPayload)
	}

	token := &protocol.JoinToken{Key: info.Token}
	for _, h := range info.HostList {
		if h.Host == "" || h.WssPort == 0 {
			continue
		}
		token.Hosts = append(token.Hosts, fmt.Sprintf("wss://%s:%d/sub", h.Host, h.WssPort))
	}

	return token, nil
}

// ReportHistory 上报观看历史，失败只记录日志
func (c *Client) ReportHistory(ctx context.Context, roomID int64) {
	form := url.Values{}
	form.Set("room_id", strconv.FormatInt(roomID, 10))
	form.Set("platform", "pc")
	form.Set("csrf", c.cfg.CSRF)
	form.Set("csrf_token", c.cfg.CSRF)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+roomEntryPath, strings.NewReader(form.Encode()))
	if err != nil {
		c.log.Error("report live history", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := c.do(req, nil); err != nil {
		c.log.Error("report live history", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}

	c.log.Debug("report live history", zap.Int64("room_id", roomID))
}

// do 发送请求并解析统一的 {code, message, data} 响应
func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
	}
	return nil
}
