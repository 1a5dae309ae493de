package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
	RoomID        int64   `json:"room_id"`
	State         string  `json:"state"`
	Connected     bool    `json:"connected"`
	SocketHealthy bool    `json:"socket_healthy"`
	Joined        bool    `json:"joined"`
	Popularity    uint32  `json:"popularity"`
	SinkHealthy   *bool   `json:"sink_healthy,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// healthChecker 可报告健康状态的下游
type healthChecker interface {
	IsHealthy() bool
}

// Handler 返回 /health 和 /metrics 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// runHTTPServer 运行健康检查和监控服务
func (s *Server) runHTTPServer() {
	s.log.Info("starting health server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("health server error", zap.Error(err))
	}
}

// healthHandler 健康检查处理
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		RoomID:        s.roomID,
		State:         s.client.State().String(),
		Connected:     s.client.IsConnected(),
		SocketHealthy: s.client.IsHealthy(),
		Joined:        s.client.Joined(),
		Popularity:    s.client.Popularity(),
	}
	if hc, ok := s.sink.(healthChecker); ok {
		sinkHealthy := hc.IsHealthy()
		health.SinkHealthy = &sinkHealthy
	}
	if !s.startedAt.IsZero() {
		health.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case !health.Connected:
		health.Reason = "disconnected"
	case !health.SocketHealthy:
		health.Reason = "socket_unhealthy"
	case health.SinkHealthy != nil && !*health.SinkHealthy:
		health.Reason = "sink_unhealthy"
	}

	if health.Reason == "" {
		health.Status = "healthy"
		w.WriteHeader(http.StatusOK)
	} else {
		health.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(health)
}
