package danmaku

import (
	"sync"
	"time"
)

// Heartbeat 固定周期的重复定时器
//
// Start 最多生效一次；Stop 之后不会再触发，且 Stop 会等待正在执行的回调返回。
type Heartbeat struct {
	interval time.Duration
	fire     func()

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewHeartbeat 创建心跳定时器，尚未启动
func NewHeartbeat(interval time.Duration, fire func()) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		fire:     fire,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动定时器，已启动或已停止时返回 false
func (h *Heartbeat) Start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.stopped {
		return false
	}
	h.started = true

	go h.loop()
	return true
}

// Stop 同步取消定时器
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	close(h.stopCh)
	h.mu.Unlock()

	if started {
		<-h.done
	}
}

func (h *Heartbeat) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			// 同时就绪时优先响应停止
			select {
			case <-h.stopCh:
				return
			default:
			}
			h.fire()
		}
	}
}
