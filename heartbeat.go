package discordgw

import (
	"sync"
	"time"

	"github.com/bluequeen/discordgw/frame"
)

// heartbeat runs one periodic ticker at a time.
type heartbeat struct {
	mu   sync.Mutex
	quit chan struct{}
}

// start replaces any running ticker with one that calls fn every interval.
func (h *heartbeat) start(interval time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.quit != nil {
		close(h.quit)
		h.quit = nil
	}
	if interval <= 0 {
		return
	}
	quit := make(chan struct{})
	h.quit = quit

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.quit != nil {
		close(h.quit)
		h.quit = nil
	}
}

// beat queues one heartbeat carrying the current time in milliseconds.
func (c *Client) beat() {
	now := time.Now()
	if err := c.trySend(frame.OpHeartbeat, now.UnixMilli()); err != nil {
		c.log.Warn("heartbeat not sent", "error", err)
		return
	}
	c.metrics.heartbeats.Inc()
	c.bus.emit(Notification{Name: NotifyHeartbeat, Time: now})
}
