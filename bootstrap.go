package discordgw

import (
	"sync"
	"time"
)

// bootstrap defers the ready notification until every guild that READY
// listed as unavailable has arrived, or until timeout. Ready fires at most
// once per client; guilds that arrive late still raise available.
type bootstrap struct {
	timeout     time.Duration
	onReady     func()
	onAvailable func(guildID string)
	onPending   func(n int)

	mu      sync.Mutex
	pending map[string]struct{}
	waiting bool
	fired   bool
	timer   *time.Timer
}

// begin starts bootstrapping with the given unavailable guild ids. With one
// or none outstanding, ready fires immediately.
func (b *bootstrap) begin(pending []string) {
	b.mu.Lock()
	b.pending = make(map[string]struct{}, len(pending))
	for _, id := range pending {
		b.pending[id] = struct{}{}
	}
	n := len(b.pending)
	if n > 1 && !b.fired {
		b.waiting = true
		b.timer = time.AfterFunc(b.timeout, b.expire)
		b.mu.Unlock()
		b.reportPending(n)
		return
	}
	b.mu.Unlock()
	b.reportPending(n)
	b.fire()
}

// available records that a guild arrived via GUILD_CREATE.
func (b *bootstrap) available(id string) {
	b.mu.Lock()
	if _, ok := b.pending[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)
	n := len(b.pending)
	done := b.waiting && n == 0
	if done {
		b.waiting = false
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
	b.mu.Unlock()

	b.reportPending(n)
	if b.onAvailable != nil {
		b.onAvailable(id)
	}
	if done {
		b.fire()
	}
}

func (b *bootstrap) expire() {
	b.mu.Lock()
	b.waiting = false
	b.timer = nil
	b.mu.Unlock()
	b.fire()
}

func (b *bootstrap) fire() {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	b.fired = true
	b.mu.Unlock()
	if b.onReady != nil {
		b.onReady()
	}
}

func (b *bootstrap) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.waiting = false
}

// Pending returns the number of guilds still awaited.
func (b *bootstrap) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *bootstrap) reportPending(n int) {
	if b.onPending != nil {
		b.onPending(n)
	}
}
