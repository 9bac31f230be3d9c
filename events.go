package discordgw

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluequeen/discordgw/state"
)

// Notification names raised by the client in addition to the raw dispatch
// event names (GUILD_CREATE, MESSAGE_CREATE, ...).
const (
	NotifyReady        = "ready"
	NotifyMessage      = state.AliasMessage
	NotifyMention      = "mention"
	NotifyAvailable    = "available"
	NotifyUnavailable  = "unavailable"
	NotifyHeartbeat    = "heartbeat"
	NotifyClose        = "close"
	NotifyError        = "error"
	NotifyReconnecting = "reconnecting"
	NotifyReconnectMax = "ws-reconnect-max"
	NotifyRaw          = "raw"
)

// Notification is what listeners receive. Which fields are set depends on
// Name: dispatch notifications carry Part, Prev, and Next; availability
// notifications carry GuildID; heartbeat carries Time; error and close
// carry Err.
type Notification struct {
	Name    string
	Event   string
	Part    state.Part
	Prev    *state.Snapshot
	Next    *state.Snapshot
	GuildID string
	Time    time.Time
	Err     error
	Raw     json.RawMessage
}

// Listener is a callback for notifications. Listeners run synchronously on
// the goroutine that raised the notification and must not block.
type Listener func(Notification)

type listener struct {
	id uuid.UUID
	fn Listener
}

type bus struct {
	mu     sync.RWMutex
	byName map[string][]listener
}

func newBus() *bus {
	return &bus{byName: make(map[string][]listener)}
}

func (b *bus) on(name string, fn Listener) func() {
	id := uuid.New()
	b.mu.Lock()
	b.byName[name] = append(b.byName[name], listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			ls := b.byName[name]
			for i, l := range ls {
				if l.id == id {
					b.byName[name] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) emit(n Notification) {
	b.mu.RLock()
	ls := b.byName[n.Name]
	b.mu.RUnlock()
	for _, l := range ls {
		l.fn(n)
	}
}
