package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bluequeen/discordgw/cache"
)

// ErrMalformedPayload is returned by Parse when a payload is not valid JSON
// or lacks a required field.
var ErrMalformedPayload = errors.New("state: malformed payload")

// Event is a dispatch event tag (the "t" field of an op 0 frame).
type Event string

const (
	EventReady             Event = "READY"
	EventGuildCreate       Event = "GUILD_CREATE"
	EventGuildUpdate       Event = "GUILD_UPDATE"
	EventGuildDelete       Event = "GUILD_DELETE"
	EventChannelCreate     Event = "CHANNEL_CREATE"
	EventChannelUpdate     Event = "CHANNEL_UPDATE"
	EventChannelDelete     Event = "CHANNEL_DELETE"
	EventGuildMemberAdd    Event = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate Event = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove Event = "GUILD_MEMBER_REMOVE"
	EventPresenceUpdate    Event = "PRESENCE_UPDATE"
	EventMessageCreate     Event = "MESSAGE_CREATE"
	EventVoiceStateUpdate  Event = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate Event = "VOICE_SERVER_UPDATE"
)

// Part is the typed decode of an event payload.
type Part any

// Handler decodes and applies one event type.
type Handler interface {
	// Parse decodes a raw payload. Unknown fields are ignored.
	Parse(data json.RawMessage) (Part, error)
	// Apply returns the snapshot that results from part. It must not
	// modify s; when the event refers to nothing known, s itself is
	// returned.
	Apply(part Part, s *Snapshot) *Snapshot
}

// Indexer is implemented by handlers that mirror their result into the
// entity cache. next is the snapshot Apply returned.
type Indexer interface {
	Index(part Part, next *Snapshot, c *cache.Cache)
}

// Entry is a registered handler and the extra notification names it raises.
type Entry struct {
	Event   Event
	Handler Handler
	Aliases []string
}

// Registry maps event tags to handlers. It is populated once and read
// concurrently afterwards.
type Registry struct {
	entries map[Event]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Event]Entry)}
}

// Register binds h to ev, replacing any earlier binding.
func (r *Registry) Register(ev Event, h Handler, aliases ...string) {
	r.entries[ev] = Entry{Event: ev, Handler: h, Aliases: aliases}
}

// Lookup returns the entry registered for the event name t.
func (r *Registry) Lookup(t string) (Entry, bool) {
	e, ok := r.entries[Event(t)]
	return e, ok
}

// Len returns the number of registered events.
func (r *Registry) Len() int { return len(r.entries) }

// handler adapts typed functions to Handler and Indexer. required lists the
// names of missing mandatory fields.
type handler[T any] struct {
	required func(*T) []string
	apply    func(*T, *Snapshot) *Snapshot
	index    func(*T, *Snapshot, *cache.Cache)
}

func (h handler[T]) Parse(data json.RawMessage) (Part, error) {
	p := new(T)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if h.required != nil {
		if missing := h.required(p); len(missing) > 0 {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
		}
	}
	return p, nil
}

func (h handler[T]) Apply(part Part, s *Snapshot) *Snapshot {
	p, ok := part.(*T)
	if !ok || h.apply == nil {
		return s
	}
	return h.apply(p, s)
}

func (h handler[T]) Index(part Part, next *Snapshot, c *cache.Cache) {
	p, ok := part.(*T)
	if !ok || h.index == nil {
		return
	}
	h.index(p, next, c)
}

// missing collects the names whose values are empty.
func missing(fields ...string) []string {
	var out []string
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			out = append(out, fields[i])
		}
	}
	return out
}
